// Package message defines the three wire shapes exchanged between peers and
// classifies raw inbound frames into them.
//
// Frames are plain JSON text, distinguished purely by which fields they carry:
//
//   - Request:  {"Target": "...", "Call": "...", "Arguments": [...]}
//   - Response: {"Target": "...", "Success": true|false, "Result": ...}
//   - Publish:  {"Topic": "...", "Arguments": [...]}
//
// Classification happens exactly once, at parse time, and yields a tagged
// Frame. Everything downstream switches on Frame.Kind instead of probing
// fields again.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMalformedFrame = errors.New("message: malformed frame")
	ErrUnknownFrame   = errors.New("message: frame matches no known shape")
	ErrInvalidRequest = errors.New("message: blank target or call id")
)

// Request asks the remote side to invoke a registered procedure.
//
// Target names the procedure, Call is the caller-generated correlation id
// echoed back in the response, Arguments bind positionally to the procedure's
// parameters. Elements stay raw until dispatch so the serving side can decode
// each one into the declared parameter type.
type Request struct {
	Target    string
	Call      string
	Arguments []json.RawMessage
}

// Response is the single terminal answer to a Request. Its Target field
// carries the request's Call id, not a procedure name.
//
// Success is a pointer so the inbound path can represent a frame whose
// Success token was present but not a JSON boolean; such a response is
// classified but must not fire any callback. Outbound constructors always
// set it.
type Response struct {
	Target  string
	Success *bool
	Result  json.RawMessage
}

// Publish carries a topic event fanned out to every connected peer.
type Publish struct {
	Topic     string
	Arguments []json.RawMessage
}

// ErrorInfo is the Result payload of a failed response.
type ErrorInfo struct {
	Message    string
	Stacktrace string
}

// Kind tags a classified frame.
type Kind int

const (
	KindRequest Kind = iota
	KindResponse
	KindPublish
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindPublish:
		return "publish"
	}
	return "unknown"
}

// Frame is the tagged union produced by Classify. Exactly one of the three
// pointers is non-nil, matching Kind.
type Frame struct {
	Kind     Kind
	Request  *Request
	Response *Response
	Publish  *Publish
}

// Classify decodes one raw frame and decides its shape by field presence.
// Precedence: a "Call" field makes it a Request, else a "Topic" field makes
// it a Publish, else "Success" together with "Target" makes it a Response.
// Anything else is ErrUnknownFrame.
func Classify(data []byte) (*Frame, error) {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch {
	case hasField(env, "Call"):
		req := &Request{}
		if err := json.Unmarshal(data, req); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return &Frame{Kind: KindRequest, Request: req}, nil

	case hasField(env, "Topic"):
		pub := &Publish{}
		if err := json.Unmarshal(data, pub); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return &Frame{Kind: KindPublish, Publish: pub}, nil

	case hasField(env, "Success") && hasField(env, "Target"):
		resp := &Response{Result: env["Result"]}
		if err := json.Unmarshal(env["Target"], &resp.Target); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		// A non-boolean Success token leaves resp.Success nil; the caller
		// logs it as a malformed response after claiming the pending entry.
		var ok bool
		if err := json.Unmarshal(env["Success"], &ok); err == nil {
			resp.Success = &ok
		}
		return &Frame{Kind: KindResponse, Response: resp}, nil
	}

	return nil, ErrUnknownFrame
}

func hasField(env map[string]json.RawMessage, name string) bool {
	_, ok := env[name]
	return ok
}

// Validate rejects requests whose Target or Call id is missing, empty, or
// all whitespace. Such requests are dropped before dispatch; there is no
// reliable id to correlate a response to.
func (r *Request) Validate() error {
	if strings.TrimSpace(r.Target) == "" || strings.TrimSpace(r.Call) == "" {
		return ErrInvalidRequest
	}
	return nil
}

// NewRequest builds an outbound request, marshaling each argument.
func NewRequest(target, call string, args []any) (*Request, error) {
	raws, err := marshalArgs(args)
	if err != nil {
		return nil, err
	}
	return &Request{Target: target, Call: call, Arguments: raws}, nil
}

// NewPublish builds an outbound publish frame, marshaling each argument.
func NewPublish(topic string, args []any) (*Publish, error) {
	raws, err := marshalArgs(args)
	if err != nil {
		return nil, err
	}
	return &Publish{Topic: topic, Arguments: raws}, nil
}

// NewResult builds a successful response for the given call id. A nil result
// serializes as null, so the Result field is always present on the wire.
func NewResult(call string, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	ok := true
	return &Response{Target: call, Success: &ok, Result: raw}, nil
}

// NewFault builds a failed response carrying the failure cause.
func NewFault(call string, info *ErrorInfo) *Response {
	raw, _ := json.Marshal(info)
	ok := false
	return &Response{Target: call, Success: &ok, Result: raw}
}

// Args decodes the Result into positional callback arguments. A JSON array
// spreads element-wise; any other value, including null, is wrapped into a
// single-element slice so callbacks always receive positional arguments
// uniformly.
func (r *Response) Args() []any {
	if len(r.Result) == 0 {
		return []any{nil}
	}
	var v any
	if err := json.Unmarshal(r.Result, &v); err != nil {
		return []any{nil}
	}
	if list, ok := v.([]any); ok {
		return list
	}
	return []any{v}
}

// Args decodes each published argument into a generic value.
func (p *Publish) Args() []any {
	out := make([]any, len(p.Arguments))
	for i, raw := range p.Arguments {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			out[i] = v
		}
	}
	return out
}

func marshalArgs(args []any) ([]json.RawMessage, error) {
	raws := make([]json.RawMessage, len(args))
	for i, a := range args {
		raw, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("%w: argument %d: %v", ErrMalformedFrame, i, err)
		}
		raws[i] = raw
	}
	return raws, nil
}
