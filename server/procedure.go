package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"strings"

	"wirebus/message"
)

var (
	// ErrInvalidTarget is returned when registering under a blank target name.
	ErrInvalidTarget = errors.New("server: blank target name")
	// ErrNilProcedure is returned when registering a nil procedure.
	ErrNilProcedure = errors.New("server: procedure is nil")
	// ErrNotFunction is returned when the registered value is not a function.
	ErrNotFunction = errors.New("server: procedure must be a function")
	// ErrUnsupportedSignature is returned when a procedure's signature cannot
	// be bound from decoded JSON arguments.
	ErrUnsupportedSignature = errors.New("server: unsupported procedure signature")
)

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// procedure is one registered target: a plain Go function plus the reflection
// metadata needed to bind JSON arguments positionally at dispatch time.
type procedure struct {
	name         string
	fn           reflect.Value
	params       []reflect.Type
	returnsValue bool // first result carries the call result
	returnsError bool // last result is an error
}

// newProcedure validates fn's signature and captures its parameter types.
// Allowed result shapes are (), (T), (error), and (T, error).
func newProcedure(target string, fn any) (*procedure, error) {
	if strings.TrimSpace(target) == "" {
		return nil, ErrInvalidTarget
	}
	if fn == nil {
		return nil, ErrNilProcedure
	}
	t := reflect.TypeOf(fn)
	if t.Kind() != reflect.Func {
		return nil, fmt.Errorf("%w: got %s", ErrNotFunction, t.Kind())
	}
	if t.IsVariadic() {
		return nil, fmt.Errorf("%w: variadic functions are not supported", ErrUnsupportedSignature)
	}

	params := make([]reflect.Type, t.NumIn())
	for i := 0; i < t.NumIn(); i++ {
		in := t.In(i)
		if err := checkParamType(in); err != nil {
			return nil, fmt.Errorf("%w: parameter %d: %v", ErrUnsupportedSignature, i, err)
		}
		params[i] = in
	}

	p := &procedure{name: target, fn: reflect.ValueOf(fn), params: params}

	switch t.NumOut() {
	case 0:
	case 1:
		if t.Out(0) == errorType {
			p.returnsError = true
		} else {
			p.returnsValue = true
		}
	case 2:
		if t.Out(0) == errorType || t.Out(1) != errorType {
			return nil, fmt.Errorf("%w: results must be (T, error)", ErrUnsupportedSignature)
		}
		p.returnsValue = true
		p.returnsError = true
	default:
		return nil, fmt.Errorf("%w: too many return values", ErrUnsupportedSignature)
	}
	return p, nil
}

// checkParamType rejects parameter types that cannot round-trip through the
// JSON argument decoder. Narrow numeric kinds decode via float64 and would
// silently truncate, so they are refused at registration time rather than
// failing obscurely at call time. Pointers are checked one level deep.
func checkParamType(t reflect.Type) error {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Int8, reflect.Int16, reflect.Int32,
		reflect.Uint8, reflect.Uint16, reflect.Uint32,
		reflect.Float32:
		return fmt.Errorf("narrow numeric type %s", t)
	case reflect.Complex64, reflect.Complex128:
		return fmt.Errorf("complex type %s", t)
	case reflect.Chan, reflect.Func, reflect.UnsafePointer, reflect.Uintptr:
		return fmt.Errorf("non-serializable type %s", t)
	case reflect.Interface:
		if t.NumMethod() != 0 {
			return fmt.Errorf("non-empty interface %s", t)
		}
	}
	return nil
}

// invoke binds args to the procedure's parameters and calls it.
// The returned ErrorInfo is non-nil on any failure: wrong arity, an argument
// that does not decode, a returned error, or a panic inside the procedure.
func (p *procedure) invoke(args []json.RawMessage) (result any, fault *message.ErrorInfo) {
	if len(args) != len(p.params) {
		return nil, &message.ErrorInfo{
			Message: fmt.Sprintf("%s expects %d arguments, got %d", p.name, len(p.params), len(args)),
		}
	}

	in := make([]reflect.Value, len(args))
	for i, raw := range args {
		v := reflect.New(p.params[i])
		if err := json.Unmarshal(raw, v.Interface()); err != nil {
			return nil, &message.ErrorInfo{
				Message: fmt.Sprintf("argument %d: %v", i, err),
			}
		}
		in[i] = v.Elem()
	}

	// A panicking procedure must not take down its dispatch goroutine; the
	// panic value and stack become the failure payload instead.
	defer func() {
		if r := recover(); r != nil {
			result = nil
			fault = &message.ErrorInfo{
				Message:    fmt.Sprint(r),
				Stacktrace: string(debug.Stack()),
			}
		}
	}()

	out := p.fn.Call(in)

	if p.returnsError {
		errv := out[len(out)-1]
		if !errv.IsNil() {
			err := errv.Interface().(error)
			return nil, &message.ErrorInfo{
				Message:    rootCause(err).Error(),
				Stacktrace: err.Error(),
			}
		}
	}
	if p.returnsValue {
		return out[0].Interface(), nil
	}
	return nil, nil
}

// rootCause unwraps err to its innermost cause.
func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}
