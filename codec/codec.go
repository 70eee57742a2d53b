// Package codec provides the structured-value encoder used to put frames on
// the wire. Every implementation must produce JSON text preserving the exact
// field names of the message types; peers classify frames by field presence,
// so the wire format is always JSON, and codecs differ only in how they
// produce it.
package codec

import "errors"

var ErrUnknownCodec = errors.New("codec: unknown codec name")

const (
	NameJSON     = "json"
	NameFastJSON = "fastjson"
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Name() string
}

// Get returns the codec registered under the given name.
func Get(name string) (Codec, error) {
	switch name {
	case NameJSON:
		return &JSONCodec{}, nil
	case NameFastJSON:
		return &FastJSONCodec{}, nil
	}
	return nil, ErrUnknownCodec
}

// Default is the codec used when none is configured.
func Default() Codec {
	return &JSONCodec{}
}
