package codec

import (
	jsoniter "github.com/json-iterator/go"
)

// fastAPI is configured for full compatibility with encoding/json so both
// codecs emit byte-identical frames, including json.RawMessage handling.
var fastAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// FastJSONCodec produces the same wire bytes as JSONCodec through
// json-iterator, trading the stdlib's reflection cost for code generated at
// first use. Useful on broadcast-heavy servers where every publish is
// serialized once but requests are decoded per connection.
type FastJSONCodec struct{}

func (c *FastJSONCodec) Encode(v any) ([]byte, error) {
	return fastAPI.Marshal(v)
}

func (c *FastJSONCodec) Decode(data []byte, v any) error {
	return fastAPI.Unmarshal(data, v)
}

func (c *FastJSONCodec) Name() string {
	return NameFastJSON
}
