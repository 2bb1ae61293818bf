package codec

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var _json = jsoniter.ConfigCompatibleWithStandardLibrary

// JSON is the default header and payload strategy.
var JSON Codec = jsonCodec{}

// InvalidJSONError reports text that failed to parse as JSON.
type InvalidJSONError struct {
	Raw string
	Err error
}

func (e *InvalidJSONError) Error() string {
	raw := e.Raw
	if len(raw) > 128 {
		raw = raw[:128] + "..."
	}
	return fmt.Sprintf("codec: invalid json %q: %v", raw, e.Err)
}

func (e *InvalidJSONError) Unwrap() error {
	return e.Err
}

type jsonCodec struct{}

func (jsonCodec) Name() string        { return "json" }
func (jsonCodec) ContentType() string { return "application/json" }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return _json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := _json.Unmarshal(data, v); err != nil {
		return &InvalidJSONError{Raw: string(data), Err: err}
	}
	return nil
}
