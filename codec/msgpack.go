package codec

import (
	"reflect"

	msgpack "github.com/hashicorp/go-msgpack/v2/codec"
)

// Msgpack is a compact binary alternative to JSON for headers and payloads.
var Msgpack Codec = newMsgpackCodec()

type msgpackCodec struct {
	h *msgpack.MsgpackHandle
}

func newMsgpackCodec() msgpackCodec {
	h := &msgpack.MsgpackHandle{}
	h.MapType = reflect.TypeOf(map[string]any(nil))
	h.RawToString = true
	h.WriteExt = true
	return msgpackCodec{h: h}
}

func (msgpackCodec) Name() string        { return "msgpack" }
func (msgpackCodec) ContentType() string { return "application/msgpack" }

func (c msgpackCodec) Marshal(v any) ([]byte, error) {
	var out []byte
	if err := msgpack.NewEncoderBytes(&out, c.h).Encode(v); err != nil {
		return nil, err
	}
	return out, nil
}

func (c msgpackCodec) Unmarshal(data []byte, v any) error {
	return msgpack.NewDecoderBytes(data, c.h).Decode(v)
}
