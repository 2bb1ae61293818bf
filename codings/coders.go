package codings

import (
	"fmt"
	"io"
	"reflect"

	"github.com/lcx/packetflow/codec"
	"google.golang.org/protobuf/proto"
)

// RegisterDefaults installs the built-in coders for buffers, strings,
// streams, structured values and protobuf messages.
func RegisterDefaults(m *Mappings) {
	m.AddEncodeHandler(KindBuffer, CoderFunc(encodeBuffer))
	m.AddDecodeHandler(KindBuffer, CoderFunc(decodeBuffer))
	m.AddEncodeHandler(KindString, CoderFunc(encodeString))
	m.AddDecodeHandler(KindString, CoderFunc(decodeString))
	m.AddEncodeHandler(KindStream, CoderFunc(passThrough))
	m.AddDecodeHandler(KindStream, CoderFunc(passThrough))
	m.AddEncodeHandler(KindJSON, CoderFunc(encodeStructured))
	m.AddDecodeHandler(KindJSON, CoderFunc(decodeStructured))
	m.AddEncodeHandler(KindProto, CoderFunc(encodeProto))
	m.AddDecodeHandler(KindProto, CoderFunc(decodeProto))
}

func passThrough(_ *Context, input any) (any, error) {
	return input, nil
}

func encodeBuffer(ctx *Context, input any) (any, error) {
	ctx.Set(KeyContentType, ContentTypeOctet)
	return input, nil
}

func decodeBuffer(_ *Context, input any) (any, error) {
	return asBytes(input)
}

func encodeString(ctx *Context, input any) (any, error) {
	ctx.Set(KeyContentType, ContentTypeText)
	s, ok := input.(string)
	if !ok {
		return nil, fmt.Errorf("codings: string coder got %T", input)
	}
	return []byte(s), nil
}

func decodeString(_ *Context, input any) (any, error) {
	b, err := asBytes(input)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func payloadCodec(ctx *Context) (codec.Codec, error) {
	return codec.Get(ctx.Options().PayloadCodec)
}

func encodeStructured(ctx *Context, input any) (any, error) {
	c, err := payloadCodec(ctx)
	if err != nil {
		return nil, err
	}
	ctx.Set(KeyContentType, c.ContentType())
	return c.Marshal(input)
}

// decodeStructured parses a structured payload. An empty payload decodes to
// an empty object. A target stored under KeyDecodeInto is filled in place.
func decodeStructured(ctx *Context, input any) (any, error) {
	b, err := asBytes(input)
	if err != nil {
		return nil, err
	}

	c, err := payloadCodec(ctx)
	if err != nil {
		return nil, err
	}
	if v, ok := ctx.Get(KeyContentType); ok {
		if ct, _ := v.(string); ct != "" {
			if byCT, ok := codec.ByContentType(ct); ok {
				c = byCT
			}
		}
	}

	if into, ok := ctx.Get(KeyDecodeInto); ok && into != nil {
		if rv := reflect.ValueOf(into); rv.Kind() != reflect.Pointer || rv.IsNil() {
			return nil, fmt.Errorf("codings: decode target must be a non-nil pointer, got %T", into)
		}
		if len(b) == 0 {
			return into, nil
		}
		if err := c.Unmarshal(b, into); err != nil {
			return nil, err
		}
		return into, nil
	}

	if len(b) == 0 {
		return map[string]any{}, nil
	}
	var out any
	if err := c.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func encodeProto(ctx *Context, input any) (any, error) {
	m, ok := input.(proto.Message)
	if !ok {
		return nil, codec.ErrNotProtoMessage
	}
	ctx.Set(KeyContentType, ProtoContentType(codec.ProtoName(m)))
	return codec.Proto.Marshal(m)
}

func decodeProto(ctx *Context, input any) (any, error) {
	b, err := asBytes(input)
	if err != nil {
		return nil, err
	}

	var msg proto.Message
	if into, ok := ctx.Get(KeyDecodeInto); ok {
		msg, _ = into.(proto.Message)
	}
	if msg == nil {
		v, _ := ctx.Get(KeyContentType)
		ct, _ := v.(string)
		_, params := KindFromContentType(ct)
		name := params["type"]
		if name == "" {
			return nil, fmt.Errorf("codings: proto payload without message type in %q", ct)
		}
		if msg, err = codec.NewProtoMessage(name); err != nil {
			return nil, err
		}
	}
	if err := codec.Proto.Unmarshal(b, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Materializer is implemented by byte sources that can be read fully.
type Materializer interface {
	Bytes() ([]byte, error)
}

func asBytes(input any) ([]byte, error) {
	switch x := input.(type) {
	case nil:
		return nil, nil
	case []byte:
		return x, nil
	case string:
		return []byte(x), nil
	case Materializer:
		return x.Bytes()
	case io.Reader:
		return io.ReadAll(x)
	default:
		return nil, fmt.Errorf("codings: expected bytes, got %T", input)
	}
}
