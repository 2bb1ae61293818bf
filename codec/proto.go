package codec

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
)

// ErrNotProtoMessage is returned when the proto codec is handed a non proto value.
var ErrNotProtoMessage = errors.New("codec: value is not a proto.Message")

// Proto marshals protobuf messages in the binary wire format.
var Proto Codec = protoCodec{}

type protoCodec struct{}

func (protoCodec) Name() string        { return "proto" }
func (protoCodec) ContentType() string { return "application/x-protobuf" }

func (protoCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, ErrNotProtoMessage
	}
	return proto.MarshalOptions{}.MarshalAppend(nil, m)
}

func (protoCodec) Unmarshal(data []byte, v any) error {
	m, ok := v.(proto.Message)
	if !ok {
		return ErrNotProtoMessage
	}
	return proto.Unmarshal(data, m)
}

// NewProtoMessage instantiates a registered message by its full name.
func NewProtoMessage(fullName string) (proto.Message, error) {
	mt, err := protoregistry.GlobalTypes.FindMessageByName(protoreflect.FullName(fullName))
	if err != nil {
		return nil, fmt.Errorf("codec: proto type %q: %w", fullName, err)
	}
	return mt.New().Interface(), nil
}

// ProtoName returns the full name of m's descriptor.
func ProtoName(m proto.Message) string {
	return string(m.ProtoReflect().Descriptor().FullName())
}
