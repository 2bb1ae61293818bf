package codings

import (
	"io"
	"mime"
	"strings"

	"google.golang.org/protobuf/proto"
)

// Kind is the stable dispatch tag coders are registered against.
type Kind string

// Built-in payload kinds. User coders may register any other Kind value.
const (
	KindBuffer Kind = "BUFFER"
	KindString Kind = "STRING"
	KindStream Kind = "STREAM"
	KindPacket Kind = "PACKET"
	KindJSON   Kind = "JSON"
	KindProto  Kind = "PROTO"
)

// Kinder lets a value choose its own dispatch tag.
type Kinder interface {
	CodingKind() Kind
}

// KindOf resolves the dispatch tag of v. It is total: anything without a more
// specific kind is treated as JSON.
func KindOf(v any) Kind {
	switch x := v.(type) {
	case Kinder:
		return x.CodingKind()
	case []byte:
		return KindBuffer
	case string:
		return KindString
	case proto.Message:
		return KindProto
	case io.Reader:
		return KindStream
	default:
		return KindJSON
	}
}

// Content types written into the content-type header.
const (
	ContentTypeOctet = "application/octet-stream"
	ContentTypeText  = "text/plain"
	ContentTypeJSON  = "application/json"
	ContentTypeProto = "application/x-protobuf"
)

// ContentType returns the content-type header value for k.
func ContentType(k Kind) string {
	switch k {
	case KindBuffer, KindStream:
		return ContentTypeOctet
	case KindString:
		return ContentTypeText
	case KindProto:
		return ContentTypeProto
	default:
		return ContentTypeJSON
	}
}

// ProtoContentType carries the message full name so the receiver can
// instantiate the right type.
func ProtoContentType(fullName string) string {
	return mime.FormatMediaType(ContentTypeProto, map[string]string{"type": fullName})
}

// KindFromContentType maps a content-type header back to a kind. Unknown or
// empty values yield KindJSON; the parsed parameters are returned as well.
func KindFromContentType(ct string) (Kind, map[string]string) {
	if ct == "" {
		return KindJSON, nil
	}
	media, params, err := mime.ParseMediaType(ct)
	if err != nil {
		media = strings.ToLower(strings.TrimSpace(ct))
	}
	switch media {
	case ContentTypeOctet:
		return KindBuffer, params
	case ContentTypeText:
		return KindString, params
	case ContentTypeProto:
		return KindProto, params
	default:
		return KindJSON, params
	}
}
