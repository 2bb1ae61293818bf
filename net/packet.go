// Package net implements the transport-encoding pipeline: length-prefixed
// framing, packet identity, fragmentation, packet serialization and the
// session that binds them to a socket.
package net

import (
	"strconv"

	"github.com/lcx/packetflow/codings"
)

// Header names understood by the pipeline.
const (
	HeaderContentType     = "content-type"
	HeaderContentEncoding = "content-encoding"
)

// PacketID identifies a packet on a connection. It is either numeric (pool
// allocated) or a string (UUID). The zero value means unassigned.
type PacketID struct {
	num uint64
	str string
}

// NumberID returns a numeric id.
func NumberID(n uint64) PacketID { return PacketID{num: n} }

// StringID returns a string id.
func StringID(s string) PacketID { return PacketID{str: s} }

// IsZero reports whether the id is unassigned.
func (id PacketID) IsZero() bool { return id.num == 0 && id.str == "" }

// IsString reports whether the id is a string id.
func (id PacketID) IsString() bool { return id.str != "" }

// Number returns the numeric value of the id.
func (id PacketID) Number() uint64 { return id.num }

func (id PacketID) String() string {
	if id.str != "" {
		return id.str
	}
	return strconv.FormatUint(id.num, 10)
}

// Headers is the header map of a packet. Serialized headers are written with
// their keys sorted.
type Headers map[string]any

// Get returns the string value of a header, or "".
func (h Headers) Get(key string) string {
	if h == nil {
		return ""
	}
	switch v := h[key].(type) {
	case string:
		return v
	case []string:
		if len(v) > 0 {
			return v[0]
		}
	case []any:
		if len(v) > 0 {
			if s, ok := v[0].(string); ok {
				return s
			}
		}
	}
	return ""
}

// Packet is the logical message carried by the pipeline.
type Packet struct {
	ID      PacketID
	Type    string
	Pattern string
	Headers Headers
	// Payload is the typed body before encoding and after decoding. Between
	// the typed stage and the wire it holds []byte or *Stream.
	Payload any

	// Byte accounting used by framing. Zero means not yet known.
	HeaderLength  int64
	PayloadLength int64
	StreamLength  int64
}

// CodingKind implements codings.Kinder.
func (p *Packet) CodingKind() codings.Kind { return codings.KindPacket }

// SetHeader sets a header, allocating the map on first use.
func (p *Packet) SetHeader(key string, v any) {
	if p.Headers == nil {
		p.Headers = make(Headers)
	}
	p.Headers[key] = v
}

// ContentType returns the content-type header.
func (p *Packet) ContentType() string { return p.Headers.Get(HeaderContentType) }

func (p *Packet) clone() *Packet {
	c := *p
	if p.Headers != nil {
		c.Headers = make(Headers, len(p.Headers))
		for k, v := range p.Headers {
			c.Headers[k] = v
		}
	}
	return &c
}

// Wire is a serialized packet body tagged with its id. It is what the
// fragment layer splits and reassembles.
type Wire struct {
	ID   PacketID
	Body *Stream
}
