package net

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"
	"github.com/lcx/packetflow/codec"
	"github.com/lcx/packetflow/codings"
)

// Reserved header keys used to carry Packet.Type and Packet.Pattern when
// headers are serialized on their own.
const (
	headerType    = "type"
	headerPattern = "pattern"
)

var (
	errNoHeadDelimiter  = errors.New("net: head delimiter not found")
	errHeaderHasDelim   = errors.New("net: serialized headers contain the head delimiter")
	errUnexpectedOutput = errors.New("net: unexpected stage output")
)

// envelope is the single document written when no head delimiter is
// configured and the packet carries metadata.
type envelope struct {
	Type    string              `json:"type,omitempty"`
	Pattern string              `json:"pattern,omitempty"`
	Headers Headers             `json:"headers"`
	Payload jsoniter.RawMessage `json:"payload,omitempty"`
}

var envelopeKeys = map[string]bool{"type": true, "pattern": true, "headers": true, "payload": true}

// Serializer converts packets to wire bodies and back.
//
// With a head delimiter the body is header bytes, the delimiter, then the
// payload bytes. Without one the body is a single JSON document: the bare
// payload when the packet has no metadata, an envelope otherwise.
type Serializer struct {
	headDelim   []byte
	headerCodec codec.Codec
	maxHeader   int
}

// NewSerializer creates a serializer for opts.
func NewSerializer(opts codings.Options) (*Serializer, error) {
	hc, err := codec.Get(opts.HeaderCodec)
	if err != nil {
		return nil, err
	}
	if len(opts.HeadDelimiter) > 0 && hc.Name() == codec.Proto.Name() {
		return nil, fmt.Errorf("net: %s cannot serialize header maps", hc.Name())
	}
	return &Serializer{headDelim: opts.HeadDelimiter, headerCodec: hc, maxHeader: opts.MaxSize}, nil
}

// Serialize renders p, whose payload must be []byte or *Stream.
func (s *Serializer) Serialize(p *Packet) (*Stream, error) {
	payload, err := payloadStream(p.Payload)
	if err != nil {
		return nil, err
	}
	if len(s.headDelim) > 0 {
		return s.serializeHeaders(p, payload)
	}
	return s.serializeDocument(p, payload)
}

func payloadStream(v any) (*Stream, error) {
	switch x := v.(type) {
	case nil:
		return BufferStream(nil), nil
	case []byte:
		return BufferStream(x), nil
	case *Stream:
		return x, nil
	default:
		return nil, fmt.Errorf("%w: payload %T", errUnexpectedOutput, v)
	}
}

func (s *Serializer) serializeHeaders(p *Packet, payload *Stream) (*Stream, error) {
	h := make(Headers, len(p.Headers)+2)
	for k, v := range p.Headers {
		h[k] = v
	}
	if p.Type != "" {
		h[headerType] = p.Type
	}
	if p.Pattern != "" {
		h[headerPattern] = p.Pattern
	}
	hb, err := s.headerCodec.Marshal(map[string]any(h))
	if err != nil {
		return nil, err
	}
	if bytes.Contains(hb, s.headDelim) {
		return nil, errHeaderHasDelim
	}
	p.HeaderLength = int64(len(hb))

	prefix := make([]byte, 0, len(hb)+len(s.headDelim))
	prefix = append(prefix, hb...)
	prefix = append(prefix, s.headDelim...)

	if pb, ok := payload.Buffered(); ok {
		p.PayloadLength = int64(len(pb))
		body := append(prefix, pb...)
		p.StreamLength = int64(len(body))
		return BufferStream(body), nil
	}
	if payload.Len() < 0 {
		var err error
		if payload, err = materialize(payload); err != nil {
			return nil, err
		}
		return s.serializeHeaders(p, payload)
	}
	p.PayloadLength = payload.Len()
	p.StreamLength = int64(len(prefix)) + payload.Len()
	return NewStream(io.MultiReader(bytes.NewReader(prefix), payload), p.StreamLength), nil
}

func (s *Serializer) serializeDocument(p *Packet, payload *Stream) (*Stream, error) {
	pb, err := payload.Bytes()
	if err != nil {
		return nil, err
	}
	p.PayloadLength = int64(len(pb))

	kind, isJSON := envelopeKind(p.Headers)

	if isJSON && p.Type == "" && p.Pattern == "" && onlyContentType(p.Headers) && !looksLikeEnvelope(pb) {
		if len(pb) == 0 {
			pb = []byte("{}")
		}
		p.StreamLength = int64(len(pb))
		return BufferStream(pb), nil
	}

	env := envelope{Type: p.Type, Pattern: p.Pattern, Headers: p.Headers}
	switch {
	case len(pb) == 0:
	case isJSON:
		env.Payload = pb
	case kind == codings.KindString:
		if env.Payload, err = codec.JSON.Marshal(string(pb)); err != nil {
			return nil, err
		}
	default:
		if env.Payload, err = codec.JSON.Marshal(pb); err != nil {
			return nil, err
		}
	}
	body, err := codec.JSON.Marshal(env)
	if err != nil {
		return nil, err
	}
	p.StreamLength = int64(len(body))
	return BufferStream(body), nil
}

func onlyContentType(h Headers) bool {
	for k := range h {
		if k != HeaderContentType {
			return false
		}
	}
	return true
}

func looksLikeEnvelope(b []byte) bool {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] != '{' {
		return false
	}
	var fields map[string]jsoniter.RawMessage
	if err := codec.JSON.Unmarshal(b, &fields); err != nil || len(fields) == 0 {
		return false
	}
	for k := range fields {
		if !envelopeKeys[k] {
			return false
		}
	}
	_, hasPayload := fields["payload"]
	_, hasHeaders := fields["headers"]
	return hasPayload || hasHeaders
}

// Deserialize parses a wire body. The payload of the returned packet is the
// raw payload as a *Stream; typed decoding happens later.
func (s *Serializer) Deserialize(body *Stream) (*Packet, error) {
	if len(s.headDelim) > 0 {
		return s.deserializeHeaders(body)
	}
	return s.deserializeDocument(body)
}

func (s *Serializer) deserializeHeaders(body *Stream) (*Packet, error) {
	total := body.Len()
	var (
		hb      []byte
		payload *Stream
	)
	if b, ok := body.Buffered(); ok {
		idx := bytes.Index(b, s.headDelim)
		if idx < 0 {
			return nil, errNoHeadDelimiter
		}
		hb = b[:idx]
		payload = BufferStream(b[idx+len(s.headDelim):])
	} else {
		br := bufio.NewReader(body)
		var err error
		if hb, err = scanHeader(br, s.headDelim, s.maxHeader); err != nil {
			return nil, err
		}
		remain := int64(-1)
		if total >= 0 {
			remain = total - int64(len(hb)+len(s.headDelim))
		}
		payload = NewStream(br, remain)
	}

	var h map[string]any
	if len(hb) > 0 {
		if err := s.headerCodec.Unmarshal(hb, &h); err != nil {
			return nil, err
		}
	}
	p := &Packet{Headers: Headers(h), Payload: payload, HeaderLength: int64(len(hb)), PayloadLength: payload.Len(), StreamLength: total}
	if t, ok := p.Headers[headerType].(string); ok {
		p.Type = t
		delete(p.Headers, headerType)
	}
	if pt, ok := p.Headers[headerPattern].(string); ok {
		p.Pattern = pt
		delete(p.Headers, headerPattern)
	}
	return p, nil
}

// scanHeader reads up to and including delim, returning the bytes before it.
func scanHeader(br *bufio.Reader, delim []byte, limit int) ([]byte, error) {
	var hb []byte
	last := delim[len(delim)-1]
	for {
		c, err := br.ReadByte()
		if err != nil {
			if err == io.EOF {
				return nil, errNoHeadDelimiter
			}
			return nil, err
		}
		hb = append(hb, c)
		if c == last && bytes.HasSuffix(hb, delim) {
			return hb[:len(hb)-len(delim)], nil
		}
		if limit > 0 && len(hb) > limit {
			return nil, errNoHeadDelimiter
		}
	}
}

func (s *Serializer) deserializeDocument(body *Stream) (*Packet, error) {
	b, err := body.Bytes()
	if err != nil {
		return nil, err
	}
	p := &Packet{StreamLength: int64(len(b))}

	if looksLikeEnvelope(b) {
		var env envelope
		if err := codec.JSON.Unmarshal(b, &env); err != nil {
			return nil, err
		}
		p.Type, p.Pattern, p.Headers = env.Type, env.Pattern, env.Headers
		payload, err := envelopePayload(p.Headers, env.Payload)
		if err != nil {
			return nil, err
		}
		p.Payload = BufferStream(payload)
		p.PayloadLength = int64(len(payload))
		return p, nil
	}

	if len(bytes.TrimSpace(b)) > 0 {
		var parsed any
		if err := codec.JSON.Unmarshal(b, &parsed); err != nil {
			return nil, err
		}
	}
	p.Headers = Headers{HeaderContentType: codings.ContentTypeJSON}
	p.Payload = BufferStream(b)
	p.PayloadLength = int64(len(b))
	return p, nil
}

// envelopeKind tells how a payload is embedded in an envelope: raw JSON,
// a JSON string for text, base64 otherwise. Content-encoded payloads are
// always binary.
func envelopeKind(h Headers) (codings.Kind, bool) {
	if h.Get(HeaderContentEncoding) != "" {
		return codings.KindBuffer, false
	}
	ct := h.Get(HeaderContentType)
	kind, _ := codings.KindFromContentType(ct)
	return kind, kind == codings.KindJSON && (ct == "" || ct == codings.ContentTypeJSON)
}

func envelopePayload(h Headers, raw jsoniter.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	kind, isJSON := envelopeKind(h)
	switch {
	case isJSON:
		return raw, nil
	case kind == codings.KindString:
		var s string
		if err := codec.JSON.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return []byte(s), nil
	default:
		var b []byte
		if err := codec.JSON.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	}
}
