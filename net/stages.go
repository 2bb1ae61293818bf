package net

import (
	"errors"
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"
	"github.com/lcx/packetflow/codings"
	"github.com/lcx/packetflow/metrics"
)

// Context keys set by the pipeline stages.
const (
	// KeyPacketID holds the id bound to the outbound packet.
	KeyPacketID = "packet-id"
	// keyAllocatedID is set when the id was taken from the allocator and has
	// to be released by whoever owns the operation.
	keyAllocatedID = "allocated-id"
)

// mapOutputs runs fn over every output of next.
func mapOutputs(outs []any, fn func(v any) ([]any, error)) ([]any, error) {
	res := make([]any, 0, len(outs))
	for _, o := range outs {
		mapped, err := fn(o)
		if err != nil {
			return nil, err
		}
		res = append(res, mapped...)
	}
	return res, nil
}

// packetizer frames fragments on encode and splits chunks into frames on
// decode.
type packetizer struct {
	framer
	buffer *ChannelBuffer
}

func (s *packetizer) encode(ctx *codings.Context, input any, next codings.Handler) ([]any, error) {
	outs, err := next.Handle(ctx, input)
	if err != nil {
		return nil, err
	}
	return mapOutputs(outs, func(v any) ([]any, error) {
		frag, ok := v.(*Fragment)
		if !ok {
			return nil, fmt.Errorf("%w: packetizer got %T", errUnexpectedOutput, v)
		}
		out, err := s.encodeFragment(frag)
		if err != nil {
			return nil, err
		}
		metrics.IncrCounterWithGroup("net", "frames_encoded_total", 1)
		return []any{out}, nil
	})
}

func (s *packetizer) decode(ctx *codings.Context, input any, next codings.Handler) ([]any, error) {
	if f, ok := input.(Frame); ok {
		return next.Handle(ctx, f)
	}
	frames, perr := s.buffer.Push(ctx.Channel(), input)
	var (
		outs   []any
		result *multierror.Error
	)
	for _, f := range frames {
		if err := ctx.Err(); err != nil {
			return outs, flatten(multierror.Append(result, err))
		}
		// frames are out of the buffer already; a failed one skips only itself
		res, err := next.Handle(ctx, f)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		outs = append(outs, res...)
	}
	if perr != nil {
		result = multierror.Append(result, perr)
	}
	return outs, flatten(result)
}

// flatten returns the single error of e unwrapped, or e itself when it
// holds several.
func flatten(e *multierror.Error) error {
	if e == nil || len(e.Errors) == 0 {
		return nil
	}
	if len(e.Errors) == 1 {
		return e.Errors[0]
	}
	return e
}

// decodeErrors splits an error from Decode into the per packet errors it
// carries.
func decodeErrors(err error) []error {
	if err == nil {
		return nil
	}
	var merr *multierror.Error
	if errors.As(err, &merr) {
		return merr.Errors
	}
	return []error{err}
}

// fragmenter splits wire packets on encode and reassembles them on decode.
type fragmenter struct {
	splitter    Splitter
	reassembler *Reassembler
}

func (s *fragmenter) encode(ctx *codings.Context, input any, next codings.Handler) ([]any, error) {
	outs, err := next.Handle(ctx, input)
	if err != nil {
		return nil, err
	}
	return mapOutputs(outs, func(v any) ([]any, error) {
		w, ok := v.(*Wire)
		if !ok {
			return nil, fmt.Errorf("%w: fragmenter got %T", errUnexpectedOutput, v)
		}
		frags, err := s.splitter.Split(w)
		if err != nil {
			return nil, err
		}
		res := make([]any, len(frags))
		for i, f := range frags {
			res[i] = f
		}
		return res, nil
	})
}

func (s *fragmenter) decode(ctx *codings.Context, input any, next codings.Handler) ([]any, error) {
	f, ok := input.(Frame)
	if !ok {
		return nil, fmt.Errorf("%w: reassembler got %T", errUnexpectedOutput, input)
	}
	w, err := s.reassembler.Push(f)
	if err != nil || w == nil {
		return nil, err
	}
	return next.Handle(ctx, w)
}

// packetCoder runs the Serializer.
type packetCoder struct {
	serializer *Serializer
}

func (s *packetCoder) encode(ctx *codings.Context, input any, next codings.Handler) ([]any, error) {
	outs, err := next.Handle(ctx, input)
	if err != nil {
		return nil, err
	}
	return mapOutputs(outs, func(v any) ([]any, error) {
		p, ok := v.(*Packet)
		if !ok {
			return nil, fmt.Errorf("%w: serializer got %T", errUnexpectedOutput, v)
		}
		body, err := s.serializer.Serialize(p)
		if err != nil {
			return nil, err
		}
		return []any{&Wire{ID: p.ID, Body: body}}, nil
	})
}

func (s *packetCoder) decode(ctx *codings.Context, input any, next codings.Handler) ([]any, error) {
	w, ok := input.(*Wire)
	if !ok {
		return nil, fmt.Errorf("%w: deserializer got %T", errUnexpectedOutput, input)
	}
	p, err := s.serializer.Deserialize(w.Body)
	if err != nil {
		return nil, err
	}
	p.ID = w.ID
	return next.Handle(ctx, p)
}

// contentCoder compresses payloads on encode and restores them on decode.
// Decoding follows the content-encoding header, so a peer may choose not to
// compress.
type contentCoder struct {
	enc        ContentEncoding
	maxDecoded int
}

func (s *contentCoder) encode(ctx *codings.Context, input any, next codings.Handler) ([]any, error) {
	outs, err := next.Handle(ctx, input)
	if err != nil || s.enc == nil {
		return outs, err
	}
	return mapOutputs(outs, func(v any) ([]any, error) {
		p, ok := v.(*Packet)
		if !ok {
			return nil, fmt.Errorf("%w: content encoder got %T", errUnexpectedOutput, v)
		}
		src, err := payloadStream(p.Payload)
		if err != nil {
			return nil, err
		}
		raw, err := src.Bytes()
		if err != nil {
			return nil, err
		}
		enc, err := s.enc.Encode(raw)
		if err != nil {
			return nil, err
		}
		p.Payload = enc
		p.PayloadLength = int64(len(enc))
		p.SetHeader(HeaderContentEncoding, s.enc.Name())
		return []any{p}, nil
	})
}

func (s *contentCoder) decode(ctx *codings.Context, input any, next codings.Handler) ([]any, error) {
	p, ok := input.(*Packet)
	if !ok {
		return nil, fmt.Errorf("%w: content decoder got %T", errUnexpectedOutput, input)
	}
	name := p.Headers.Get(HeaderContentEncoding)
	if name == "" {
		return next.Handle(ctx, p)
	}
	enc, err := GetEncoding(name)
	if err != nil {
		return nil, err
	}
	if enc != nil {
		src, err := payloadStream(p.Payload)
		if err != nil {
			return nil, err
		}
		raw, err := src.Bytes()
		if err != nil {
			return nil, err
		}
		dec, err := enc.Decode(raw, s.maxDecoded)
		if err != nil {
			return nil, fmt.Errorf("net: %s payload: %w", name, err)
		}
		p.Payload = BufferStream(dec)
		p.PayloadLength = int64(len(dec))
	}
	delete(p.Headers, HeaderContentEncoding)
	return next.Handle(ctx, p)
}

// idBinder attaches ids to outbound packets and filters inbound packets
// against the id a client is waiting for.
type idBinder struct {
	allocator IDAllocator
}

func (s *idBinder) encode(ctx *codings.Context, input any, next codings.Handler) ([]any, error) {
	outs, err := next.Handle(ctx, input)
	if err != nil {
		return nil, err
	}
	return mapOutputs(outs, func(v any) ([]any, error) {
		p, ok := v.(*Packet)
		if !ok {
			return nil, fmt.Errorf("%w: id binder got %T", errUnexpectedOutput, v)
		}
		if p.ID.IsZero() {
			id, err := s.allocator.Allocate()
			if err != nil {
				return nil, err
			}
			p.ID = id
			ctx.Set(keyAllocatedID, id)
		}
		ctx.Set(KeyPacketID, p.ID)
		return []any{p}, nil
	})
}

func (s *idBinder) decode(ctx *codings.Context, input any, next codings.Handler) ([]any, error) {
	p, ok := input.(*Packet)
	if !ok {
		return nil, fmt.Errorf("%w: id filter got %T", errUnexpectedOutput, input)
	}
	if !MatchesExpectedID(ctx, p) {
		drain(p)
		return nil, nil
	}
	return next.Handle(ctx, p)
}

// MatchesExpectedID reports whether p is acceptable for a context that may
// be waiting on a specific correlation id.
func MatchesExpectedID(ctx *codings.Context, p *Packet) bool {
	v, ok := ctx.Get(codings.KeyExpectedID)
	if !ok {
		return true
	}
	want, ok := v.(PacketID)
	return !ok || want.IsZero() || want == p.ID
}

func drain(p *Packet) {
	if s, ok := p.Payload.(*Stream); ok {
		_ = s.Close()
	}
}

// typedEncode is the encode backend. It turns the caller's value into a
// packet whose payload is []byte or *Stream, using the coders registered
// for the payload kind.
func typedEncode(ctx *codings.Context, input any) ([]any, error) {
	m := ctx.Mappings()
	if m == nil {
		return nil, errNoMappings
	}

	var p *Packet
	if in, ok := input.(*Packet); ok {
		p = in.clone()
	} else {
		p = &Packet{Payload: input}
	}
	if m.HasEncoder(codings.KindPacket, ctx.Options()) {
		v, err := m.Encode(ctx, codings.KindPacket, p)
		if err != nil {
			return nil, err
		}
		out, ok := v.(*Packet)
		if !ok {
			return nil, fmt.Errorf("%w: packet coder returned %T", errUnexpectedOutput, v)
		}
		p = out
	}

	if p.Payload == nil {
		return []any{p}, nil
	}
	kind := codings.KindOf(p.Payload)
	ctx.Delete(codings.KeyContentType)
	v, err := m.Encode(ctx, kind, p.Payload)
	if err != nil {
		return nil, err
	}
	switch x := v.(type) {
	case []byte:
		p.Payload = x
		p.PayloadLength = int64(len(x))
	case string:
		p.Payload = []byte(x)
		p.PayloadLength = int64(len(x))
	case *Stream:
		p.Payload = x
		p.PayloadLength = x.Len()
	case io.Reader:
		p.Payload = NewStream(x, -1)
	default:
		return nil, fmt.Errorf("%w: %s coder returned %T", errUnexpectedOutput, kind, v)
	}

	if p.ContentType() == "" {
		ct := codings.ContentType(kind)
		if c, ok := ctx.Get(codings.KeyContentType); ok {
			if s, _ := c.(string); s != "" {
				ct = s
			}
		}
		p.SetHeader(HeaderContentType, ct)
	}
	return []any{p}, nil
}

// typedDecode is the decode backend. It resolves the payload kind from the
// content type and runs the registered decode coders.
func typedDecode(ctx *codings.Context, input any) ([]any, error) {
	m := ctx.Mappings()
	if m == nil {
		return nil, errNoMappings
	}
	p, ok := input.(*Packet)
	if !ok {
		return nil, fmt.Errorf("%w: typed decoder got %T", errUnexpectedOutput, input)
	}

	ct := p.ContentType()
	kind, _ := codings.KindFromContentType(ct)
	if s, ok := p.Payload.(*Stream); ok && kind == codings.KindBuffer {
		if _, buffered := s.Buffered(); !buffered {
			kind = codings.KindStream
		}
	}
	ctx.Set(codings.KeyContentType, ct)
	v, err := m.Decode(ctx, kind, p.Payload)
	if err != nil {
		return nil, err
	}
	p.Payload = v

	if m.HasDecoder(codings.KindPacket, ctx.Options()) {
		out, err := m.Decode(ctx, codings.KindPacket, p)
		if err != nil {
			return nil, err
		}
		if p, ok = out.(*Packet); !ok {
			return nil, fmt.Errorf("%w: packet coder returned %T", errUnexpectedOutput, out)
		}
	}
	ctx.Complete()
	return []any{p}, nil
}
