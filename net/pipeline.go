package net

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/lcx/packetflow/codings"
)

var errNoMappings = errors.New("net: context has no coding mappings")

// Pipeline owns the framing state of one connection and the encode and
// decode chains that run over it.
//
// Encode runs, from the caller's value outward: typed coders, id binding,
// content encoding, packet serialization, fragmentation and framing.
// Decode runs the same stages in reverse.
type Pipeline struct {
	opts        codings.Options
	mappings    *codings.Mappings
	allocator   IDAllocator
	buffer      *ChannelBuffer
	reassembler *Reassembler
	recvLimiter *RecvLimiter
	sendLimiter *SendLimiter

	maxFragments int
	encodeExtra  []codings.Interceptor
	decodeExtra  []codings.Interceptor

	encodeChain *codings.Chain
	decodeChain *codings.Chain
}

// PipelineOption customizes a Pipeline.
type PipelineOption func(*Pipeline)

// WithMappings shares a coder registry. By default each pipeline gets a
// registry with the built-in coders.
func WithMappings(m *codings.Mappings) PipelineOption {
	return func(p *Pipeline) { p.mappings = m }
}

// WithAllocator overrides the id allocator derived from the options.
func WithAllocator(a IDAllocator) PipelineOption {
	return func(p *Pipeline) { p.allocator = a }
}

// WithMaxFragments bounds the reassembly cache.
func WithMaxFragments(n int) PipelineOption {
	return func(p *Pipeline) { p.maxFragments = n }
}

// WithRecvLimiter paces decoded packets.
func WithRecvLimiter(l *RecvLimiter) PipelineOption {
	return func(p *Pipeline) { p.recvLimiter = l }
}

// WithSendLimiter paces encoded packets.
func WithSendLimiter(l *SendLimiter) PipelineOption {
	return func(p *Pipeline) { p.sendLimiter = l }
}

// WithEncodeInterceptors adds interceptors running right after the typed
// coders, in declaration order.
func WithEncodeInterceptors(is ...codings.Interceptor) PipelineOption {
	return func(p *Pipeline) { p.encodeExtra = append(p.encodeExtra, is...) }
}

// WithDecodeInterceptors adds interceptors running right before the typed
// decoders.
func WithDecodeInterceptors(is ...codings.Interceptor) PipelineOption {
	return func(p *Pipeline) { p.decodeExtra = append(p.decodeExtra, is...) }
}

// ValidateOptions checks that the framing options are consistent.
func ValidateOptions(o codings.Options) error {
	if o.CountLen < 1 || o.CountLen > 8 {
		return fmt.Errorf("net: countLen must be 1..8, got %d", o.CountLen)
	}
	if len(o.Delimiter) == 0 {
		return errors.New("net: delimiter must not be empty")
	}
	if o.IDLen < 1 {
		return fmt.Errorf("net: idLen must be positive, got %d", o.IDLen)
	}
	if o.CountLen < 8 && uint64(o.MaxSize) >= 1<<(8*uint(o.CountLen)-1) {
		return fmt.Errorf("net: maxSize %d does not fit a %d byte length field", o.MaxSize, o.CountLen)
	}
	if o.MaxDecodedSize < 0 {
		return fmt.Errorf("net: maxDecodedSize must not be negative, got %d", o.MaxDecodedSize)
	}
	overhead := 2*o.CountLen + len(o.Delimiter) + o.IDLen
	if o.MaxSize <= overhead {
		return fmt.Errorf("net: maxSize %d leaves no room for payload (overhead %d)", o.MaxSize, overhead)
	}
	return nil
}

// NewPipeline builds a pipeline for opts. Unset framing fields get their
// defaults.
func NewPipeline(opts codings.Options, po ...PipelineOption) (*Pipeline, error) {
	opts = opts.WithDefaults()
	if err := ValidateOptions(opts); err != nil {
		return nil, err
	}
	p := &Pipeline{opts: opts}
	for _, o := range po {
		o(p)
	}

	if p.mappings == nil {
		p.mappings = codings.NewMappings()
		codings.RegisterDefaults(p.mappings)
	}
	if p.allocator == nil {
		a, err := NewIDAllocator(defaultStrategy(opts.IDLen), opts.IDLen)
		if err != nil {
			return nil, err
		}
		p.allocator = a
	}
	if p.allocator.IDLength() != opts.IDLen {
		return nil, fmt.Errorf("net: allocator id length %d does not match idLen %d", p.allocator.IDLength(), opts.IDLen)
	}

	ser, err := NewSerializer(opts)
	if err != nil {
		return nil, err
	}
	enc, err := GetEncoding(opts.Encoding)
	if err != nil {
		return nil, err
	}
	if p.reassembler, err = NewReassembler(opts, p.maxFragments); err != nil {
		return nil, err
	}
	p.buffer = NewChannelBuffer(opts)

	pk := &packetizer{framer: newFramer(&opts), buffer: p.buffer}
	fr := &fragmenter{splitter: NewSplitter(opts), reassembler: p.reassembler}
	pc := &packetCoder{serializer: ser}
	cc := &contentCoder{enc: enc, maxDecoded: opts.MaxDecodedSize}
	ib := &idBinder{allocator: p.allocator}

	encodeStages := []codings.Interceptor{
		codings.InterceptorFunc(pk.encode),
		codings.InterceptorFunc(fr.encode),
		codings.InterceptorFunc(pc.encode),
		codings.InterceptorFunc(cc.encode),
		codings.InterceptorFunc(ib.encode),
	}
	if p.sendLimiter != nil {
		encodeStages = append(encodeStages, p.sendLimiter)
	}
	encodeStages = append(encodeStages, p.encodeExtra...)

	decodeStages := []codings.Interceptor{
		codings.InterceptorFunc(pk.decode),
		codings.InterceptorFunc(fr.decode),
		codings.InterceptorFunc(pc.decode),
		codings.InterceptorFunc(cc.decode),
		codings.InterceptorFunc(ib.decode),
	}
	if p.recvLimiter != nil {
		decodeStages = append(decodeStages, p.recvLimiter)
	}
	decodeStages = append(decodeStages, p.decodeExtra...)

	p.encodeChain = codings.NewChain(codings.HandlerFunc(typedEncode), encodeStages...)
	p.decodeChain = codings.NewChain(codings.HandlerFunc(typedDecode), decodeStages...)
	return p, nil
}

func defaultStrategy(idLen int) string {
	if idLen == uuidLength {
		return IDStrategyUUID
	}
	return IDStrategyNumber
}

// Options returns the effective options.
func (p *Pipeline) Options() codings.Options { return p.opts }

// Mappings returns the coder registry.
func (p *Pipeline) Mappings() *codings.Mappings { return p.mappings }

// Allocator returns the id allocator.
func (p *Pipeline) Allocator() IDAllocator { return p.allocator }

// RecvLimiter returns the inbound limiter, or nil.
func (p *Pipeline) RecvLimiter() *RecvLimiter { return p.recvLimiter }

// SendLimiter returns the outbound limiter, or nil.
func (p *Pipeline) SendLimiter() *SendLimiter { return p.sendLimiter }

// NewContext creates a context for one operation. The caller owns it and
// must Destroy it.
func (p *Pipeline) NewContext(ctx context.Context) *codings.Context {
	return codings.NewContext(ctx, p.opts, p.mappings)
}

// Encode encodes v into wire units, each a []byte or a *Stream, to be
// written in order. An id taken from the allocator for this call is
// released before returning.
func (p *Pipeline) Encode(ctx context.Context, v any) ([]any, error) {
	cctx := p.NewContext(ctx)
	defer cctx.Destroy()
	out, err := p.EncodeWith(cctx, v)
	p.ReleaseAllocated(cctx)
	return out, err
}

// EncodeWith encodes v using a caller owned context. The allocated id, if
// any, stays reserved until ReleaseAllocated is called.
func (p *Pipeline) EncodeWith(cctx *codings.Context, v any) ([]any, error) {
	out, err := p.encodeChain.Handle(cctx, v)
	if err != nil {
		p.ReleaseAllocated(cctx)
		return nil, err
	}
	return out, nil
}

// ReleaseAllocated returns the id the encode chain allocated under cctx.
func (p *Pipeline) ReleaseAllocated(cctx *codings.Context) {
	v, ok := cctx.Get(keyAllocatedID)
	if !ok {
		return
	}
	if id, ok := v.(PacketID); ok {
		p.allocator.Release(id)
	}
	cctx.Delete(keyAllocatedID)
}

// EncodeBytes encodes v and concatenates the wire units.
func (p *Pipeline) EncodeBytes(ctx context.Context, v any) ([]byte, error) {
	units, err := p.Encode(ctx, v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	for _, u := range units {
		if err := writeUnit(&buf, u); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Decode feeds one inbound chunk ([]byte, string, *Stream or a Frame) and
// returns the packets it completed. A packet that fails to decode does not
// stop the ones after it; when several fail the error is a
// *multierror.Error holding one entry per failure.
func (p *Pipeline) Decode(ctx context.Context, chunk any) ([]*Packet, error) {
	cctx := p.NewContext(ctx)
	defer cctx.Destroy()
	return p.DecodeWith(cctx, chunk)
}

// DecodeWith decodes using a caller owned context. Packets that decoded are
// returned along with any error.
func (p *Pipeline) DecodeWith(cctx *codings.Context, chunk any) ([]*Packet, error) {
	outs, err := p.decodeChain.Handle(cctx, chunk)
	pkts := make([]*Packet, 0, len(outs))
	for _, o := range outs {
		if pkt, ok := o.(*Packet); ok {
			pkts = append(pkts, pkt)
		}
	}
	return pkts, err
}

// ResetChannel drops the framing state of one channel, for instance after
// a length error.
func (p *Pipeline) ResetChannel(channel string) {
	p.buffer.Reset(channel)
}

// Reset drops all framing and reassembly state.
func (p *Pipeline) Reset() {
	p.buffer.Clear()
	p.reassembler.Clear()
}

// PendingFragments is the number of packets waiting for more fragments.
func (p *Pipeline) PendingFragments() int {
	return p.reassembler.Len()
}

func writeUnit(w io.Writer, u any) error {
	switch x := u.(type) {
	case []byte:
		_, err := w.Write(x)
		return err
	case *Stream:
		_, err := io.Copy(w, x)
		return err
	default:
		return fmt.Errorf("%w: wire unit %T", errUnexpectedOutput, u)
	}
}
