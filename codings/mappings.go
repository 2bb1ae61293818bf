package codings

import (
	"reflect"
	"sync"
)

// Coder converts one value. Encode coders turn typed values into wire
// friendly ones, decode coders do the reverse.
type Coder interface {
	Code(ctx *Context, input any) (any, error)
}

// CoderFunc adapts a function to Coder. Two CoderFuncs are considered equal
// when they share the same code pointer.
type CoderFunc func(ctx *Context, input any) (any, error)

// Code calls f.
func (f CoderFunc) Code(ctx *Context, input any) (any, error) {
	return f(ctx, input)
}

// Equaler lets a coder decide which registrations it duplicates.
type Equaler interface {
	Equal(other Coder) bool
}

// Match is a tri-state scope filter.
type Match int

const (
	MatchAny Match = iota
	MatchTrue
	MatchFalse
)

func (m Match) accepts(v bool) bool {
	switch m {
	case MatchTrue:
		return v
	case MatchFalse:
		return !v
	default:
		return true
	}
}

// Scope limits a coder to a transport context. The zero Scope matches
// everything.
type Scope struct {
	Transport    string
	Client       Match
	Microservice Match
}

func (s Scope) matches(o *Options) bool {
	if o == nil {
		return s.Transport == "" && s.Client == MatchAny && s.Microservice == MatchAny
	}
	if s.Transport != "" && s.Transport != o.Transport {
		return false
	}
	return s.Client.accepts(o.Client) && s.Microservice.accepts(o.Microservice)
}

// HandlerOption tunes a registration.
type HandlerOption func(*handlerEntry)

// WithOrder inserts the coder at index i instead of appending it.
func WithOrder(i int) HandlerOption {
	return func(e *handlerEntry) {
		e.order = i
	}
}

// WithScope restricts the coder to a transport context.
func WithScope(s Scope) HandlerOption {
	return func(e *handlerEntry) {
		e.scope = s
	}
}

type handlerEntry struct {
	coder Coder
	scope Scope
	order int
}

const (
	dirEncode = "encode"
	dirDecode = "decode"
)

// Mappings is the kind keyed registry of encode and decode coders.
type Mappings struct {
	mu     sync.RWMutex
	encode map[Kind][]*handlerEntry
	decode map[Kind][]*handlerEntry
}

// NewMappings creates an empty registry.
func NewMappings() *Mappings {
	return &Mappings{
		encode: make(map[Kind][]*handlerEntry),
		decode: make(map[Kind][]*handlerEntry),
	}
}

// AddEncodeHandler registers an encode coder for kind. Registering an equal
// coder again is a no-op. The returned function removes the registration.
func (m *Mappings) AddEncodeHandler(kind Kind, c Coder, opts ...HandlerOption) func() {
	m.add(m.encode, kind, c, opts)
	return func() { m.RemoveEncodeHandler(kind, c) }
}

// AddDecodeHandler registers a decode coder for kind.
func (m *Mappings) AddDecodeHandler(kind Kind, c Coder, opts ...HandlerOption) func() {
	m.add(m.decode, kind, c, opts)
	return func() { m.RemoveDecodeHandler(kind, c) }
}

// RemoveEncodeHandler removes an encode coder equal to c.
func (m *Mappings) RemoveEncodeHandler(kind Kind, c Coder) bool {
	return m.remove(m.encode, kind, c)
}

// RemoveDecodeHandler removes a decode coder equal to c.
func (m *Mappings) RemoveDecodeHandler(kind Kind, c Coder) bool {
	return m.remove(m.decode, kind, c)
}

// EncodeHandlers returns the encode coders for kind that apply under opts.
func (m *Mappings) EncodeHandlers(kind Kind, opts *Options) ([]Coder, error) {
	return m.lookup(m.encode, dirEncode, kind, opts)
}

// DecodeHandlers returns the decode coders for kind that apply under opts.
func (m *Mappings) DecodeHandlers(kind Kind, opts *Options) ([]Coder, error) {
	return m.lookup(m.decode, dirDecode, kind, opts)
}

// HasEncoder reports whether any encode coder applies to kind under opts.
func (m *Mappings) HasEncoder(kind Kind, opts *Options) bool {
	hs, _ := m.EncodeHandlers(kind, opts)
	return len(hs) > 0
}

// HasDecoder reports whether any decode coder applies to kind under opts.
func (m *Mappings) HasDecoder(kind Kind, opts *Options) bool {
	hs, _ := m.DecodeHandlers(kind, opts)
	return len(hs) > 0
}

// Encode runs the encode coders of kind in order, each one receiving the
// output of the previous.
func (m *Mappings) Encode(ctx *Context, kind Kind, input any) (any, error) {
	hs, err := m.EncodeHandlers(kind, ctx.Options())
	if err != nil {
		return nil, err
	}
	return run(ctx, hs, input)
}

// Decode runs the decode coders of kind in order.
func (m *Mappings) Decode(ctx *Context, kind Kind, input any) (any, error) {
	hs, err := m.DecodeHandlers(kind, ctx.Options())
	if err != nil {
		return nil, err
	}
	return run(ctx, hs, input)
}

func run(ctx *Context, hs []Coder, v any) (any, error) {
	var err error
	for _, h := range hs {
		if err = ctx.Err(); err != nil {
			return nil, err
		}
		if v, err = h.Code(ctx, v); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func (m *Mappings) add(table map[Kind][]*handlerEntry, kind Kind, c Coder, opts []HandlerOption) {
	if c == nil {
		return
	}
	e := &handlerEntry{coder: c, order: -1}
	for _, opt := range opts {
		opt(e)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	list := table[kind]
	for _, old := range list {
		if sameCoder(old.coder, c) {
			return
		}
	}
	if e.order < 0 || e.order >= len(list) {
		table[kind] = append(list, e)
		return
	}
	list = append(list, nil)
	copy(list[e.order+1:], list[e.order:])
	list[e.order] = e
	table[kind] = list
}

func (m *Mappings) remove(table map[Kind][]*handlerEntry, kind Kind, c Coder) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := table[kind]
	for i, e := range list {
		if !sameCoder(e.coder, c) {
			continue
		}
		list = append(list[:i:i], list[i+1:]...)
		if len(list) == 0 {
			delete(table, kind)
		} else {
			table[kind] = list
		}
		return true
	}
	return false
}

func (m *Mappings) lookup(table map[Kind][]*handlerEntry, dir string, kind Kind, opts *Options) ([]Coder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Coder
	for _, e := range table[kind] {
		if e.scope.matches(opts) {
			out = append(out, e.coder)
		}
	}
	if len(out) == 0 {
		nse := &NotSupportedError{Direction: dir, Kind: kind}
		if opts != nil {
			nse.Transport = opts.Transport
			nse.Client = opts.Client
			nse.Microservice = opts.Microservice
		}
		return nil, nse
	}
	return out, nil
}

func sameCoder(a, b Coder) bool {
	if eq, ok := a.(Equaler); ok {
		return eq.Equal(b)
	}
	if eq, ok := b.(Equaler); ok {
		return eq.Equal(a)
	}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Type() != vb.Type() {
		return false
	}
	if va.Kind() == reflect.Func {
		return va.Pointer() == vb.Pointer()
	}
	return sameValue(a, b)
}
