package net

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/lcx/packetflow/codings"
	"github.com/lcx/packetflow/log"
	"github.com/lcx/packetflow/metrics"
)

// DefaultMaxFragments bounds the number of packets being reassembled at once.
const DefaultMaxFragments = 1024

var errFrameBudget = errors.New("net: max size leaves no room for payload")

// Fragment is one wire piece of a packet. A packet that fits one frame is a
// single fragment with Head unset. A split packet starts with a Head
// fragment that also carries the total body length.
type Fragment struct {
	ID    []byte
	Head  bool
	Total int64
	Part  *Stream
}

// ContentLength is the frame content length of the fragment.
func (f *Fragment) ContentLength(countLen int) int64 {
	n := int64(len(f.ID)) + f.Part.Len()
	if f.Head {
		n += int64(countLen)
	}
	return n
}

// Splitter cuts serialized packets into fragments that each fit maxSize
// once framed.
type Splitter struct {
	countLen int
	idLen    int
	delimLen int
	maxSize  int
}

// NewSplitter creates a splitter for opts.
func NewSplitter(opts codings.Options) Splitter {
	return Splitter{
		countLen: opts.CountLen,
		idLen:    opts.IDLen,
		delimLen: len(opts.Delimiter),
		maxSize:  opts.MaxSize,
	}
}

// budget is the largest body that fits a single frame.
func (s Splitter) budget() int64 {
	return int64(s.maxSize - s.countLen - s.delimLen - s.idLen)
}

// Split returns the fragments of w. Buffered bodies are sliced without
// copying; streamed bodies are split into sequential views that must be
// consumed in order.
func (s Splitter) Split(w *Wire) ([]*Fragment, error) {
	id, err := WriteID(w.ID, s.idLen)
	if err != nil {
		return nil, err
	}
	body := w.Body
	if body.Len() < 0 {
		if body, err = materialize(body); err != nil {
			return nil, err
		}
	}

	total := body.Len()
	whole := s.budget()
	if total <= whole {
		return []*Fragment{{ID: id, Part: body}}, nil
	}
	first := whole - int64(s.countLen)
	if first <= 0 {
		return nil, errFrameBudget
	}

	frags := make([]*Fragment, 0, 1+(total-first+whole-1)/whole)
	buf, buffered := body.Buffered()
	var off int64
	for off < total {
		n := whole
		if off == 0 {
			n = first
		}
		if n > total-off {
			n = total - off
		}
		var part *Stream
		if buffered {
			part = BufferStream(buf[off : off+n])
		} else {
			part = NewStream(io.LimitReader(body, n), n)
		}
		f := &Fragment{ID: id, Part: part}
		if off == 0 {
			f.Head = true
			f.Total = total
		}
		frags = append(frags, f)
		off += n
	}
	metrics.IncrCounterWithGroup("net", "fragments_split_total", metrics.Value(len(frags)))
	return frags, nil
}

type fragmentEntry struct {
	channel string
	id      PacketID
	total   int64
	size    int64
	sink    bytes.Buffer
	done    bool
}

// Reassembler merges the fragments of split packets. Entries are keyed by
// channel and id and kept in a bounded LRU; abandoned partial packets are
// evicted once the bound is reached.
type Reassembler struct {
	countLen int
	idLen    int

	mu      sync.Mutex
	cache   *lru.Cache
	purging bool
}

// NewReassembler creates a reassembler holding at most maxFragments
// partial packets.
func NewReassembler(opts codings.Options, maxFragments int) (*Reassembler, error) {
	if maxFragments <= 0 {
		maxFragments = DefaultMaxFragments
	}
	r := &Reassembler{countLen: opts.CountLen, idLen: opts.IDLen}
	cache, err := lru.NewWithEvict(maxFragments, r.onEvict)
	if err != nil {
		return nil, err
	}
	r.cache = cache
	return r, nil
}

func (r *Reassembler) onEvict(_ any, value any) {
	e := value.(*fragmentEntry)
	if e.done || r.purging {
		return
	}
	log.Warn().Str("channel", e.channel).Str("id", e.id.String()).
		Int64("received", e.size).Int64("total", e.total).Msg("evicted incomplete packet")
	metrics.IncrCounterWithGroup("net", "fragment_evictions_total", 1)
}

func fragmentKey(channel string, id PacketID) string {
	return channel + "\x00" + id.String()
}

// Push feeds one frame. It returns the completed wire packet, or nil while
// the packet is still being assembled.
func (r *Reassembler) Push(f Frame) (*Wire, error) {
	idb := make([]byte, r.idLen)
	if _, err := io.ReadFull(f.Content, idb); err != nil {
		return nil, r.lengthError(f.Channel, -1, "frame shorter than packet id")
	}
	id := ReadID(idb)
	key := fragmentKey(f.Channel, id)

	r.mu.Lock()
	defer r.mu.Unlock()

	if f.Head {
		lb := make([]byte, r.countLen)
		if _, err := io.ReadFull(f.Content, lb); err != nil {
			return nil, r.lengthError(f.Channel, -1, "fragment head without declared length")
		}
		var total uint64
		for _, c := range lb {
			total = total<<8 | uint64(c)
		}
		if total == 0 {
			return nil, r.lengthError(f.Channel, 0, "fragment head without declared length")
		}
		if old, ok := r.cache.Peek(key); ok {
			log.Warn().Str("channel", f.Channel).Str("id", id.String()).
				Int64("received", old.(*fragmentEntry).size).Msg("replacing incomplete packet with same id")
			old.(*fragmentEntry).done = true
			r.cache.Remove(key)
		}
		e := &fragmentEntry{channel: f.Channel, id: id, total: int64(total)}
		if n := f.Content.Len(); n > 0 {
			e.sink.Grow(int(min(int64(total), n*4)))
		}
		return r.append(key, e, f, true)
	}

	v, ok := r.cache.Get(key)
	if !ok {
		// never split: the frame is the whole packet
		return &Wire{ID: id, Body: f.Content}, nil
	}
	return r.append(key, v.(*fragmentEntry), f, false)
}

func (r *Reassembler) append(key string, e *fragmentEntry, f Frame, fresh bool) (*Wire, error) {
	n, err := io.Copy(&e.sink, f.Content)
	if err != nil {
		if !fresh {
			e.done = true
			r.cache.Remove(key)
		}
		return nil, err
	}
	e.size += n

	switch {
	case e.size < e.total:
		if fresh {
			r.cache.Add(key, e)
		}
		return nil, nil
	case e.size > e.total:
		if !fresh {
			e.done = true
			r.cache.Remove(key)
		}
		return nil, r.lengthError(f.Channel, e.total, fmt.Sprintf("received %d bytes for packet %s", e.size, e.id))
	}

	if !fresh {
		e.done = true
		r.cache.Remove(key)
	}
	metrics.IncrCounterWithGroup("net", "fragments_reassembled_total", 1)
	return &Wire{ID: e.id, Body: BufferStream(e.sink.Bytes())}, nil
}

func (r *Reassembler) lengthError(channel string, declared int64, reason string) error {
	metrics.IncrCounterWithGroup("net", "length_errors_total", 1)
	return &codings.LengthError{Channel: channel, Declared: declared, Reason: reason}
}

// Len is the number of packets being assembled.
func (r *Reassembler) Len() int {
	return r.cache.Len()
}

// Clear drops every partial packet.
func (r *Reassembler) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.purging = true
	r.cache.Purge()
	r.purging = false
}

// encodeFragment frames f. Buffered parts come back as one []byte, streamed
// parts as a *Stream over the prefix followed by the part.
func (f framer) encodeFragment(frag *Fragment) (any, error) {
	length := frag.ContentLength(f.countLen)
	if length > f.maxContent() {
		return nil, &codings.LengthError{Declared: length, Max: f.maxSize, Reason: "encoded frame exceeds max size"}
	}
	head := make([]byte, 0, f.prefixLen()+len(frag.ID)+f.countLen)
	head = f.appendPrefix(head, length, frag.Head)
	head = append(head, frag.ID...)
	if frag.Head {
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], uint64(frag.Total))
		head = append(head, tmp[8-f.countLen:]...)
	}

	if b, ok := frag.Part.Buffered(); ok {
		out := append(head, b...)
		_ = frag.Part.Close()
		return out, nil
	}
	return NewStream(io.MultiReader(bytes.NewReader(head), frag.Part), int64(len(head))+frag.Part.Len()), nil
}
