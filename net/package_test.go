package net

import (
	"bytes"
	"errors"
	"testing"

	"github.com/lcx/packetflow/codings"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smallOptions() codings.Options {
	o := testOptions()
	o.MaxSize = 64
	return o
}

// frameFragments frames frags and cuts the result back into frames, the way
// a receiver would see them.
func frameFragments(t *testing.T, opts codings.Options, channel string, frags []*Fragment) []Frame {
	t.Helper()
	f := newFramer(&opts)
	cb := NewChannelBuffer(opts)
	var frames []Frame
	for _, frag := range frags {
		require.LessOrEqual(t, frag.ContentLength(opts.CountLen)+int64(f.prefixLen()), int64(opts.MaxSize))
		u, err := f.encodeFragment(frag)
		require.NoError(t, err)
		if s, ok := u.(*Stream); ok {
			u, err = s.Bytes()
			require.NoError(t, err)
		}
		got, err := cb.Push(channel, u)
		require.NoError(t, err)
		frames = append(frames, got...)
	}
	return frames
}

func TestSplitSingleFragment(t *testing.T) {
	opts := smallOptions()
	frags, err := NewSplitter(opts).Split(&Wire{ID: NumberID(1), Body: BufferStream([]byte("small"))})
	require.NoError(t, err)
	require.Len(t, frags, 1)
	assert.False(t, frags[0].Head)
	assert.Equal(t, []byte{0, 1}, frags[0].ID)
}

func TestSplitBudgets(t *testing.T) {
	opts := smallOptions()
	s := NewSplitter(opts)
	// 64 - 4 - 1 - 2
	whole := 57
	body := bytes.Repeat([]byte("x"), whole)
	frags, err := s.Split(&Wire{ID: NumberID(1), Body: BufferStream(body)})
	require.NoError(t, err)
	assert.Len(t, frags, 1)

	body = bytes.Repeat([]byte("x"), whole+1)
	frags, err = s.Split(&Wire{ID: NumberID(1), Body: BufferStream(body)})
	require.NoError(t, err)
	require.Len(t, frags, 2)
	assert.True(t, frags[0].Head)
	assert.Equal(t, int64(whole+1), frags[0].Total)
	assert.Equal(t, int64(whole-4), frags[0].Part.Len())
	assert.Equal(t, int64(5), frags[1].Part.Len())
}

func TestFragmentRoundTrip(t *testing.T) {
	opts := smallOptions()
	body := make([]byte, 1000)
	for i := range body {
		body[i] = byte(i)
	}

	for name, stream := range map[string]*Stream{
		"buffered": BufferStream(body),
		"streamed": NewStream(bytes.NewReader(body), int64(len(body))),
	} {
		t.Run(name, func(t *testing.T) {
			frags, err := NewSplitter(opts).Split(&Wire{ID: NumberID(42), Body: stream})
			require.NoError(t, err)
			require.Greater(t, len(frags), 1)

			r, err := NewReassembler(opts, 0)
			require.NoError(t, err)
			frames := frameFragments(t, opts, "c", frags)
			require.Len(t, frames, len(frags))

			var got *Wire
			for i, f := range frames {
				w, err := r.Push(f)
				require.NoError(t, err)
				if i < len(frames)-1 {
					assert.Nil(t, w)
					v, ok := r.cache.Peek(fragmentKey("c", NumberID(42)))
					require.True(t, ok)
					e := v.(*fragmentEntry)
					assert.LessOrEqual(t, e.size, e.total)
					continue
				}
				got = w
			}
			require.NotNil(t, got)
			assert.Equal(t, NumberID(42), got.ID)
			b, err := got.Body.Bytes()
			require.NoError(t, err)
			assert.Equal(t, body, b)
			assert.Zero(t, r.Len())
		})
	}
}

func TestReassemblerUnsplitFrame(t *testing.T) {
	opts := smallOptions()
	r, err := NewReassembler(opts, 0)
	require.NoError(t, err)
	frames := frameFragments(t, opts, "c", []*Fragment{{ID: []byte{0, 9}, Part: BufferStream([]byte("whole"))}})

	w, err := r.Push(frames[0])
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, NumberID(9), w.ID)
	b, _ := w.Body.Bytes()
	assert.Equal(t, "whole", string(b))
	assert.Zero(t, r.Len())
}

func TestReassemblerInterleavedChannels(t *testing.T) {
	opts := smallOptions()
	r, err := NewReassembler(opts, 0)
	require.NoError(t, err)
	s := NewSplitter(opts)

	a := bytes.Repeat([]byte("a"), 150)
	b := bytes.Repeat([]byte("b"), 150)
	fa, err := s.Split(&Wire{ID: NumberID(1), Body: BufferStream(a)})
	require.NoError(t, err)
	fb, err := s.Split(&Wire{ID: NumberID(1), Body: BufferStream(b)})
	require.NoError(t, err)
	framesA := frameFragments(t, opts, "a", fa)
	framesB := frameFragments(t, opts, "b", fb)
	require.Equal(t, len(framesA), len(framesB))

	var done []*Wire
	for i := range framesA {
		for _, f := range []Frame{framesA[i], framesB[i]} {
			w, err := r.Push(f)
			require.NoError(t, err)
			if w != nil {
				done = append(done, w)
			}
		}
	}
	require.Len(t, done, 2)
	gotA, _ := done[0].Body.Bytes()
	gotB, _ := done[1].Body.Bytes()
	assert.Equal(t, a, gotA)
	assert.Equal(t, b, gotB)
}

func TestReassemblerOverflow(t *testing.T) {
	opts := smallOptions()
	r, err := NewReassembler(opts, 0)
	require.NoError(t, err)

	// head declares 10 bytes, then 8 + 8 arrive
	head := &Fragment{ID: []byte{0, 5}, Head: true, Total: 10, Part: BufferStream([]byte("12345678"))}
	tail := &Fragment{ID: []byte{0, 5}, Part: BufferStream([]byte("abcdefgh"))}
	frames := frameFragments(t, opts, "c", []*Fragment{head, tail})

	w, err := r.Push(frames[0])
	require.NoError(t, err)
	assert.Nil(t, w)
	_, err = r.Push(frames[1])
	assert.True(t, errors.Is(err, codings.ErrPacketLength))
	assert.Zero(t, r.Len())
}

func TestReassemblerHeadWithoutLength(t *testing.T) {
	opts := smallOptions()
	r, err := NewReassembler(opts, 0)
	require.NoError(t, err)
	head := &Fragment{ID: []byte{0, 5}, Head: true, Total: 0, Part: BufferStream([]byte("x"))}
	frames := frameFragments(t, opts, "c", []*Fragment{head})
	_, err = r.Push(frames[0])
	assert.ErrorIs(t, err, codings.ErrPacketLength)
}

func TestReassemblerEviction(t *testing.T) {
	opts := smallOptions()
	r, err := NewReassembler(opts, 2)
	require.NoError(t, err)

	var heads []*Fragment
	for id := byte(1); id <= 3; id++ {
		heads = append(heads, &Fragment{ID: []byte{0, id}, Head: true, Total: 100, Part: BufferStream([]byte("part"))})
	}
	for _, f := range frameFragments(t, opts, "c", heads) {
		w, err := r.Push(f)
		require.NoError(t, err)
		assert.Nil(t, w)
	}
	assert.Equal(t, 2, r.Len())
	_, ok := r.cache.Peek(fragmentKey("c", NumberID(1)))
	assert.False(t, ok, "oldest partial packet should be evicted")

	r.Clear()
	assert.Zero(t, r.Len())
}

func TestEncodeFragmentTooLarge(t *testing.T) {
	opts := smallOptions()
	f := newFramer(&opts)
	_, err := f.encodeFragment(&Fragment{ID: []byte{0, 1}, Part: BufferStream(make([]byte, 100))})
	assert.ErrorIs(t, err, codings.ErrPacketLength)
}
