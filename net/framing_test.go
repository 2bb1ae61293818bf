package net

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/lcx/packetflow/codings"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions() codings.Options {
	return codings.Options{
		Transport: "test",
		Delimiter: []byte("\n"),
		CountLen:  4,
		IDLen:     2,
		MaxSize:   1024,
	}.WithDefaults()
}

func frameBytes(t *testing.T, opts codings.Options, content []byte, head bool) []byte {
	t.Helper()
	f := newFramer(&opts)
	return append(f.appendPrefix(nil, int64(len(content)), head), content...)
}

func contents(t *testing.T, frames []Frame) [][]byte {
	t.Helper()
	out := make([][]byte, 0, len(frames))
	for _, f := range frames {
		b, err := f.Content.Bytes()
		require.NoError(t, err)
		out = append(out, b)
	}
	return out
}

func TestChannelBufferWholeFrame(t *testing.T) {
	opts := testOptions()
	cb := NewChannelBuffer(opts)

	frames, err := cb.Push("a", frameBytes(t, opts, []byte("hello"), false))
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("hello")}, contents(t, frames))
	assert.Equal(t, "a", frames[0].Channel)
	assert.False(t, frames[0].Head)
	assert.Zero(t, cb.Pending("a"))
}

func TestChannelBufferByteAtATime(t *testing.T) {
	opts := testOptions()
	cb := NewChannelBuffer(opts)
	raw := frameBytes(t, opts, []byte("split me"), true)

	var got []Frame
	for i := range raw {
		frames, err := cb.Push("a", raw[i:i+1])
		require.NoError(t, err)
		if i < len(raw)-1 {
			assert.Empty(t, frames, "frame emitted early at byte %d", i)
		}
		got = append(got, frames...)
	}
	require.Len(t, got, 1)
	assert.True(t, got[0].Head)
	assert.Equal(t, [][]byte{[]byte("split me")}, contents(t, got))
}

func TestChannelBufferResidualBytes(t *testing.T) {
	opts := testOptions()
	cb := NewChannelBuffer(opts)
	a := frameBytes(t, opts, []byte("first"), false)
	b := frameBytes(t, opts, []byte("second"), false)

	chunk1 := append(append([]byte{}, a...), b[:3]...)
	frames, err := cb.Push("a", chunk1)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("first")}, contents(t, frames))
	assert.Equal(t, 3, cb.Pending("a"))

	frames, err = cb.Push("a", b[3:])
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("second")}, contents(t, frames))

	// several frames in one chunk, as a string
	frames, err = cb.Push("a", string(a)+string(b)+string(a))
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("first"), []byte("second"), []byte("first")}, contents(t, frames))
}

func TestChannelBufferEmptyFrame(t *testing.T) {
	opts := testOptions()
	cb := NewChannelBuffer(opts)
	frames, err := cb.Push("a", frameBytes(t, opts, nil, false))
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Zero(t, frames[0].Content.Len())
}

func TestChannelBufferLengthViolation(t *testing.T) {
	opts := testOptions()
	cases := map[string][]byte{
		"over max size":     {0x00, 0x00, 0x10, 0x00, '\n', 'x'},
		"non numeric":       []byte("abcd\nxyz"),
		"delimiter missing": []byte("12\n4567"),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			cb := NewChannelBuffer(opts)
			frames, err := cb.Push("a", raw)
			require.Error(t, err)
			assert.Empty(t, frames)
			assert.True(t, errors.Is(err, codings.ErrPacketLength))
			assert.True(t, codings.IsChannelFatal(err))

			var le *codings.LengthError
			require.True(t, errors.As(err, &le))
			assert.Equal(t, "a", le.Channel)

			// state was reset, the channel accepts a valid frame again
			assert.Zero(t, cb.Pending("a"))
			frames, err = cb.Push("a", frameBytes(t, opts, []byte("ok"), false))
			require.NoError(t, err)
			assert.Len(t, frames, 1)
		})
	}
}

func TestChannelBufferKeepsFramesBeforeViolation(t *testing.T) {
	opts := testOptions()
	cb := NewChannelBuffer(opts)
	raw := append(frameBytes(t, opts, []byte("good"), false), []byte("zz\nbad")...)
	frames, err := cb.Push("a", raw)
	require.Error(t, err)
	assert.Equal(t, [][]byte{[]byte("good")}, contents(t, frames))
}

func TestChannelBufferIndependentChannels(t *testing.T) {
	opts := testOptions()
	cb := NewChannelBuffer(opts)
	a := frameBytes(t, opts, []byte("on-a"), false)
	b := frameBytes(t, opts, []byte("on-b"), false)

	frames, err := cb.Push("a", a[:4])
	require.NoError(t, err)
	assert.Empty(t, frames)

	frames, err = cb.Push("b", b)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("on-b")}, contents(t, frames))

	frames, err = cb.Push("a", a[4:])
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("on-a")}, contents(t, frames))

	cb.Push("a", a[:2])
	cb.Reset("a")
	assert.Zero(t, cb.Pending("a"))
	cb.Push("b", b[:2])
	cb.Clear()
	assert.Zero(t, cb.Pending("b"))
}

func TestChannelBufferStreamChunk(t *testing.T) {
	opts := testOptions()
	cb := NewChannelBuffer(opts)
	raw := frameBytes(t, opts, []byte("streamed"), false)
	frames, err := cb.Push("a", NewStream(bytes.NewReader(raw), int64(len(raw))))
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("streamed")}, contents(t, frames))

	_, err = cb.Push("a", 42)
	assert.Error(t, err)
}

func TestFrameReader(t *testing.T) {
	opts := testOptions()
	var raw []byte
	raw = append(raw, frameBytes(t, opts, []byte("first frame"), false)...)
	raw = append(raw, frameBytes(t, opts, []byte("second"), true)...)

	fr := NewFrameReader(bytes.NewReader(raw), "s", opts)

	f, err := fr.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(len("first frame")), f.Content.Len())
	part := make([]byte, 5)
	_, err = io.ReadFull(f.Content, part)
	require.NoError(t, err)
	assert.Equal(t, "first", string(part))

	// the unread tail of the first frame is skipped
	f, err = fr.Next()
	require.NoError(t, err)
	assert.True(t, f.Head)
	assert.Equal(t, "s", f.Channel)
	b, err := f.Content.Bytes()
	require.NoError(t, err)
	assert.Equal(t, "second", string(b))

	_, err = fr.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrameReaderLengthViolation(t *testing.T) {
	fr := NewFrameReader(bytes.NewReader([]byte{0x7f, 0, 0, 0, '\n'}), "s", testOptions())
	_, err := fr.Next()
	assert.ErrorIs(t, err, codings.ErrPacketLength)
}
