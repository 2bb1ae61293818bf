package net

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/lcx/packetflow/codings"
	"github.com/lcx/packetflow/metrics"
)

// Frame is one length-delimited unit read from a channel. Head is set on the
// first fragment of a packet that was split.
type Frame struct {
	Channel string
	Head    bool
	Content *Stream
}

// framer holds the prefix layout shared by the writer and both readers:
// [countLen bytes big-endian length][delimiter].
type framer struct {
	countLen int
	delim    []byte
	maxSize  int64
}

func newFramer(o *codings.Options) framer {
	return framer{countLen: o.CountLen, delim: o.Delimiter, maxSize: int64(o.MaxSize)}
}

func (f framer) prefixLen() int { return f.countLen + len(f.delim) }

func (f framer) headFlag() uint64 { return 1 << (8*uint(f.countLen) - 1) }

// maxContent is the largest frame content that keeps the whole frame
// within maxSize.
func (f framer) maxContent() int64 { return f.maxSize - int64(f.prefixLen()) }

func (f framer) appendPrefix(dst []byte, length int64, head bool) []byte {
	v := uint64(length)
	if head {
		v |= f.headFlag()
	}
	for i := f.countLen - 1; i >= 0; i-- {
		dst = append(dst, byte(v>>(8*uint(i))))
	}
	return append(dst, f.delim...)
}

// parsePrefix validates a complete prefix and returns the content length.
func (f framer) parsePrefix(channel string, p []byte) (int64, bool, error) {
	if !bytes.Equal(p[f.countLen:f.prefixLen()], f.delim) {
		return 0, false, &codings.LengthError{
			Channel:  channel,
			Declared: -1,
			Max:      f.maxSize,
			Reason:   "length field is not followed by the delimiter",
		}
	}
	var v uint64
	for _, c := range p[:f.countLen] {
		v = v<<8 | uint64(c)
	}
	head := v&f.headFlag() != 0
	length := int64(v &^ f.headFlag())
	if length > f.maxContent() {
		return 0, false, &codings.LengthError{
			Channel:  channel,
			Declared: length,
			Max:      f.maxSize,
			Reason:   "frame exceeds max size",
		}
	}
	return length, head, nil
}

// channelState is the accumulation state of one channel. contentLength is
// -1 until a prefix was parsed.
type channelState struct {
	mu            sync.Mutex
	buf           []byte
	contentLength int64
	head          bool
}

func (s *channelState) reset(rest []byte) {
	s.buf = rest
	s.contentLength = -1
	s.head = false
}

// ChannelBuffer turns arbitrary chunks into frames, keeping independent
// state per channel. Chunks of one channel must be pushed in arrival order.
type ChannelBuffer struct {
	framer

	mu       sync.Mutex
	channels map[string]*channelState
}

// NewChannelBuffer creates a buffer for the framing described by opts.
func NewChannelBuffer(opts codings.Options) *ChannelBuffer {
	return &ChannelBuffer{
		framer:   newFramer(&opts),
		channels: make(map[string]*channelState),
	}
}

func (b *ChannelBuffer) state(channel string) *channelState {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.channels[channel]
	if !ok {
		st = &channelState{contentLength: -1}
		b.channels[channel] = st
	}
	return st
}

// Push appends chunk ([]byte, string or *Stream) to channel and returns the
// frames it completed. On a length error the channel state is dropped; frames
// completed before the violation are still returned.
func (b *ChannelBuffer) Push(channel string, chunk any) ([]Frame, error) {
	var data []byte
	switch c := chunk.(type) {
	case []byte:
		data = c
	case string:
		data = []byte(c)
	case *Stream:
		d, err := c.Bytes()
		if err != nil {
			return nil, err
		}
		data = d
	default:
		return nil, fmt.Errorf("net: unsupported chunk type %T", chunk)
	}

	st := b.state(channel)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.buf = append(st.buf, data...)
	var frames []Frame
	for {
		if st.contentLength < 0 {
			if len(st.buf) < b.prefixLen() {
				return frames, nil
			}
			length, head, err := b.parsePrefix(channel, st.buf[:b.prefixLen()])
			if err != nil {
				st.reset(nil)
				metrics.IncrCounterWithGroup("net", "length_errors_total", 1)
				return frames, err
			}
			st.buf = st.buf[b.prefixLen():]
			st.contentLength = length
			st.head = head
		}

		if int64(len(st.buf)) < st.contentLength {
			return frames, nil
		}
		content := make([]byte, st.contentLength)
		copy(content, st.buf)
		frames = append(frames, Frame{Channel: channel, Head: st.head, Content: BufferStream(content)})
		metrics.IncrCounterWithGroup("net", "frames_decoded_total", 1)

		rest := st.buf[st.contentLength:]
		if len(rest) == 0 {
			st.reset(nil)
			return frames, nil
		}
		st.reset(append([]byte(nil), rest...))
	}
}

// Pending is the number of buffered bytes of channel, prefix included once
// parsed. It is zero for an unknown channel.
func (b *ChannelBuffer) Pending(channel string) int {
	b.mu.Lock()
	st, ok := b.channels[channel]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.buf)
}

// Reset drops the state of channel.
func (b *ChannelBuffer) Reset(channel string) {
	b.mu.Lock()
	delete(b.channels, channel)
	b.mu.Unlock()
}

// Clear drops the state of every channel.
func (b *ChannelBuffer) Clear() {
	b.mu.Lock()
	b.channels = make(map[string]*channelState)
	b.mu.Unlock()
}

// FrameReader reads frames straight off a byte stream. Each frame's content
// is a Stream over the connection, so the caller must finish with it
// before asking for the next frame; Next discards whatever was left unread.
type FrameReader struct {
	framer
	channel string
	r       *bufio.Reader
	cur     *Stream
	prefix  []byte
}

// NewFrameReader reads frames of channel from r.
func NewFrameReader(r io.Reader, channel string, opts codings.Options) *FrameReader {
	f := newFramer(&opts)
	return &FrameReader{
		framer:  f,
		channel: channel,
		r:       bufio.NewReader(r),
		prefix:  make([]byte, f.prefixLen()),
	}
}

// Next returns the next frame. The content length excludes the prefix.
func (fr *FrameReader) Next() (Frame, error) {
	if fr.cur != nil {
		if err := fr.cur.Close(); err != nil {
			return Frame{}, err
		}
		fr.cur = nil
	}
	if _, err := io.ReadFull(fr.r, fr.prefix); err != nil {
		return Frame{}, err
	}
	length, head, err := fr.parsePrefix(fr.channel, fr.prefix)
	if err != nil {
		metrics.IncrCounterWithGroup("net", "length_errors_total", 1)
		return Frame{}, err
	}
	fr.cur = NewStream(io.LimitReader(fr.r, length), length)
	metrics.IncrCounterWithGroup("net", "frames_decoded_total", 1)
	return Frame{Channel: fr.channel, Head: head, Content: fr.cur}, nil
}
