package net

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/lcx/packetflow/codings"
)

// Stream is a bounded byte source. A buffer is the degenerate case of a
// stream whose bytes are already in memory.
//
// A Stream is read once. Done is closed when it reached its end or was
// closed, which lets a reader of the underlying socket know the consumer is
// finished with it.
type Stream struct {
	r      io.Reader
	buf    []byte
	off    int
	length int64
	read   int64

	doneOnce sync.Once
	done     chan struct{}
}

// NewStream wraps r. length is the number of bytes r will yield, or -1 when
// unknown.
func NewStream(r io.Reader, length int64) *Stream {
	return &Stream{r: r, length: length, done: make(chan struct{})}
}

// BufferStream wraps b without copying.
func BufferStream(b []byte) *Stream {
	return &Stream{buf: b, length: int64(len(b)), done: make(chan struct{})}
}

// CodingKind implements codings.Kinder.
func (s *Stream) CodingKind() codings.Kind { return codings.KindStream }

// Len returns the remaining length, or -1 when unknown.
func (s *Stream) Len() int64 {
	if s.length < 0 {
		return -1
	}
	return s.length - s.read
}

// Buffered returns the unread bytes when the stream is in memory.
func (s *Stream) Buffered() ([]byte, bool) {
	if s.r != nil {
		return nil, false
	}
	return s.buf[s.off:], true
}

func (s *Stream) Read(p []byte) (int, error) {
	if s.r == nil {
		if s.off >= len(s.buf) {
			s.finish()
			return 0, io.EOF
		}
		n := copy(p, s.buf[s.off:])
		s.off += n
		s.read += int64(n)
		if s.off >= len(s.buf) {
			s.finish()
		}
		return n, nil
	}

	if s.length >= 0 {
		remain := s.length - s.read
		if remain <= 0 {
			s.finish()
			return 0, io.EOF
		}
		if int64(len(p)) > remain {
			p = p[:remain]
		}
	}
	n, err := s.r.Read(p)
	s.read += int64(n)
	if s.length >= 0 && s.read >= s.length {
		s.finish()
		if err == io.EOF {
			err = nil
		}
	}
	if err == io.EOF {
		s.finish()
		if s.length >= 0 && s.read < s.length {
			return n, io.ErrUnexpectedEOF
		}
	}
	return n, err
}

// Bytes reads the rest of the stream into memory.
func (s *Stream) Bytes() ([]byte, error) {
	if b, ok := s.Buffered(); ok {
		s.off = len(s.buf)
		s.read = s.length
		s.finish()
		return b, nil
	}
	var out bytes.Buffer
	if n := s.Len(); n > 0 {
		out.Grow(int(n))
	}
	if _, err := io.Copy(&out, s); err != nil {
		return nil, err
	}
	if s.length >= 0 && s.read != s.length {
		return nil, fmt.Errorf("stream: read %d of %d bytes: %w", s.read, s.length, io.ErrUnexpectedEOF)
	}
	return out.Bytes(), nil
}

// Close discards what is left and marks the stream done.
func (s *Stream) Close() error {
	defer s.finish()
	if s.r == nil {
		s.off = len(s.buf)
		return nil
	}
	if s.length >= 0 && s.read >= s.length {
		return nil
	}
	_, err := io.Copy(io.Discard, s)
	return err
}

// Done is closed once the stream was read to its end or closed.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

func (s *Stream) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

// materialize returns s as a buffered stream, reading it if needed.
func materialize(s *Stream) (*Stream, error) {
	if _, ok := s.Buffered(); ok {
		return s, nil
	}
	b, err := s.Bytes()
	if err != nil {
		return nil, err
	}
	return BufferStream(b), nil
}
