package net

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4"
)

// Content encodings applied to packet payloads.
const (
	EncodingIdentity = "identity"
	EncodingGzip     = "gzip"
	EncodingLZ4      = "lz4"
	EncodingSnappy   = "snappy"
)

// ErrDecodedTooLarge is returned when a payload inflates past the decoded
// size limit.
var ErrDecodedTooLarge = errors.New("net: decoded payload exceeds limit")

// ContentEncoding compresses and restores payload bytes. Decode fails with
// ErrDecodedTooLarge once the output would pass limit bytes; a limit of
// zero or less means unbounded.
type ContentEncoding interface {
	Name() string
	Encode(src []byte) ([]byte, error)
	Decode(src []byte, limit int) ([]byte, error)
}

// readLimited reads r to the end, failing when more than limit bytes come
// out.
func readLimited(r io.Reader, limit int) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	out, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, err
	}
	if len(out) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrDecodedTooLarge, limit)
	}
	return out, nil
}

// GetEncoding returns the content encoding named name. The empty name and
// "identity" yield nil, meaning no encoding.
func GetEncoding(name string) (ContentEncoding, error) {
	switch name {
	case "", EncodingIdentity:
		return nil, nil
	case EncodingGzip:
		return gzipEncoding{}, nil
	case EncodingLZ4:
		return lz4Encoding{}, nil
	case EncodingSnappy:
		return snappyEncoding{}, nil
	default:
		return nil, fmt.Errorf("net: unknown content encoding %q", name)
	}
}

type gzipEncoding struct{}

func (gzipEncoding) Name() string { return EncodingGzip }

func (gzipEncoding) Encode(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gzipEncoding) Decode(src []byte, limit int) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return readLimited(r, limit)
}

type lz4Encoding struct{}

func (lz4Encoding) Name() string { return EncodingLZ4 }

func (lz4Encoding) Encode(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (lz4Encoding) Decode(src []byte, limit int) ([]byte, error) {
	return readLimited(lz4.NewReader(bytes.NewReader(src)), limit)
}

type snappyEncoding struct{}

func (snappyEncoding) Name() string { return EncodingSnappy }

func (snappyEncoding) Encode(src []byte) ([]byte, error) {
	return snappy.Encode(nil, src), nil
}

func (snappyEncoding) Decode(src []byte, limit int) ([]byte, error) {
	n, err := snappy.DecodedLen(src)
	if err != nil {
		return nil, err
	}
	if limit > 0 && n > limit {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrDecodedTooLarge, n, limit)
	}
	return snappy.Decode(nil, src)
}
