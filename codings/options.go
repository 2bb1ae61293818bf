package codings

import "time"

// Options is the configuration every stage of a chain reads.
type Options struct {
	// Transport tags the protocol (tcp, mqtt, ...). It also names the
	// default channel for framing state.
	Transport    string
	Microservice bool
	Client       bool

	Delimiter     []byte
	HeadDelimiter []byte
	CountLen      int
	IDLen         int
	// MaxSize caps a whole frame including its prefix.
	MaxSize int

	// Encoding is the content encoding applied to payloads (gzip, lz4, snappy).
	Encoding string
	// MaxDecodedSize caps a payload after content decoding. It defaults to
	// DecodedSizeFactor times MaxSize.
	MaxDecodedSize int

	HeaderCodec  string
	PayloadCodec string

	Timeout      time.Duration
	MessageEvent string
}

// Default framing values.
const (
	DefaultCountLen = 4
	DefaultIDLen    = 2
	DefaultMaxSize  = 1024 * 1024

	DecodedSizeFactor = 64
)

// WithDefaults fills unset framing fields.
func (o Options) WithDefaults() Options {
	if o.CountLen == 0 {
		o.CountLen = DefaultCountLen
	}
	if o.IDLen == 0 {
		o.IDLen = DefaultIDLen
	}
	if o.MaxSize == 0 {
		o.MaxSize = DefaultMaxSize
	}
	if o.MaxDecodedSize == 0 {
		o.MaxDecodedSize = DecodedSizeFactor * o.MaxSize
	}
	if len(o.Delimiter) == 0 {
		o.Delimiter = []byte("#")
	}
	if o.MessageEvent == "" {
		o.MessageEvent = "data"
	}
	return o
}
