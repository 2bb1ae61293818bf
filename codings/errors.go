package codings

import (
	"errors"
	"fmt"
)

var (
	// ErrPacketLength marks framing corruption. The channel it happened on
	// can no longer be trusted.
	ErrPacketLength = errors.New("codings: packet length error")

	// ErrContextDestroyed is returned by stages run on a destroyed context.
	ErrContextDestroyed = errors.New("codings: context destroyed")
)

// LengthError describes a framing violation on one channel.
type LengthError struct {
	Channel  string
	Declared int64
	Max      int64
	Reason   string
}

func (e *LengthError) Error() string {
	return fmt.Sprintf("codings: packet length error on channel %q: %s (declared %d, max %d)",
		e.Channel, e.Reason, e.Declared, e.Max)
}

func (e *LengthError) Unwrap() error {
	return ErrPacketLength
}

// NotSupportedError is returned when no coder is registered for a kind in
// the given transport context.
type NotSupportedError struct {
	Direction    string
	Kind         Kind
	Transport    string
	Client       bool
	Microservice bool
}

func (e *NotSupportedError) Error() string {
	return fmt.Sprintf("codings: no %s coder for kind %s (transport=%q client=%t microservice=%t)",
		e.Direction, e.Kind, e.Transport, e.Client, e.Microservice)
}

// IsChannelFatal reports whether err means the whole channel is corrupted
// rather than a single packet having failed.
func IsChannelFatal(err error) bool {
	return errors.Is(err, ErrPacketLength)
}
