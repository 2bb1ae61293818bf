package net

import (
	"errors"
	"fmt"
	"time"

	"github.com/lcx/packetflow/codec"
	"github.com/lcx/packetflow/codings"
)

// SessionCfg is the "session" configuration. Framing fields are fixed for
// the life of a connection; rates and timeouts are applied on reload.
type SessionCfg struct {
	Transport     string `mapstructure:"transport"`
	Microservice  bool   `mapstructure:"microservice"`
	Client        bool   `mapstructure:"client"`
	Delimiter     string `mapstructure:"delimiter"`
	HeadDelimiter string `mapstructure:"headDelimiter"`
	CountLen      int    `mapstructure:"countLen"`
	IDLen         int    `mapstructure:"idLen"`
	IDStrategy    string `mapstructure:"idStrategy"`
	MaxSize       int    `mapstructure:"maxSize"`
	Encoding      string `mapstructure:"encoding"`
	// MaxDecodedSize caps a payload after content decoding.
	MaxDecodedSize int           `mapstructure:"maxDecodedSize"`
	HeaderCodec    string        `mapstructure:"headerCodec"`
	PayloadCodec   string        `mapstructure:"payloadCodec"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MessageEvent   string        `mapstructure:"messageEvent"`

	MaxFragments    int  `mapstructure:"maxFragments"`
	RecvRate        int  `mapstructure:"recvRate"`
	RecvBurst       int  `mapstructure:"recvBurst"`
	SendRate        int  `mapstructure:"sendRate"`
	SendChannelSize int  `mapstructure:"sendChannelSize"`
	ReadBufferSize  int  `mapstructure:"readBufferSize"`
	StreamFrames    bool `mapstructure:"streamFrames"`
}

// SessionCfgName is the config name a SessionCfg is loaded under.
const SessionCfgName = "session"

// GetName returns the configuration name for SessionCfg.
func (c *SessionCfg) GetName() string {
	return SessionCfgName
}

// Validate checks the framing options and the names of the pluggable parts.
func (c *SessionCfg) Validate() error {
	if err := ValidateOptions(c.Options()); err != nil {
		return err
	}
	if _, err := NewIDAllocator(c.IDStrategy, c.Options().IDLen); err != nil {
		return err
	}
	if _, err := GetEncoding(c.Encoding); err != nil {
		return err
	}
	if _, err := codec.Get(c.HeaderCodec); err != nil {
		return err
	}
	if _, err := codec.Get(c.PayloadCodec); err != nil {
		return err
	}
	if c.RecvRate < 0 || c.SendRate < 0 || c.RecvBurst < 0 {
		return errors.New("rates must not be negative")
	}
	if c.SendChannelSize < 0 || c.MaxFragments < 0 || c.ReadBufferSize < 0 {
		return errors.New("sizes must not be negative")
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative, got %s", c.Timeout)
	}
	return nil
}

// Options converts the config to pipeline options with defaults applied.
func (c *SessionCfg) Options() codings.Options {
	o := codings.Options{
		Transport:      c.Transport,
		Microservice:   c.Microservice,
		Client:         c.Client,
		CountLen:       c.CountLen,
		IDLen:          c.IDLen,
		MaxSize:        c.MaxSize,
		Encoding:       c.Encoding,
		MaxDecodedSize: c.MaxDecodedSize,
		HeaderCodec:    c.HeaderCodec,
		PayloadCodec:   c.PayloadCodec,
		Timeout:        c.Timeout,
		MessageEvent:   c.MessageEvent,
	}
	if c.Delimiter != "" {
		o.Delimiter = []byte(c.Delimiter)
	}
	if c.HeadDelimiter != "" {
		o.HeadDelimiter = []byte(c.HeadDelimiter)
	}
	if o.IDLen == 0 && c.IDStrategy == IDStrategyUUID {
		o.IDLen = uuidLength
	}
	return o.WithDefaults()
}

// NewPipeline builds a pipeline from the config. Both limiters are always
// installed so a reload can turn them on.
func (c *SessionCfg) NewPipeline(po ...PipelineOption) (*Pipeline, error) {
	opts := c.Options()
	alloc, err := NewIDAllocator(c.IDStrategy, opts.IDLen)
	if err != nil {
		return nil, err
	}
	base := []PipelineOption{
		WithAllocator(alloc),
		WithMaxFragments(c.MaxFragments),
		WithRecvLimiter(NewRecvLimiter(c.RecvRate, c.RecvBurst)),
		WithSendLimiter(NewSendLimiter(c.SendRate)),
	}
	return NewPipeline(opts, append(base, po...)...)
}
