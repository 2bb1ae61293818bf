package net

import (
	"context"
	"errors"
	"io"
	"iter"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/lcx/packetflow/codings"
	"github.com/lcx/packetflow/config"
	"github.com/lcx/packetflow/log"
	"github.com/lcx/packetflow/metrics"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrSessionClosed is returned by every operation on a destroyed session.
	ErrSessionClosed = errors.New("net: session closed")
	// ErrUnsupportedWrite is returned by Send on a connection that cannot be
	// written to.
	ErrUnsupportedWrite = errors.New("net: transport has no write path")
)

const (
	defaultSendQueue      = 64
	defaultReadBufferSize = 32 * 1024
	subscriberQueue       = 16
)

type sendJob struct {
	ctx   context.Context
	units []any
	done  chan error
}

type subscriber struct {
	ch       chan packetResult
	done     chan struct{}
	doneOnce sync.Once
	expect   *codings.Context
}

func (sub *subscriber) end() {
	sub.doneOnce.Do(func() { close(sub.done) })
}

// next waits for the next result. ok is false once the subscription ended
// and everything queued was consumed.
func (sub *subscriber) next(ctx context.Context) (r packetResult, ok bool, err error) {
	select {
	case r = <-sub.ch:
		return r, true, nil
	case <-sub.done:
		select {
		case r = <-sub.ch:
			return r, true, nil
		default:
			return r, false, nil
		}
	case <-ctx.Done():
		return r, false, ctx.Err()
	}
}

type packetResult struct {
	pkt *Packet
	err error
}

// SessionOption customizes a Session.
type SessionOption func(*Session)

// WithSessionID names the session in logs.
func WithSessionID(id string) SessionOption {
	return func(s *Session) { s.id = id }
}

// WithStreamFrames makes the session read frames as streams straight off
// the connection instead of buffering whole frames.
//
// The read loop waits for each streamed payload to be read to the end or
// closed before it reads the next frame. Consumers must do one or the
// other; a payload left untouched stalls the connection.
func WithStreamFrames(on bool) SessionOption {
	return func(s *Session) { s.streamFrames = on }
}

// WithSendQueue sets the number of pending writes.
func WithSendQueue(n int) SessionOption {
	return func(s *Session) {
		if n > 0 {
			s.sendCh = make(chan *sendJob, n)
		}
	}
}

// WithReadBufferSize sets the size of socket reads.
func WithReadBufferSize(n int) SessionOption {
	return func(s *Session) {
		if n > 0 {
			s.readBufferSize = n
		}
	}
}

// Session binds a Pipeline to a connection. Writes are serialized through
// one writer goroutine; inbound data is read by one reader goroutine started
// on the first Receive or Request and fanned out to subscribers.
type Session struct {
	id             string
	conn           io.Reader
	writer         io.Writer
	closer         io.Closer
	pipeline       *Pipeline
	logger         *log.SessionLogger
	streamFrames   bool
	readBufferSize int
	timeout        atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	gctx   context.Context

	readOnce  sync.Once
	writeOnce sync.Once
	sendCh    chan *sendJob

	mu       sync.Mutex
	subs     map[*subscriber]struct{}
	readDone bool
	readErr  error

	closed      atomic.Bool
	destroyOnce sync.Once
	destroyErr  error
}

// NewSession creates a session over conn. conn is written to when it
// implements io.Writer and closed on Destroy when it implements io.Closer.
func NewSession(conn io.Reader, p *Pipeline, opts ...SessionOption) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conn:           conn,
		pipeline:       p,
		readBufferSize: defaultReadBufferSize,
		ctx:            ctx,
		cancel:         cancel,
		sendCh:         make(chan *sendJob, defaultSendQueue),
		subs:           make(map[*subscriber]struct{}),
	}
	s.group, s.gctx = errgroup.WithContext(ctx)
	if w, ok := conn.(io.Writer); ok {
		s.writer = w
	}
	if c, ok := conn.(io.Closer); ok {
		s.closer = c
	}
	for _, o := range opts {
		o(s)
	}
	s.timeout.Store(int64(p.Options().Timeout))
	s.logger = log.NewSessionLogger(nil, s.id)
	metrics.AddGaugeWithGroup("net", "active_sessions", 1)
	s.logger.Info().Bool("streamFrames", s.streamFrames).Str("transport", p.Options().Transport).Msg("session started")
	return s
}

// NewSessionFromConfig builds the pipeline described by cfg and a session
// over conn.
func NewSessionFromConfig(conn io.Reader, cfg *SessionCfg, opts ...SessionOption) (*Session, error) {
	p, err := cfg.NewPipeline()
	if err != nil {
		return nil, err
	}
	base := []SessionOption{
		WithStreamFrames(cfg.StreamFrames),
		WithSendQueue(cfg.SendChannelSize),
		WithReadBufferSize(cfg.ReadBufferSize),
	}
	return NewSession(conn, p, append(base, opts...)...), nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Pipeline returns the pipeline of the session.
func (s *Session) Pipeline() *Pipeline { return s.pipeline }

// OnConfigChanged implements config.ConfigChangeListener. Only rates and
// the timeout are applied to a live session.
func (s *Session) OnConfigChanged(configName string, newConfig, _ config.Config) error {
	if configName != SessionCfgName {
		return nil
	}
	cfg, ok := newConfig.(*SessionCfg)
	if !ok {
		return errors.New("invalid configuration type for Session")
	}
	s.timeout.Store(int64(cfg.Timeout))
	if l := s.pipeline.RecvLimiter(); l != nil {
		l.Reload(cfg.RecvRate, cfg.RecvBurst)
	}
	if l := s.pipeline.SendLimiter(); l != nil {
		l.Reload(cfg.SendRate)
	}
	s.logger.Info().Str("configName", configName).Msg("session configuration updated")
	return nil
}

func (s *Session) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	d := time.Duration(s.timeout.Load())
	if _, has := ctx.Deadline(); has || d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// Send encodes v and writes it. It returns once the bytes were handed to the
// connection.
func (s *Session) Send(ctx context.Context, v any) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if s.writer == nil {
		return ErrUnsupportedWrite
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cctx := s.pipeline.NewContext(ctx)
	defer cctx.Destroy()
	defer s.pipeline.ReleaseAllocated(cctx)

	units, err := s.pipeline.EncodeWith(cctx, v)
	if err != nil {
		return err
	}
	return s.write(ctx, units)
}

// Request sends v and waits for the packet carrying the same id.
func (s *Session) Request(ctx context.Context, v any) (*Packet, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	if s.writer == nil {
		return nil, ErrUnsupportedWrite
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cctx := s.pipeline.NewContext(ctx)
	defer cctx.Destroy()
	defer s.pipeline.ReleaseAllocated(cctx)

	units, err := s.pipeline.EncodeWith(cctx, v)
	if err != nil {
		return nil, err
	}
	idv, _ := cctx.Get(KeyPacketID)
	cctx.Set(codings.KeyExpectedID, idv)

	sub := s.subscribe(cctx)
	defer s.unsubscribe(sub)
	s.startReading()

	if err := s.write(ctx, units); err != nil {
		return nil, err
	}
	for {
		r, ok, err := sub.next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, s.endError(ErrSessionClosed)
		}
		if r.err != nil && !codings.IsChannelFatal(r.err) {
			// a packet that failed to decode is not known to be ours
			continue
		}
		return r.pkt, r.err
	}
}

// Receive yields decoded packets until ctx ends, the connection ends or the
// consumer stops. Each call subscribes on its own. Errors for single
// packets are yielded and the sequence continues; a channel-fatal error
// ends it.
func (s *Session) Receive(ctx context.Context) iter.Seq2[*Packet, error] {
	return func(yield func(*Packet, error) bool) {
		if s.closed.Load() {
			yield(nil, ErrSessionClosed)
			return
		}
		if ctx == nil {
			ctx = context.Background()
		}
		sub := s.subscribe(nil)
		defer s.unsubscribe(sub)
		s.startReading()

		for {
			r, ok, err := sub.next(ctx)
			if err != nil {
				yield(nil, err)
				return
			}
			if !ok {
				if err := s.endError(nil); err != nil {
					yield(nil, err)
				}
				return
			}
			if !yield(r.pkt, r.err) {
				return
			}
		}
	}
}

// endError is the error a subscriber sees when the read side ended.
func (s *Session) endError(fallback error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if s.readErr != nil {
		return s.readErr
	}
	return fallback
}

func (s *Session) subscribe(expect *codings.Context) *subscriber {
	sub := &subscriber{
		ch:     make(chan packetResult, subscriberQueue),
		done:   make(chan struct{}),
		expect: expect,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readDone {
		sub.end()
		return sub
	}
	s.subs[sub] = struct{}{}
	return sub
}

func (s *Session) unsubscribe(sub *subscriber) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
	sub.end()
}

func (s *Session) startReading() {
	s.readOnce.Do(func() {
		s.group.Go(func() error {
			err := s.readLoop(s.gctx)
			s.finishReading(err)
			return err
		})
	})
}

func (s *Session) startWriting() {
	s.writeOnce.Do(func() {
		s.group.Go(func() error {
			return s.writeLoop(s.gctx)
		})
	})
}

func (s *Session) finishReading(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readDone {
		return
	}
	s.readDone = true
	s.readErr = err
	for sub := range s.subs {
		sub.end()
	}
	s.subs = make(map[*subscriber]struct{})
}

func (s *Session) readLoop(ctx context.Context) error {
	if s.streamFrames {
		return s.readFrames(ctx)
	}
	buf := make([]byte, s.readBufferSize)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			metrics.IncrCounterWithGroup("net", "bytes_received_total", metrics.Value(n))
			pkts, derr := s.pipeline.Decode(ctx, buf[:n])
			s.dispatch(ctx, pkts)
			if derr != nil {
				if fatal := s.decodeFailed(ctx, derr); fatal {
					return derr
				}
			}
		}
		if err != nil {
			return s.readEnded(err)
		}
	}
}

func (s *Session) readFrames(ctx context.Context) error {
	fr := NewFrameReader(s.conn, s.pipeline.Options().Transport, s.pipeline.Options())
	for {
		f, err := fr.Next()
		if err != nil {
			if codings.IsChannelFatal(err) {
				s.decodeFailed(ctx, err)
				return err
			}
			return s.readEnded(err)
		}
		metrics.IncrCounterWithGroup("net", "bytes_received_total", metrics.Value(f.Content.Len()))
		pkts, derr := s.pipeline.Decode(ctx, f)
		s.dispatch(ctx, pkts)
		for _, p := range pkts {
			if st, ok := p.Payload.(*Stream); ok {
				if _, buffered := st.Buffered(); !buffered {
					select {
					case <-st.Done():
					case <-ctx.Done():
						return nil
					}
				}
			}
		}
		if derr != nil {
			if fatal := s.decodeFailed(ctx, derr); fatal {
				return derr
			}
		}
	}
}

func (s *Session) readEnded(err error) error {
	if isClosedErr(err) || s.closed.Load() {
		return nil
	}
	s.logger.Error().Err(err).Msg("read failed")
	return err
}

// decodeFailed reports every decode error to subscribers and tells whether
// the channel is corrupted.
func (s *Session) decodeFailed(ctx context.Context, err error) bool {
	fatal := false
	for _, e := range decodeErrors(err) {
		if codings.IsChannelFatal(e) {
			fatal = true
			s.logger.Warn().Err(e).Msg("framing error, closing channel")
			s.pipeline.ResetChannel(s.pipeline.Options().Transport)
		} else {
			s.logger.Warn().Err(e).Msg("packet decode failed")
		}
		s.broadcast(ctx, packetResult{err: e})
	}
	return fatal
}

// dispatch delivers packets. A packet awaited by a Request goes only to
// that request; everything else goes to every Receive subscriber.
func (s *Session) dispatch(ctx context.Context, pkts []*Packet) {
	for _, p := range pkts {
		s.mu.Lock()
		var targets []*subscriber
		for sub := range s.subs {
			if sub.expect != nil && MatchesExpectedID(sub.expect, p) {
				targets = []*subscriber{sub}
				break
			}
		}
		if targets == nil {
			for sub := range s.subs {
				if sub.expect == nil {
					targets = append(targets, sub)
				}
			}
		}
		s.mu.Unlock()

		if len(targets) == 0 {
			s.logger.Debug().Str("id", p.ID.String()).Msg("no receiver for packet")
			drain(p)
			continue
		}
		for _, sub := range targets {
			s.deliver(ctx, sub, packetResult{pkt: p})
		}
	}
}

func (s *Session) broadcast(ctx context.Context, r packetResult) {
	s.mu.Lock()
	targets := make([]*subscriber, 0, len(s.subs))
	for sub := range s.subs {
		targets = append(targets, sub)
	}
	s.mu.Unlock()
	for _, sub := range targets {
		s.deliver(ctx, sub, r)
	}
}

func (s *Session) deliver(ctx context.Context, sub *subscriber, r packetResult) {
	select {
	case sub.ch <- r:
	case <-sub.done:
	case <-ctx.Done():
	}
}

func (s *Session) write(ctx context.Context, units []any) error {
	s.startWriting()
	job := &sendJob{ctx: ctx, units: units, done: make(chan error, 1)}
	select {
	case s.sendCh <- job:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.gctx.Done():
		return s.writeClosedErr()
	}
	select {
	case err := <-job.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.gctx.Done():
		return s.writeClosedErr()
	}
}

func (s *Session) writeClosedErr() error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if err := context.Cause(s.gctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return ErrSessionClosed
}

func (s *Session) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-s.sendCh:
			if err := job.ctx.Err(); err != nil {
				job.done <- err
				continue
			}
			err := s.writeUnits(job.units)
			job.done <- err
			if err != nil {
				if isClosedErr(err) || s.closed.Load() {
					return nil
				}
				s.logger.Error().Err(err).Msg("write failed")
				return err
			}
		}
	}
}

func (s *Session) writeUnits(units []any) error {
	if dl, ok := s.writer.(interface{ SetWriteDeadline(time.Time) error }); ok {
		if d := time.Duration(s.timeout.Load()); d > 0 {
			_ = dl.SetWriteDeadline(time.Now().Add(d))
		}
	}
	for _, u := range units {
		var n int64
		switch x := u.(type) {
		case []byte:
			w, err := s.writer.Write(x)
			if err != nil {
				return err
			}
			n = int64(w)
		case *Stream:
			w, err := io.Copy(s.writer, x)
			if err != nil {
				return err
			}
			n = w
		default:
			return errUnexpectedOutput
		}
		metrics.IncrCounterWithGroup("net", "bytes_sent_total", metrics.Value(n))
	}
	return nil
}

// Destroy cancels pending work, closes the connection and drops framing
// state. Later operations fail with ErrSessionClosed.
func (s *Session) Destroy() error {
	s.destroyOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()

		var result *multierror.Error
		if s.closer != nil {
			if err := s.closer.Close(); err != nil && !isClosedErr(err) {
				result = multierror.Append(result, err)
			}
			if err := s.group.Wait(); err != nil && !isClosedErr(err) {
				result = multierror.Append(result, err)
			}
		}
		s.finishReading(nil)
		s.pipeline.Reset()
		metrics.AddGaugeWithGroup("net", "active_sessions", -1)
		s.logger.Info().Msg("session destroyed")
		s.destroyErr = result.ErrorOrNil()
	})
	return s.destroyErr
}

// Closed reports whether Destroy was called.
func (s *Session) Closed() bool {
	return s.closed.Load()
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, context.Canceled)
}
