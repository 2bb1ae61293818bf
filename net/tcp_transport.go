package net

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/lcx/packetflow/codings"
	"github.com/lcx/packetflow/config"
	"github.com/lcx/packetflow/log"
	"github.com/lcx/packetflow/metrics"
)

// TCPTransportCfg is the "tcp_transport" configuration.
type TCPTransportCfg struct {
	Addr          string        `mapstructure:"addr"`
	IdleTimeout   time.Duration `mapstructure:"idleTimeout"`
	MaxBufferSize int           `mapstructure:"maxBufferSize"`
	MaxConns      int           `mapstructure:"maxConns"`
}

// TCPTransportCfgName is the config name a TCPTransportCfg is loaded under.
const TCPTransportCfgName = "tcp_transport"

// GetName returns the configuration name for TCPTransportCfg
func (c *TCPTransportCfg) GetName() string {
	return TCPTransportCfgName
}

// Validate validates the TCPTransportCfg parameters
func (c *TCPTransportCfg) Validate() error {
	if c.Addr == "" {
		return errors.New("Addr cannot be empty")
	}
	if c.MaxBufferSize < 0 {
		return errors.New("MaxBufferSize must not be negative")
	}
	if c.IdleTimeout < 0 {
		return errors.New("IdleTimeout must not be negative")
	}
	if c.MaxConns < 0 {
		return errors.New("MaxConns must not be negative")
	}
	return nil
}

// TCPTransport accepts TCP connections and runs one Session per
// connection. Every connection gets its own framing state; the coder
// registry is shared.
type TCPTransport struct {
	cfg        atomic.Pointer[TCPTransportCfg]
	sessionCfg atomic.Pointer[SessionCfg]
	mappings   *codings.Mappings

	lock     sync.RWMutex
	conns    map[string]*tcpctx
	receiver Receiver
	listener *net.TCPListener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	seq      atomic.Uint64
}

// NewTCPTransportWithConfigManager creates a TCPTransport that supports configuration hot-reload.
// Both the tcp_transport and the session configs are loaded from the manager and the
// transport registers itself as a change listener.
func NewTCPTransportWithConfigManager(configManager config.ConfigManager) (*TCPTransport, error) {
	if configManager == nil {
		return nil, errors.New("configManager cannot be nil")
	}

	cfg := &TCPTransportCfg{}
	scfg := &SessionCfg{}
	if err := config.LoadAll(configManager, cfg, scfg); err != nil {
		return nil, err
	}

	transport := NewTCPTransportWithConfig(cfg, scfg)
	configManager.AddChangeListener(transport)
	return transport, nil
}

// NewTCPTransportWithConfig creates a TCPTransport with the provided configuration.
func NewTCPTransportWithConfig(cfg *TCPTransportCfg, scfg *SessionCfg) *TCPTransport {
	t := &TCPTransport{
		conns:    make(map[string]*tcpctx),
		mappings: codings.NewMappings(),
	}
	codings.RegisterDefaults(t.mappings)
	t.cfg.Store(cfg)
	t.sessionCfg.Store(scfg)
	return t
}

// Mappings is the coder registry shared by all connections.
func (t *TCPTransport) Mappings() *codings.Mappings { return t.mappings }

// OnConfigChanged implements config.ConfigChangeListener. A new
// tcp_transport config applies to connections accepted afterwards; session
// rates and timeouts are pushed to live sessions.
func (t *TCPTransport) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	switch configName {
	case TCPTransportCfgName:
		newCfg, ok := newConfig.(*TCPTransportCfg)
		if !ok {
			return errors.New("invalid configuration type for TCPTransport")
		}
		if err := newCfg.Validate(); err != nil {
			return fmt.Errorf("invalid TCP transport configuration: %w", err)
		}
		t.cfg.Store(newCfg)
	case SessionCfgName:
		newCfg, ok := newConfig.(*SessionCfg)
		if !ok {
			return errors.New("invalid configuration type for session")
		}
		t.sessionCfg.Store(newCfg)
		var result *multierror.Error
		for _, c := range t.snapshot() {
			if err := c.sess.OnConfigChanged(configName, newConfig, oldConfig); err != nil {
				result = multierror.Append(result, err)
			}
		}
		if err := result.ErrorOrNil(); err != nil {
			return err
		}
	default:
		return nil
	}
	log.Info().Str("configName", configName).Msg("TCP transport configuration updated successfully")
	return nil
}

// Start implements Transport.
func (t *TCPTransport) Start(r Receiver) error {
	metrics.IncrCounterWithGroup("net", "transport_start_total", 1)

	cfg := t.cfg.Load()
	if cfg == nil {
		metrics.IncrCounterWithDimGroup("net", "transport_start_error_total", 1, metrics.Dimension{"error_type": "nil_config"})
		return errors.New("TCPTransportCfg is nil")
	}
	if r == nil {
		return errors.New("receiver is nil")
	}
	if err := t.sessionCfg.Load().Validate(); err != nil {
		metrics.IncrCounterWithDimGroup("net", "transport_start_error_total", 1, metrics.Dimension{"error_type": "session_config"})
		return fmt.Errorf("session config: %w", err)
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp", cfg.Addr)
	if err != nil {
		metrics.IncrCounterWithDimGroup("net", "transport_start_error_total", 1, metrics.Dimension{"error_type": "resolve"})
		return fmt.Errorf("resolve: %w", err)
	}
	listener, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		metrics.IncrCounterWithDimGroup("net", "transport_start_error_total", 1, metrics.Dimension{"error_type": "listen"})
		return fmt.Errorf("listen fail: %w", err)
	}
	metrics.IncrCounterWithDimGroup("net", "transport_start_success_total", 1, metrics.Dimension{"transport_type": "tcp"})

	ctx, cancel := context.WithCancel(context.Background())
	t.lock.Lock()
	t.receiver = r
	t.listener = listener
	t.cancel = cancel
	t.lock.Unlock()

	t.wg.Add(1)
	go t.serve(ctx, listener)
	log.Info().Str("addr", listener.Addr().String()).Msg("tcp transport listening")
	return nil
}

// Addr returns the listening address once started.
func (t *TCPTransport) Addr() net.Addr {
	t.lock.RLock()
	defer t.lock.RUnlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Stop implements Transport.
func (t *TCPTransport) Stop() error {
	t.lock.Lock()
	cancel, listener := t.cancel, t.listener
	t.cancel, t.listener = nil, nil
	t.lock.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	var result *multierror.Error
	if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		result = multierror.Append(result, err)
	}
	for _, c := range t.snapshot() {
		if err := c.close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	t.wg.Wait()
	return result.ErrorOrNil()
}

func (t *TCPTransport) serve(ctx context.Context, listener *net.TCPListener) {
	defer t.wg.Done()
	for {
		conn, err := listener.AcceptTCP()
		if err != nil {
			var e net.Error
			if errors.As(err, &e) && e.Timeout() {
				continue
			}
			if ctx.Err() == nil {
				log.Error().Err(err).Msg("accept failed")
			}
			return
		}

		cfg := t.cfg.Load()
		if cfg.MaxConns > 0 && t.connCount() >= cfg.MaxConns {
			metrics.IncrCounterWithDimGroup("net", "connection_rejected_total", 1, metrics.Dimension{"reason": "max_conns"})
			_ = conn.Close()
			continue
		}
		if cfg.MaxBufferSize > 0 {
			if err = conn.SetReadBuffer(cfg.MaxBufferSize); err != nil {
				log.Error().Int("BufSize", cfg.MaxBufferSize).Err(err).Msg("Set read buffer err")
				_ = conn.Close()
				continue
			}
			if err = conn.SetWriteBuffer(cfg.MaxBufferSize); err != nil {
				log.Error().Int("BufSize", cfg.MaxBufferSize).Err(err).Msg("Set write buffer err")
				_ = conn.Close()
				continue
			}
		}

		id := conn.RemoteAddr().String() + "#" + strconv.FormatUint(t.seq.Add(1), 10)
		scfg := t.sessionCfg.Load()
		p, err := scfg.NewPipeline(WithMappings(t.mappings))
		if err != nil {
			log.Error().Err(err).Msg("build pipeline")
			_ = conn.Close()
			continue
		}
		sess := NewSession(&idleConn{Conn: conn, idle: cfg.IdleTimeout}, p,
			WithSessionID(id),
			WithStreamFrames(scfg.StreamFrames),
			WithSendQueue(scfg.SendChannelSize),
			WithReadBufferSize(scfg.ReadBufferSize),
		)

		tctx := &tcpctx{id: id, sess: sess, transport: t}
		t.addConn(tctx)
		metrics.IncrCounterWithGroup("net", "connection_success_total", 1)
		metrics.UpdateGaugeWithGroup("net", "current_connections", metrics.Value(t.connCount()))

		t.wg.Add(1)
		go tctx.serveRecv(ctx)
	}
}

// SendTo sends v on the connection with the given session id.
func (t *TCPTransport) SendTo(ctx context.Context, id string, v any) error {
	t.lock.RLock()
	tctx, ok := t.conns[id]
	t.lock.RUnlock()
	if !ok {
		return fmt.Errorf("tcp transport SendTo: unknown session %q", id)
	}
	return tctx.sess.Send(ctx, v)
}

// CloseConn closes one connection.
func (t *TCPTransport) CloseConn(id string) error {
	t.lock.RLock()
	tctx, ok := t.conns[id]
	t.lock.RUnlock()
	if !ok {
		return fmt.Errorf("tcp transport CloseConn: unknown session %q", id)
	}
	return tctx.close()
}

// Sessions lists the ids of the live connections.
func (t *TCPTransport) Sessions() []string {
	t.lock.RLock()
	defer t.lock.RUnlock()
	ids := make([]string, 0, len(t.conns))
	for id := range t.conns {
		ids = append(ids, id)
	}
	return ids
}

func (t *TCPTransport) snapshot() []*tcpctx {
	t.lock.RLock()
	defer t.lock.RUnlock()
	out := make([]*tcpctx, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, c)
	}
	return out
}

func (t *TCPTransport) addConn(c *tcpctx) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.conns[c.id] = c
}

func (t *TCPTransport) removeConn(id string) {
	t.lock.Lock()
	defer t.lock.Unlock()
	delete(t.conns, id)
}

func (t *TCPTransport) connCount() int {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return len(t.conns)
}

type tcpctx struct {
	id        string
	sess      *Session
	transport *TCPTransport
	closeOnce sync.Once
	closeErr  error
}

func (c *tcpctx) close() error {
	c.closeOnce.Do(func() {
		c.transport.removeConn(c.id)
		metrics.IncrCounterWithGroup("net", "connection_close_total", 1)
		metrics.UpdateGaugeWithGroup("net", "current_connections", metrics.Value(c.transport.connCount()))
		c.closeErr = c.sess.Destroy()
	})
	return c.closeErr
}

func (c *tcpctx) serveRecv(ctx context.Context) {
	defer c.transport.wg.Done()
	defer func() { _ = c.close() }()

	c.transport.lock.RLock()
	receiver := c.transport.receiver
	c.transport.lock.RUnlock()

	for pkt, err := range c.sess.Receive(ctx) {
		if err != nil {
			if codings.IsChannelFatal(err) || errors.Is(err, ErrSessionClosed) || ctx.Err() != nil {
				return
			}
			continue
		}
		d := &Delivery{Session: c.sess, Packet: pkt, SendBack: c.sess.Send}
		if err := receiver.OnPacket(d); err != nil {
			log.Warn().Str("session", c.id).Str("id", pkt.ID.String()).Err(err).Msg("receiver failed")
		}
	}
}

// idleConn pushes the read deadline forward as data is read, closing idle
// connections after the configured timeout.
type idleConn struct {
	net.Conn
	idle         time.Duration
	lastDeadline time.Time
}

func (c *idleConn) Read(p []byte) (int, error) {
	if c.idle > 0 {
		// the deadline moves at most once a second
		if n := time.Now(); n.Sub(c.lastDeadline) > time.Second {
			c.lastDeadline = n
			_ = c.Conn.SetReadDeadline(n.Add(c.idle))
		}
	}
	return c.Conn.Read(p)
}

// Dial connects to addr and returns a client session built from cfg.
func Dial(ctx context.Context, addr string, cfg *SessionCfg, opts ...SessionOption) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	sess, err := NewSessionFromConfig(conn, cfg, append([]SessionOption{WithSessionID(conn.LocalAddr().String())}, opts...)...)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return sess, nil
}
