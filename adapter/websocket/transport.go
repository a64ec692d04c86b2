// Package websocket provides a duplex WebSocket adapter for xcall.
//
// Transport name: "websocket"
//
// Config keys:
// - url: ws:// or wss:// endpoint; empty means server mode (mount the transport as an http.Handler)
// - codec: "json" (text frames) or "cbor" (binary frames), default "json"
// - handshake_timeout, write_timeout: durations
// - read_limit: max inbound frame size in bytes
package websocket

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/trickstertwo/xcall"
	"github.com/trickstertwo/xlog"
)

const TransportName = "websocket"

func init() {
	if err := xcall.RegisterTransportFactory(TransportName, func(cfg map[string]any) (xcall.Transport, error) {
		return NewTransport(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xcall: failed to register transport %q: %w", TransportName, err))
	}
}

// Transport carries one envelope per WebSocket frame.
type Transport struct {
	cfg      Config
	codec    xcall.Codec
	msgType  int
	logger   *xlog.Logger
	dialer   *gws.Dialer
	upgrader gws.Upgrader

	mu       sync.RWMutex
	conn     *gws.Conn
	receiver xcall.Receiver
	writeMu  sync.Mutex

	stateMu   sync.Mutex
	connected atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	metrics *transportMetrics
}

type transportMetrics struct {
	sent         atomic.Uint64
	received     atomic.Uint64
	decodeErrors atomic.Uint64
	sendErrors   atomic.Uint64
	accepted     atomic.Uint64
}

var _ xcall.Transport = (*Transport)(nil)
var _ http.Handler = (*Transport)(nil)

// Option customizes a Transport.
type Option func(*Transport)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

// NewTransport validates cfg and prepares an unconnected transport.
func NewTransport(cfg Config, opts ...Option) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	codec, err := xcall.NewCodec(cfg.Codec)
	if err != nil {
		return nil, err
	}
	t := &Transport{
		cfg:     cfg,
		codec:   codec,
		msgType: gws.BinaryMessage,
		logger:  xlog.Default(),
		dialer: &gws.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		upgrader: gws.Upgrader{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		metrics: &transportMetrics{},
	}
	if codec.Name() == "json" {
		t.msgType = gws.TextMessage
	}
	if cfg.AllowAnyOrigin {
		t.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}
	for _, o := range opts {
		if o != nil {
			o(t)
		}
	}
	return t, nil
}

// Connect dials cfg.URL in client mode. In server mode it only marks the
// transport ready to accept a peer.
func (t *Transport) Connect(ctx context.Context) error {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	if t.connected.Load() {
		return nil
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())

	if t.cfg.URL != "" {
		conn, _, err := t.dialer.DialContext(ctx, t.cfg.URL, nil)
		if err != nil {
			t.cancel()
			return fmt.Errorf("websocket: dial %s: %w", t.cfg.URL, err)
		}
		t.attach(conn)
	}
	t.connected.Store(true)
	return nil
}

// Disconnect sends a close frame, closes the socket and waits for the reader.
func (t *Transport) Disconnect(_ context.Context) error {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	if !t.connected.Swap(false) {
		return nil
	}
	t.cancel()

	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn != nil {
		t.writeMu.Lock()
		_ = conn.WriteControl(gws.CloseMessage,
			gws.FormatCloseMessage(gws.CloseNormalClosure, ""),
			time.Now().Add(t.cfg.WriteTimeout))
		t.writeMu.Unlock()
		_ = conn.Close()
	}
	t.wg.Wait()
	return nil
}

// Connected reports whether a peer socket is attached.
func (t *Transport) Connected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conn != nil
}

func (t *Transport) SetReceiver(fn xcall.Receiver) {
	t.mu.Lock()
	t.receiver = fn
	t.mu.Unlock()
}

// Send writes env as a single frame.
func (t *Transport) Send(ctx context.Context, env xcall.Envelope) error {
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn == nil {
		t.metrics.sendErrors.Add(1)
		return xcall.ErrNotConnected
	}

	data, err := xcall.EncodeEnvelope(t.codec, env)
	if err != nil {
		t.metrics.sendErrors.Add(1)
		return err
	}

	deadline := time.Now().Add(t.cfg.WriteTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.SetWriteDeadline(deadline); err != nil {
		t.metrics.sendErrors.Add(1)
		return err
	}
	if err := conn.WriteMessage(t.msgType, data); err != nil {
		t.metrics.sendErrors.Add(1)
		return fmt.Errorf("websocket: write: %w", err)
	}
	t.metrics.sent.Add(1)
	return nil
}

// ServeHTTP upgrades the request and makes the socket the active peer,
// replacing any previous one. Only valid in server mode after Connect.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.cfg.URL != "" || !t.connected.Load() {
		http.Error(w, "transport not accepting connections", http.StatusServiceUnavailable)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error
		t.logger.Warn().Err(err).Msg("websocket: upgrade failed")
		return
	}
	t.metrics.accepted.Add(1)
	t.attach(conn)
}

func (t *Transport) attach(conn *gws.Conn) {
	conn.SetReadLimit(t.cfg.ReadLimit)

	t.mu.Lock()
	old := t.conn
	t.conn = conn
	t.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	ctx := t.ctx
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.readLoop(ctx, conn)
	}()
}

func (t *Transport) detach(conn *gws.Conn) {
	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	t.mu.Unlock()
	_ = conn.Close()
}

func (t *Transport) readLoop(ctx context.Context, conn *gws.Conn) {
	defer t.detach(conn)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if gws.IsUnexpectedCloseError(err, gws.CloseNormalClosure, gws.CloseGoingAway) && ctx.Err() == nil {
				t.logger.Warn().Err(err).Msg("websocket: read failed")
			}
			return
		}
		env, err := xcall.DecodeEnvelope(t.codec, data)
		if err != nil {
			t.metrics.decodeErrors.Add(1)
			t.logger.Warn().Err(err).Msg("websocket: dropping undecodable frame")
			continue
		}
		t.metrics.received.Add(1)

		t.mu.RLock()
		fn := t.receiver
		t.mu.RUnlock()
		if fn != nil {
			fn(ctx, env)
		}
	}
}

// Stats returns transport telemetry.
type Stats struct {
	Sent         uint64
	Received     uint64
	DecodeErrors uint64
	SendErrors   uint64
	Accepted     uint64
}

func (t *Transport) Stats() Stats {
	return Stats{
		Sent:         t.metrics.sent.Load(),
		Received:     t.metrics.received.Load(),
		DecodeErrors: t.metrics.decodeErrors.Load(),
		SendErrors:   t.metrics.sendErrors.Load(),
		Accepted:     t.metrics.accepted.Load(),
	}
}
