package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xcall"
)

const TransportName = "memory"

func init() {
	if err := xcall.RegisterTransportFactory(TransportName, func(cfg map[string]any) (xcall.Transport, error) {
		return Open(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xcall/memory: failed to register transport: %w", err))
	}
}

// Config controls memory transport behavior.
type Config struct {
	// Channel names the link shared by both ends when built through the factory.
	Channel string
	// Side selects the end of Channel ("a" or "b").
	Side string
	// BufferSize is the inbound queue size (default: 1024).
	BufferSize int
	// Delay is added before each delivery to simulate link latency (default: 0).
	Delay time.Duration
	// Codec, when set, serializes every envelope on send and decodes it on
	// receipt so payloads look exactly as they would off a real wire.
	Codec string
}

func ConfigFromMap(cfg map[string]any) Config {
	getInt := func(k string, d int) int {
		switch v := cfg[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		default:
			return d
		}
	}

	getStr := func(k, d string) string {
		if v, ok := cfg[k].(string); ok && v != "" {
			return v
		}
		return d
	}

	getDur := func(k string, d time.Duration) time.Duration {
		switch v := cfg[k].(type) {
		case time.Duration:
			return v
		case string:
			if p, err := time.ParseDuration(v); err == nil {
				return p
			}
		case float64:
			return time.Duration(v)
		case int64:
			return time.Duration(v)
		}
		return d
	}

	return Config{
		Channel:    getStr("channel", "default"),
		Side:       getStr("side", "a"),
		BufferSize: max(1, getInt("buffer_size", 1024)),
		Delay:      getDur("delay", 0),
		Codec:      getStr("codec", ""),
	}
}

// toMap converts Config to the generic map expected by the transport factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"channel":     c.Channel,
		"side":        c.Side,
		"buffer_size": c.BufferSize,
		"delay":       c.Delay,
		"codec":       c.Codec,
	}
}

// Transport is one end of an in-process duplex link. Envelopes sent on one
// end are delivered, in order, to the receiver of the other end.
type Transport struct {
	cfg   Config
	codec xcall.Codec

	mu       sync.RWMutex
	peer     *Transport
	receiver xcall.Receiver

	queue     chan *deliveryTask
	connected atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	stateMu   sync.Mutex

	metrics *transportMetrics
}

type transportMetrics struct {
	sent         atomic.Uint64
	delivered    atomic.Uint64
	dropped      atomic.Uint64
	decodeErrors atomic.Uint64
	sendErrors   atomic.Uint64
}

type deliveryTask struct {
	env   xcall.Envelope
	data  []byte
	codec xcall.Codec
}

var _ xcall.Transport = (*Transport)(nil)

// NewTransport creates an unlinked end. Use NewPair or Open to obtain linked ends.
func NewTransport(cfg Config) (*Transport, error) {
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1024
	}
	t := &Transport{
		cfg:     cfg,
		queue:   make(chan *deliveryTask, cfg.BufferSize),
		metrics: &transportMetrics{},
	}
	if cfg.Codec != "" {
		c, err := xcall.NewCodec(cfg.Codec)
		if err != nil {
			return nil, err
		}
		t.codec = c
	}
	return t, nil
}

// NewPair returns two linked ends sharing cfg.
func NewPair(cfg Config) (*Transport, *Transport, error) {
	a, err := NewTransport(cfg)
	if err != nil {
		return nil, nil, err
	}
	b, err := NewTransport(cfg)
	if err != nil {
		return nil, nil, err
	}
	link(a, b)
	return a, b, nil
}

func link(a, b *Transport) {
	a.mu.Lock()
	a.peer = b
	a.mu.Unlock()
	b.mu.Lock()
	b.peer = a
	b.mu.Unlock()
}

// Connect starts the delivery worker. It is a no-op when already connected.
func (t *Transport) Connect(_ context.Context) error {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	if t.connected.Load() {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.worker(ctx)
	}()
	t.connected.Store(true)
	return nil
}

// Disconnect stops the worker. Queued envelopes that were not delivered are dropped.
func (t *Transport) Disconnect(_ context.Context) error {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	if !t.connected.Swap(false) {
		return nil
	}
	t.cancel()
	t.wg.Wait()
	for {
		select {
		case <-t.queue:
			t.metrics.dropped.Add(1)
		default:
			return nil
		}
	}
}

// Connected reports whether the worker is running.
func (t *Transport) Connected() bool { return t.connected.Load() }

func (t *Transport) SetReceiver(fn xcall.Receiver) {
	t.mu.Lock()
	t.receiver = fn
	t.mu.Unlock()
}

// Send queues env on the peer. It blocks while the peer's queue is full.
func (t *Transport) Send(ctx context.Context, env xcall.Envelope) error {
	if !t.connected.Load() {
		t.metrics.sendErrors.Add(1)
		return xcall.ErrNotConnected
	}
	t.mu.RLock()
	peer := t.peer
	t.mu.RUnlock()
	if peer == nil || !peer.connected.Load() {
		t.metrics.sendErrors.Add(1)
		return fmt.Errorf("%w: peer", xcall.ErrNotConnected)
	}

	task := &deliveryTask{env: env}
	if t.codec != nil {
		data, err := xcall.EncodeEnvelope(t.codec, env)
		if err != nil {
			t.metrics.sendErrors.Add(1)
			return err
		}
		task = &deliveryTask{data: data, codec: t.codec}
	}

	select {
	case peer.queue <- task:
	default:
		// Queue full: block to preserve ordering
		select {
		case peer.queue <- task:
		case <-ctx.Done():
			t.metrics.sendErrors.Add(1)
			return ctx.Err()
		}
	}
	t.metrics.sent.Add(1)
	return nil
}

func (t *Transport) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-t.queue:
			if task == nil {
				continue
			}
			if t.cfg.Delay > 0 {
				select {
				case <-time.After(t.cfg.Delay):
				case <-ctx.Done():
					t.metrics.dropped.Add(1)
					return
				}
			}
			t.deliver(ctx, task)
		}
	}
}

func (t *Transport) deliver(ctx context.Context, task *deliveryTask) {
	env := task.env
	if task.data != nil {
		var err error
		env, err = xcall.DecodeEnvelope(task.codec, task.data)
		if err != nil {
			t.metrics.decodeErrors.Add(1)
			return
		}
	}

	t.mu.RLock()
	fn := t.receiver
	t.mu.RUnlock()
	if fn == nil {
		t.metrics.dropped.Add(1)
		return
	}
	fn(ctx, env)
	t.metrics.delivered.Add(1)
}

// Stats returns transport telemetry.
type Stats struct {
	Sent         uint64
	Delivered    uint64
	Dropped      uint64
	DecodeErrors uint64
	SendErrors   uint64
	Queued       int
}

// Stats returns current transport metrics.
func (t *Transport) Stats() Stats {
	return Stats{
		Sent:         t.metrics.sent.Load(),
		Delivered:    t.metrics.delivered.Load(),
		Dropped:      t.metrics.dropped.Load(),
		DecodeErrors: t.metrics.decodeErrors.Load(),
		SendErrors:   t.metrics.sendErrors.Load(),
		Queued:       len(t.queue),
	}
}

// Named links let two factory-built ends find each other by channel name.

var (
	linksMu sync.Mutex
	links   = map[string]*[2]*Transport{}
)

// Open creates the end of cfg.Channel selected by cfg.Side and links it to
// the opposite end if that one already exists.
func Open(cfg Config) (*Transport, error) {
	side, err := sideIndex(cfg.Side)
	if err != nil {
		return nil, err
	}
	t, err := NewTransport(cfg)
	if err != nil {
		return nil, err
	}

	linksMu.Lock()
	defer linksMu.Unlock()
	ends, ok := links[cfg.Channel]
	if !ok {
		ends = &[2]*Transport{}
		links[cfg.Channel] = ends
	}
	if ends[side] != nil {
		return nil, fmt.Errorf("xcall/memory: channel %q side %q already open", cfg.Channel, cfg.Side)
	}
	ends[side] = t
	if other := ends[1-side]; other != nil {
		link(t, other)
	}
	return t, nil
}

// Release forgets a named channel so its sides can be opened again.
func Release(channel string) {
	linksMu.Lock()
	delete(links, channel)
	linksMu.Unlock()
}

func sideIndex(s string) (int, error) {
	switch s {
	case "", "a":
		return 0, nil
	case "b":
		return 1, nil
	}
	return 0, fmt.Errorf("xcall/memory: side must be \"a\" or \"b\", got %q", s)
}
