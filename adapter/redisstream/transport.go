package redisstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xcall"
	"github.com/trickstertwo/xlog"
)

// Transport is one end of a Redis Streams channel.
type Transport struct {
	cfg    Config
	codec  xcall.Codec
	logger *xlog.Logger

	mu       sync.RWMutex
	client   *redis.Client
	receiver xcall.Receiver

	stateMu   sync.Mutex
	connected atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	// metrics for observability
	metrics *transportMetrics
}

// transportMetrics tracks performance telemetry
type transportMetrics struct {
	sent          atomic.Uint64
	received      atomic.Uint64
	acked         atomic.Uint64
	deadLettered  atomic.Uint64
	sendErrors    atomic.Uint64
	consumeErrors atomic.Uint64
	claimed       atomic.Uint64
}

var _ xcall.Transport = (*Transport)(nil)

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

// NewTransport validates cfg. The Redis connection is made by Connect.
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
		logger:  xlog.Default(),
		metrics: &transportMetrics{},
	}
	for _, o := range opts {
		if o != nil {
			o(t)
		}
	}
	return t, nil
}

func (t *Transport) newClient() *redis.Client {
	opts := &redis.Options{
		Addr:         t.cfg.Addr,
		Username:     t.cfg.Username,
		Password:     t.cfg.Password,
		DB:           t.cfg.DB,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
	}

	if t.cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    t.cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}
	return redis.NewClient(opts)
}

// Connect pings Redis, ensures the consumer group and starts the poller.
func (t *Transport) Connect(ctx context.Context) error {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	if t.connected.Load() {
		return nil
	}

	client := t.newClient()
	if err := ping(ctx, client); err != nil {
		_ = client.Close()
		return err
	}
	if t.cfg.AutoCreate {
		err := client.XGroupCreateMkStream(ctx, t.cfg.Inbound, t.cfg.Group, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			_ = client.Close()
			return fmt.Errorf("redisstream: create group %s on %s: %w", t.cfg.Group, t.cfg.Inbound, err)
		}
	}

	t.mu.Lock()
	t.client = client
	t.mu.Unlock()

	loopCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.pollerLoop(loopCtx, client)
	}()

	// Optional pending entry recovery loop (claims entries stuck on dead consumers)
	if t.cfg.ClaimMinIdle > 0 && t.cfg.ClaimInterval > 0 && t.cfg.ClaimBatch > 0 {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.claimLoop(loopCtx, client)
		}()
	}

	t.connected.Store(true)
	return nil
}

// Disconnect stops the poller and closes the Redis client.
func (t *Transport) Disconnect(_ context.Context) error {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	if !t.connected.Swap(false) {
		return nil
	}
	t.cancel()
	t.wg.Wait()

	t.mu.Lock()
	client := t.client
	t.client = nil
	t.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}

func (t *Transport) SetReceiver(fn xcall.Receiver) {
	t.mu.Lock()
	t.receiver = fn
	t.mu.Unlock()
}

// Send appends env to the outbound stream with XADD.
func (t *Transport) Send(ctx context.Context, env xcall.Envelope) error {
	t.mu.RLock()
	client := t.client
	t.mu.RUnlock()
	if client == nil || !t.connected.Load() {
		t.metrics.sendErrors.Add(1)
		return xcall.ErrNotConnected
	}

	data, err := xcall.EncodeEnvelope(t.codec, env)
	if err != nil {
		t.metrics.sendErrors.Add(1)
		return err
	}
	args := &redis.XAddArgs{
		Stream: t.cfg.Outbound,
		ID:     "*", // Let Redis generate ID
		Values: encodeEntry(env, t.codec.Name(), data),
	}
	// Approximate trimming to keep stream bounded
	if t.cfg.MaxLenApprox > 0 {
		args.MaxLen = t.cfg.MaxLenApprox
		args.Approx = true
	}

	if err := client.XAdd(ctx, args).Err(); err != nil {
		t.metrics.sendErrors.Add(1)
		return fmt.Errorf("redisstream: xadd %s: %w", t.cfg.Outbound, err)
	}
	t.metrics.sent.Add(1)
	return nil
}

// pollerLoop reads the inbound stream and dispatches entries in order.
func (t *Transport) pollerLoop(ctx context.Context, client *redis.Client) {
	xArgs := &redis.XReadGroupArgs{
		Group:    t.cfg.Group,
		Consumer: t.cfg.Consumer,
		Streams:  []string{t.cfg.Inbound, ">"},
		Count:    int64(max(1, t.cfg.BatchSize)),
		Block:    t.cfg.Block,
		NoAck:    false,
	}

	backoff := time.Millisecond * 100
	maxBackoff := time.Second * 5

	for {
		// Fast exit on context cancellation
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := client.XReadGroup(ctx, xArgs).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				// Block timeout (expected), continue polling
				backoff = time.Millisecond * 100
				continue
			}

			// Transient error: exponential backoff
			t.metrics.consumeErrors.Add(1)
			t.logger.Warn().Err(err).Dur("backoff", backoff).Msg("redisstream: read failed")
			select {
			case <-time.After(backoff):
				backoff = min(backoff*2, maxBackoff)
			case <-ctx.Done():
				return
			}
			continue
		}

		// Reset backoff on successful read
		backoff = time.Millisecond * 100

		for _, stream := range res {
			for _, msg := range stream.Messages {
				t.handleEntry(ctx, client, msg)
			}
		}
	}
}

func (t *Transport) handleEntry(ctx context.Context, client *redis.Client, msg redis.XMessage) {
	d := &delivery{t: t, client: client, id: msg.ID, values: msg.Values}

	env, err := decodeEntry(msg.Values, t.codec)
	if err != nil {
		t.metrics.consumeErrors.Add(1)
		t.logger.Warn().Str("entry", msg.ID).Err(err).Msg("redisstream: undecodable entry")
		_ = d.deadLetter(ctx, err)
		return
	}
	t.metrics.received.Add(1)

	t.mu.RLock()
	fn := t.receiver
	t.mu.RUnlock()
	if fn != nil {
		fn(ctx, env)
	}
	if err := d.ack(ctx); err != nil && ctx.Err() == nil {
		t.logger.Warn().Str("entry", msg.ID).Err(err).Msg("redisstream: ack failed")
	}
}

// claimLoop periodically claims pending entries from dead consumers and
// dispatches them. Enables automatic recovery from consumer crashes.
func (t *Transport) claimLoop(ctx context.Context, client *redis.Client) {
	ticker := time.NewTicker(t.cfg.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		msgs, _, err := client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   t.cfg.Inbound,
			Group:    t.cfg.Group,
			Consumer: t.cfg.Consumer,
			MinIdle:  t.cfg.ClaimMinIdle,
			Start:    "0-0",
			Count:    int64(max(1, t.cfg.ClaimBatch)),
		}).Result()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, redis.Nil) {
				t.logger.Debug().Err(err).Msg("redisstream: claim failed")
			}
			continue
		}
		for _, msg := range msgs {
			t.metrics.claimed.Add(1)
			t.handleEntry(ctx, client, msg)
		}
	}
}

// Stats returns transport telemetry.
type Stats struct {
	Sent          uint64
	Received      uint64
	Acked         uint64
	DeadLettered  uint64
	SendErrors    uint64
	ConsumeErrors uint64
	Claimed       uint64
}

func (t *Transport) Stats() Stats {
	return Stats{
		Sent:          t.metrics.sent.Load(),
		Received:      t.metrics.received.Load(),
		Acked:         t.metrics.acked.Load(),
		DeadLettered:  t.metrics.deadLettered.Load(),
		SendErrors:    t.metrics.sendErrors.Load(),
		ConsumeErrors: t.metrics.consumeErrors.Load(),
		Claimed:       t.metrics.claimed.Load(),
	}
}

// Helper functions

func ping(ctx context.Context, c *redis.Client) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}

	if strings.ToUpper(res) != "PONG" {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}

	return nil
}
