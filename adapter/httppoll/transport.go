// Package httppoll provides an HTTP long-polling adapter for xcall, for
// peers that can only make outbound HTTP requests.
//
// Transport name: "httppoll"
//
// The server end is an http.Handler exposing SendPath (POST one envelope)
// and PollPath (GET a batch of envelopes, 204 when the wait elapses). The
// client end posts to SendPath and keeps one long-poll open on PollPath.
package httppoll

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xcall"
	"github.com/trickstertwo/xlog"
)

const TransportName = "httppoll"

func init() {
	if err := xcall.RegisterTransportFactory(TransportName, func(cfg map[string]any) (xcall.Transport, error) {
		return NewTransport(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xcall: failed to register transport %q: %w", TransportName, err))
	}
}

const maxBodyBytes = 4 << 20

// Transport is either end of an HTTP polling channel.
type Transport struct {
	cfg    Config
	codec  xcall.Codec
	client *http.Client
	logger *xlog.Logger
	mux    *http.ServeMux

	mu       sync.RWMutex
	receiver xcall.Receiver

	// server end: envelopes waiting for the next poll
	outbox chan xcall.Envelope

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
	polls        atomic.Uint64
	pollErrors   atomic.Uint64
	decodeErrors atomic.Uint64
	sendErrors   atomic.Uint64
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

// WithHTTPClient replaces the client used in client mode.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transport) {
		if c != nil {
			t.client = c
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
		client:  &http.Client{},
		logger:  xlog.Default(),
		metrics: &transportMetrics{},
	}
	if cfg.URL == "" {
		t.outbox = make(chan xcall.Envelope, cfg.QueueSize)
		t.mux = http.NewServeMux()
		t.mux.HandleFunc(SendPath, t.handleSend)
		t.mux.HandleFunc(PollPath, t.handlePoll)
	}
	for _, o := range opts {
		if o != nil {
			o(t)
		}
	}
	return t, nil
}

func (t *Transport) isServer() bool { return t.cfg.URL == "" }

// Connect starts the poll loop in client mode; in server mode it starts
// accepting requests.
func (t *Transport) Connect(_ context.Context) error {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	if t.connected.Load() {
		return nil
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.connected.Store(true)

	if !t.isServer() {
		ctx := t.ctx
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.pollLoop(ctx)
		}()
	}
	return nil
}

// Disconnect stops polling (client) or releases waiting polls (server).
func (t *Transport) Disconnect(_ context.Context) error {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	if !t.connected.Swap(false) {
		return nil
	}
	t.cancel()
	t.wg.Wait()
	return nil
}

func (t *Transport) SetReceiver(fn xcall.Receiver) {
	t.mu.Lock()
	t.receiver = fn
	t.mu.Unlock()
}

// Send posts env to the server (client mode) or queues it for the next
// poll (server mode, blocking while the queue is full).
func (t *Transport) Send(ctx context.Context, env xcall.Envelope) error {
	if !t.connected.Load() {
		t.metrics.sendErrors.Add(1)
		return xcall.ErrNotConnected
	}
	var err error
	if t.isServer() {
		err = t.enqueue(ctx, env)
	} else {
		err = t.post(ctx, env)
	}
	if err != nil {
		t.metrics.sendErrors.Add(1)
		return err
	}
	t.metrics.sent.Add(1)
	return nil
}

func (t *Transport) enqueue(ctx context.Context, env xcall.Envelope) error {
	if env.IsZero() {
		return fmt.Errorf("%w: zero envelope", xcall.ErrInvalidEnvelope)
	}
	select {
	case t.outbox <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) post(ctx context.Context, env xcall.Envelope) error {
	data, err := xcall.EncodeEnvelope(t.codec, env)
	if err != nil {
		return err
	}
	rctx, cancel := context.WithTimeout(ctx, t.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, http.MethodPost, t.endpoint(SendPath), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType(t.codec))
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("httppoll: post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("httppoll: post: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (t *Transport) endpoint(path string) string {
	return strings.TrimRight(t.cfg.URL, "/") + path
}

func (t *Transport) pollLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		err := t.pollOnce(ctx)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		t.metrics.pollErrors.Add(1)
		t.logger.Debug().Err(err).Dur("retry_in", t.cfg.RetryInterval).Msg("httppoll: poll failed")
		select {
		case <-ctx.Done():
			return
		case <-time.After(t.cfg.RetryInterval):
		}
	}
}

func (t *Transport) pollOnce(ctx context.Context) error {
	rctx, cancel := context.WithTimeout(ctx, t.cfg.PollWait+t.cfg.RequestTimeout)
	defer cancel()

	url := fmt.Sprintf("%s?wait=%s", t.endpoint(PollPath), t.cfg.PollWait)
	req, err := http.NewRequestWithContext(rctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	t.metrics.polls.Add(1)

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil
	case http.StatusOK:
	default:
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("httppoll: poll: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	var batch []xcall.Wire
	if err := t.codec.Unmarshal(body, &batch); err != nil {
		t.metrics.decodeErrors.Add(1)
		return fmt.Errorf("httppoll: decode batch: %w", err)
	}
	for _, w := range batch {
		env, err := xcall.FromWire(w)
		if err != nil {
			t.metrics.decodeErrors.Add(1)
			t.logger.Warn().Err(err).Msg("httppoll: dropping invalid envelope")
			continue
		}
		t.deliver(ctx, env)
	}
	return nil
}

func (t *Transport) deliver(ctx context.Context, env xcall.Envelope) {
	t.metrics.received.Add(1)
	t.mu.RLock()
	fn := t.receiver
	t.mu.RUnlock()
	if fn != nil {
		fn(ctx, env)
	}
}

// ServeHTTP serves SendPath and PollPath in server mode.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !t.isServer() || !t.connected.Load() {
		http.Error(w, "transport not accepting requests", http.StatusServiceUnavailable)
		return
	}
	t.mux.ServeHTTP(w, r)
}

func (t *Transport) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	env, err := xcall.DecodeEnvelope(t.codec, body)
	if err != nil {
		t.metrics.decodeErrors.Add(1)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusAccepted)

	t.stateMu.Lock()
	ctx := t.ctx
	t.stateMu.Unlock()
	t.deliver(ctx, env)
}

func (t *Transport) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	wait := t.cfg.PollWait
	if v := r.URL.Query().Get("wait"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 && d < wait {
			wait = d
		}
	}

	t.stateMu.Lock()
	stop := t.ctx.Done()
	t.stateMu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	var batch []xcall.Wire
	select {
	case env := <-t.outbox:
		batch = append(batch, env.Wire())
	case <-timer.C:
		w.WriteHeader(http.StatusNoContent)
		return
	case <-r.Context().Done():
		return
	case <-stop:
		w.WriteHeader(http.StatusNoContent)
		return
	}
drain:
	for len(batch) < t.cfg.MaxBatch {
		select {
		case env := <-t.outbox:
			batch = append(batch, env.Wire())
		default:
			break drain
		}
	}

	data, err := t.codec.Marshal(batch)
	if err != nil {
		t.logger.Error().Err(err).Msg("httppoll: encode batch")
		http.Error(w, "encode batch", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType(t.codec))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		t.logger.Debug().Err(err).Msg("httppoll: write batch")
	}
}

func contentType(c xcall.Codec) string {
	if c.Name() == "cbor" {
		return "application/cbor"
	}
	return "application/json"
}

// Stats returns transport telemetry.
type Stats struct {
	Sent         uint64
	Received     uint64
	Polls        uint64
	PollErrors   uint64
	DecodeErrors uint64
	SendErrors   uint64
	Queued       int
}

func (t *Transport) Stats() Stats {
	return Stats{
		Sent:         t.metrics.sent.Load(),
		Received:     t.metrics.received.Load(),
		Polls:        t.metrics.polls.Load(),
		PollErrors:   t.metrics.pollErrors.Load(),
		DecodeErrors: t.metrics.decodeErrors.Load(),
		SendErrors:   t.metrics.sendErrors.Load(),
		Queued:       len(t.outbox),
	}
}
