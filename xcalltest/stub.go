// Package xcalltest provides test doubles for code built on xcall.
package xcalltest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xcall"
)

// StubTransport records every envelope sent through it and lets tests
// inject send failures and inbound envelopes.
type StubTransport struct {
	mu       sync.Mutex
	sent     []xcall.Envelope
	err      error
	delay    time.Duration
	receiver xcall.Receiver
	onSend   func(env xcall.Envelope)

	connected   atomic.Bool
	connects    atomic.Int32
	disconnects atomic.Int32
}

var _ xcall.Transport = (*StubTransport)(nil)

// NewStubTransport returns a connected stub.
func NewStubTransport() *StubTransport {
	s := &StubTransport{}
	s.connected.Store(true)
	return s
}

func (s *StubTransport) Connect(context.Context) error {
	s.connects.Add(1)
	s.connected.Store(true)
	return nil
}

func (s *StubTransport) Disconnect(context.Context) error {
	s.disconnects.Add(1)
	s.connected.Store(false)
	return nil
}

// Send records env, then returns the injected error (if any). Sends on a
// disconnected stub fail with xcall.ErrNotConnected and are not recorded.
func (s *StubTransport) Send(ctx context.Context, env xcall.Envelope) error {
	if !s.connected.Load() {
		return xcall.ErrNotConnected
	}
	s.mu.Lock()
	delay := s.delay
	s.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	err := s.err
	if err == nil {
		s.sent = append(s.sent, env)
	}
	hook := s.onSend
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if hook != nil {
		hook(env)
	}
	return nil
}

func (s *StubTransport) SetReceiver(fn xcall.Receiver) {
	s.mu.Lock()
	s.receiver = fn
	s.mu.Unlock()
}

// FailWith makes every following Send return err; nil restores success.
func (s *StubTransport) FailWith(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// SetDelay makes every following Send wait d first.
func (s *StubTransport) SetDelay(d time.Duration) {
	s.mu.Lock()
	s.delay = d
	s.mu.Unlock()
}

// OnSend installs a hook called, outside the lock, after each successful send.
func (s *StubTransport) OnSend(fn func(env xcall.Envelope)) {
	s.mu.Lock()
	s.onSend = fn
	s.mu.Unlock()
}

// Emit hands env to the installed receiver as if it had arrived on the
// wire. It reports false when no receiver is attached.
func (s *StubTransport) Emit(ctx context.Context, env xcall.Envelope) bool {
	s.mu.Lock()
	fn := s.receiver
	s.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(ctx, env)
	return true
}

// Sent returns a copy of the envelopes sent so far.
func (s *StubTransport) Sent() []xcall.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]xcall.Envelope, len(s.sent))
	copy(out, s.sent)
	return out
}

// LastSent returns the most recent envelope, if any.
func (s *StubTransport) LastSent() (xcall.Envelope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return xcall.Envelope{}, false
	}
	return s.sent[len(s.sent)-1], true
}

// HasReceiver reports whether a receiver is attached.
func (s *StubTransport) HasReceiver() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receiver != nil
}

// Connects and Disconnects count lifecycle calls.
func (s *StubTransport) Connects() int    { return int(s.connects.Load()) }
func (s *StubTransport) Disconnects() int { return int(s.disconnects.Load()) }

// Reset clears recorded sends and injected behavior.
func (s *StubTransport) Reset() {
	s.mu.Lock()
	s.sent = nil
	s.err = nil
	s.delay = 0
	s.onSend = nil
	s.mu.Unlock()
}
