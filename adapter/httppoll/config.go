package httppoll

import (
	"fmt"
	"time"
)

const (
	// SendPath receives one encoded envelope per POST.
	SendPath = "/send"
	// PollPath answers a long-poll GET with a batch of queued envelopes.
	PollPath = "/poll"
)

// Config for the HTTP polling transport. A non-empty URL selects client
// mode; otherwise the transport is a server end to be mounted as an
// http.Handler.
type Config struct {
	URL            string
	Codec          string
	PollWait       time.Duration
	RetryInterval  time.Duration
	RequestTimeout time.Duration
	MaxBatch       int
	QueueSize      int
}

// Defaults returns a Config with safe defaults.
func Defaults() Config {
	return Config{
		Codec:          "json",
		PollWait:       25 * time.Second,
		RetryInterval:  time.Second,
		RequestTimeout: 10 * time.Second,
		MaxBatch:       64,
		QueueSize:      1024,
	}
}

// Validate checks the config.
func (c Config) Validate() error {
	if c.Codec == "" {
		return fmt.Errorf("config: codec required")
	}
	if c.PollWait <= 0 {
		return fmt.Errorf("config: poll_wait must be > 0, got %v", c.PollWait)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("config: request_timeout must be > 0, got %v", c.RequestTimeout)
	}
	if c.MaxBatch < 1 {
		return fmt.Errorf("config: max_batch must be >= 1, got %d", c.MaxBatch)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("config: queue_size must be >= 1, got %d", c.QueueSize)
	}
	return nil
}

func (c Config) toMap() map[string]any {
	return map[string]any{
		"url":             c.URL,
		"codec":           c.Codec,
		"poll_wait":       c.PollWait,
		"retry_interval":  c.RetryInterval,
		"request_timeout": c.RequestTimeout,
		"max_batch":       c.MaxBatch,
		"queue_size":      c.QueueSize,
	}
}

// ConfigFromMap converts a generic option blob to Config with defaults.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()

	if v, ok := m["url"].(string); ok {
		c.URL = v
	}
	if v, ok := m["codec"].(string); ok && v != "" {
		c.Codec = v
	}
	if v, ok := duration(m["poll_wait"]); ok && v > 0 {
		c.PollWait = v
	}
	if v, ok := duration(m["retry_interval"]); ok && v > 0 {
		c.RetryInterval = v
	}
	if v, ok := duration(m["request_timeout"]); ok && v > 0 {
		c.RequestTimeout = v
	}
	if v, ok := integer(m["max_batch"]); ok && v > 0 {
		c.MaxBatch = v
	}
	if v, ok := integer(m["queue_size"]); ok && v > 0 {
		c.QueueSize = v
	}
	return c
}

func duration(v any) (time.Duration, bool) {
	switch d := v.(type) {
	case time.Duration:
		return d, true
	case string:
		p, err := time.ParseDuration(d)
		return p, err == nil
	case int64:
		return time.Duration(d), true
	}
	return 0, false
}

func integer(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
