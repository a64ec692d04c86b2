package websocket

import (
	"fmt"
	"time"
)

// Config for the WebSocket transport. A non-empty URL selects client mode
// (Connect dials); otherwise the transport is a server end that accepts one
// peer through ServeHTTP.
type Config struct {
	URL              string
	Codec            string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadLimit        int64
	// AllowAnyOrigin disables the same-origin check on upgrade.
	AllowAnyOrigin bool
}

// Defaults returns a Config with safe defaults.
func Defaults() Config {
	return Config{
		Codec:            "json",
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadLimit:        1 << 20,
	}
}

// Validate checks the config.
func (c Config) Validate() error {
	if c.Codec == "" {
		return fmt.Errorf("config: codec required")
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("config: write_timeout must be > 0, got %v", c.WriteTimeout)
	}
	if c.ReadLimit <= 0 {
		return fmt.Errorf("config: read_limit must be > 0, got %d", c.ReadLimit)
	}
	return nil
}

func (c Config) toMap() map[string]any {
	return map[string]any{
		"url":               c.URL,
		"codec":             c.Codec,
		"handshake_timeout": c.HandshakeTimeout,
		"write_timeout":     c.WriteTimeout,
		"read_limit":        c.ReadLimit,
		"allow_any_origin":  c.AllowAnyOrigin,
	}
}

// ConfigFromMap converts a generic option blob to Config with defaults.
// Durations may be time.Duration or strings; sizes any integer type.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()

	if v, ok := m["url"].(string); ok {
		c.URL = v
	}
	if v, ok := m["codec"].(string); ok && v != "" {
		c.Codec = v
	}
	if v, ok := duration(m["handshake_timeout"]); ok && v > 0 {
		c.HandshakeTimeout = v
	}
	if v, ok := duration(m["write_timeout"]); ok && v > 0 {
		c.WriteTimeout = v
	}
	switch v := m["read_limit"].(type) {
	case int:
		c.ReadLimit = int64(v)
	case int64:
		c.ReadLimit = v
	case float64:
		c.ReadLimit = int64(v)
	}
	if v, ok := m["allow_any_origin"].(bool); ok {
		c.AllowAnyOrigin = v
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
