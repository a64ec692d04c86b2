package redisstream

import (
	"fmt"
	"os"
	"time"
)

// Config for the Redis Streams transport. Each end writes to Outbound and
// consumes Inbound through a consumer group; the peer uses the same two
// streams swapped.
type Config struct {
	// Connection
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string

	// Streams
	Outbound string
	Inbound  string
	Codec    string

	// Consumer group
	Group      string
	Consumer   string
	BatchSize  int
	Block      time.Duration
	AutoCreate bool

	// Stream management
	AutoDeleteOnAck bool
	DeadLetter      string
	MaxLenApprox    int64

	// Pending entry recovery
	ClaimMinIdle  time.Duration
	ClaimBatch    int
	ClaimInterval time.Duration
}

// Defaults returns a Config with production-safe defaults.
func Defaults() Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "xcall"
	}

	return Config{
		Addr:            "127.0.0.1:6379",
		DB:              0,
		TLS:             false,
		Outbound:        "xcall:out",
		Inbound:         "xcall:in",
		Codec:           "json",
		Group:           "xcall",
		Consumer:        fmt.Sprintf("xcall-%s-%d", hostname, os.Getpid()),
		BatchSize:       128,
		Block:           5 * time.Second,
		AutoCreate:      true,
		AutoDeleteOnAck: false,
		ClaimBatch:      128,
		ClaimInterval:   15 * time.Second,
	}
}

// Validate checks Config for production readiness.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr required")
	}
	if c.Outbound == "" || c.Inbound == "" {
		return fmt.Errorf("config: outbound and inbound streams required")
	}
	if c.Outbound == c.Inbound {
		return fmt.Errorf("config: outbound and inbound must differ, both %q", c.Inbound)
	}
	if c.Group == "" {
		return fmt.Errorf("config: group required")
	}
	if c.Consumer == "" {
		return fmt.Errorf("config: consumer required")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("config: batch_size must be >= 1, got %d", c.BatchSize)
	}
	if c.Block <= 0 {
		return fmt.Errorf("config: block must be > 0, got %v", c.Block)
	}
	if c.ClaimMinIdle > 0 && c.ClaimInterval <= 0 {
		return fmt.Errorf("config: claim_interval must be > 0 if claim_min_idle is set")
	}
	return nil
}

// Mirror returns the config for the opposite end: streams swapped and a
// distinct consumer group.
func (c Config) Mirror() Config {
	m := c
	m.Outbound, m.Inbound = c.Inbound, c.Outbound
	m.Group = c.Group + "-peer"
	m.Consumer = c.Consumer + "-peer"
	return m
}

// toMap converts Config to generic map for transport factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"addr":               c.Addr,
		"username":           c.Username,
		"password":           c.Password,
		"db":                 c.DB,
		"tls":                c.TLS,
		"tls_server_name":    c.TLSServerName,
		"outbound":           c.Outbound,
		"inbound":            c.Inbound,
		"codec":              c.Codec,
		"group":              c.Group,
		"consumer":           c.Consumer,
		"batch_size":         c.BatchSize,
		"block":              c.Block,
		"auto_create":        c.AutoCreate,
		"auto_delete_on_ack": c.AutoDeleteOnAck,
		"dead_letter":        c.DeadLetter,
		"max_len_approx":     c.MaxLenApprox,
		"claim_min_idle":     c.ClaimMinIdle,
		"claim_batch":        c.ClaimBatch,
		"claim_interval":     c.ClaimInterval,
	}
}

// ConfigFromMap safely converts generic map to Config with defaults.
// Integers may arrive as any integer type and durations as strings, as
// they do when read from a TOML file.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()

	if v, ok := m["addr"].(string); ok && v != "" {
		c.Addr = v
	}
	if v, ok := m["username"].(string); ok {
		c.Username = v
	}
	if v, ok := m["password"].(string); ok {
		c.Password = v
	}
	if v, ok := toInt64(m["db"]); ok {
		c.DB = int(v)
	}
	if v, ok := m["tls"].(bool); ok {
		c.TLS = v
	}
	if v, ok := m["tls_server_name"].(string); ok {
		c.TLSServerName = v
	}
	if v, ok := m["outbound"].(string); ok && v != "" {
		c.Outbound = v
	}
	if v, ok := m["inbound"].(string); ok && v != "" {
		c.Inbound = v
	}
	if v, ok := m["codec"].(string); ok && v != "" {
		c.Codec = v
	}
	if v, ok := m["group"].(string); ok && v != "" {
		c.Group = v
	}
	if v, ok := m["consumer"].(string); ok && v != "" {
		c.Consumer = v
	}
	if v, ok := toInt64(m["batch_size"]); ok && v > 0 {
		c.BatchSize = int(v)
	}
	if v, ok := toDuration(m["block"]); ok && v > 0 {
		c.Block = v
	}
	if v, ok := m["auto_create"].(bool); ok {
		c.AutoCreate = v
	}
	if v, ok := m["auto_delete_on_ack"].(bool); ok {
		c.AutoDeleteOnAck = v
	}
	if v, ok := m["dead_letter"].(string); ok {
		c.DeadLetter = v
	}
	if v, ok := toInt64(m["max_len_approx"]); ok && v > 0 {
		c.MaxLenApprox = v
	}
	if v, ok := toDuration(m["claim_min_idle"]); ok {
		c.ClaimMinIdle = v
	}
	if v, ok := toInt64(m["claim_batch"]); ok && v > 0 {
		c.ClaimBatch = int(v)
	}
	if v, ok := toDuration(m["claim_interval"]); ok && v > 0 {
		c.ClaimInterval = v
	}

	return c
}

func toDuration(v any) (time.Duration, bool) {
	switch d := v.(type) {
	case time.Duration:
		return d, true
	case string:
		p, err := time.ParseDuration(d)
		return p, err == nil
	}
	if n, ok := toInt64(v); ok {
		return time.Duration(n), true
	}
	return 0, false
}
