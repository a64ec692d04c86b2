package xcall

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration read from TOML strings such as "250ms".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the declarative router setup loaded from TOML.
//
//	default_timeout = "5s"
//	send_timeout = "1s"
//	source = "controller"
//
//	[[transports]]
//	id = "rt"
//	kind = "websocket"
//	[transports.options]
//	url = "ws://127.0.0.1:8080/ws"
//
//	[[routes]]
//	id = "to-runtime"
//	transport = "rt"
//	priority = 10
//	target_contexts = ["remote-runtime"]
type Config struct {
	Source         string            `toml:"source"`
	DefaultTimeout Duration          `toml:"default_timeout"`
	SendTimeout    Duration          `toml:"send_timeout"`
	Codec          string            `toml:"codec"`
	SettledHistory int               `toml:"settled_history"`
	ObserverPool   PoolConfig        `toml:"observer_pool"`
	Retry          RetryFileConfig   `toml:"retry"`
	Transports     []TransportConfig `toml:"transports"`
	Routes         []RouteConfig     `toml:"routes"`
}

// PoolConfig enables the async observer pool when Workers > 0.
type PoolConfig struct {
	Workers int `toml:"workers"`
	Buffer  int `toml:"buffer"`
}

// RetryFileConfig enables send retries when MaxAttempts > 1.
type RetryFileConfig struct {
	MaxAttempts    int      `toml:"max_attempts"`
	InitialBackoff Duration `toml:"initial_backoff"`
	MaxBackoff     Duration `toml:"max_backoff"`
	Jitter         Duration `toml:"jitter"`
}

// TransportConfig declares one transport built through its registered factory.
type TransportConfig struct {
	ID      string         `toml:"id"`
	Kind    string         `toml:"kind"`
	Options map[string]any `toml:"options"`
}

// RouteConfig declares one route. Its predicate matches when the target is
// one of TargetContexts (any target when empty), every Metadata pair is
// present with the given value, and every RequireMetadata key is present.
type RouteConfig struct {
	ID              string            `toml:"id"`
	Transport       string            `toml:"transport"`
	Priority        int               `toml:"priority"`
	Enabled         *bool             `toml:"enabled"`
	TargetContexts  []string          `toml:"target_contexts"`
	Metadata        map[string]string `toml:"metadata"`
	RequireMetadata []string          `toml:"require_metadata"`
	Description     string            `toml:"description"`
}

// LoadConfig reads and validates a TOML file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("xcall: config load failed (%s): %w", path, err)
	}
	cfg, err := ParseConfig(string(data))
	if err != nil {
		return Config{}, fmt.Errorf("xcall: config %s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig decodes TOML text and validates it. Unknown keys are errors.
func ParseConfig(text string) (Config, error) {
	var cfg Config
	meta, err := toml.Decode(text, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("parse: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			// option blobs are adapter-defined
			if len(k) > 2 && k[0] == "transports" && k[1] == "options" {
				continue
			}
			keys = append(keys, k.String())
		}
		if len(keys) > 0 {
			sort.Strings(keys)
			return Config{}, fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ids, references and durations.
func (c Config) Validate() error {
	if c.DefaultTimeout < 0 || c.SendTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	if c.Codec != "" {
		if _, err := NewCodec(c.Codec); err != nil {
			return err
		}
	}
	transports := make(map[string]struct{}, len(c.Transports))
	for i, t := range c.Transports {
		if strings.TrimSpace(t.ID) == "" {
			return fmt.Errorf("transports[%d]: id is required", i)
		}
		if strings.TrimSpace(t.Kind) == "" {
			return fmt.Errorf("transports[%d] (%s): kind is required", i, t.ID)
		}
		if _, dup := transports[t.ID]; dup {
			return fmt.Errorf("transports[%d]: %w: %s", i, ErrDuplicateTransport, t.ID)
		}
		transports[t.ID] = struct{}{}
	}
	routes := make(map[string]struct{}, len(c.Routes))
	for i, r := range c.Routes {
		if strings.TrimSpace(r.ID) == "" {
			return fmt.Errorf("routes[%d]: %w: id is required", i, ErrInvalidRoute)
		}
		if _, dup := routes[r.ID]; dup {
			return fmt.Errorf("routes[%d]: %w: %s", i, ErrDuplicateRoute, r.ID)
		}
		routes[r.ID] = struct{}{}
		if strings.TrimSpace(r.Transport) == "" {
			return fmt.Errorf("routes[%d] (%s): %w: transport is required", i, r.ID, ErrInvalidRoute)
		}
		// routes may point at transports registered in code, so an unknown
		// transport id is only checked when the file declares transports
		if len(c.Transports) > 0 {
			if _, ok := transports[r.Transport]; !ok {
				return fmt.Errorf("routes[%d] (%s): transport %q not declared", i, r.ID, r.Transport)
			}
		}
	}
	return nil
}

// RouteEntry converts the declaration into a table entry.
func (rc RouteConfig) RouteEntry() RouteEntry {
	var preds []Predicate
	if len(rc.TargetContexts) > 0 {
		targets := make([]Context, 0, len(rc.TargetContexts))
		for _, t := range rc.TargetContexts {
			targets = append(targets, Context(t))
		}
		preds = append(preds, MatchTarget(targets...))
	}
	keys := make([]string, 0, len(rc.Metadata))
	for k := range rc.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		preds = append(preds, MatchMetadata(k, rc.Metadata[k]))
	}
	for _, k := range rc.RequireMetadata {
		preds = append(preds, HasMetadata(k))
	}

	pred := MatchAll()
	if len(preds) > 0 {
		pred = And(preds...)
	}
	enabled := true
	if rc.Enabled != nil {
		enabled = *rc.Enabled
	}
	var md Metadata
	if rc.Description != "" {
		md = Metadata{"description": rc.Description}
	}
	return RouteEntry{
		ID:          rc.ID,
		TransportID: rc.Transport,
		Priority:    rc.Priority,
		Enabled:     enabled,
		Predicate:   pred,
		Metadata:    md,
	}
}

// Middlewares returns the send middlewares the config asks for.
func (c Config) Middlewares() []Middleware {
	var mws []Middleware
	if c.Retry.MaxAttempts > 1 {
		initial := c.Retry.InitialBackoff.Std()
		if initial <= 0 {
			initial = 50 * time.Millisecond
		}
		ceiling := c.Retry.MaxBackoff.Std()
		mws = append(mws, RetryMiddleware(RetryConfig{
			MaxAttempts: c.Retry.MaxAttempts,
			Backoff: func(attempt int) time.Duration {
				return backoffFor(initial, ceiling, attempt)
			},
			Jitter: c.Retry.Jitter.Std(),
		}))
	}
	if c.SendTimeout > 0 {
		mws = append(mws, TimeoutMiddleware(c.SendTimeout.Std()))
	}
	return mws
}

// backoffFor doubles initial per attempt, capped at ceiling when one is set.
// The doubling stops before the shift overflows.
func backoffFor(initial, ceiling time.Duration, attempt int) time.Duration {
	d := initial
	for i := 1; i < attempt; i++ {
		if d > math.MaxInt64/2 || (ceiling > 0 && d >= ceiling) {
			break
		}
		d *= 2
	}
	if ceiling > 0 && d > ceiling {
		return ceiling
	}
	return d
}

// CallerOptions returns the caller defaults the config asks for.
func (c Config) CallerOptions() []CallerOption {
	var opts []CallerOption
	if c.Source != "" {
		opts = append(opts, WithSource(Context(c.Source)))
	}
	if c.DefaultTimeout > 0 {
		opts = append(opts, WithDefaultTimeout(c.DefaultTimeout.Std()))
	}
	return opts
}

// buildTransports instantiates every declared transport through its factory.
// The codec name is handed to factories that did not set one.
func (c Config) buildTransports() ([]namedTransport, error) {
	out := make([]namedTransport, 0, len(c.Transports))
	for _, tc := range c.Transports {
		opts := make(map[string]any, len(tc.Options)+1)
		for k, v := range tc.Options {
			opts[k] = v
		}
		if _, ok := opts["codec"]; !ok && c.Codec != "" {
			opts["codec"] = c.Codec
		}
		t, err := NewTransport(tc.Kind, opts)
		if err != nil {
			return nil, fmt.Errorf("transport %q (%s): %w", tc.ID, tc.Kind, err)
		}
		out = append(out, namedTransport{id: tc.ID, t: t})
	}
	return out, nil
}
