package xcall

import (
	"fmt"
	"sort"
	"sync"
)

// Predicate decides whether a route applies. It only sees the envelope's
// target context and metadata, never transport state, and must not modify md.
type Predicate func(target Context, md Metadata) bool

// MatchAll matches every envelope.
func MatchAll() Predicate {
	return func(Context, Metadata) bool { return true }
}

// MatchTarget matches envelopes addressed to any of the given contexts.
func MatchTarget(targets ...Context) Predicate {
	set := make(map[Context]struct{}, len(targets))
	for _, t := range targets {
		set[t] = struct{}{}
	}
	return func(target Context, _ Metadata) bool {
		_, ok := set[target]
		return ok
	}
}

// MatchMetadata matches when md[key] == value.
func MatchMetadata(key, value string) Predicate {
	return func(_ Context, md Metadata) bool {
		v, ok := md[key]
		return ok && v == value
	}
}

// HasMetadata matches when key is present regardless of value.
func HasMetadata(key string) Predicate {
	return func(_ Context, md Metadata) bool {
		_, ok := md[key]
		return ok
	}
}

// Not inverts p.
func Not(p Predicate) Predicate {
	return func(target Context, md Metadata) bool { return !p(target, md) }
}

// And matches when every predicate matches. Nil predicates are ignored.
func And(ps ...Predicate) Predicate {
	return func(target Context, md Metadata) bool {
		for _, p := range ps {
			if p != nil && !p(target, md) {
				return false
			}
		}
		return true
	}
}

// Or matches when at least one predicate matches.
func Or(ps ...Predicate) Predicate {
	return func(target Context, md Metadata) bool {
		for _, p := range ps {
			if p != nil && p(target, md) {
				return true
			}
		}
		return false
	}
}

// RouteEntry binds a predicate to a transport with a priority.
type RouteEntry struct {
	ID          string
	TransportID string
	// Priority orders evaluation; lower runs first.
	Priority  int
	Enabled   bool
	Predicate Predicate
	// Metadata is free-form, e.g. why the route exists.
	Metadata Metadata
}

// Matches evaluates the route against env. Disabled routes never match.
func (e RouteEntry) Matches(env Envelope) bool {
	if !e.Enabled || e.Predicate == nil {
		return false
	}
	return e.Predicate(env.target, env.metadata)
}

func (e RouteEntry) validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: empty route id", ErrInvalidRoute)
	}
	if e.TransportID == "" {
		return fmt.Errorf("%w: route %q has no transport", ErrInvalidRoute, e.ID)
	}
	if e.Predicate == nil {
		return fmt.Errorf("%w: route %q has no predicate", ErrInvalidRoute, e.ID)
	}
	return nil
}

type tableEntry struct {
	RouteEntry
	seq uint64
}

// RouteTable is an ordered set of route entries. Ordering is ascending
// priority, ties broken by insertion order.
type RouteTable struct {
	mu      sync.RWMutex
	entries []tableEntry
	nextSeq uint64
}

// NewRouteTable returns an empty table.
func NewRouteTable() *RouteTable {
	return &RouteTable{}
}

// Add inserts e keeping the table sorted.
func (t *RouteTable) Add(e RouteEntry) error {
	if err := e.validate(); err != nil {
		return err
	}
	e.Metadata = e.Metadata.Clone()

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, cur := range t.entries {
		if cur.ID == e.ID {
			return fmt.Errorf("%w: %s", ErrDuplicateRoute, e.ID)
		}
	}
	t.nextSeq++
	t.entries = append(t.entries, tableEntry{RouteEntry: e, seq: t.nextSeq})
	sort.SliceStable(t.entries, func(i, j int) bool {
		if t.entries[i].Priority != t.entries[j].Priority {
			return t.entries[i].Priority < t.entries[j].Priority
		}
		return t.entries[i].seq < t.entries[j].seq
	})
	return nil
}

// Remove deletes the route with id and reports whether it existed.
func (t *RouteTable) Remove(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, cur := range t.entries {
		if cur.ID == id {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return true
		}
	}
	return false
}

// SetEnabled toggles a route without changing its position.
func (t *RouteTable) SetEnabled(id string, enabled bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		if t.entries[i].ID == id {
			t.entries[i].Enabled = enabled
			return true
		}
	}
	return false
}

// Entries returns the ordered routes as a copy.
func (t *RouteTable) Entries() []RouteEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]RouteEntry, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.RouteEntry
		out[i].Metadata = e.Metadata.Clone()
	}
	return out
}

// Match returns, in evaluation order, every enabled entry whose predicate
// accepts env.
func (t *RouteTable) Match(env Envelope) []RouteEntry {
	t.mu.RLock()
	snapshot := make([]tableEntry, len(t.entries))
	copy(snapshot, t.entries)
	t.mu.RUnlock()

	var out []RouteEntry
	for _, e := range snapshot {
		if e.Matches(env) {
			out = append(out, e.RouteEntry)
		}
	}
	return out
}

// Len returns the number of routes.
func (t *RouteTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
