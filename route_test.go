package xcall

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRequest(t *testing.T, target Context, md Metadata) Envelope {
	t.Helper()
	env, err := NewRequest("c1", ContextController, target, nil, md, time.Now())
	require.NoError(t, err)
	return env
}

func routeIDs(entries []RouteEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func TestRouteTable_OrdersByPriorityThenInsertion(t *testing.T) {
	tbl := NewRouteTable()
	require.NoError(t, tbl.Add(RouteEntry{ID: "low", TransportID: "t", Priority: 10, Enabled: true, Predicate: MatchAll()}))
	require.NoError(t, tbl.Add(RouteEntry{ID: "high", TransportID: "t", Priority: 1, Enabled: true, Predicate: MatchAll()}))
	require.NoError(t, tbl.Add(RouteEntry{ID: "high-2", TransportID: "t", Priority: 1, Enabled: true, Predicate: MatchAll()}))
	require.NoError(t, tbl.Add(RouteEntry{ID: "mid", TransportID: "t", Priority: 5, Enabled: true, Predicate: MatchAll()}))

	assert.Equal(t, []string{"high", "high-2", "mid", "low"}, routeIDs(tbl.Entries()))
	assert.Equal(t, []string{"high", "high-2", "mid", "low"}, routeIDs(tbl.Match(testRequest(t, ContextRemoteRuntime, nil))))
	assert.Equal(t, 4, tbl.Len())
}

func TestRouteTable_DisabledEntriesNeverMatch(t *testing.T) {
	tbl := NewRouteTable()
	require.NoError(t, tbl.Add(RouteEntry{ID: "on", TransportID: "t1", Enabled: true, Predicate: MatchAll()}))
	require.NoError(t, tbl.Add(RouteEntry{ID: "off", TransportID: "t2", Enabled: false, Predicate: MatchAll()}))

	env := testRequest(t, ContextRemoteRuntime, nil)
	assert.Equal(t, []string{"on"}, routeIDs(tbl.Match(env)))

	require.True(t, tbl.SetEnabled("off", true))
	require.True(t, tbl.SetEnabled("on", false))
	assert.Equal(t, []string{"off"}, routeIDs(tbl.Match(env)))
	assert.False(t, tbl.SetEnabled("missing", true))
}

func TestRouteTable_AddValidation(t *testing.T) {
	tbl := NewRouteTable()
	assert.ErrorIs(t, tbl.Add(RouteEntry{TransportID: "t", Predicate: MatchAll()}), ErrInvalidRoute)
	assert.ErrorIs(t, tbl.Add(RouteEntry{ID: "r", Predicate: MatchAll()}), ErrInvalidRoute)
	assert.ErrorIs(t, tbl.Add(RouteEntry{ID: "r", TransportID: "t"}), ErrInvalidRoute)

	require.NoError(t, tbl.Add(RouteEntry{ID: "r", TransportID: "t", Predicate: MatchAll()}))
	assert.ErrorIs(t, tbl.Add(RouteEntry{ID: "r", TransportID: "u", Predicate: MatchAll()}), ErrDuplicateRoute)
}

func TestRouteTable_Remove(t *testing.T) {
	tbl := NewRouteTable()
	require.NoError(t, tbl.Add(RouteEntry{ID: "a", TransportID: "t", Enabled: true, Predicate: MatchAll()}))
	require.NoError(t, tbl.Add(RouteEntry{ID: "b", TransportID: "t", Enabled: true, Predicate: MatchAll()}))

	assert.True(t, tbl.Remove("a"))
	assert.False(t, tbl.Remove("a"))
	assert.Equal(t, []string{"b"}, routeIDs(tbl.Entries()))

	// a removed id can be added again
	assert.NoError(t, tbl.Add(RouteEntry{ID: "a", TransportID: "t", Enabled: true, Predicate: MatchAll()}))
}

func TestRouteTable_EntriesAreCopies(t *testing.T) {
	tbl := NewRouteTable()
	md := Metadata{"description": "orig"}
	require.NoError(t, tbl.Add(RouteEntry{ID: "a", TransportID: "t", Enabled: true, Predicate: MatchAll(), Metadata: md}))
	md["description"] = "mutated"

	entries := tbl.Entries()
	assert.Equal(t, "orig", entries[0].Metadata["description"])
	entries[0].Metadata["description"] = "again"
	entries[0].Enabled = false
	assert.Equal(t, "orig", tbl.Entries()[0].Metadata["description"])
	assert.True(t, tbl.Entries()[0].Enabled)
}

func TestPredicates(t *testing.T) {
	rt := ContextRemoteRuntime
	tagged := Metadata{"region": "eu", "trace": ""}

	tests := []struct {
		name string
		p    Predicate
		tgt  Context
		md   Metadata
		want bool
	}{
		{"match all", MatchAll(), rt, nil, true},
		{"target hit", MatchTarget(ContextController, rt), rt, nil, true},
		{"target miss", MatchTarget(ContextController), rt, nil, false},
		{"target none", MatchTarget(), rt, nil, false},
		{"metadata hit", MatchMetadata("region", "eu"), rt, tagged, true},
		{"metadata wrong value", MatchMetadata("region", "us"), rt, tagged, false},
		{"metadata absent", MatchMetadata("region", "eu"), rt, nil, false},
		{"has key with empty value", HasMetadata("trace"), rt, tagged, true},
		{"has key absent", HasMetadata("auth"), rt, tagged, false},
		{"not", Not(MatchTarget(rt)), rt, nil, false},
		{"and all", And(MatchTarget(rt), MatchMetadata("region", "eu")), rt, tagged, true},
		{"and one fails", And(MatchTarget(rt), MatchMetadata("region", "us")), rt, tagged, false},
		{"and empty", And(), rt, nil, true},
		{"and ignores nil", And(nil, MatchAll()), rt, nil, true},
		{"or one", Or(MatchTarget(ContextController), HasMetadata("region")), rt, tagged, true},
		{"or none", Or(MatchTarget(ContextController), HasMetadata("auth")), rt, tagged, false},
		{"or empty", Or(), rt, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.p(tt.tgt, tt.md))
		})
	}
}

func TestRouteEntry_MatchesUsesEnvelope(t *testing.T) {
	e := RouteEntry{ID: "r", TransportID: "t", Enabled: true, Predicate: And(MatchTarget(ContextRemoteRuntime), MatchMetadata("op", "sum"))}
	assert.True(t, e.Matches(testRequest(t, ContextRemoteRuntime, Metadata{"op": "sum"})))
	assert.False(t, e.Matches(testRequest(t, ContextRemoteRuntime, Metadata{"op": "div"})))
	assert.False(t, e.Matches(testRequest(t, ContextExternalPeer, Metadata{"op": "sum"})))

	e.Enabled = false
	assert.False(t, e.Matches(testRequest(t, ContextRemoteRuntime, Metadata{"op": "sum"})))
}
