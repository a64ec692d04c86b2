// Package redisstream provides a Redis Streams adapter for xcall.
//
// Transport name: "redis-streams"
//
// Each end appends outbound envelopes to one stream and consumes the other
// through a consumer group, acknowledging entries once the router has
// dispatched them.
//
// Minimal config keys:
// - addr: "host:port" (default "127.0.0.1:6379")
// - outbound: stream this end writes (default "xcall:out")
// - inbound: stream this end reads (default "xcall:in")
// - codec: envelope codec, "json" or "cbor" (default "json")
// - group: consumer group name (default "xcall")
// - consumer: consumer name (default "xcall-<host>-<pid>")
// - batch_size: XREADGROUP COUNT (default 128)
// - block: XREADGROUP BLOCK duration (default 5s)
// - auto_create: create group/stream if missing (default true)
// - auto_delete_on_ack: XDEL after XACK (default false)
// - dead_letter: stream receiving undecodable entries (optional)
//
// Example builder usage:
//
//	t, _ := xcall.NewTransport(redisstream.TransportName, map[string]any{
//	    "addr":     "localhost:6379",
//	    "outbound": "runtime:requests",
//	    "inbound":  "runtime:replies",
//	    "codec":    "cbor",
//	})
//	router, _ := xcall.NewRouterBuilder().
//	    WithTransport("runtime", t).
//	    WithRoute(xcall.RouteEntry{ID: "rt", TransportID: "runtime", Enabled: true,
//	        Predicate: xcall.MatchTarget(xcall.ContextRemoteRuntime)}).
//	    Build()
package redisstream
