// Package hub owns the connection registry and the room broadcast engine.
//
// One actor goroutine owns the id→connection map and the room membership
// sets; all mutation and queries travel as typed commands on a buffered
// channel, so no locks are needed on the maps. Per-connection writes go
// through a buffered send channel drained by one writer goroutine, and
// fan-out never blocks on a slow client: a full buffer evicts it.
package hub
