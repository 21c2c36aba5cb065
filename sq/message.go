// Package sq implements the per-peer and global search queues that pace
// outgoing Gnutella query messages.
package sq

// SearchHandle identifies a running search. Every queued message and every
// search-close sweep is keyed by this value.
type SearchHandle uint64

// QueryHashVector is an opaque blob the dynamic-query launcher uses to route
// a global-queue dispatch; SQ never interprets its contents.
type QueryHashVector []byte

// Msg is a queued search message: the owning search's
// handle, the wire bytes to send, and an optional query-hash vector used
// only by the global queue's hand-off to the dynamic-query subsystem.
type Msg struct {
	Handle SearchHandle
	Bytes  []byte
	QHV    QueryHashVector
}
