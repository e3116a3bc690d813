// Package storage defines the adapter interface the coordination core
// consumes for persistence, per spec §4.9 ("Storage Adapter Interface").
// The core treats the backing row store as a blind key/value/column sink
// with atomic row writes — its concrete implementation (here, a
// write-ahead-logged in-memory store adapted from the teacher repo's WAL)
// is an external collaborator, not part of the design-bearing core.
package storage

import (
	"time"

	"github.com/sopmq/sopmq/internal/wire"
)

// Row is one tentative or committed message accepted for a queue.
type Row struct {
	QueueID       string
	Body          []byte
	ProposedClock wire.NodeClockSet
	FinalClock    *wire.NodeClockSet // nil until Commit
	Tiebreaker    uint64
	AcceptedAt    time.Time
	TTL           time.Duration
}

// Adapter is the interface the quorum coordinator and replica RPC handlers
// use to persist tentative and committed messages, and to serve reads.
//
// Non-goals carried from spec §1: this interface has no notion of
// transactions, schema, or exactly-once delivery; it is a blind sink keyed
// by (queueID, stamp).
type Adapter interface {
	// TentativeAccept records a not-yet-committed row with the clock
	// proposed by this replica, expiring automatically after ttl if never
	// committed (spec §7's open-question resolution (a): TTL-based
	// expiry instead of an explicit AbortPublish).
	TentativeAccept(queueID string, body []byte, proposedClock wire.NodeClockSet, ttl time.Duration) error

	// Commit stamps a previously-accepted tentative row with its final,
	// merged clock and returns the resulting message stamp.
	Commit(queueID string, proposedClock wire.NodeClockSet, finalClock wire.NodeClockSet) (wire.MessageStamp, error)

	// ReadRange returns committed messages for queueID at or after from,
	// up to limit entries, ordered by stamp.
	ReadRange(queueID string, from wire.MessageStamp, limit int) ([]wire.StampedMessage, error)
}
