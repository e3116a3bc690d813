// Package replica implements the replica-side half of a publish: accepting
// a tentative row, proposing this node's slice of the queue's vector
// clock, and later committing once the coordinator has gathered quorum.
//
// This is the logic that runs identically whether the ProxyPublish arrived
// over the wire from a remote coordinator (via the rpc/session layer) or
// was invoked in-process because this node is itself one of the three
// replicas the coordinator picked (spec §4.5 step 2 fans out to all N
// replicas, including the coordinator's own node).
package replica

import (
	"fmt"
	"sync"
	"time"

	"github.com/sopmq/sopmq/internal/clock"
	"github.com/sopmq/sopmq/internal/storage"
	"github.com/sopmq/sopmq/internal/wire"
)

// DefaultTentativeTTL is how long a tentative row lives before it expires
// unconfirmed, per spec §7's chosen resolution: "rely on replica TTL on
// tentative rows" rather than an explicit AbortPublish.
const DefaultTentativeTTL = 30 * time.Second

// Handler runs the replica-side accept/commit logic for one node.
type Handler struct {
	nodeID uint64
	store  storage.Adapter
	ttl    time.Duration

	mu        sync.Mutex
	committed map[string]clock.Clock        // queueID -> last committed clock
	inFlight  map[string]wire.NodeClockSet // queueID -> most recent proposed clock awaiting commit
}

// NewHandler creates a replica Handler for nodeID backed by store.
func NewHandler(nodeID uint64, store storage.Adapter) *Handler {
	return &Handler{
		nodeID:    nodeID,
		store:     store,
		ttl:       DefaultTentativeTTL,
		committed: make(map[string]clock.Clock),
		inFlight:  make(map[string]wire.NodeClockSet),
	}
}

// AcceptPublish handles one ProxyPublish: it computes this replica's
// proposed clock (the queue's last committed clock, or a fresh all-zero
// clock for the replica set named by replicaNodeIDs, with this node's
// counter incremented by one) and persists a tentative row.
//
// ttl overrides the handler's default tentative-row TTL when positive
// (the per-message TTL the original client API exposed as
// publish_message's ttl argument); storeIfCantPipe disables expiry
// entirely, keeping the tentative row around even if the quorum never
// commits it — the original's storeIfCantPipe flag.
func (h *Handler) AcceptPublish(queueID string, body []byte, replicaNodeIDs [3]uint64, storeIfCantPipe bool, ttl time.Duration) wire.ProxyPublishResponse {
	h.mu.Lock()
	base, ok := h.committed[queueID]
	h.mu.Unlock()

	if !ok {
		c, err := clock.New(replicaNodeIDs)
		if err != nil {
			return wire.ProxyPublishResponse{Status: wire.ProxyClockError}
		}
		base = c
	}

	proposed, err := base.Increment(h.nodeID)
	if err != nil {
		return wire.ProxyPublishResponse{Status: wire.ProxyClockError}
	}

	effectiveTTL := h.ttl
	if ttl > 0 {
		effectiveTTL = ttl
	}
	if storeIfCantPipe {
		effectiveTTL = 0 // walstore treats ttl<=0 as "never expires"
	}

	wireClock := toWire(proposed)
	if err := h.store.TentativeAccept(queueID, body, wireClock, effectiveTTL); err != nil {
		return wire.ProxyPublishResponse{Status: wire.ProxyOverloaded}
	}

	h.mu.Lock()
	h.inFlight[queueID] = wireClock
	h.mu.Unlock()

	return wire.ProxyPublishResponse{Status: wire.ProxyQueued, ProposedClock: wireClock}
}

// Commit stamps this replica's most recently accepted tentative row for
// queueID with finalClock and updates the committed baseline so the next
// AcceptPublish increments from the right starting point.
//
// The proposed clock a commit targets is whichever one AcceptPublish last
// handed out for this queue on this replica — a coordinator only reaches
// the commit phase for the same publish it fanned ProxyPublish out for, so
// there is exactly one row in flight per queue at a time under normal
// operation.
func (h *Handler) Commit(queueID string, finalClock wire.NodeClockSet) (wire.MessageStamp, error) {
	h.mu.Lock()
	proposedClock, ok := h.inFlight[queueID]
	h.mu.Unlock()
	if !ok {
		return wire.MessageStamp{}, fmt.Errorf("replica: no in-flight proposal for queue %q", queueID)
	}

	stamp, err := h.store.Commit(queueID, proposedClock, finalClock)
	if err != nil {
		return wire.MessageStamp{}, fmt.Errorf("replica: commit: %w", err)
	}

	c, err := clock.FromEntries(fromWire(finalClock))
	if err == nil {
		h.mu.Lock()
		h.committed[queueID] = c
		delete(h.inFlight, queueID)
		h.mu.Unlock()
	}
	return stamp, nil
}

func toWire(c clock.Clock) wire.NodeClockSet {
	var out wire.NodeClockSet
	for i, e := range c.Entries() {
		out[i] = wire.NodeClockEntry{NodeID: e.NodeID, Counter: e.Counter}
	}
	return out
}

func fromWire(set wire.NodeClockSet) [3]clock.NodeClock {
	var out [3]clock.NodeClock
	for i, e := range set {
		out[i] = clock.NodeClock{NodeID: e.NodeID, Counter: e.Counter}
	}
	return out
}
