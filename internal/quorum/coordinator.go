// Package quorum implements the quorum coordinator: for each inbound
// Publish it fans a ProxyPublish out to the N=3 replicas the ring selects,
// waits for W=2 successes, merges their proposed clocks, and commits a
// final stamped message — or reports UNAVAILABLE. Spec §4.5.
package quorum

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sopmq/sopmq/internal/clock"
	"github.com/sopmq/sopmq/internal/ring"
	"github.com/sopmq/sopmq/internal/wire"
)

// N and W are the fixed quorum parameters from spec §4.5.
const (
	N = 3
	W = 2
)

// DefaultOperationDeadline is the per-publish deadline (spec §4.5, default
// 5s).
const DefaultOperationDeadline = 5 * time.Second

// ReplicaCaller abstracts "run a ProxyPublish against one replica and, on
// success, later deliver a StampMessage to it" so the coordinator can treat
// the local node (a direct function call into package replica) and remote
// peers (an rpc.Link) identically.
type ReplicaCaller interface {
	ProxyPublish(ctx context.Context, node ring.Node, queueID string, body []byte, replicaNodeIDs [3]uint64, storeIfCantPipe bool, ttl time.Duration) (wire.ProxyPublishResponse, error)
	StampMessage(ctx context.Context, node ring.Node, queueID string, finalClock wire.NodeClockSet) error
}

// Coordinator runs publishes against a ring and a ReplicaCaller.
type Coordinator struct {
	ring     *ring.Ring
	caller   ReplicaCaller
	deadline time.Duration
	log      *logrus.Entry
}

// New creates a Coordinator.
func New(r *ring.Ring, caller ReplicaCaller, log *logrus.Entry) *Coordinator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Coordinator{ring: r, caller: caller, deadline: DefaultOperationDeadline, log: log}
}

// quorumContext tracks one in-flight publish's state (spec §3, "Quorum context").
type quorumContext struct {
	mu               sync.Mutex
	terminal         bool
	successClocks    []wire.NodeClockSet
	successNodes     []ring.Node
	failures         int
}

// Publish runs one publish to completion and returns the PublishResponse to
// send back to the originating client. storeIfCantPipe and ttl are the
// per-message options the original client API exposed on publish_message;
// see wire.Publish.
func (c *Coordinator) Publish(ctx context.Context, queueID string, body []byte, storeIfCantPipe bool, ttl time.Duration) wire.PublishResponse {
	key := ring.HashQueueID(queueID)
	replicas, err := c.ring.FindQuorumForOperation(key)
	if err != nil {
		c.log.WithError(err).WithField("queue_id", queueID).Warn("publish unavailable: ring lacks N replicas")
		return wire.PublishResponse{Status: wire.PublishUnavailable}
	}

	var replicaIDs [N]uint64
	for i, n := range replicas {
		replicaIDs[i] = n.NodeID
	}

	opCtx, cancel := context.WithTimeout(ctx, c.deadline)
	defer cancel()

	qc := &quorumContext{}
	resultCh := make(chan wire.PublishResponse, 1)
	var once sync.Once

	respond := func(resp wire.PublishResponse) {
		once.Do(func() { resultCh <- resp })
	}

	type proxyResult struct {
		node ring.Node
		resp wire.ProxyPublishResponse
		err  error
	}
	results := make(chan proxyResult, len(replicas))

	for _, node := range replicas {
		go func(n ring.Node) {
			resp, err := c.caller.ProxyPublish(opCtx, n, queueID, body, replicaIDs, storeIfCantPipe, ttl)
			results <- proxyResult{node: n, resp: resp, err: err}
		}(node)
	}

	go func() {
		remaining := len(replicas)
		for remaining > 0 {
			select {
			case r := <-results:
				remaining--
				qc.mu.Lock()
				if qc.terminal {
					qc.mu.Unlock()
					c.log.WithFields(logrus.Fields{
						"node_id": r.node.NodeID,
						"status":  r.resp.Status,
					}).Debug("discarding replica response after terminal state")
					continue // terminal already latched; log and discard (spec §4.5 step 5)
				}

				switch {
				case r.err != nil || r.resp.Status != wire.ProxyQueued:
					qc.failures++
					c.log.WithFields(logrus.Fields{
						"node_id": r.node.NodeID,
						"status":  r.resp.Status,
					}).Warn("replica rejected proxy publish")
				case !sameReplicaSet(r.resp.ProposedClock, replicaIDs):
					// spec §8 scenario 3: a clock naming a different
					// node id set is a comparison_error, recorded as a
					// failure for this operation rather than aborting it.
					qc.failures++
					c.log.WithField("node_id", r.node.NodeID).Warn("comparison_error: replica proposed clock with mismatched node id set")
				default:
					qc.successClocks = append(qc.successClocks, r.resp.ProposedClock)
					qc.successNodes = append(qc.successNodes, r.node)
				}

				if len(qc.successNodes) == W && !qc.terminal {
					qc.terminal = true
					nodes := append([]ring.Node(nil), qc.successNodes...)
					clocks := append([]wire.NodeClockSet(nil), qc.successClocks...)
					qc.mu.Unlock()

					stamp, err := c.commit(opCtx, queueID, nodes, clocks)
					if err != nil {
						c.log.WithError(err).WithField("queue_id", queueID).Error("commit failed after quorum")
						respond(wire.PublishResponse{Status: wire.PublishUnavailable})
						continue
					}
					respond(wire.PublishResponse{Status: wire.PublishOK, Stamp: stamp})
					continue
				}

				if qc.failures > N-W && !qc.terminal {
					qc.terminal = true
					qc.mu.Unlock()
					respond(wire.PublishResponse{Status: wire.PublishUnavailable})
					continue
				}
				qc.mu.Unlock()
			case <-opCtx.Done():
				qc.mu.Lock()
				if !qc.terminal {
					qc.terminal = true
					qc.mu.Unlock()
					respond(wire.PublishResponse{Status: wire.PublishUnavailable})
				} else {
					qc.mu.Unlock()
				}
				return
			}
		}
	}()

	return <-resultCh
}

// commit merges the first W proposed clocks and tells every successful
// replica to stamp its tentative row.
func (c *Coordinator) commit(ctx context.Context, queueID string, nodes []ring.Node, clocks []wire.NodeClockSet) (wire.NodeClockSet, error) {
	merged, err := mergeAll(clocks)
	if err != nil {
		return wire.NodeClockSet{}, fmt.Errorf("quorum: merge commit clocks: %w", err)
	}

	var wg sync.WaitGroup
	for _, n := range nodes {
		wg.Add(1)
		go func(node ring.Node) {
			defer wg.Done()
			if err := c.caller.StampMessage(ctx, node, queueID, merged); err != nil {
				c.log.WithError(err).WithField("node_id", node.NodeID).Warn("stamp message failed")
			}
		}(n)
	}
	wg.Wait()

	return merged, nil
}

func mergeAll(sets []wire.NodeClockSet) (wire.NodeClockSet, error) {
	if len(sets) == 0 {
		return wire.NodeClockSet{}, fmt.Errorf("quorum: no clocks to merge")
	}
	acc, err := clockFromWire(sets[0])
	if err != nil {
		return wire.NodeClockSet{}, err
	}
	for _, s := range sets[1:] {
		next, err := clockFromWire(s)
		if err != nil {
			return wire.NodeClockSet{}, err
		}
		acc, err = clock.Merge(acc, next)
		if err != nil {
			return wire.NodeClockSet{}, fmt.Errorf("comparison_error: %w", err)
		}
	}
	return clockToWire(acc), nil
}

// sameReplicaSet reports whether the proposed clock names exactly the
// replica ids the coordinator asked this replica to propose over.
func sameReplicaSet(set wire.NodeClockSet, replicaIDs [N]uint64) bool {
	want := map[uint64]bool{}
	for _, id := range replicaIDs {
		want[id] = true
	}
	if len(set) != len(replicaIDs) {
		return false
	}
	for _, e := range set {
		if !want[e.NodeID] {
			return false
		}
		delete(want, e.NodeID)
	}
	return len(want) == 0
}

func clockFromWire(set wire.NodeClockSet) (clock.Clock, error) {
	var entries [3]clock.NodeClock
	for i, e := range set {
		entries[i] = clock.NodeClock{NodeID: e.NodeID, Counter: e.Counter}
	}
	return clock.FromEntries(entries)
}

func clockToWire(c clock.Clock) wire.NodeClockSet {
	var out wire.NodeClockSet
	for i, e := range c.Entries() {
		out[i] = wire.NodeClockEntry{NodeID: e.NodeID, Counter: e.Counter}
	}
	return out
}
