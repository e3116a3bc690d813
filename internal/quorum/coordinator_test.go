package quorum

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/sopmq/sopmq/internal/clock"
	"github.com/sopmq/sopmq/internal/ring"
	"github.com/sopmq/sopmq/internal/wire"
)

// fakeCaller is a hand-written ReplicaCaller double, in the teacher's
// dependency-free testing style (no mocking framework in the pack).
type fakeCaller struct {
	mu              sync.Mutex
	reject          map[uint64]bool
	unreachable     map[uint64]bool
	mismatchedShape map[uint64]bool
	committed       []uint64
	delay           time.Duration
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{reject: map[uint64]bool{}, unreachable: map[uint64]bool{}}
}

func (f *fakeCaller) ProxyPublish(ctx context.Context, node ring.Node, queueID string, body []byte, replicaNodeIDs [3]uint64, storeIfCantPipe bool, ttl time.Duration) (wire.ProxyPublishResponse, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return wire.ProxyPublishResponse{}, ctx.Err()
		}
	}
	if f.unreachable[node.NodeID] {
		return wire.ProxyPublishResponse{}, context.DeadlineExceeded
	}
	if f.reject[node.NodeID] {
		return wire.ProxyPublishResponse{Status: wire.ProxyRejected}, nil
	}
	if f.mismatchedShape[node.NodeID] {
		// propose over a different replica set entirely (spec §8 scenario 3).
		foreign := replicaNodeIDs
		foreign[0] = 999
		base, err := clock.New(foreign)
		if err != nil {
			return wire.ProxyPublishResponse{}, err
		}
		proposed, err := base.Increment(node.NodeID)
		if err != nil {
			proposed = base
		}
		var out wire.NodeClockSet
		for i, e := range proposed.Entries() {
			out[i] = wire.NodeClockEntry{NodeID: e.NodeID, Counter: e.Counter}
		}
		return wire.ProxyPublishResponse{Status: wire.ProxyQueued, ProposedClock: out}, nil
	}

	base, err := clock.New(replicaNodeIDs)
	if err != nil {
		return wire.ProxyPublishResponse{}, err
	}
	proposed, err := base.Increment(node.NodeID)
	if err != nil {
		return wire.ProxyPublishResponse{}, err
	}

	var out wire.NodeClockSet
	for i, e := range proposed.Entries() {
		out[i] = wire.NodeClockEntry{NodeID: e.NodeID, Counter: e.Counter}
	}
	return wire.ProxyPublishResponse{Status: wire.ProxyQueued, ProposedClock: out}, nil
}

func (f *fakeCaller) StampMessage(ctx context.Context, node ring.Node, queueID string, finalClock wire.NodeClockSet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, node.NodeID)
	return nil
}

func threeNodeRing() *ring.Ring {
	return ring.New([]ring.Node{
		{NodeID: 1, RangeStart: big.NewInt(0), Endpoint: "n1"},
		{NodeID: 2, RangeStart: big.NewInt(1 << 40), Endpoint: "n2"},
		{NodeID: 3, RangeStart: big.NewInt(2 << 40), Endpoint: "n3"},
	})
}

func TestPublishSucceedsWithWriteQuorum(t *testing.T) {
	caller := newFakeCaller()
	c := New(threeNodeRing(), caller, nil)

	resp := c.Publish(context.Background(), "orders", []byte("hello"), false, 0)
	if resp.Status != wire.PublishOK {
		t.Fatalf("Status = %v, want PublishOK", resp.Status)
	}

	caller.mu.Lock()
	defer caller.mu.Unlock()
	if len(caller.committed) != W {
		t.Fatalf("committed %d replicas, want W=%d", len(caller.committed), W)
	}
}

func TestPublishUnavailableWhenQuorumUnreachable(t *testing.T) {
	caller := newFakeCaller()
	caller.unreachable[1] = true
	caller.unreachable[2] = true
	c := New(threeNodeRing(), caller, nil)
	c.deadline = 200 * time.Millisecond

	resp := c.Publish(context.Background(), "orders", []byte("hello"), false, 0)
	if resp.Status != wire.PublishUnavailable {
		t.Fatalf("Status = %v, want PublishUnavailable", resp.Status)
	}
}

func TestPublishUnavailableWhenMajorityReject(t *testing.T) {
	caller := newFakeCaller()
	caller.reject[1] = true
	caller.reject[2] = true
	c := New(threeNodeRing(), caller, nil)

	resp := c.Publish(context.Background(), "orders", []byte("hello"), false, 0)
	if resp.Status != wire.PublishUnavailable {
		t.Fatalf("Status = %v, want PublishUnavailable", resp.Status)
	}
}

// TestScenarioHappyPublishMergesTwoProposedClocks mirrors spec §8 scenario
// 1: two replicas each propose a clock with only their own counter
// advanced ([A:1,B:0,C:0] and [A:0,B:1,C:0]); the coordinator merges them
// into [A:1,B:1,C:0] and commits that as the final stamp.
func TestScenarioHappyPublishMergesTwoProposedClocks(t *testing.T) {
	caller := newFakeCaller()
	c := New(threeNodeRing(), caller, nil)

	resp := c.Publish(context.Background(), "orders", []byte("hello"), false, 0)
	if resp.Status != wire.PublishOK {
		t.Fatalf("Status = %v, want PublishOK", resp.Status)
	}

	counters := map[uint64]uint64{}
	for _, e := range resp.Stamp {
		counters[e.NodeID] = e.Counter
	}

	advanced := 0
	for _, id := range [3]uint64{1, 2, 3} {
		switch counters[id] {
		case 0:
		case 1:
			advanced++
		default:
			t.Fatalf("node %d counter = %d, want 0 or 1", id, counters[id])
		}
	}
	if advanced != W {
		t.Fatalf("merged clock has %d advanced counters, want W=%d", advanced, W)
	}
}

// TestScenarioMismatchedNodeIDSetCountsAsFailureNotAbort mirrors spec §8
// scenario 3: two replicas respond normally and a third proposes a clock
// naming a different node id set ({A,B,D} instead of {A,B,C}). That
// response is a comparison_error, recorded as a failure for this operation
// only — the publish still succeeds on the two valid successes.
func TestScenarioMismatchedNodeIDSetCountsAsFailureNotAbort(t *testing.T) {
	caller := newFakeCaller()
	caller.mismatchedShape = map[uint64]bool{3: true}
	c := New(threeNodeRing(), caller, nil)

	resp := c.Publish(context.Background(), "orders", []byte("hello"), false, 0)
	if resp.Status != wire.PublishOK {
		t.Fatalf("Status = %v, want PublishOK (quorum reached despite one comparison_error)", resp.Status)
	}

	caller.mu.Lock()
	defer caller.mu.Unlock()
	if len(caller.committed) != W {
		t.Fatalf("committed %d replicas, want W=%d", len(caller.committed), W)
	}
	for _, id := range caller.committed {
		if id == 3 {
			t.Fatalf("replica 3 proposed a mismatched node id set and must not be committed to")
		}
	}
}

func TestPublishUnavailableOnRingShortOfN(t *testing.T) {
	r := ring.New([]ring.Node{
		{NodeID: 1, RangeStart: big.NewInt(0), Endpoint: "n1"},
	})
	c := New(r, newFakeCaller(), nil)

	resp := c.Publish(context.Background(), "orders", []byte("hello"), false, 0)
	if resp.Status != wire.PublishUnavailable {
		t.Fatalf("Status = %v, want PublishUnavailable", resp.Status)
	}
}
