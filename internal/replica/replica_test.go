package replica

import (
	"testing"
	"time"

	"github.com/sopmq/sopmq/internal/storage/walstore"
	"github.com/sopmq/sopmq/internal/wire"
)

func newTestHandler(t *testing.T) (*Handler, uint64) {
	t.Helper()
	store, err := walstore.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return NewHandler(1, store), 1
}

func TestAcceptThenCommitRoundTrip(t *testing.T) {
	h, selfID := newTestHandler(t)
	replicas := [3]uint64{1, 2, 3}

	accept := h.AcceptPublish("orders", []byte("hello"), replicas, false, 0)
	if accept.Status != wire.ProxyQueued {
		t.Fatalf("AcceptPublish status = %v, want ProxyQueued", accept.Status)
	}

	final := accept.ProposedClock
	for i := range final {
		if final[i].NodeID == selfID {
			final[i].Counter++ // pretend a second replica also proposed, advancing past this one
		}
	}

	stamp, err := h.Commit("orders", final)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if stamp.Clock != final {
		t.Fatalf("stamp.Clock = %v, want %v", stamp.Clock, final)
	}
}

func TestCommitWithoutAcceptFails(t *testing.T) {
	h, _ := newTestHandler(t)
	if _, err := h.Commit("orders", wire.NodeClockSet{}); err == nil {
		t.Fatal("expected error committing a queue with no in-flight proposal")
	}
}

func TestAcceptPublishAdvancesFromLastCommitted(t *testing.T) {
	h, _ := newTestHandler(t)
	replicas := [3]uint64{1, 2, 3}

	first := h.AcceptPublish("orders", []byte("one"), replicas, false, 0)
	if _, err := h.Commit("orders", first.ProposedClock); err != nil {
		t.Fatal(err)
	}

	second := h.AcceptPublish("orders", []byte("two"), replicas, false, 0)
	var selfCounter uint64
	for _, e := range second.ProposedClock {
		if e.NodeID == 1 {
			selfCounter = e.Counter
		}
	}
	if selfCounter != 2 {
		t.Fatalf("second proposal's self counter = %d, want 2 (advanced past the committed baseline)", selfCounter)
	}
}

func TestTentativeRowExpiresAfterTTL(t *testing.T) {
	store, err := walstore.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	h := NewHandler(1, store)
	h.ttl = 10 * time.Millisecond

	accept := h.AcceptPublish("orders", []byte("hello"), [3]uint64{1, 2, 3}, false, 0)
	time.Sleep(20 * time.Millisecond)

	if _, err := store.Commit("orders", accept.ProposedClock, accept.ProposedClock); err == nil {
		t.Fatal("expected commit of an expired tentative row to fail")
	}
}
