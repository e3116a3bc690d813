package clock

import (
	"errors"
	"testing"
)

func mustNew(t *testing.T, ids [3]uint64) Clock {
	t.Helper()
	c, err := New(ids)
	if err != nil {
		t.Fatalf("New(%v): %v", ids, err)
	}
	return c
}

func TestNewRejectsDuplicateNodeIDs(t *testing.T) {
	if _, err := New([3]uint64{1, 1, 2}); err == nil {
		t.Fatal("expected error for duplicate node id, got nil")
	}
}

func TestNewSortsByNodeID(t *testing.T) {
	c := mustNew(t, [3]uint64{30, 10, 20})
	ids := c.NodeIDs()
	if ids != [3]uint64{10, 20, 30} {
		t.Fatalf("NodeIDs() = %v, want ascending order", ids)
	}
}

func TestIncrementUnknownNode(t *testing.T) {
	c := mustNew(t, [3]uint64{1, 2, 3})
	if _, err := c.Increment(99); !errors.Is(err, ErrNodeNotPresent) {
		t.Fatalf("Increment(99) error = %v, want ErrNodeNotPresent", err)
	}
}

func TestIncrementDoesNotMutateReceiver(t *testing.T) {
	c := mustNew(t, [3]uint64{1, 2, 3})
	next, err := c.Increment(1)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range c.Entries() {
		if e.Counter != 0 {
			t.Fatalf("original clock mutated: %+v", c.Entries())
		}
	}
	if next.Entries()[0].Counter != 1 {
		t.Fatalf("incremented clock = %+v, want node 1 counter 1", next.Entries())
	}
}

func TestMergeIsCommutative(t *testing.T) {
	base := mustNew(t, [3]uint64{1, 2, 3})
	a, _ := base.Increment(1)
	a, _ = a.Increment(1)
	b, _ := base.Increment(2)

	ab, err := Merge(a, b)
	if err != nil {
		t.Fatal(err)
	}
	ba, err := Merge(b, a)
	if err != nil {
		t.Fatal(err)
	}
	if ab.Entries() != ba.Entries() {
		t.Fatalf("Merge not commutative: Merge(a,b)=%v Merge(b,a)=%v", ab.Entries(), ba.Entries())
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	base := mustNew(t, [3]uint64{1, 2, 3})
	a, _ := base.Increment(2)

	merged, err := Merge(a, a)
	if err != nil {
		t.Fatal(err)
	}
	if merged.Entries() != a.Entries() {
		t.Fatalf("Merge(a,a) = %v, want %v", merged.Entries(), a.Entries())
	}
}

func TestMergeRejectsShapeMismatch(t *testing.T) {
	a := mustNew(t, [3]uint64{1, 2, 3})
	b := mustNew(t, [3]uint64{1, 2, 4})
	if _, err := Merge(a, b); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("Merge error = %v, want ErrShapeMismatch", err)
	}
}

func TestCompareDominance(t *testing.T) {
	base := mustNew(t, [3]uint64{1, 2, 3})
	ahead, _ := base.Increment(1)

	rel, err := Compare(ahead, base)
	if err != nil {
		t.Fatal(err)
	}
	if rel != After {
		t.Fatalf("Compare(ahead, base) = %v, want After", rel)
	}

	rel, err = Compare(base, ahead)
	if err != nil {
		t.Fatal(err)
	}
	if rel != Before {
		t.Fatalf("Compare(base, ahead) = %v, want Before", rel)
	}
}

func TestCompareEqual(t *testing.T) {
	base := mustNew(t, [3]uint64{1, 2, 3})
	rel, err := Compare(base, base)
	if err != nil {
		t.Fatal(err)
	}
	if rel != Equal {
		t.Fatalf("Compare(base, base) = %v, want Equal", rel)
	}
}

func TestCompareConcurrent(t *testing.T) {
	base := mustNew(t, [3]uint64{1, 2, 3})
	a, _ := base.Increment(1)
	b, _ := base.Increment(2)

	rel, err := Compare(a, b)
	if err != nil {
		t.Fatal(err)
	}
	if rel != Concurrent {
		t.Fatalf("Compare(a, b) = %v, want Concurrent", rel)
	}
}

func TestCompareRejectsShapeMismatch(t *testing.T) {
	a := mustNew(t, [3]uint64{1, 2, 3})
	b := mustNew(t, [3]uint64{4, 5, 6})
	if _, err := Compare(a, b); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("Compare error = %v, want ErrShapeMismatch", err)
	}
}
