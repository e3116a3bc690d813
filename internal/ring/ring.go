// Package ring implements the consistent-hash ring that maps a queue
// identifier to its N=3 replica set.
//
// The ring is an immutable, sorted-by-range-start snapshot. Readers never
// take a lock: they load the current *ringSnapshot pointer atomically and
// binary-search it. Only the gossip subsystem (package gossip) produces new
// snapshots; it does so by copy-on-write and swaps the pointer with
// Ring.Swap. This is the single-writer discipline spec §3/§9 requires.
package ring

import (
	"errors"
	"math/big"
	"sort"
	"sync/atomic"

	"github.com/twmb/murmur3"
)

// ReplicationFactor is N in spec terms: every operation replicates across
// exactly this many distinct nodes.
const ReplicationFactor = 3

// ErrUnavailable is returned when fewer than ReplicationFactor distinct
// nodes are known to the ring.
var ErrUnavailable = errors.New("ring: unavailable_error: fewer than N distinct nodes known")

// Node is one entry on the ring: a physical node and the start of the range
// of the 128-bit key space it owns.
type Node struct {
	NodeID     uint64
	RangeStart *big.Int
	Endpoint   string
}

// ringSnapshot is the immutable, sorted view swapped in by gossip.
type ringSnapshot struct {
	nodes []Node // sorted by RangeStart ascending, then NodeID; RangeStart may repeat
}

// Ring holds an atomically-swappable ring snapshot.
type Ring struct {
	snap atomic.Pointer[ringSnapshot]
}

// New builds a Ring from an initial set of nodes. Nodes are sorted by
// RangeStart; ties are broken by NodeID ascending per spec §4.4. Neither
// New nor Swap rejects nodes that share a RangeStart: such entries are all
// kept, in NodeID order.
func New(nodes []Node) *Ring {
	r := &Ring{}
	r.Swap(nodes)
	return r
}

// Swap installs a new, fully-formed node list as the current snapshot. This
// is the only mutation path; it is meant to be called exclusively by the
// gossip subsystem under its single-writer discipline.
func (r *Ring) Swap(nodes []Node) {
	cp := make([]Node, len(nodes))
	copy(cp, nodes)
	sort.Slice(cp, func(i, j int) bool {
		c := cp[i].RangeStart.Cmp(cp[j].RangeStart)
		if c == 0 {
			return cp[i].NodeID < cp[j].NodeID
		}
		return c < 0
	})
	r.snap.Store(&ringSnapshot{nodes: cp})
}

// HashQueueID computes the 128-bit ring key for a queue id using
// MurmurHash3-x64-128, per spec §6 ("Ring key"). The two 64-bit halves
// murmur3 returns are combined little-endian into a single big.Int, as the
// low half is returned first by this library.
func HashQueueID(queueID string) *big.Int {
	lo, hi := murmur3.Sum128([]byte(queueID))
	key := new(big.Int).SetUint64(hi)
	key.Lsh(key, 64)
	key.Or(key, new(big.Int).SetUint64(lo))
	return key
}

// distinctNodeCount returns how many distinct physical node ids appear in
// nodes (a ring may, in principle, carry more than one range entry for the
// same physical node — spec §3 does not rule this out explicitly for
// non-virtual-node rings, but this implementation keeps one entry per
// node).
func distinctNodeCount(nodes []Node) int {
	seen := make(map[uint64]struct{}, len(nodes))
	for _, n := range nodes {
		seen[n.NodeID] = struct{}{}
	}
	return len(seen)
}

// FindQuorumForOperation returns the ReplicationFactor distinct nodes
// responsible for key: the entry with the smallest RangeStart greater than
// key, plus its next ReplicationFactor-1 successors walking clockwise
// (wrapping). Fails with ErrUnavailable if fewer than ReplicationFactor
// distinct nodes are known.
func (r *Ring) FindQuorumForOperation(key *big.Int) ([]Node, error) {
	snap := r.snap.Load()
	if snap == nil || distinctNodeCount(snap.nodes) < ReplicationFactor {
		return nil, ErrUnavailable
	}

	nodes := snap.nodes
	idx := search(nodes, key)

	seen := make(map[uint64]struct{}, ReplicationFactor)
	out := make([]Node, 0, ReplicationFactor)
	for i := 0; i < len(nodes) && len(out) < ReplicationFactor; i++ {
		n := nodes[(idx+i)%len(nodes)]
		if _, ok := seen[n.NodeID]; ok {
			continue
		}
		seen[n.NodeID] = struct{}{}
		out = append(out, n)
	}
	if len(out) < ReplicationFactor {
		return nil, ErrUnavailable
	}
	return out, nil
}

// search finds the index of the first entry whose RangeStart is strictly
// greater than key, wrapping to 0 if key is >= every entry's RangeStart.
func search(nodes []Node, key *big.Int) int {
	idx := sort.Search(len(nodes), func(i int) bool {
		return nodes[i].RangeStart.Cmp(key) > 0
	})
	if idx == len(nodes) {
		idx = 0
	}
	return idx
}

// Nodes returns a copy of the current snapshot's node list, sorted by
// RangeStart. Useful for introspection and gossip.
func (r *Ring) Nodes() []Node {
	snap := r.snap.Load()
	if snap == nil {
		return nil
	}
	out := make([]Node, len(snap.nodes))
	copy(out, snap.nodes)
	return out
}

// NodeCount returns the number of distinct physical nodes currently known.
func (r *Ring) NodeCount() int {
	snap := r.snap.Load()
	if snap == nil {
		return 0
	}
	return distinctNodeCount(snap.nodes)
}
