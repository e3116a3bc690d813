// Package gossip is the single writer of ring mutations (spec §3/§9): it
// periodically exchanges Gossip frames with known peers, merges their view
// of cluster membership into its own, and publishes the result with
// ring.Ring.Swap. No other package ever calls Swap.
//
// Grounded in the teacher's internal/cluster.Membership (join/leave static
// membership, "In production you would replace this with a gossip
// protocol" — this package is that replacement), generalized from a
// request-time static map to a periodically-exchanged, eventually
// consistent view, the way the bdls-consensus peer list reconciles itself
// over its TCP peer connections.
package gossip

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sopmq/sopmq/internal/ring"
	"github.com/sopmq/sopmq/internal/rpc"
	"github.com/sopmq/sopmq/internal/wire"
)

// DefaultInterval is how often the gossip goroutine fans its view out to
// peers and pulls theirs back in.
const DefaultInterval = 5 * time.Second

// RefreshNotifier is notified whenever gossip swaps in a new ring
// snapshot, so dependents can refresh their peer endpoint caches (spec
// §4.8's per-node endpoint map).
type RefreshNotifier interface {
	RefreshEndpoints(nodes []ring.Node)
}

// Gossiper owns ring.Ring's only writer goroutine.
type Gossiper struct {
	selfID   uint64
	ring     *ring.Ring
	pool     *rpc.Pool
	interval time.Duration
	notify   RefreshNotifier
	log      *logrus.Entry

	mu    sync.Mutex
	known map[uint64]ring.Node // merged view, including self
}

// New creates a Gossiper seeded with self plus any statically-known peers
// (e.g. a config.Node's mqSeeds resolved to ring.Node entries).
func New(selfID uint64, self ring.Node, seeds []ring.Node, r *ring.Ring, pool *rpc.Pool, notify RefreshNotifier, log *logrus.Entry) *Gossiper {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	known := map[uint64]ring.Node{self.NodeID: self}
	for _, s := range seeds {
		known[s.NodeID] = s
	}
	g := &Gossiper{
		selfID:   selfID,
		ring:     r,
		pool:     pool,
		interval: DefaultInterval,
		notify:   notify,
		log:      log,
		known:    known,
	}
	g.publish()
	return g
}

// Run drives the periodic gossip exchange until ctx is canceled. Intended
// to be started as its own goroutine at process startup — the single
// writer the ring package's doc comment requires.
func (g *Gossiper) Run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.exchangeWithKnownPeers(ctx)
		}
	}
}

// exchangeWithKnownPeers pushes this node's view to every known peer and
// merges back whatever view each responds with.
func (g *Gossiper) exchangeWithKnownPeers(ctx context.Context) {
	g.mu.Lock()
	peers := make([]ring.Node, 0, len(g.known))
	for _, n := range g.known {
		if n.NodeID != g.selfID {
			peers = append(peers, n)
		}
	}
	payload := g.snapshotLocked()
	g.mu.Unlock()

	for _, peer := range peers {
		link, err := g.pool.Get(ctx, peer.NodeID, peer.Endpoint)
		if err != nil {
			g.log.WithError(err).WithField("peer", peer.NodeID).Debug("gossip: peer unreachable")
			continue
		}

		req := &wire.Gossip{Nodes: payload}
		callCtx, cancel := context.WithTimeout(ctx, rpc.DefaultCallDeadline)
		resp, err := link.Call(callCtx, req, func(id uint32) { req.ID = id }, &wire.Gossip{})
		cancel()
		if err != nil {
			g.log.WithError(err).WithField("peer", peer.NodeID).Debug("gossip: exchange failed")
			continue
		}
		reply, ok := resp.(*wire.Gossip)
		if !ok {
			continue
		}
		g.merge(reply.Nodes)
	}
}

// HandleInbound answers a peer's Gossip push: merge its view in and return
// this node's current view, the way a SWIM-style anti-entropy round
// reconciles both directions in one round trip.
func (g *Gossiper) HandleInbound(nodes []wire.GossipNodeData) []wire.GossipNodeData {
	g.merge(nodes)
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snapshotLocked()
}

// merge folds remote gossip data into the known-peer map and republishes
// the ring if anything changed.
func (g *Gossiper) merge(nodes []wire.GossipNodeData) {
	g.mu.Lock()
	changed := false
	for _, n := range nodes {
		rangeStart := new(big.Int).SetBytes(n.RangeStart)
		existing, ok := g.known[n.NodeID]
		if !ok || existing.Endpoint != n.Endpoint || existing.RangeStart.Cmp(rangeStart) != 0 {
			g.known[n.NodeID] = ring.Node{NodeID: n.NodeID, RangeStart: rangeStart, Endpoint: n.Endpoint}
			changed = true
		}
	}
	g.mu.Unlock()

	if changed {
		g.publish()
	}
}

// publish swaps a new ring snapshot in from the current known-peer map and
// notifies dependents.
func (g *Gossiper) publish() {
	g.mu.Lock()
	nodes := make([]ring.Node, 0, len(g.known))
	for _, n := range g.known {
		nodes = append(nodes, n)
	}
	g.mu.Unlock()

	g.ring.Swap(nodes)
	if g.notify != nil {
		g.notify.RefreshEndpoints(nodes)
	}
}

func (g *Gossiper) snapshotLocked() []wire.GossipNodeData {
	out := make([]wire.GossipNodeData, 0, len(g.known))
	for _, n := range g.known {
		out = append(out, wire.GossipNodeData{
			NodeID:     n.NodeID,
			RangeStart: n.RangeStart.Bytes(),
			Endpoint:   n.Endpoint,
		})
	}
	return out
}
