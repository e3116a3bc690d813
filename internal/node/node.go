// Package node wires together the per-node components — ring, quorum
// coordinator, replica handler, RPC pool, and storage adapter — into the
// single object each connection's session operates against. It replaces
// the teacher's implicit package-level singletons (spec §9, "Singletons in
// the source (settings, storage)") with one explicit, constructed-at-
// startup record passed to every session.
package node

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sopmq/sopmq/internal/auth"
	"github.com/sopmq/sopmq/internal/quorum"
	"github.com/sopmq/sopmq/internal/replica"
	"github.com/sopmq/sopmq/internal/ring"
	"github.com/sopmq/sopmq/internal/rpc"
	"github.com/sopmq/sopmq/internal/storage"
	"github.com/sopmq/sopmq/internal/wire"
)

// Gossiper is the subset of *gossip.Gossiper a Node needs to answer an
// inbound Gossip frame. Declared here (rather than importing package
// gossip directly) so node does not depend on gossip's peer-dialing
// concerns — only package server needs the concrete type, to wire it in
// at startup.
type Gossiper interface {
	HandleInbound(nodes []wire.GossipNodeData) []wire.GossipNodeData
}

// Node is the process-scoped record for one cluster member: its identity,
// its view of the ring, its local replica handler, its peer link pool, and
// the quorum coordinator built on top of all three.
type Node struct {
	ID             uint64
	Endpoint       string
	MaxMessageSize uint32

	Ring        *ring.Ring
	Store       storage.Adapter
	Replica     *replica.Handler
	Pool        *rpc.Pool
	Coordinator *quorum.Coordinator
	Auth        auth.Store
	Gossip      Gossiper

	Log *logrus.Entry

	endpointsByID map[uint64]string
}

// Config bundles the inputs New needs.
type Config struct {
	ID             uint64
	Endpoint       string
	MaxMessageSize uint32
	Store          storage.Adapter
	Ring           *ring.Ring
	Auth           auth.Store
	Log            *logrus.Entry
}

// New builds a Node, wiring a local-or-remote ReplicaCaller into a quorum
// Coordinator over the given ring.
func New(cfg Config) *Node {
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	n := &Node{
		ID:             cfg.ID,
		Endpoint:       cfg.Endpoint,
		MaxMessageSize: cfg.MaxMessageSize,
		Ring:           cfg.Ring,
		Store:          cfg.Store,
		Replica:        replica.NewHandler(cfg.ID, cfg.Store),
		Pool:           rpc.NewPool(cfg.MaxMessageSize, log),
		Auth:           cfg.Auth,
		Log:            log,
		endpointsByID:  make(map[uint64]string),
	}
	n.Coordinator = quorum.New(cfg.Ring, n, log)

	for _, rn := range cfg.Ring.Nodes() {
		n.endpointsByID[rn.NodeID] = rn.Endpoint
	}
	return n
}

// RefreshEndpoints replaces the node-id-to-endpoint map with the endpoints
// in nodes; the gossip subsystem calls it whenever it swaps in a new ring
// snapshot. Peer dials in this package take the endpoint from the
// ring.Node they are given, not from this map.
func (n *Node) RefreshEndpoints(nodes []ring.Node) {
	m := make(map[uint64]string, len(nodes))
	for _, rn := range nodes {
		m[rn.NodeID] = rn.Endpoint
	}
	n.endpointsByID = m
}

// ── quorum.ReplicaCaller implementation ─────────────────────────────────────

// ProxyPublish implements quorum.ReplicaCaller: local replicas are served by
// a direct, in-process call; remote replicas are served over a pooled RPC
// link (spec §4.8).
func (n *Node) ProxyPublish(ctx context.Context, target ring.Node, queueID string, body []byte, replicaNodeIDs [3]uint64, storeIfCantPipe bool, ttl time.Duration) (wire.ProxyPublishResponse, error) {
	if target.NodeID == n.ID {
		return n.Replica.AcceptPublish(queueID, body, replicaNodeIDs, storeIfCantPipe, ttl), nil
	}

	link, err := n.Pool.Get(ctx, target.NodeID, target.Endpoint)
	if err != nil {
		return wire.ProxyPublishResponse{}, fmt.Errorf("node: dial replica %d: %w", target.NodeID, err)
	}

	req := &wire.ProxyPublish{
		QueueID:         queueID,
		Body:            body,
		StoreIfCantPipe: storeIfCantPipe,
		TTLSeconds:      int32(ttl / time.Second),
	}
	resp, err := link.Call(ctx, req, func(id uint32) { req.ID = id }, &wire.ProxyPublishResponse{})
	if err != nil {
		return wire.ProxyPublishResponse{}, err
	}
	ppr, ok := resp.(*wire.ProxyPublishResponse)
	if !ok {
		return wire.ProxyPublishResponse{}, fmt.Errorf("node: unexpected reply type %T", resp)
	}
	return *ppr, nil
}

// StampMessage implements quorum.ReplicaCaller.
func (n *Node) StampMessage(ctx context.Context, target ring.Node, queueID string, finalClock wire.NodeClockSet) error {
	if target.NodeID == n.ID {
		_, err := n.Replica.Commit(queueID, finalClock)
		return err
	}

	link, err := n.Pool.Get(ctx, target.NodeID, target.Endpoint)
	if err != nil {
		return fmt.Errorf("node: dial replica %d: %w", target.NodeID, err)
	}
	req := &wire.StampMessage{QueueID: queueID, FinalClock: finalClock}
	_, err = link.Call(ctx, req, func(id uint32) { req.ID = id }, &wire.ProxyPublishResponse{})
	return err
}

// Publish runs a publish end to end via the quorum coordinator.
func (n *Node) Publish(ctx context.Context, queueID string, body []byte, storeIfCantPipe bool, ttl time.Duration) wire.PublishResponse {
	ctx, cancel := withDefaultDeadline(ctx)
	defer cancel()
	return n.Coordinator.Publish(ctx, queueID, body, storeIfCantPipe, ttl)
}

// Consume reads committed messages for queueID, preferring the local
// replica when this node holds one, per spec §4.6 ("read latest committed
// messages for the queue's replica set").
func (n *Node) Consume(ctx context.Context, queueID string, from wire.MessageStamp, limit int) ([]wire.StampedMessage, error) {
	ctx, cancel := withDefaultDeadline(ctx)
	defer cancel()
	key := ring.HashQueueID(queueID)
	replicas, err := n.Ring.FindQuorumForOperation(key)
	if err != nil {
		return nil, err
	}

	for _, r := range replicas {
		if r.NodeID == n.ID {
			return n.Store.ReadRange(queueID, from, limit)
		}
	}

	// Not a local replica: ask the first reachable one over RPC.
	var lastErr error
	for _, r := range replicas {
		link, err := n.Pool.Get(ctx, r.NodeID, r.Endpoint)
		if err != nil {
			lastErr = err
			continue
		}
		req := &wire.ConsumeFromQueue{QueueID: queueID, From: from, Limit: limit}
		resp, err := link.Call(ctx, req, func(id uint32) { req.ID = id }, &wire.ConsumeResponse{})
		if err != nil {
			lastErr = err
			continue
		}
		cr, ok := resp.(*wire.ConsumeResponse)
		if !ok {
			lastErr = fmt.Errorf("node: unexpected reply type %T", resp)
			continue
		}
		return cr.Messages, nil
	}
	return nil, fmt.Errorf("node: consume %q: %w", queueID, lastErr)
}

// Shutdown closes the node's outbound connection pool. It does not close
// the storage adapter; whoever opened the adapter closes it.
func (n *Node) Shutdown() {
	n.Pool.CloseAll()
}

// defaultCallTimeout bounds a client-facing operation that doesn't itself
// carry a deadline, mirroring quorum.DefaultOperationDeadline for the
// top-level Node API.
const defaultCallTimeout = 5 * time.Second

// withDefaultDeadline returns ctx unchanged if it already carries a
// deadline, otherwise wraps it with defaultCallTimeout.
func withDefaultDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, defaultCallTimeout)
}
