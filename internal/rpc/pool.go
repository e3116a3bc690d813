package rpc

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Pool is a per-peer outbound connection pool, lazily dialing and reusing
// one Link per peer node id, adapted from the teacher's peers
// map[string]*http.Client pooling idiom to pooled framed TCP links instead
// of HTTP clients. A single pool-wide mutex serializes Get for all peers,
// and it stays held while a new Link is dialed, so a slow dial to one peer
// delays Get calls for every other peer.
type Pool struct {
	mu             sync.Mutex
	links          map[uint64]*Link
	maxMessageSize uint32
	log            *logrus.Entry
}

// NewPool creates an empty link pool.
func NewPool(maxMessageSize uint32, log *logrus.Entry) *Pool {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Pool{links: make(map[uint64]*Link), maxMessageSize: maxMessageSize, log: log}
}

// Get returns the pooled Link for nodeID at addr, dialing one if none
// exists yet or the existing one has closed.
func (p *Pool) Get(ctx context.Context, nodeID uint64, addr string) (*Link, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if l, ok := p.links[nodeID]; ok {
		l.closeMu.Lock()
		stale := l.closed
		l.closeMu.Unlock()
		if !stale {
			return l, nil
		}
		delete(p.links, nodeID)
	}

	l, err := Dial(ctx, addr, p.maxMessageSize, p.log.WithField("peer", nodeID))
	if err != nil {
		return nil, fmt.Errorf("rpc: pool dial node %d: %w", nodeID, err)
	}
	p.links[nodeID] = l
	return l, nil
}

// CloseAll closes every pooled link.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, l := range p.links {
		_ = l.Close()
		delete(p.links, id)
	}
}
