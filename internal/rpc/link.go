// Package rpc implements the intra-node RPC layer: long-lived, persistent
// connections between nodes carrying ProxyPublish / ProxyPublishResponse /
// StampMessage / Gossip, reusing the same framing and correlation
// dispatcher as the client-facing protocol (spec §4.8).
package rpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sopmq/sopmq/internal/wire"
)

// ErrNodeUnreachable is returned when a Link's connection is lost while a
// call is outstanding (spec §4.8).
var ErrNodeUnreachable = fmt.Errorf("rpc: node_unreachable")

// DefaultCallDeadline is the per-call deadline for outstanding inter-node
// RPCs (spec §5, default 2s).
const DefaultCallDeadline = 2 * time.Second

// Link is one persistent, framed connection to a peer node. Sends and the
// receive loop are safe for concurrent use. Link owns a Dispatcher: each
// Call allocates a correlation id and registers a typed one-shot handler
// for the reply.
type Link struct {
	conn       net.Conn
	reader     *wire.Reader
	dispatcher *wire.Dispatcher
	nextID     uint32
	log        *logrus.Entry

	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool
}

// NewLink wraps an established connection as an RPC link and starts its
// receive loop.
func NewLink(conn net.Conn, maxMessageSize uint32, log *logrus.Entry) *Link {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	l := &Link{
		conn:       conn,
		reader:     wire.NewReader(conn, maxMessageSize),
		dispatcher: wire.NewDispatcher(log),
		log:        log,
	}
	go l.receiveLoop()
	return l
}

// Dial opens a new Link to addr.
func Dial(ctx context.Context, addr string, maxMessageSize uint32, log *logrus.Entry) (*Link, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("rpc: dial %s: %w", addr, err)
	}
	return NewLink(conn, maxMessageSize, log), nil
}

func (l *Link) receiveLoop() {
	for {
		msg, err := l.reader.ReadMessage()
		if err != nil {
			l.log.WithError(err).Debug("rpc link receive loop ended")
			l.Close()
			return
		}
		l.dispatcher.Dispatch(msg)
	}
}

func (l *Link) send(msg wire.Message) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return wire.Encode(l.conn, msg)
}

// Call sends req (after stamping it with a fresh correlation id) and blocks
// until a frame of the same type as zeroValueOfResp arrives in reply, the
// deadline in ctx expires, or the link closes.
func (l *Link) Call(ctx context.Context, req wire.Message, setID func(id uint32), zeroValueOfResp wire.Message) (wire.Message, error) {
	id := atomic.AddUint32(&l.nextID, 1)
	setID(id)

	replyCh := make(chan wire.Message, 1)
	errCh := make(chan error, 1)
	l.dispatcher.Register(id, zeroValueOfResp, func(msg wire.Message, err error) {
		if err != nil {
			if err == wire.ErrConnectionClosed {
				err = ErrNodeUnreachable
			}
			errCh <- err
			return
		}
		replyCh <- msg
	})

	if err := l.send(req); err != nil {
		l.dispatcher.Register(id, zeroValueOfResp, nil)
		return nil, fmt.Errorf("rpc: send: %w", err)
	}

	select {
	case msg := <-replyCh:
		return msg, nil
	case err := <-errCh:
		return nil, err
	case <-ctx.Done():
		l.dispatcher.Register(id, zeroValueOfResp, nil)
		return nil, ctx.Err()
	}
}

// Close tears the link down, failing all pending calls with
// ErrNodeUnreachable.
func (l *Link) Close() error {
	l.closeMu.Lock()
	defer l.closeMu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.dispatcher.Close()
	return l.conn.Close()
}
