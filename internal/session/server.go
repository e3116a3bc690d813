// Package session implements the per-connection wire protocol state
// machines from spec §4.6 (server) and §4.7 (client): challenge/response
// auth followed by message operations, all driven by one goroutine per
// connection per spec §5.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sopmq/sopmq/internal/auth"
	"github.com/sopmq/sopmq/internal/node"
	"github.com/sopmq/sopmq/internal/ring"
	"github.com/sopmq/sopmq/internal/wire"
)

// State is the server session's substate (spec §4.6).
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateClosed
)

// ErrProtocolViolation is raised on any frame not valid for the session's
// current state (spec §7).
var ErrProtocolViolation = errors.New("session: protocol_violation")

// Server drives one client-facing connection through the auth handshake
// and then message operations. Unlike rpc.Link, a server session never
// initiates correlated calls of its own, so it replies by type switch
// rather than through a Dispatcher (spec §4.6: the server only ever
// answers the request it just read).
type Server struct {
	conn   net.Conn
	node   *node.Node
	reader *wire.Reader
	log    *logrus.Entry

	state     State
	challenge []byte
	nextID    uint32

	// writeMu serializes frame writes: Publish/Consume/ProxyPublish/
	// StampMessage/Gossip are each handled on their own goroutine
	// (spec §5, "long work must be handed off"), so their replies can
	// land on the connection concurrently without this.
	writeMu sync.Mutex
}

// NewServer creates a server-side session for an accepted connection.
func NewServer(conn net.Conn, n *node.Node, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("remote", conn.RemoteAddr().String())
	return &Server{
		conn:   conn,
		node:   n,
		reader: wire.NewReader(conn, n.MaxMessageSize),
		log:    log,
		state:  StateUnauthenticated,
	}
}

// Run drives the session until the connection closes or a protocol
// violation occurs. It blocks the calling goroutine — callers should invoke
// it as `go session.Run()` per connection (spec §5: one task per
// connection).
func (s *Server) Run() {
	defer s.close()
	for {
		msg, err := s.reader.ReadMessage()
		if err != nil {
			if errors.Is(err, wire.ErrOversizeMessage) {
				s.log.Warn("oversize_message: tearing down connection")
			} else {
				s.log.WithError(err).Debug("session read ended")
			}
			return
		}

		if !s.handle(msg) {
			return
		}
	}
}

// handle dispatches one inbound frame according to the current substate. It
// returns false when the session must close.
func (s *Server) handle(msg wire.Message) bool {
	switch s.state {
	case StateUnauthenticated:
		return s.handleUnauthenticated(msg)
	case StateAuthenticated:
		return s.handleAuthenticated(msg)
	default:
		return false
	}
}

func (s *Server) handleUnauthenticated(msg wire.Message) bool {
	switch m := msg.(type) {
	case *wire.GetChallenge:
		challenge, err := auth.NewChallenge()
		if err != nil {
			s.log.WithError(err).Error("generate challenge")
			return false
		}
		s.challenge = challenge
		return s.reply(m.Ident().ID, &wire.ChallengeResponse{Challenge: challenge})

	case *wire.AnswerChallenge:
		err := auth.Verify(s.node.Auth, m.UnameHash, m.ChallengeResponse, s.challenge)
		authorized := err == nil
		if !s.reply(m.Ident().ID, &wire.AuthAck{Authorized: authorized}) {
			return false
		}
		if !authorized {
			s.log.Warn("auth_failure")
			return false
		}
		s.state = StateAuthenticated
		return true

	default:
		s.log.WithField("variant", msg.WireType().String()).Warn("protocol_violation in Unauthenticated state")
		return false
	}
}

func (s *Server) handleAuthenticated(msg wire.Message) bool {
	switch m := msg.(type) {
	case *wire.Publish:
		go s.servePublish(m)
		return true

	case *wire.ConsumeFromQueue:
		go s.serveConsume(m)
		return true

	// Intra-node RPC frames also flow over an authenticated session when
	// the peer connecting is another node rather than a client (spec
	// §4.8 reuses the same framing and dispatcher machinery).
	case *wire.ProxyPublish:
		go s.serveProxyPublish(m)
		return true

	case *wire.StampMessage:
		go s.serveStampMessage(m)
		return true

	case *wire.Gossip:
		go s.serveGossip(m)
		return true

	default:
		s.log.WithField("variant", msg.WireType().String()).Warn("protocol_violation in Authenticated state")
		return false
	}
}

func (s *Server) servePublish(m *wire.Publish) {
	ttl := time.Duration(m.TTLSeconds) * time.Second
	resp := s.node.Publish(context.Background(), m.QueueID, m.Body, m.StoreIfCantPipe, ttl)
	s.replyAsync(m.Ident().ID, &resp)
}

func (s *Server) serveConsume(m *wire.ConsumeFromQueue) {
	messages, err := s.node.Consume(context.Background(), m.QueueID, m.From, m.Limit)
	if err != nil {
		s.log.WithError(err).WithField("queue_id", m.QueueID).Warn("consume failed")
		messages = nil
	}
	s.replyAsync(m.Ident().ID, &wire.ConsumeResponse{Messages: messages})
}

func (s *Server) serveProxyPublish(m *wire.ProxyPublish) {
	key := ring.HashQueueID(m.QueueID)
	replicas, err := s.node.Ring.FindQuorumForOperation(key)
	if err != nil {
		s.replyAsync(m.Ident().ID, &wire.ProxyPublishResponse{Status: wire.ProxyRejected})
		return
	}
	var ids [3]uint64
	for i, r := range replicas {
		ids[i] = r.NodeID
	}
	ttl := time.Duration(m.TTLSeconds) * time.Second
	resp := s.node.Replica.AcceptPublish(m.QueueID, m.Body, ids, m.StoreIfCantPipe, ttl)
	s.replyAsync(m.Ident().ID, &resp)
}

func (s *Server) serveStampMessage(m *wire.StampMessage) {
	_, err := s.node.Replica.Commit(m.QueueID, m.FinalClock)
	status := wire.ProxyQueued
	if err != nil {
		s.log.WithError(err).WithField("queue_id", m.QueueID).Warn("commit stamp failed")
		status = wire.ProxyRejected
	}
	s.replyAsync(m.Ident().ID, &wire.ProxyPublishResponse{Status: status})
}

func (s *Server) serveGossip(m *wire.Gossip) {
	var reply wire.Gossip
	if s.node.Gossip != nil {
		reply.Nodes = s.node.Gossip.HandleInbound(m.Nodes)
	}
	s.replyAsync(m.Ident().ID, &reply)
}

// reply stamps resp's InReplyTo and sends it synchronously from the
// receive loop's goroutine (used only for the auth handshake, which must
// stay strictly serialized).
func (s *Server) reply(inReplyTo uint32, resp wire.Message) bool {
	stampInReplyTo(resp, inReplyTo, s.nextCorrelationID())
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := wire.Encode(s.conn, resp); err != nil {
		s.log.WithError(err).Warn("write failed")
		return false
	}
	return true
}

// replyAsync is used by handlers spawned off the receive loop (Publish,
// Consume, proxy RPCs) so long-running work never blocks frame receipt,
// per spec §5 ("Handlers are invoked synchronously ... long work must be
// handed off"). writeMu keeps their replies from interleaving on the wire.
func (s *Server) replyAsync(inReplyTo uint32, resp wire.Message) {
	stampInReplyTo(resp, inReplyTo, s.nextCorrelationID())
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := wire.Encode(s.conn, resp); err != nil {
		s.log.WithError(err).Debug("async reply write failed")
	}
}

func (s *Server) nextCorrelationID() uint32 {
	return atomic.AddUint32(&s.nextID, 1)
}

func (s *Server) close() {
	s.state = StateClosed
	_ = s.conn.Close()
}

// stampInReplyTo sets resp's Identifier via its concrete type — the wire
// package's Message interface only exposes a read accessor, so session
// sets the identifier using a small type switch local to this package.
func stampInReplyTo(resp wire.Message, inReplyTo, id uint32) {
	switch r := resp.(type) {
	case *wire.ChallengeResponse:
		r.ID, r.InReplyTo = id, inReplyTo
	case *wire.AuthAck:
		r.ID, r.InReplyTo = id, inReplyTo
	case *wire.PublishResponse:
		r.ID, r.InReplyTo = id, inReplyTo
	case *wire.ConsumeResponse:
		r.ID, r.InReplyTo = id, inReplyTo
	case *wire.ProxyPublishResponse:
		r.ID, r.InReplyTo = id, inReplyTo
	case *wire.Gossip:
		r.ID, r.InReplyTo = id, inReplyTo
	default:
		panic(fmt.Sprintf("session: stampInReplyTo: unhandled type %T", resp))
	}
}
