// Package wire defines the SOPMQ wire protocol: the closed union of typed
// messages, their length-prefixed framing, and the per-connection
// correlation dispatcher that routes inbound frames to pending handlers.
//
// Encoding is treated as an opaque, closed-union serializer per spec §1/§6
// ("the generated wire-format codecs (treated as an opaque
// serializer/deserializer over a closed union of named message variants)").
// This package implements that codec concretely with encoding/gob, which is
// the idiomatic stdlib equivalent of a closed, versioned union: every
// concrete type is registered once at init time and never introspected by
// callers.
package wire

import "fmt"

// Type is the one-byte type tag on the wire (spec §4.1).
type Type byte

const (
	TypeGetChallenge Type = iota + 1
	TypeChallengeResponse
	TypeAnswerChallenge
	TypeAuthAck
	TypePublish
	TypePublishResponse
	TypeProxyPublish
	TypeProxyPublishResponse
	TypeConsumeFromQueue
	TypeConsumeResponse
	TypeGossip
	TypeGossipNodeData
	TypeStampMessage
)

func (t Type) String() string {
	switch t {
	case TypeGetChallenge:
		return "GetChallenge"
	case TypeChallengeResponse:
		return "ChallengeResponse"
	case TypeAnswerChallenge:
		return "AnswerChallenge"
	case TypeAuthAck:
		return "AuthAck"
	case TypePublish:
		return "Publish"
	case TypePublishResponse:
		return "PublishResponse"
	case TypeProxyPublish:
		return "ProxyPublish"
	case TypeProxyPublishResponse:
		return "ProxyPublishResponse"
	case TypeConsumeFromQueue:
		return "ConsumeFromQueue"
	case TypeConsumeResponse:
		return "ConsumeResponse"
	case TypeGossip:
		return "Gossip"
	case TypeGossipNodeData:
		return "GossipNodeData"
	case TypeStampMessage:
		return "StampMessage"
	default:
		return fmt.Sprintf("Type(%d)", byte(t))
	}
}

// Identifier is carried by every message (spec §3). A response sets
// InReplyTo to the request's ID; unsolicited messages set it to zero.
type Identifier struct {
	ID         uint32
	InReplyTo  uint32
}

// Message is the marker interface implemented by every wire variant.
type Message interface {
	Ident() Identifier
	WireType() Type
}

// ClientType distinguishes who is presenting a GetChallenge — reserved for
// future peer-vs-client authentication paths; SOPMQ v1 only uses CLIENT.
type ClientType byte

const (
	ClientTypeClient ClientType = iota
	ClientTypeNode
)

// ── Auth handshake ──────────────────────────────────────────────────────────

type GetChallenge struct {
	Identifier
	Type ClientType
}

type ChallengeResponse struct {
	Identifier
	Challenge []byte
}

type AnswerChallenge struct {
	Identifier
	UnameHash          string
	ChallengeResponse  string
}

type AuthAck struct {
	Identifier
	Authorized bool
}

// ── Publish path ────────────────────────────────────────────────────────────

type Publish struct {
	Identifier
	QueueID string
	Body    []byte

	// StoreIfCantPipe and TTLSeconds mirror the original client API's
	// publish_message(queueId, storeIfCantPipe, ttl, data, callback):
	// TTLSeconds <= 0 selects the replica's default tentative-row TTL;
	// StoreIfCantPipe keeps the tentative row alive past that TTL if the
	// quorum never commits it, instead of letting it expire unconfirmed.
	StoreIfCantPipe bool
	TTLSeconds      int32
}

type PublishStatus byte

const (
	PublishOK PublishStatus = iota
	PublishUnavailable
)

type PublishResponse struct {
	Identifier
	Status PublishStatus
	Stamp  NodeClockSet
}

type ProxyPublish struct {
	Identifier
	OriginCorrelation uint32
	QueueID           string
	Body              []byte
	StoreIfCantPipe   bool
	TTLSeconds        int32
}

type ProxyStatus byte

const (
	ProxyQueued ProxyStatus = iota
	ProxyRejected
	ProxyOverloaded
	ProxyClockError
)

type ProxyPublishResponse struct {
	Identifier
	Status        ProxyStatus
	ProposedClock NodeClockSet
}

// StampMessage directs a replica that accepted a ProxyPublish to commit its
// tentative row with the final, merged clock.
type StampMessage struct {
	Identifier
	QueueID    string
	FinalClock NodeClockSet
}

// ── Consume path ─────────────────────────────────────────────────────────────

type ConsumeFromQueue struct {
	Identifier
	QueueID string
	From    MessageStamp
	Limit   int
}

type ConsumeResponse struct {
	Identifier
	Messages []StampedMessage
}

type StampedMessage struct {
	Stamp MessageStamp
	Body  []byte
}

// MessageStamp encodes the final merged clock plus a tiebreaker (spec §3).
type MessageStamp struct {
	Clock      NodeClockSet
	Tiebreaker uint64
}

// ── Gossip ───────────────────────────────────────────────────────────────────

type Gossip struct {
	Identifier
	Nodes []GossipNodeData
}

type GossipNodeData struct {
	NodeID     uint64
	RangeStart []byte // big.Int bytes, big-endian
	Endpoint   string
}

// ── Vector clock wire shape ─────────────────────────────────────────────────

// NodeClockEntry mirrors clock.NodeClock on the wire.
type NodeClockEntry struct {
	NodeID  uint64
	Counter uint64
}

// NodeClockSet is the fixed three-entry wire form of clock.Clock, kept in
// ascending NodeID order (spec §4.3's serialization rule).
type NodeClockSet [3]NodeClockEntry

// ── Message interface implementations ───────────────────────────────────────

func (m *GetChallenge) Ident() Identifier     { return m.Identifier }
func (m *GetChallenge) WireType() Type        { return TypeGetChallenge }
func (m *ChallengeResponse) Ident() Identifier { return m.Identifier }
func (m *ChallengeResponse) WireType() Type    { return TypeChallengeResponse }
func (m *AnswerChallenge) Ident() Identifier   { return m.Identifier }
func (m *AnswerChallenge) WireType() Type      { return TypeAnswerChallenge }
func (m *AuthAck) Ident() Identifier           { return m.Identifier }
func (m *AuthAck) WireType() Type              { return TypeAuthAck }
func (m *Publish) Ident() Identifier           { return m.Identifier }
func (m *Publish) WireType() Type              { return TypePublish }
func (m *PublishResponse) Ident() Identifier   { return m.Identifier }
func (m *PublishResponse) WireType() Type      { return TypePublishResponse }
func (m *ProxyPublish) Ident() Identifier       { return m.Identifier }
func (m *ProxyPublish) WireType() Type          { return TypeProxyPublish }
func (m *ProxyPublishResponse) Ident() Identifier { return m.Identifier }
func (m *ProxyPublishResponse) WireType() Type    { return TypeProxyPublishResponse }
func (m *StampMessage) Ident() Identifier      { return m.Identifier }
func (m *StampMessage) WireType() Type         { return TypeStampMessage }
func (m *ConsumeFromQueue) Ident() Identifier  { return m.Identifier }
func (m *ConsumeFromQueue) WireType() Type     { return TypeConsumeFromQueue }
func (m *ConsumeResponse) Ident() Identifier   { return m.Identifier }
func (m *ConsumeResponse) WireType() Type      { return TypeConsumeResponse }
func (m *Gossip) Ident() Identifier            { return m.Identifier }
func (m *Gossip) WireType() Type               { return TypeGossip }
