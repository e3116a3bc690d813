package session

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sopmq/sopmq/internal/auth"
	"github.com/sopmq/sopmq/internal/wire"
)

// DefaultClientCallDeadline bounds each request/response round trip a
// Client makes, absent a deadline already set on the caller's context.
const DefaultClientCallDeadline = 5 * time.Second

// Client drives the client-side half of the wire protocol (spec §4.7):
// dial, GetChallenge, AnswerChallenge, AuthAck, then Publish/Consume. It
// wraps a raw connection the same way rpc.Link does, but exposes typed
// methods instead of a generic Call, since a client session only ever
// issues the handful of request shapes a caller of the SDK needs.
type Client struct {
	conn   net.Conn
	reader *wire.Reader
	log    *logrus.Entry

	writeMu chan struct{} // 1-buffered mutex; serializes writes
	nextID  uint32
}

// Dial connects to addr and authenticates as username/password, returning
// an operating Client on success.
func Dial(ctx context.Context, addr string, maxMessageSize uint32, username, password string, log *logrus.Entry) (*Client, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("session: dial %s: %w", addr, err)
	}

	c := &Client{
		conn:    conn,
		reader:  wire.NewReader(conn, maxMessageSize),
		log:     log,
		writeMu: make(chan struct{}, 1),
	}
	c.writeMu <- struct{}{}

	if err := c.authenticate(ctx, username, password); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) authenticate(ctx context.Context, username, password string) error {
	if err := c.send(&wire.GetChallenge{Identifier: wire.Identifier{ID: c.id()}, Type: wire.ClientTypeClient}); err != nil {
		return fmt.Errorf("session: send GetChallenge: %w", err)
	}
	msg, err := c.reader.ReadMessage()
	if err != nil {
		return fmt.Errorf("session: read ChallengeResponse: %w", err)
	}
	cr, ok := msg.(*wire.ChallengeResponse)
	if !ok {
		return fmt.Errorf("session: unexpected reply type %T to GetChallenge", msg)
	}

	pwHash := auth.PasswordHash(password)
	resp := auth.ChallengeResponse(pwHash, cr.Challenge)
	answer := &wire.AnswerChallenge{
		Identifier:        wire.Identifier{ID: c.id()},
		UnameHash:         auth.UnameHash(username),
		ChallengeResponse: resp,
	}
	if err := c.send(answer); err != nil {
		return fmt.Errorf("session: send AnswerChallenge: %w", err)
	}

	msg, err = c.reader.ReadMessage()
	if err != nil {
		return fmt.Errorf("session: read AuthAck: %w", err)
	}
	ack, ok := msg.(*wire.AuthAck)
	if !ok {
		return fmt.Errorf("session: unexpected reply type %T to AnswerChallenge", msg)
	}
	if !ack.Authorized {
		return auth.ErrAuthFailure
	}
	return nil
}

// Publish sends one message to queueID and waits for the coordinator's
// PublishResponse. ttl <= 0 selects the replica's default tentative-row
// TTL; storeIfCantPipe keeps the tentative row alive past that TTL if the
// quorum never commits it, mirroring the original client API's
// publish_message(queueId, storeIfCantPipe, ttl, data, callback).
func (c *Client) Publish(ctx context.Context, queueID string, body []byte, storeIfCantPipe bool, ttl time.Duration) (wire.PublishResponse, error) {
	req := &wire.Publish{
		Identifier:      wire.Identifier{ID: c.id()},
		QueueID:         queueID,
		Body:            body,
		StoreIfCantPipe: storeIfCantPipe,
		TTLSeconds:      int32(ttl / time.Second),
	}
	if err := c.send(req); err != nil {
		return wire.PublishResponse{}, fmt.Errorf("session: send Publish: %w", err)
	}
	msg, err := c.readUntil(ctx, req.ID)
	if err != nil {
		return wire.PublishResponse{}, err
	}
	pr, ok := msg.(*wire.PublishResponse)
	if !ok {
		return wire.PublishResponse{}, fmt.Errorf("session: unexpected reply type %T to Publish", msg)
	}
	return *pr, nil
}

// Consume requests up to limit committed messages from queueID whose stamp
// tiebreaker is at or after from's.
func (c *Client) Consume(ctx context.Context, queueID string, from wire.MessageStamp, limit int) ([]wire.StampedMessage, error) {
	req := &wire.ConsumeFromQueue{Identifier: wire.Identifier{ID: c.id()}, QueueID: queueID, From: from, Limit: limit}
	if err := c.send(req); err != nil {
		return nil, fmt.Errorf("session: send ConsumeFromQueue: %w", err)
	}
	msg, err := c.readUntil(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	cr, ok := msg.(*wire.ConsumeResponse)
	if !ok {
		return nil, fmt.Errorf("session: unexpected reply type %T to ConsumeFromQueue", msg)
	}
	return cr.Messages, nil
}

// readUntil blocks for the next frame and checks it answers requestID. The
// client session is single-threaded per spec §4.7 (one outstanding request
// at a time), so the next frame read is always the matching reply; this
// check only guards against a server bug sending the wrong correlation id.
func (c *Client) readUntil(ctx context.Context, requestID uint32) (wire.Message, error) {
	type result struct {
		msg wire.Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		msg, err := c.reader.ReadMessage()
		ch <- result{msg, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("session: read reply: %w", r.err)
		}
		if r.msg.Ident().InReplyTo != requestID {
			return nil, fmt.Errorf("session: reply correlation mismatch: got %d want %d", r.msg.Ident().InReplyTo, requestID)
		}
		return r.msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) send(msg wire.Message) error {
	<-c.writeMu
	defer func() { c.writeMu <- struct{}{} }()
	return wire.Encode(c.conn, msg)
}

func (c *Client) id() uint32 {
	c.nextID++
	return c.nextID
}

// Close tears down the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
