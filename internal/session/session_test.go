package session_test

import (
	"context"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/sopmq/sopmq/internal/auth"
	"github.com/sopmq/sopmq/internal/node"
	"github.com/sopmq/sopmq/internal/ring"
	"github.com/sopmq/sopmq/internal/session"
	"github.com/sopmq/sopmq/internal/storage/walstore"
	"github.com/sopmq/sopmq/internal/wire"
)

func startTestNode(t *testing.T, ringNodes []ring.Node) (addr string, n *node.Node) {
	t.Helper()
	store, err := walstore.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	r := ring.New(ringNodes)
	authStore := auth.NewStaticStore([]auth.Credentials{
		{Username: "alice", PasswordHash: auth.PasswordHash("hunter2")},
	})

	n = node.New(node.Config{
		ID:             1,
		MaxMessageSize: wire.DefaultMaxMessageSize,
		Store:          store,
		Ring:           r,
		Auth:           authStore,
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go session.NewServer(conn, n, nil).Run()
		}
	}()

	return ln.Addr().String(), n
}

func TestAuthenticateWithValidCredentialsSucceeds(t *testing.T) {
	addr, _ := startTestNode(t, []ring.Node{
		{NodeID: 1, RangeStart: big.NewInt(0), Endpoint: "self"},
		{NodeID: 2, RangeStart: big.NewInt(1 << 40), Endpoint: "peer2"},
		{NodeID: 3, RangeStart: big.NewInt(2 << 40), Endpoint: "peer3"},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := session.Dial(ctx, addr, wire.DefaultMaxMessageSize, "alice", "hunter2", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()
}

func TestAuthenticateWithWrongPasswordFails(t *testing.T) {
	addr, _ := startTestNode(t, []ring.Node{
		{NodeID: 1, RangeStart: big.NewInt(0), Endpoint: "self"},
		{NodeID: 2, RangeStart: big.NewInt(1 << 40), Endpoint: "peer2"},
		{NodeID: 3, RangeStart: big.NewInt(2 << 40), Endpoint: "peer3"},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := session.Dial(ctx, addr, wire.DefaultMaxMessageSize, "alice", "wrong", nil)
	if err != auth.ErrAuthFailure {
		t.Fatalf("Dial error = %v, want ErrAuthFailure", err)
	}
}

func TestPublishReportsUnavailableWithoutFullRing(t *testing.T) {
	addr, _ := startTestNode(t, []ring.Node{
		{NodeID: 1, RangeStart: big.NewInt(0), Endpoint: "self"},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := session.Dial(ctx, addr, wire.DefaultMaxMessageSize, "alice", "hunter2", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	resp, err := c.Publish(ctx, "orders", []byte("hello"), false, 0)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if resp.Status != wire.PublishUnavailable {
		t.Fatalf("Status = %v, want PublishUnavailable (ring has only 1 of 3 replicas)", resp.Status)
	}
}

// TestScenarioAuthenticatedClientSendingGetChallengeIsProtocolViolation
// mirrors spec §8 scenario 5: once a session is authenticated, a
// GetChallenge frame is out of state and the server must close the
// connection immediately without emitting any response.
func TestScenarioAuthenticatedClientSendingGetChallengeIsProtocolViolation(t *testing.T) {
	addr, _ := startTestNode(t, []ring.Node{
		{NodeID: 1, RangeStart: big.NewInt(0), Endpoint: "self"},
		{NodeID: 2, RangeStart: big.NewInt(1 << 40), Endpoint: "peer2"},
		{NodeID: 3, RangeStart: big.NewInt(2 << 40), Endpoint: "peer3"},
	})

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	reader := wire.NewReader(conn, wire.DefaultMaxMessageSize)

	// Drive the handshake by hand (rather than session.Client, which has no
	// way to issue a frame out of protocol state) to reach Authenticated.
	if err := wire.Encode(conn, &wire.GetChallenge{Identifier: wire.Identifier{ID: 1}, Type: wire.ClientTypeClient}); err != nil {
		t.Fatalf("Encode GetChallenge: %v", err)
	}
	msg, err := reader.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage ChallengeResponse: %v", err)
	}
	cr := msg.(*wire.ChallengeResponse)

	pwHash := auth.PasswordHash("hunter2")
	answer := &wire.AnswerChallenge{
		Identifier:        wire.Identifier{ID: 2},
		UnameHash:         auth.UnameHash("alice"),
		ChallengeResponse: auth.ChallengeResponse(pwHash, cr.Challenge),
	}
	if err := wire.Encode(conn, answer); err != nil {
		t.Fatalf("Encode AnswerChallenge: %v", err)
	}
	msg, err = reader.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage AuthAck: %v", err)
	}
	if !msg.(*wire.AuthAck).Authorized {
		t.Fatal("expected authentication to succeed")
	}

	// Now authenticated: a second GetChallenge is out of state.
	if err := wire.Encode(conn, &wire.GetChallenge{Identifier: wire.Identifier{ID: 3}, Type: wire.ClientTypeClient}); err != nil {
		t.Fatalf("Encode GetChallenge: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	if _, err := reader.ReadMessage(); err == nil {
		t.Fatal("expected the connection to close with no response, got a message instead")
	}
}

func TestConsumeEmptyQueueReturnsNoMessages(t *testing.T) {
	addr, _ := startTestNode(t, []ring.Node{
		{NodeID: 1, RangeStart: big.NewInt(0), Endpoint: "self"},
		{NodeID: 2, RangeStart: big.NewInt(1 << 40), Endpoint: "peer2"},
		{NodeID: 3, RangeStart: big.NewInt(2 << 40), Endpoint: "peer3"},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	c, err := session.Dial(ctx, addr, wire.DefaultMaxMessageSize, "alice", "hunter2", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	messages, err := c.Consume(ctx, "orders", wire.MessageStamp{}, 10)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if len(messages) != 0 {
		t.Fatalf("len(messages) = %d, want 0", len(messages))
	}
}
