package wire

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Message{
		&GetChallenge{Identifier: Identifier{ID: 1}, Type: ClientTypeClient},
		&Publish{Identifier: Identifier{ID: 2}, QueueID: "orders", Body: []byte("hello")},
		&ProxyPublishResponse{Identifier: Identifier{ID: 3, InReplyTo: 2}, Status: ProxyQueued},
		&ConsumeResponse{Identifier: Identifier{ID: 4}, Messages: []StampedMessage{
			{Stamp: MessageStamp{Tiebreaker: 7}, Body: []byte("payload")},
		}},
	}

	for _, want := range cases {
		var buf bytes.Buffer
		if err := Encode(&buf, want); err != nil {
			t.Fatalf("Encode(%T): %v", want, err)
		}

		got, err := NewReader(&buf, 0).ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage after encoding %T: %v", want, err)
		}
		if got.WireType() != want.WireType() {
			t.Fatalf("WireType() = %v, want %v", got.WireType(), want.WireType())
		}
		if got.Ident() != want.Ident() {
			t.Fatalf("Ident() = %+v, want %+v", got.Ident(), want.Ident())
		}
	}
}

func TestReadMessageRejectsOversizeFrame(t *testing.T) {
	var buf bytes.Buffer
	body := make([]byte, 100)
	if err := Encode(&buf, &Publish{Identifier: Identifier{ID: 1}, QueueID: "q", Body: body}); err != nil {
		t.Fatal(err)
	}

	rd := NewReader(&buf, 10) // cap far smaller than the encoded frame
	_, err := rd.ReadMessage()
	if !errors.Is(err, ErrOversizeMessage) {
		t.Fatalf("ReadMessage error = %v, want ErrOversizeMessage", err)
	}
}

func TestReadMessageUnknownTypeTag(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(255) // not a registered Type
	buf.Write([]byte{0, 0, 0, 0})

	if _, err := NewReader(&buf, 0).ReadMessage(); err == nil {
		t.Fatal("expected error for unknown type tag, got nil")
	}
}
