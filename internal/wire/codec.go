package wire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxMessageSize is the default maxMessageSize from spec §4.1/§6.
const DefaultMaxMessageSize = 8 * 1024 * 1024

// ErrOversizeMessage is fatal per spec §4.1/§7: the connection must be torn
// down when a frame's declared length exceeds the configured cap.
var ErrOversizeMessage = errors.New("wire: oversize_message")

func init() {
	gob.Register(&GetChallenge{})
	gob.Register(&ChallengeResponse{})
	gob.Register(&AnswerChallenge{})
	gob.Register(&AuthAck{})
	gob.Register(&Publish{})
	gob.Register(&PublishResponse{})
	gob.Register(&ProxyPublish{})
	gob.Register(&ProxyPublishResponse{})
	gob.Register(&StampMessage{})
	gob.Register(&ConsumeFromQueue{})
	gob.Register(&ConsumeResponse{})
	gob.Register(&Gossip{})
}

// typeOf returns the wire Type tag for a concrete Message, by asking the
// value itself — kept as a function (rather than a type switch) so Encode
// needs no per-variant case. Decoding a new variant still needs a case in
// newByType and a gob.Register call in init.
func typeOf(m Message) Type { return m.WireType() }

// newByType allocates a zero-valued message for a given wire Type so the
// decoder knows what concrete type to gob-decode into.
func newByType(t Type) (Message, error) {
	switch t {
	case TypeGetChallenge:
		return &GetChallenge{}, nil
	case TypeChallengeResponse:
		return &ChallengeResponse{}, nil
	case TypeAnswerChallenge:
		return &AnswerChallenge{}, nil
	case TypeAuthAck:
		return &AuthAck{}, nil
	case TypePublish:
		return &Publish{}, nil
	case TypePublishResponse:
		return &PublishResponse{}, nil
	case TypeProxyPublish:
		return &ProxyPublish{}, nil
	case TypeProxyPublishResponse:
		return &ProxyPublishResponse{}, nil
	case TypeStampMessage:
		return &StampMessage{}, nil
	case TypeConsumeFromQueue:
		return &ConsumeFromQueue{}, nil
	case TypeConsumeResponse:
		return &ConsumeResponse{}, nil
	case TypeGossip:
		return &Gossip{}, nil
	default:
		return nil, fmt.Errorf("wire: unknown type tag %d", t)
	}
}

// Encode serialises m as a single frame: [1:type_tag][4:length][payload].
func Encode(w io.Writer, m Message) error {
	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(m); err != nil {
		return fmt.Errorf("wire: encode: %w", err)
	}

	header := make([]byte, 5)
	header[0] = byte(typeOf(m))
	binary.BigEndian.PutUint32(header[1:], uint32(body.Len()))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("wire: write header: %w", err)
	}
	if _, err := w.Write(body.Bytes()); err != nil {
		return fmt.Errorf("wire: write body: %w", err)
	}
	return nil
}

// Reader decodes frames off a buffered stream, enforcing maxMessageSize.
// Partial frames are buffered by the underlying bufio.Reader; ReadMessage
// blocks until a full frame is available, an oversize frame is detected, or
// the connection errors.
type Reader struct {
	br             *bufio.Reader
	maxMessageSize uint32
}

// NewReader wraps r with the SOPMQ framing reader. maxMessageSize of zero
// selects DefaultMaxMessageSize.
func NewReader(r io.Reader, maxMessageSize uint32) *Reader {
	if maxMessageSize == 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	return &Reader{br: bufio.NewReader(r), maxMessageSize: maxMessageSize}
}

// ReadMessage reads and decodes the next frame. It returns ErrOversizeMessage
// (without consuming the oversize payload) when length exceeds the cap;
// callers must treat this as fatal and tear down the connection per spec
// §4.1/§7.
func (rd *Reader) ReadMessage() (Message, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(rd.br, header); err != nil {
		return nil, err
	}
	typeTag := Type(header[0])
	length := binary.BigEndian.Uint32(header[1:])

	if length > rd.maxMessageSize {
		return nil, ErrOversizeMessage
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(rd.br, payload); err != nil {
		return nil, fmt.Errorf("wire: read body: %w", err)
	}

	msg, err := newByType(typeTag)
	if err != nil {
		return nil, err
	}
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(msg); err != nil {
		return nil, fmt.Errorf("wire: decode: %w", err)
	}
	return msg, nil
}
