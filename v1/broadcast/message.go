package broadcast

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind discriminates the five protocol message types.
type Kind string

const (
	// KindRequest asks the current holder, if any, to object.
	KindRequest Kind = "request"
	// KindGrant announces that the sender has become holder.
	KindGrant Kind = "grant"
	// KindDeny rejects another peer's request; only the holder sends it.
	KindDeny Kind = "deny"
	// KindHeartbeat is the holder's periodic proof of life.
	KindHeartbeat Kind = "heartbeat"
	// KindRelease announces that the sender voluntarily gave up the lock.
	KindRelease Kind = "release"
)

// Message is one protocol frame. Messages are transient; nothing is persisted.
type Message struct {
	Kind     Kind   `json:"kind"`
	SenderID string `json:"sender"`
	// Timestamp is UnixMilli, set on request, grant and heartbeat.
	Timestamp int64 `json:"ts,omitempty"`
	// HolderID names the holder on a deny.
	HolderID string `json:"holder,omitempty"`
	// TargetID names the denied requester on a deny.
	TargetID string `json:"target,omitempty"`
}

// NewMessage returns a timestamped message of the given kind.
func NewMessage(kind Kind, senderID string) Message {
	return Message{Kind: kind, SenderID: senderID, Timestamp: time.Now().UnixMilli()}
}

// Encode serializes the message to its JSON wire form.
func (m Message) Encode() ([]byte, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Decode parses a wire frame, rejecting malformed JSON and unknown kinds.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("broadcast: decode: %w", err)
	}
	if err := m.validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

func (m Message) validate() error {
	switch m.Kind {
	case KindRequest, KindGrant, KindDeny, KindHeartbeat, KindRelease:
	default:
		return fmt.Errorf("broadcast: unknown kind %q", m.Kind)
	}
	if m.SenderID == "" {
		return fmt.Errorf("broadcast: %s message without sender", m.Kind)
	}
	return nil
}
