package model

import "time"

// MessageState tracks a chat message through the gateway.
type MessageState string

const (
	StateReceived     MessageState = "received"
	StateEncrypting   MessageState = "encrypting"
	StateEncrypted    MessageState = "encrypted"
	StateBroadcasting MessageState = "broadcasting"
	StateDelivered    MessageState = "delivered"
	StateRejected     MessageState = "rejected"
	StateDiscarded    MessageState = "discarded"
)

type EventType string

const (
	EventMessage          EventType = "message"
	EventEncryptionFailed EventType = "encryption_failed"
)

type (
	ChatMessage struct {
		SenderID   string
		SequenceNo uint64
		Plaintext  []byte
		Timestamp  time.Time
	}

	EncryptionRequest struct {
		Plaintext      []byte
		AssociatedData []byte
	}

	// InboundMessage is the frame a session writes to the gateway.
	InboundMessage struct {
		Message string `json:"message" validate:"required"`
	}

	// Event is the frame the gateway writes to sessions.
	Event struct {
		Type      EventType `json:"type"`
		Sender    string    `json:"sender,omitempty"`
		Message   string    `json:"message,omitempty"`
		Seq       uint64    `json:"seq"`
		Error     ErrorKind `json:"error,omitempty"`
		Timestamp time.Time `json:"timestamp"`
	}
)
