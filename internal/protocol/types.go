package protocol

import (
	"time"

	"github.com/google/uuid"
	"github.com/mattjoyce/tributary/internal/message"
)

// Version is the only envelope version this codec speaks.
const Version = 1

// DefaultMaxMessageBytes bounds a single encoded envelope.
const DefaultMaxMessageBytes = 8 * 1024 * 1024

// Envelope carries one message across the parent/child channel as a single
// line of JSON.
type Envelope struct {
	Protocol int             `json:"protocol"`
	ID       string          `json:"id"`
	Source   string          `json:"source,omitempty"` // name of the sending node
	SentAt   time.Time       `json:"sent_at"`
	Message  message.Message `json:"message"`
}

// NewEnvelope wraps msg with a fresh id and timestamp.
func NewEnvelope(source string, msg message.Message) *Envelope {
	return &Envelope{
		Protocol: Version,
		ID:       uuid.NewString(),
		Source:   source,
		SentAt:   time.Now().UTC(),
		Message:  msg,
	}
}
