package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeEscrowInitiated Type = "escrow.initiated"
	TypeEscrowSettled   Type = "escrow.settled"
	TypeEscrowCancelled Type = "escrow.cancelled"
)

// Event describes one committed trade transition. Addresses are base58
// encoded.
type Event struct {
	ID        uuid.UUID `json:"id"`
	Type      Type      `json:"type"`
	Slot      uint64    `json:"slot"`
	Signature string    `json:"signature"`
	Timestamp time.Time `json:"timestamp"`

	Escrow      string `json:"escrow"`
	Initializer string `json:"initializer"`
	Taker       string `json:"taker,omitempty"`
	Custody     string `json:"custody"`

	// Amount is the expected amount for initiations, and the amount that
	// moved to the taker for settlements and cancellations.
	Amount uint64 `json:"amount"`
}

// Publisher delivers committed events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, events ...*Event) error
}

type noopPublisher struct{}

// NewNoopPublisher returns a Publisher that drops every event.
func NewNoopPublisher() Publisher {
	return &noopPublisher{}
}

func (*noopPublisher) Publish(_ context.Context, _ ...*Event) error {
	return nil
}
