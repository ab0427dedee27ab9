package memory

import (
	"context"
	"sync"

	"github.com/code-payments/escrow-server/pkg/events"
)

// Publisher records published events in memory.
type Publisher struct {
	mu     sync.Mutex
	events []*events.Event
}

func NewPublisher() *Publisher {
	return &Publisher{}
}

// Publish implements events.Publisher.Publish
func (p *Publisher) Publish(_ context.Context, published ...*events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, e := range published {
		cloned := *e
		p.events = append(p.events, &cloned)
	}
	return nil
}

// Events returns every event published so far, in order.
func (p *Publisher) Events() []*events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]*events.Event(nil), p.events...)
}

func (p *Publisher) Reset() {
	p.mu.Lock()
	p.events = nil
	p.mu.Unlock()
}
