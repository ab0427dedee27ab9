package events

import (
	"context"
	"time"

	"github.com/mr-tron/base58"
	"github.com/sirupsen/logrus"

	"github.com/code-payments/escrow-server/pkg/sync"
)

const (
	publishTimeout = 10 * time.Second
)

// AsyncPublisher hands events to a pool of workers so publishing never blocks
// transaction processing. Events for the same escrow land on the same worker,
// which keeps their relative order.
type AsyncPublisher struct {
	log     *logrus.Entry
	inner   Publisher
	striped *sync.StripedChannel[*Event]
	done    chan struct{}
}

func NewAsyncPublisher(inner Publisher, workers, queueSize uint) *AsyncPublisher {
	p := &AsyncPublisher{
		log:     logrus.StandardLogger().WithField("type", "events/async"),
		inner:   inner,
		striped: sync.NewStripedChannel[*Event](workers, queueSize),
		done:    make(chan struct{}),
	}

	channels := p.striped.GetChannels()
	finished := make(chan struct{}, len(channels))
	for _, ch := range channels {
		go func(ch <-chan *Event) {
			defer func() { finished <- struct{}{} }()
			for e := range ch {
				p.publish(e)
			}
		}(ch)
	}

	go func() {
		for range channels {
			<-finished
		}
		close(p.done)
	}()

	return p
}

// Publish implements Publisher.Publish. Events that don't fit in their
// worker's queue, or arrive after Close, are dropped and logged.
func (p *AsyncPublisher) Publish(_ context.Context, events ...*Event) error {
	for _, e := range events {
		key, _ := base58.Decode(e.Escrow)
		if !p.striped.Send(key, e) {
			p.log.WithFields(logrus.Fields{
				"event":  e.ID.String(),
				"escrow": e.Escrow,
			}).Warn("event queue full or closed, dropping event")
		}
	}
	return nil
}

// Close stops accepting events and waits for queued events to drain.
func (p *AsyncPublisher) Close() {
	p.striped.Close()
	<-p.done
}

func (p *AsyncPublisher) publish(e *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := p.inner.Publish(ctx, e); err != nil {
		p.log.WithError(err).WithFields(logrus.Fields{
			"event":  e.ID.String(),
			"type":   e.Type,
			"escrow": e.Escrow,
		}).Warn("failed to publish event")
	}
}
