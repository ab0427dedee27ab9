package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/code-payments/escrow-server/pkg/events"
	"github.com/code-payments/escrow-server/pkg/retry"
	"github.com/code-payments/escrow-server/pkg/retry/backoff"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type publisher struct {
	log    *logrus.Entry
	writer messageWriter
}

// NewPublisher returns an events.Publisher that writes JSON encoded events to
// a Kafka topic, keyed by escrow address so a trade's events share a
// partition.
func NewPublisher(brokers []string, topic string) (events.Publisher, func() error) {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}

	p := newPublisher(writer)
	return p, writer.Close
}

func newPublisher(writer messageWriter) *publisher {
	return &publisher{
		log:    logrus.StandardLogger().WithField("type", "events/kafka"),
		writer: writer,
	}
}

// Publish implements events.Publisher.Publish
func (p *publisher) Publish(ctx context.Context, published ...*events.Event) error {
	if len(published) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, len(published))
	for i, e := range published {
		value, err := json.Marshal(e)
		if err != nil {
			return errors.Wrap(err, "failed to marshal event")
		}

		key, err := base58.Decode(e.Escrow)
		if err != nil || len(key) == 0 {
			key = []byte(e.Escrow)
		}

		msgs[i] = kafka.Message{
			Key:   key,
			Value: value,
			Time:  e.Timestamp,
		}
	}

	_, err := retry.Retry(
		func() error {
			return p.writer.WriteMessages(ctx, msgs...)
		},
		retry.Limit(3),
		retry.Context(ctx),
		retry.BackoffWithJitter(backoff.BinaryExponential(100*time.Millisecond), time.Second, 0.1),
	)
	if err != nil {
		p.log.WithError(err).WithField("count", len(msgs)).Warn("failed to write events")
		return errors.Wrap(err, "failed to write events")
	}

	return nil
}
