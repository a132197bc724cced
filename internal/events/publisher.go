// Package events publishes committed escrow transitions to NATS JetStream.
//
// Subjects follow rental.escrow.{event_type}. The JetStream message id is derived from the
// transition ref, so a replayed operation that republishes is dropped by the stream's
// duplicate window.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/rentalledger/pkg/escrow"
)

const (
	StreamName       = "RENTAL_ESCROW_EVENTS"
	SubjectPrefix    = "rental.escrow"
	streamMaxAge     = 72 * time.Hour
	duplicatesWindow = 2 * time.Hour
	publishTimeout   = 5 * time.Second
)

// streamPublisher is the part of jetstream.JetStream the publisher uses.
type streamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Publisher implements escrow.EventPublisher on JetStream.
type Publisher struct {
	stream streamPublisher
	logger *zap.Logger
}

// NewPublisher wraps a JetStream context.
func NewPublisher(stream streamPublisher, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{stream: stream, logger: logger}
}

// Connect dials NATS, ensures the escrow event stream and returns a publisher with its closer.
func Connect(ctx context.Context, url string, logger *zap.Logger) (*Publisher, func(), error) {
	conn, err := nats.Connect(url, nats.Name("rentalledgerd"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}
	stream, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	if err := EnsureStream(ctx, stream); err != nil {
		conn.Close()
		return nil, nil, err
	}
	return NewPublisher(stream, logger), func() { _ = conn.Drain() }, nil
}

// EnsureStream creates or updates the escrow events stream.
func EnsureStream(ctx context.Context, stream jetstream.JetStream) error {
	_, err := stream.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{SubjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     streamMaxAge,
		Duplicates: duplicatesWindow,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", StreamName, err)
	}
	return nil
}

// Subject returns the subject an event is published on.
func Subject(event escrow.Event) string {
	return SubjectPrefix + "." + event.Type
}

// MessageID is the JetStream deduplication id of an event.
func MessageID(event escrow.Event) string {
	return event.BookingID + ":" + event.Type + ":" + event.Ref.String()
}

// Publish implements escrow.EventPublisher.
func (publisher *Publisher) Publish(ctx context.Context, event escrow.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	publishCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	ack, err := publisher.stream.Publish(publishCtx, Subject(event), payload, jetstream.WithMsgID(MessageID(event)))
	if err != nil {
		return fmt.Errorf("publish %s: %w", Subject(event), err)
	}
	if ack != nil && ack.Duplicate {
		publisher.logger.Debug("duplicate escrow event dropped", zap.String("msg_id", MessageID(event)))
	}
	return nil
}
