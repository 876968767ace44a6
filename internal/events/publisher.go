package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/streamfleet/execsched/internal/model"
)

// Publisher writes cluster events to the durable EVENTS stream. Events are
// the operator-facing record of scheduling decisions and failures; losing
// one never affects protocol correctness.
type Publisher struct {
	js     nats.JetStreamContext
	logger *zap.Logger
}

// NewPublisher ensures the EVENTS stream exists and returns a publisher.
func NewPublisher(js nats.JetStreamContext, logger *zap.Logger) (*Publisher, error) {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:     model.EventStreamName,
		Subjects: []string{model.EventSubjects},
		Storage:  nats.FileStorage,
		MaxAge:   7 * 24 * time.Hour,
		MaxMsgs:  -1,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		return nil, fmt.Errorf("failed to create event stream: %w", err)
	}

	return &Publisher{
		js:     js,
		logger: logger.Named("events"),
	}, nil
}

// Publish records one cluster event.
func (p *Publisher) Publish(ev model.ClusterEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := p.js.Publish(model.EventSubject(string(ev.Type)), data); err != nil {
		p.logger.Error("Failed to publish event",
			zap.String("event_type", string(ev.Type)),
			zap.Error(err))
		return err
	}

	return nil
}

// Subscribe delivers every event on the stream to handler until ctx is done.
func (p *Publisher) Subscribe(ctx context.Context, handler func(model.ClusterEvent)) error {
	sub, err := p.js.Subscribe(model.EventSubjects, func(msg *nats.Msg) {
		var ev model.ClusterEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			p.logger.Error("Failed to unmarshal event", zap.Error(err))
			return
		}
		handler(ev)
		msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to events: %w", err)
	}

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()

	return nil
}
