package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/tripsplit/internal/trip/domain"
)

// MsgPublisher is the subset of *nats.Conn the publisher needs.
type MsgPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Publisher writes trip events to a NATS subject.
type Publisher struct {
	conn    MsgPublisher
	subject string
}

// NewPublisher builds a Publisher using the provided NATS connection.
func NewPublisher(conn MsgPublisher, subject string) *Publisher {
	return &Publisher{conn: conn, subject: subject}
}

// Publish satisfies domain.EventPublisher.
func (p *Publisher) Publish(ctx context.Context, event domain.TripEvent) error {
	if p == nil || p.conn == nil {
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	return p.conn.PublishMsg(&nats.Msg{Subject: p.subject, Data: payload, Header: nats.Header{
		"x-trace-id":   {traceIDFromContext(ctx)},
		"x-event-type": {string(event.Type)},
	}})
}

func traceIDFromContext(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
