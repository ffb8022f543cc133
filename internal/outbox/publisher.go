// Package outbox delivers persisted domain events to the outside world
// after the mutation that produced them has committed.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/pitabwire/flowengine/model"
)

// Publisher delivers a single event. Delivery is at-least-once, so
// consumers must tolerate duplicates keyed by event ID.
type Publisher interface {
	Publish(ctx context.Context, event model.DomainEvent) error
}

// LogPublisher writes every event as a structured log line.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher creates a publisher that logs events at info level.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish implements Publisher.
func (p *LogPublisher) Publish(_ context.Context, e model.DomainEvent) error {
	fields := []zap.Field{
		zap.String("event_id", e.ID),
		zap.String("event_type", string(e.Type)),
		zap.String("instance_id", e.InstanceID),
		zap.Time("occurred_at", e.OccurredAt),
	}
	if e.StepID != "" {
		fields = append(fields, zap.String("step_id", e.StepID))
	}
	if e.TaskID != "" {
		fields = append(fields, zap.String("task_id", e.TaskID))
	}
	if e.AssignmentID != "" {
		fields = append(fields, zap.String("assignment_id", e.AssignmentID))
	}
	if len(e.Data) > 0 {
		fields = append(fields, zap.Any("data", e.Data))
	}
	p.logger.Info("domain event", fields...)
	return nil
}

// MsgPublisher is the subset of *nats.Conn used by NATSPublisher.
type MsgPublisher interface {
	PublishMsg(m *nats.Msg) error
}

// NATSPublisher publishes events as JSON to "<prefix>.<event type>". The
// event ID travels in the Nats-Msg-Id header so JetStream streams can
// deduplicate redeliveries.
type NATSPublisher struct {
	conn   MsgPublisher
	prefix string
}

// NewNATSPublisher creates a NATS publisher. An empty prefix defaults to
// "flowengine".
func NewNATSPublisher(conn MsgPublisher, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = "flowengine"
	}
	return &NATSPublisher{conn: conn, prefix: prefix}
}

// Subject returns the subject an event type is published on.
func (p *NATSPublisher) Subject(t model.EventType) string {
	return p.prefix + "." + string(t)
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(ctx context.Context, e model.DomainEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", e.ID, err)
	}
	msg := nats.NewMsg(p.Subject(e.Type))
	msg.Header.Set(nats.MsgIdHdr, e.ID)
	msg.Header.Set("Flowengine-Instance-Id", e.InstanceID)
	msg.Data = data
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("nats publish %s: %w", msg.Subject, err)
	}
	return nil
}
