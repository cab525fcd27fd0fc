// Package notify announces job failures and published reports on a RabbitMQ topic exchange.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"insight-pipeline/internal/models"
	"insight-pipeline/internal/telemetry"
)

// Routing keys.
const (
	EventJobFailed       = "job.failed"
	EventReportPublished = "report.published"
)

// DefaultExchange is used when none is configured.
const DefaultExchange = "insights.events"

// Event is the message body for every routing key.
type Event struct {
	Type        string    `json:"type"`
	JobID       string    `json:"job_id,omitempty"`
	JobName     string    `json:"job_name,omitempty"`
	Attempts    int       `json:"attempts,omitempty"`
	Error       string    `json:"error,omitempty"`
	WorkspaceID string    `json:"workspace_id,omitempty"`
	PipelineID  string    `json:"pipeline_id,omitempty"`
	ReportID    string    `json:"report_id,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Publisher sends events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Noop drops every event.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }

func (Noop) Close() error { return nil }

type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes persistent JSON messages keyed by event type.
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       channel
	exchange string
}

// NewAMQP dials url and declares a durable topic exchange.
func NewAMQP(url, exchange string) (*AMQPPublisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &AMQPPublisher{conn: conn, ch: ch, exchange: exchange}, nil
}

// Publish serializes ev and sends it with routing key ev.Type. A channel is not safe for
// concurrent publishes, so calls are serialized.
func (p *AMQPPublisher) Publish(ctx context.Context, ev Event) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.PublishWithContext(ctx, p.exchange, ev.Type, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    ev.OccurredAt,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.ch.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// FromURL returns an AMQP publisher when url is set and Noop otherwise.
func FromURL(url, exchange string) (Publisher, error) {
	if url == "" {
		return Noop{}, nil
	}
	return NewAMQP(url, exchange)
}

// JobFailed adapts a publisher into a scheduler failure hook. Publish errors are logged.
func JobFailed(p Publisher, logger *slog.Logger) func(ctx context.Context, job models.Job, cause error) {
	if logger == nil {
		logger = telemetry.Discard()
	}
	return func(ctx context.Context, job models.Job, cause error) {
		ev := Event{
			Type:     EventJobFailed,
			JobID:    job.ID,
			JobName:  job.Name,
			Attempts: job.Attempts,
		}
		if cause != nil {
			ev.Error = cause.Error()
		}
		if job.CompletedAt != nil {
			ev.OccurredAt = *job.CompletedAt
		}
		if err := p.Publish(ctx, ev); err != nil {
			logger.Warn("failed to publish job failure", "job_id", job.ID, "error", err)
		}
	}
}
