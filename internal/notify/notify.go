// Package notify publishes a summary of every sync run to an AMQP exchange
// so downstream jobs can react to fresh bronze data.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/civicdata/sf311-sync/internal/config"
	"github.com/civicdata/sf311-sync/internal/sync"
)

// Summary is the message body of a run notification
type Summary struct {
	RunID        string    `json:"runId"`
	Dataset      string    `json:"dataset"`
	Mode         string    `json:"mode"`
	Predicate    string    `json:"predicate"`
	Success      bool      `json:"success"`
	FailedOp     string    `json:"failedOp,omitempty"`
	Error        string    `json:"error,omitempty"`
	Fetched      int       `json:"fetched"`
	Inserted     int       `json:"inserted"`
	Updated      int       `json:"updated"`
	Unchanged    int       `json:"unchanged"`
	MissingID    int       `json:"missingId"`
	Watermark    string    `json:"watermark,omitempty"`
	Warnings     []string  `json:"warnings,omitempty"`
	StartedAt    time.Time `json:"startedAt"`
	FinishedAt   time.Time `json:"finishedAt"`
	DurationSecs float64   `json:"durationSeconds"`
}

// NewSummary builds the notification for a finished run
func NewSummary(dataset string, result *sync.Result, syncErr *sync.Error) Summary {
	s := Summary{
		Dataset: dataset,
		Success: syncErr == nil,
	}
	if result != nil {
		s.RunID = result.RunID
		s.Mode = string(result.Mode)
		s.Predicate = result.Predicate
		s.Fetched = result.Extract.Records
		s.Inserted = result.Load.Inserted
		s.Updated = result.Load.Updated
		s.Unchanged = result.Load.Unchanged
		s.MissingID = result.Load.MissingID
		s.Warnings = result.Warnings
		s.StartedAt = result.StartedAt
		s.FinishedAt = result.FinishedAt
		s.DurationSecs = result.Duration().Seconds()
		if result.Watermark.MaxUpdated != nil {
			s.Watermark = result.Watermark.MaxUpdated.String()
		}
	}
	if syncErr != nil {
		s.FailedOp = string(syncErr.Op)
		s.Error = syncErr.Error()
	}
	return s
}

// Publisher sends run summaries
type Publisher interface {
	Publish(ctx context.Context, summary Summary) error
	Close() error
}

// Channel is the subset of an AMQP channel used for publishing
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes persistent JSON messages to a topic exchange
type AMQPPublisher struct {
	conn       *amqp.Connection
	channel    Channel
	exchange   string
	routingKey string
}

var _ Publisher = (*AMQPPublisher)(nil)

// Dial connects to the broker and declares the exchange
func Dial(cfg *config.NotifyConfig) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	p, err := NewWithChannel(ch, cfg.GetExchange(), cfg.GetRoutingKey())
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

// NewWithChannel creates a publisher on an open channel
func NewWithChannel(ch Channel, exchange, routingKey string) (*AMQPPublisher, error) {
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}
	return &AMQPPublisher{
		channel:    ch,
		exchange:   exchange,
		routingKey: routingKey,
	}, nil
}

// Publish sends the summary. Failed runs use the ".failed" suffix on the routing key.
func (p *AMQPPublisher) Publish(ctx context.Context, summary Summary) error {
	body, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to encode run summary: %w", err)
	}

	key := p.routingKey
	if !summary.Success {
		key += ".failed"
	}

	err = p.channel.PublishWithContext(ctx, p.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    summary.RunID,
		Timestamp:    summary.FinishedAt,
		Type:         "sf311.sync.run",
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish run summary: %w", err)
	}

	slog.Debug("Published run summary", "exchange", p.exchange, "routing_key", key, "run_id", summary.RunID)
	return nil
}

// Close closes the channel and the connection
func (p *AMQPPublisher) Close() error {
	var err error
	if p.channel != nil {
		err = p.channel.Close()
	}
	if p.conn != nil {
		if cerr := p.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
