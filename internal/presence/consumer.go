package presence

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-settlement/internal/models"
	"github.com/example/ride-settlement/internal/observability"
)

// Reader is the subset of *kafka.Reader the consumer uses.
type Reader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

func NewKafkaReader(brokers []string, topic, group string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
}

// Consumer reads DriverLocation messages and applies them through a Fanout.
type Consumer struct {
	reader     Reader
	fanout     *Fanout
	logger     *slog.Logger
	backoff    time.Duration
	maxBackoff time.Duration
}

func NewConsumer(r Reader, f *Fanout, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{reader: r, fanout: f, logger: logger, backoff: time.Second, maxBackoff: 30 * time.Second}
}

// Run consumes until ctx is cancelled. Read errors back off exponentially;
// bad messages are counted and skipped.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := c.backoff
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("kafka read error", "err", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			backoff *= 2
			if backoff > c.maxBackoff {
				backoff = c.maxBackoff
			}
			continue
		}
		backoff = c.backoff
		_ = c.Handle(ctx, m)
	}
}

// Handle decodes and applies one message.
func (c *Consumer) Handle(ctx context.Context, m kafka.Message) error {
	observability.PresenceMessages.WithLabelValues("consumed").Inc()
	var d models.DriverLocation
	if err := json.Unmarshal(m.Value, &d); err != nil {
		observability.PresenceMessages.WithLabelValues("invalid").Inc()
		c.logger.Warn("invalid presence message", "offset", m.Offset, "err", err)
		return err
	}
	if err := c.fanout.Apply(ctx, d); err != nil {
		if errors.Is(err, ErrInvalidLocation) {
			observability.PresenceMessages.WithLabelValues("invalid").Inc()
		} else {
			observability.PresenceMessages.WithLabelValues("failed").Inc()
		}
		return err
	}
	observability.PresenceMessages.WithLabelValues("applied").Inc()
	return nil
}

func (c *Consumer) Close() error { return c.reader.Close() }
