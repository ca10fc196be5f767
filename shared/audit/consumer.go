package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pavitra93/go-brewery-tenancy/shared/models"
)

// Sink persists consumed events.
type Sink interface {
	Write(ctx context.Context, ev *models.AuditEvent) error
}

// GormSink inserts events into audit_events. Redelivered events are ignored.
type GormSink struct {
	db *gorm.DB
}

func NewGormSink(db *gorm.DB) *GormSink {
	return &GormSink{db: db}
}

func (s *GormSink) Write(ctx context.Context, ev *models.AuditEvent) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(ev).Error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer moves events from Kafka into a Sink. Offsets are committed only
// after the sink accepted the event, so delivery is at-least-once.
type Consumer struct {
	reader     messageReader
	sink       Sink
	log        logrus.FieldLogger
	maxRetries int
	retryDelay time.Duration
}

// NewConsumer reads topic as part of groupID.
func NewConsumer(broker, topic, groupID string, sink Sink, log logrus.FieldLogger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  []string{broker},
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})
	return newConsumer(reader, sink, log)
}

func newConsumer(reader messageReader, sink Sink, log logrus.FieldLogger) *Consumer {
	return &Consumer{
		reader:     reader,
		sink:       sink,
		log:        log,
		maxRetries: 5,
		retryDelay: time.Second,
	}
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info("audit consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			c.log.WithError(err).Error("error reading audit message")
			if !c.wait(ctx, c.retryDelay) {
				return nil
			}
			continue
		}

		if err := c.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// leave the offset uncommitted so the event is redelivered
			return fmt.Errorf("audit event at offset %d: %w", msg.Offset, err)
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.log.WithError(err).WithField("offset", msg.Offset).Warn("failed to commit audit offset")
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	var ev models.AuditEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil || ev.ID == "" {
		c.log.WithField("offset", msg.Offset).Warn("skipping malformed audit message")
		return nil
	}

	var err error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		if err = c.sink.Write(ctx, &ev); err == nil {
			return nil
		}
		c.log.WithError(err).WithFields(logrus.Fields{"audit_id": ev.ID, "attempt": attempt}).
			Warn("failed to store audit event")
		if !c.wait(ctx, c.retryDelay*time.Duration(attempt)) {
			return ctx.Err()
		}
	}
	return err
}

func (c *Consumer) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Close closes the reader.
func (c *Consumer) Close() error {
	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("failed to close audit reader: %w", err)
	}
	return nil
}
