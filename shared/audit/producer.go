package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/pavitra93/go-brewery-tenancy/shared/metrics"
	"github.com/pavitra93/go-brewery-tenancy/shared/models"
)

const (
	defaultQueueSize   = 1000
	defaultWorkerCount = 10
	writeTimeout       = 5 * time.Second
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaRecorder queues events on a buffered channel drained by a worker
// pool. A full queue drops the event.
type KafkaRecorder struct {
	writer  messageWriter
	topic   string
	events  chan *models.AuditEvent
	workers int
	done    chan struct{}
	wg      sync.WaitGroup
	log     logrus.FieldLogger
}

// NewKafkaRecorder starts a recorder writing to topic on broker.
func NewKafkaRecorder(broker, topic string, log logrus.FieldLogger) *KafkaRecorder {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(broker),
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		BatchSize:    100,
	}
	return newKafkaRecorder(writer, topic, defaultQueueSize, defaultWorkerCount, log)
}

func newKafkaRecorder(writer messageWriter, topic string, queueSize, workers int, log logrus.FieldLogger) *KafkaRecorder {
	r := &KafkaRecorder{
		writer:  writer,
		topic:   topic,
		events:  make(chan *models.AuditEvent, queueSize),
		workers: workers,
		done:    make(chan struct{}),
		log:     log,
	}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}
	log.WithField("workers", workers).Info("audit producer started")
	return r
}

// Record queues ev without blocking.
func (r *KafkaRecorder) Record(_ context.Context, ev *models.AuditEvent) {
	select {
	case r.events <- ev:
	default:
		metrics.AuditEventsDropped.Inc()
		r.log.WithFields(logrus.Fields{"action": ev.Action, "audit_id": ev.ID}).
			Warn("audit queue full, event dropped")
	}
}

func (r *KafkaRecorder) worker(id int) {
	defer r.wg.Done()
	for {
		select {
		case ev := <-r.events:
			r.send(id, ev)
		case <-r.done:
			// flush what is already queued
			for {
				select {
				case ev := <-r.events:
					r.send(id, ev)
				default:
					return
				}
			}
		}
	}
}

func (r *KafkaRecorder) send(worker int, ev *models.AuditEvent) {
	if err := r.write(ev); err != nil {
		r.log.WithError(err).WithFields(logrus.Fields{"worker": worker, "audit_id": ev.ID}).
			Error("failed to publish audit event")
	}
}

func (r *KafkaRecorder) write(ev *models.AuditEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	key := ev.ID
	headers := []kafka.Header{{Key: "action", Value: []byte(ev.Action)}}
	if ev.TenantID != nil {
		key = ev.TenantID.String()
		headers = append(headers, kafka.Header{Key: "tenant_id", Value: []byte(key)})
	}

	msg := kafka.Message{
		Topic:   r.topic,
		Key:     []byte(key),
		Value:   value,
		Headers: headers,
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return r.writer.WriteMessages(ctx, msg)
}

// Close stops the workers after the queue is flushed and closes the writer.
func (r *KafkaRecorder) Close() error {
	close(r.done)
	r.wg.Wait()
	if err := r.writer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka writer: %w", err)
	}
	r.log.Info("audit producer stopped")
	return nil
}
