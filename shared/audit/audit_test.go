package audit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/pavitra93/go-brewery-tenancy/shared/models"
)

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type memWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	block  chan struct{}
	closed bool
}

func (w *memWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.block != nil {
		<-w.block
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *memWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaRecorderPublishesKeyedByTenant(t *testing.T) {
	w := &memWriter{}
	r := newKafkaRecorder(w, "audit-events", 10, 2, discardLogger())

	tenantID, userID := uuid.New(), uuid.New()
	r.Record(context.Background(), NewEvent(ActionLogin, &userID, &tenantID))
	r.Record(context.Background(), NewEvent(ActionLogout, &userID, nil))
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if len(w.msgs) != 2 || !w.closed {
		t.Fatalf("published %d, closed=%v", len(w.msgs), w.closed)
	}
	for _, m := range w.msgs {
		var ev models.AuditEvent
		if err := json.Unmarshal(m.Value, &ev); err != nil {
			t.Fatalf("payload: %v", err)
		}
		if m.Topic != "audit-events" {
			t.Fatalf("topic = %q", m.Topic)
		}
		if ev.TenantID != nil && string(m.Key) != tenantID.String() {
			t.Fatalf("tenant event keyed by %q", m.Key)
		}
		if ev.TenantID == nil && string(m.Key) != ev.ID {
			t.Fatalf("tenantless event keyed by %q", m.Key)
		}
	}
}

func TestKafkaRecorderDropsWhenFull(t *testing.T) {
	w := &memWriter{block: make(chan struct{})}
	r := newKafkaRecorder(w, "audit-events", 1, 1, discardLogger())

	// first is taken by the blocked worker, second fills the queue, the rest drop
	for i := 0; i < 5; i++ {
		r.Record(context.Background(), NewEvent(ActionLogin, nil, nil))
	}
	close(w.block)
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if len(w.msgs) < 1 || len(w.msgs) > 2 {
		t.Fatalf("published %d, want 1 or 2", len(w.msgs))
	}
}

type scriptedReader struct {
	msgs      []kafka.Message
	committed []int64
	cancel    context.CancelFunc
}

func (r *scriptedReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.msgs) == 0 {
		r.cancel()
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

func (r *scriptedReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *scriptedReader) Close() error { return nil }

type flakySink struct {
	failures int
	stored   []string
}

func (s *flakySink) Write(_ context.Context, ev *models.AuditEvent) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("db unavailable")
	}
	s.stored = append(s.stored, ev.ID)
	return nil
}

func TestConsumerStoresRetriesAndSkipsMalformed(t *testing.T) {
	ev := NewEvent(ActionTenantCreated, nil, nil)
	payload, _ := json.Marshal(ev)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reader := &scriptedReader{
		msgs: []kafka.Message{
			{Offset: 1, Value: []byte("{not json")},
			{Offset: 2, Value: payload},
		},
		cancel: cancel,
	}
	sink := &flakySink{failures: 2}
	c := newConsumer(reader, sink, discardLogger())
	c.retryDelay = 0

	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(sink.stored) != 1 || sink.stored[0] != ev.ID {
		t.Fatalf("stored = %v", sink.stored)
	}
	if len(reader.committed) != 2 {
		t.Fatalf("committed = %v", reader.committed)
	}
}

func TestConsumerDoesNotCommitUnstoredEvent(t *testing.T) {
	payload, _ := json.Marshal(NewEvent(ActionLogin, nil, nil))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reader := &scriptedReader{msgs: []kafka.Message{{Offset: 7, Value: payload}}, cancel: cancel}
	c := newConsumer(reader, &flakySink{failures: 100}, discardLogger())
	c.retryDelay = 0

	if err := c.Run(ctx); err == nil {
		t.Fatal("expected error after retries")
	}
	if len(reader.committed) != 0 {
		t.Fatalf("committed = %v", reader.committed)
	}
}

func TestGormSinkIgnoresDuplicates(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer sqlDB.Close()
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatal(err)
	}

	mock.ExpectExec(`INSERT INTO "audit_events" .* ON CONFLICT DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := NewGormSink(db).Write(context.Background(), NewEvent(ActionLogin, nil, nil)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
