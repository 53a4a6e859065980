package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

func quietLogger() *log.Entry {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger.WithField("component", "outbox-test")
}

func enqueue(t *testing.T, repo *memory.OutboxRepository, id, orderID string) {
	t.Helper()
	_, err := repo.Enqueue(context.Background(), domain.OutboxMessage{
		ID:            id,
		AggregateType: "order",
		AggregateID:   orderID,
		EventType:     string(domain.OrderEventStatusChanged),
		Payload:       []byte(`{"status":"shipped"}`),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

func noRetryDelay() Config {
	return Config{MaxAttempts: 3, RetryBaseDelay: 0}
}

func TestWorkerProcessOnceMarksSent(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutboxRepository()
	enqueue(t, repo, "msg-1", "order-1")
	enqueue(t, repo, "msg-2", "order-2")
	publisher := &stubPublisher{}

	worker := NewWorker(repo, publisher, noRetryDelay(),
		WithLogger(quietLogger()),
		WithMetrics(metrics.NewWorkerMetricsWithRegisterer(prometheus.NewRegistry())))

	if sent := worker.ProcessOnce(context.Background()); sent != 2 {
		t.Fatalf("expected 2 sent, got %d", sent)
	}
	if pending := repo.AllPending(); len(pending) != 0 {
		t.Fatalf("expected empty backlog, got %d", len(pending))
	}
	if got := publisher.ids(); len(got) != 2 || got[0] != "msg-1" || got[1] != "msg-2" {
		t.Fatalf("expected publish order [msg-1 msg-2], got %v", got)
	}
}

func TestWorkerDeadLettersAfterRetries(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutboxRepository()
	enqueue(t, repo, "msg-3", "order-3")
	publisher := &stubPublisher{err: errors.New("broker down")}
	deadLetter := &stubPublisher{}

	worker := NewWorker(repo, publisher, noRetryDelay(),
		WithLogger(quietLogger()),
		WithDeadLetter(deadLetter))

	if sent := worker.ProcessOnce(context.Background()); sent != 0 {
		t.Fatalf("expected nothing sent, got %d", sent)
	}
	if got := publisher.calls(); got != 3 {
		t.Fatalf("expected 3 publish attempts, got %d", got)
	}
	if pending := repo.AllPending(); len(pending) != 0 {
		t.Fatalf("failed message must leave the pending backlog, got %d", len(pending))
	}
	if got := deadLetter.calls(); got != 1 {
		t.Fatalf("expected 1 dead letter publish, got %d", got)
	}

	var envelope deadLetterEnvelope
	if err := json.Unmarshal(deadLetter.last().Payload, &envelope); err != nil {
		t.Fatalf("decode dead letter: %v", err)
	}
	if envelope.OutboxID != "msg-3" || envelope.AggregateID != "order-3" {
		t.Fatalf("unexpected dead letter envelope: %+v", envelope)
	}
	if envelope.Error == "" {
		t.Fatal("dead letter must carry the publish error")
	}
	if string(envelope.Payload) != `{"status":"shipped"}` {
		t.Fatalf("unexpected original payload %s", envelope.Payload)
	}
}

func TestWorkerSucceedsAfterRetry(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutboxRepository()
	enqueue(t, repo, "msg-4", "order-4")
	publisher := &stubPublisher{sequence: []error{errors.New("attempt 1"), errors.New("attempt 2"), nil}}

	worker := NewWorker(repo, publisher, noRetryDelay(), WithLogger(quietLogger()))

	if sent := worker.ProcessOnce(context.Background()); sent != 1 {
		t.Fatalf("expected 1 sent, got %d", sent)
	}
	if got := publisher.calls(); got != 3 {
		t.Fatalf("expected 3 publish attempts, got %d", got)
	}
}

func TestWorkerBackoff(t *testing.T) {
	worker := NewWorker(nil, nil, Config{RetryBaseDelay: 10 * time.Millisecond})

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: 10 * time.Millisecond},
		{attempt: 2, want: 20 * time.Millisecond},
		{attempt: 4, want: 80 * time.Millisecond},
		{attempt: 40, want: maxRetryDelay},
	}
	for _, tt := range tests {
		if got := worker.backoff(tt.attempt); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	if got := NewWorker(nil, nil, Config{}).backoff(3); got != defaultRetryBaseDelay*4 {
		t.Errorf("default backoff(3) = %v", got)
	}
}

func TestWorkerRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	worker := NewWorker(memory.NewOutboxRepository(), &stubPublisher{},
		Config{PollInterval: 5 * time.Millisecond}, WithLogger(quietLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	time.Sleep(15 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on context cancel")
	}
}

func TestWorkerRunWithoutPublisherReturns(t *testing.T) {
	worker := NewWorker(memory.NewOutboxRepository(), nil, Config{}, WithLogger(quietLogger()))

	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(context.Background())
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled worker must return immediately")
	}
}

type stubPublisher struct {
	mu        sync.Mutex
	err       error
	sequence  []error
	published []domain.OutboxMessage
	callCount int
}

func (s *stubPublisher) Publish(msg domain.OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.callCount++
	err := s.err
	if len(s.sequence) > 0 {
		err = s.sequence[0]
		s.sequence = s.sequence[1:]
	}
	if err == nil {
		s.published = append(s.published, msg)
	}
	return err
}

func (s *stubPublisher) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount
}

func (s *stubPublisher) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.published))
	for _, msg := range s.published {
		ids = append(ids, msg.ID)
	}
	return ids
}

func (s *stubPublisher) last() domain.OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.published[len(s.published)-1]
}

var _ domain.OutboxPublisher = (*stubPublisher)(nil)
