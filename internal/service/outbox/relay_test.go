package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/storage/memory"
)

func newTestRelay(repo domain.OutboxRepository, publisher domain.OutboxPublisher, opts ...Option) *Relay {
	opts = append([]Option{
		WithRegisterer(prometheus.NewRegistry()),
		WithRetryBaseDelay(0),
		WithMaxAttempts(3),
	}, opts...)
	return NewRelay(repo, publisher, opts...)
}

func orderCreatedMessage(id string) domain.OutboxMessage {
	return domain.OutboxMessage{
		ID:            id,
		AggregateType: domain.AggregateTypeOrder,
		AggregateID:   "order-" + id,
		EventType:     domain.EventTypeOrderCreated,
		Payload:       []byte(`{"order_id":"order-` + id + `"}`),
	}
}

func TestRelay_ProcessOnce_MarkSent(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{pending: []domain.OutboxMessage{orderCreatedMessage("msg-1")}}
	publisher := &stubPublisher{}

	sent := newTestRelay(repo, publisher).ProcessOnce(context.Background())

	if sent != 1 {
		t.Fatalf("expected 1 sent message, got %d", sent)
	}
	if len(repo.sentIDs) != 1 || repo.sentIDs[0] != "msg-1" {
		t.Fatalf("expected msg-1 marked as sent, got %v", repo.sentIDs)
	}
	if len(repo.failedIDs) != 0 {
		t.Fatalf("expected no failed marks, got %v", repo.failedIDs)
	}
	if got := publisher.calls(); got != 1 {
		t.Fatalf("expected 1 publish call, got %d", got)
	}
}

func TestRelay_ProcessOnce_MarkFailedAndDLQAfterRetries(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{pending: []domain.OutboxMessage{orderCreatedMessage("msg-2")}}
	publisher := &stubPublisher{err: errors.New("broker unavailable")}
	dlq := &stubPublisher{}

	sent := newTestRelay(repo, publisher, WithDLQPublisher(dlq)).ProcessOnce(context.Background())

	if sent != 0 {
		t.Fatalf("expected 0 sent messages, got %d", sent)
	}
	if got := publisher.calls(); got != 3 {
		t.Fatalf("expected 3 publish attempts, got %d", got)
	}
	if len(repo.failedIDs) != 1 || repo.failedIDs[0] != "msg-2" {
		t.Fatalf("expected msg-2 marked as failed, got %v", repo.failedIDs)
	}
	if got := dlq.calls(); got != 1 {
		t.Fatalf("expected 1 DLQ publish, got %d", got)
	}

	var letter DeadLetter
	if err := json.Unmarshal(dlq.last().Payload, &letter); err != nil {
		t.Fatalf("decode dead letter: %v", err)
	}
	if letter.OutboxID != "msg-2" || letter.EventType != domain.EventTypeOrderCreated {
		t.Fatalf("unexpected dead letter: %+v", letter)
	}
	if letter.PublishError == "" {
		t.Fatal("expected publish error in dead letter")
	}
	if string(letter.Payload) != `{"order_id":"order-msg-2"}` {
		t.Fatalf("expected original payload embedded, got %s", letter.Payload)
	}
}

func TestRelay_ProcessOnce_SuccessAfterRetry(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{pending: []domain.OutboxMessage{orderCreatedMessage("msg-3")}}
	publisher := &stubPublisher{
		sequenceErrors: []error{errors.New("attempt 1"), errors.New("attempt 2"), nil},
	}

	newTestRelay(repo, publisher).ProcessOnce(context.Background())

	if got := publisher.calls(); got != 3 {
		t.Fatalf("expected 3 publish attempts, got %d", got)
	}
	if len(repo.sentIDs) != 1 {
		t.Fatalf("expected 1 sent mark, got %d", len(repo.sentIDs))
	}
	if len(repo.failedIDs) != 0 {
		t.Fatalf("expected 0 failed marks, got %d", len(repo.failedIDs))
	}
}

func TestRelay_ProcessOnce_DrainsMemoryOutbox(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if _, err := store.Outbox().Enqueue(ctx, orderCreatedMessage(id)); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}

	publisher := &stubPublisher{}
	relay := newTestRelay(store.Outbox(), publisher, WithBatchSize(2))

	if sent := relay.ProcessOnce(ctx); sent != 2 {
		t.Fatalf("expected first batch of 2, got %d", sent)
	}
	if sent := relay.ProcessOnce(ctx); sent != 1 {
		t.Fatalf("expected second batch of 1, got %d", sent)
	}

	stats, err := store.Outbox().Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.PendingCount != 0 {
		t.Fatalf("expected empty backlog, got %d", stats.PendingCount)
	}
}

func TestRelay_Run_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	relay := newTestRelay(&stubOutboxRepo{}, &stubPublisher{}, WithPollInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		relay.Run(ctx)
	}()

	time.Sleep(15 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("relay did not stop on context cancel")
	}
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	base := 10 * time.Millisecond
	cases := map[int]time.Duration{1: base, 2: 2 * base, 3: 4 * base}
	for attempt, want := range cases {
		if got := backoff(base, attempt); got != want {
			t.Fatalf("attempt %d: expected %s, got %s", attempt, want, got)
		}
	}
	if got := backoff(0, 5); got != 0 {
		t.Fatalf("expected zero delay for zero base, got %s", got)
	}
}

type stubOutboxRepo struct {
	mu        sync.Mutex
	pending   []domain.OutboxMessage
	sentIDs   []string
	failedIDs []string
}

func (s *stubOutboxRepo) Enqueue(_ context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, msg)
	return msg, nil
}

func (s *stubOutboxRepo) PullPending(_ context.Context, limit int) ([]domain.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit >= len(s.pending) {
		return append([]domain.OutboxMessage(nil), s.pending...), nil
	}
	return append([]domain.OutboxMessage(nil), s.pending[:limit]...), nil
}

func (s *stubOutboxRepo) Stats(_ context.Context) (domain.OutboxStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := domain.OutboxStats{PendingCount: len(s.pending)}
	if len(s.pending) > 0 {
		stats.OldestPendingAt = time.Now().UTC().Add(-time.Second)
	}
	return stats, nil
}

func (s *stubOutboxRepo) MarkSent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sentIDs = append(s.sentIDs, id)
	return nil
}

func (s *stubOutboxRepo) MarkFailed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failedIDs = append(s.failedIDs, id)
	return nil
}

type stubPublisher struct {
	mu             sync.Mutex
	err            error
	sequenceErrors []error
	published      []domain.OutboxMessage
}

func (s *stubPublisher) Publish(_ context.Context, msg domain.OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.published = append(s.published, msg)
	if len(s.sequenceErrors) > 0 {
		err := s.sequenceErrors[0]
		s.sequenceErrors = s.sequenceErrors[1:]
		return err
	}
	return s.err
}

func (s *stubPublisher) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.published)
}

func (s *stubPublisher) last() domain.OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.published[len(s.published)-1]
}

var _ domain.OutboxRepository = (*stubOutboxRepo)(nil)
var _ domain.OutboxPublisher = (*stubPublisher)(nil)
