package scoring

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterprise/fraud-engine/configs"
	"github.com/enterprise/fraud-engine/internal/models"
	"github.com/enterprise/fraud-engine/internal/queue"
)

type fakeStream struct {
	mu         sync.Mutex
	pending    []queue.StreamMessage
	published  []*models.TransactionEvent
	results    []*models.RiskScore
	acked      []string
	deadLetter []*models.TransactionEvent
}

func (s *fakeStream) Consume(ctx context.Context, _ string, count int64, block time.Duration) ([]queue.StreamMessage, error) {
	s.mu.Lock()
	if len(s.pending) > 0 {
		n := int(count)
		if n > len(s.pending) {
			n = len(s.pending)
		}
		out := s.pending[:n]
		s.pending = s.pending[n:]
		s.mu.Unlock()
		return out, nil
	}
	s.mu.Unlock()

	select {
	case <-time.After(block):
	case <-ctx.Done():
	}
	return nil, nil
}

func (s *fakeStream) Publish(_ context.Context, event *models.TransactionEvent) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, event)
	return "1-0", nil
}

func (s *fakeStream) PublishResult(_ context.Context, _ *models.TransactionEvent, score *models.RiskScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, score)
	return nil
}

func (s *fakeStream) AcknowledgeBatch(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, ids...)
	return nil
}

func (s *fakeStream) SendToDeadLetter(_ context.Context, event *models.TransactionEvent, _ error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetter = append(s.deadLetter, event)
	return nil
}

func (s *fakeStream) counts() (results, acked, dead, published int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results), len(s.acked), len(s.deadLetter), len(s.published)
}

// flakyProcessor fails transactions listed in failures with the given error.
type flakyProcessor struct {
	failures map[string]error
}

func (p flakyProcessor) Process(_ context.Context, tx *models.Transaction) (*models.RiskScore, error) {
	if err, ok := p.failures[tx.TransactionID]; ok {
		return nil, err
	}
	return &models.RiskScore{TransactionID: tx.TransactionID, IsFraud: tx.Amount > 1000}, nil
}

func message(id, txID string, amount float64, retries int) queue.StreamMessage {
	return queue.StreamMessage{
		ID: id,
		Event: &models.TransactionEvent{
			Transaction: models.Transaction{TransactionID: txID, UserID: "user_1", Amount: amount, Timestamp: testNow},
			RetryCount:  retries,
		},
	}
}

var testWorkerConfig = configs.WorkerConfig{
	Concurrency:   1,
	BatchSize:     10,
	PollInterval:  5 * time.Millisecond,
	RetryAttempts: 2,
}

func TestWorker_ProcessBatch(t *testing.T) {
	stream := &fakeStream{pending: []queue.StreamMessage{
		message("1-0", "tx_ok", 50, 0),
		message("2-0", "tx_fraud", 5000, 0),
		message("3-0", "tx_invalid", -1, 0),
		message("4-0", "tx_flaky", 50, 0),
		message("5-0", "tx_exhausted", 50, 2),
	}}
	processor := flakyProcessor{failures: map[string]error{
		"tx_invalid":   &ProcessingError{Err: &ValidationError{Field: "amount", Reason: "amount must be positive"}},
		"tx_flaky":     &ProcessingError{Err: errors.New("redis timeout")},
		"tx_exhausted": &ProcessingError{Err: errors.New("redis timeout")},
	}}
	w := NewWorker("test", processor, stream, testWorkerConfig)

	w.processBatch(context.Background(), "test-0")

	assert.Len(t, stream.results, 2)
	assert.Equal(t, []string{"1-0", "2-0", "3-0", "4-0", "5-0"}, stream.acked)

	require.Len(t, stream.published, 1)
	assert.Equal(t, "tx_flaky", stream.published[0].Transaction.TransactionID)
	assert.Equal(t, 1, stream.published[0].RetryCount)

	require.Len(t, stream.deadLetter, 2)
	assert.Equal(t, "tx_invalid", stream.deadLetter[0].Transaction.TransactionID)
	assert.Equal(t, "tx_exhausted", stream.deadLetter[1].Transaction.TransactionID)

	m := w.GetMetrics()
	assert.Equal(t, int64(2), m.ProcessedCount)
	assert.Equal(t, int64(1), m.FraudCount)
	assert.Equal(t, int64(3), m.FailedCount)
}

func TestWorker_StartStop(t *testing.T) {
	stream := &fakeStream{pending: []queue.StreamMessage{
		message("1-0", "tx_1", 50, 0),
		message("2-0", "tx_2", 60, 0),
	}}
	w := NewWorker("test", flakyProcessor{}, stream, testWorkerConfig)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	require.Eventually(t, func() bool {
		results, acked, _, _ := stream.counts()
		return results == 2 && acked == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestWorkerPool_AggregatedMetrics(t *testing.T) {
	stream := &fakeStream{pending: []queue.StreamMessage{
		message("1-0", "tx_1", 50, 0),
		message("2-0", "tx_2", 5000, 0),
	}}
	pool := NewWorkerPool(2, flakyProcessor{}, stream, testWorkerConfig)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Start(ctx) }()

	require.Eventually(t, func() bool {
		results, _, _, _ := stream.counts()
		return results == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	require.NoError(t, pool.Stop())

	m := pool.GetAggregatedMetrics()
	assert.Equal(t, int64(2), m["total_processed"])
	assert.Equal(t, int64(1), m["total_fraud"])
	assert.Equal(t, 2, m["active_workers"])
}
