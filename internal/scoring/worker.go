package scoring

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-engine/configs"
	"github.com/enterprise/fraud-engine/internal/metrics"
	"github.com/enterprise/fraud-engine/internal/models"
	"github.com/enterprise/fraud-engine/internal/queue"
)

// TransactionProcessor scores a single transaction.
type TransactionProcessor interface {
	Process(ctx context.Context, tx *models.Transaction) (*models.RiskScore, error)
}

// EventStream is the queue a Worker consumes from and reports to.
type EventStream interface {
	Consume(ctx context.Context, consumerName string, count int64, block time.Duration) ([]queue.StreamMessage, error)
	Publish(ctx context.Context, event *models.TransactionEvent) (string, error)
	PublishResult(ctx context.Context, event *models.TransactionEvent, score *models.RiskScore) error
	AcknowledgeBatch(ctx context.Context, messageIDs []string) error
	SendToDeadLetter(ctx context.Context, event *models.TransactionEvent, cause error) error
}

// Worker processes transaction events from the queue
type Worker struct {
	id        string
	processor TransactionProcessor
	stream    EventStream
	config    configs.WorkerConfig
	wg        sync.WaitGroup
	stopCh    chan struct{}
	stopOnce  sync.Once
	metrics   *WorkerMetrics
}

// WorkerMetrics tracks worker performance
type WorkerMetrics struct {
	mu                sync.RWMutex
	ProcessedCount    int64
	FraudCount        int64
	FailedCount       int64
	TotalProcessingMs int64
	LastProcessedAt   time.Time
}

// NewWorker creates a new scoring worker
func NewWorker(id string, processor TransactionProcessor, stream EventStream, config configs.WorkerConfig) *Worker {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 10
	}
	return &Worker{
		id:        id,
		processor: processor,
		stream:    stream,
		config:    config,
		stopCh:    make(chan struct{}),
		metrics:   &WorkerMetrics{},
	}
}

// Start runs the consumer goroutines and blocks until ctx is done or Stop
// is called.
func (w *Worker) Start(ctx context.Context) error {
	log.Info().
		Str("worker_id", w.id).
		Int("concurrency", w.config.Concurrency).
		Msg("Starting scoring worker")

	for i := 0; i < w.config.Concurrency; i++ {
		w.wg.Add(1)
		go w.processLoop(ctx, fmt.Sprintf("%s-%d", w.id, i))
	}

	select {
	case <-ctx.Done():
		log.Info().Str("worker_id", w.id).Msg("Context cancelled")
	case <-w.stopCh:
	}

	return w.Stop()
}

// Stop stops the worker gracefully
func (w *Worker) Stop() error {
	w.stopOnce.Do(func() {
		log.Info().Str("worker_id", w.id).Msg("Stopping worker...")
		close(w.stopCh)
	})
	w.wg.Wait()
	log.Info().Str("worker_id", w.id).Msg("Worker stopped")
	return nil
}

// processLoop is the main processing loop for a worker goroutine
func (w *Worker) processLoop(ctx context.Context, consumerName string) {
	defer w.wg.Done()

	log.Info().Str("consumer", consumerName).Msg("Worker goroutine started")

	for {
		select {
		case <-w.stopCh:
			log.Info().Str("consumer", consumerName).Msg("Worker goroutine stopping")
			return
		case <-ctx.Done():
			return
		default:
			w.processBatch(ctx, consumerName)
		}
	}
}

// processBatch processes a batch of messages from the queue
func (w *Worker) processBatch(ctx context.Context, consumerName string) {
	messages, err := w.stream.Consume(ctx, consumerName, int64(w.config.BatchSize), w.config.PollInterval)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Error().Err(err).Str("consumer", consumerName).Msg("Failed to consume messages")
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
		case <-w.stopCh:
		}
		return
	}

	if len(messages) == 0 {
		return
	}

	log.Debug().
		Str("consumer", consumerName).
		Int("count", len(messages)).
		Msg("Processing batch")

	ackIDs := make([]string, 0, len(messages))
	for _, msg := range messages {
		if err := w.processMessage(ctx, msg); err != nil {
			log.Error().
				Err(err).
				Str("message_id", msg.ID).
				Str("transaction_id", msg.Event.Transaction.TransactionID).
				Msg("Failed to process message")
			w.handleFailure(ctx, msg.Event, err)
		}
		ackIDs = append(ackIDs, msg.ID)
	}

	if err := w.stream.AcknowledgeBatch(ctx, ackIDs); err != nil {
		log.Error().Err(err).Msg("Failed to acknowledge messages")
	}
}

// handleFailure requeues a failed event until its retries run out. Invalid
// transactions go straight to the dead letter stream.
func (w *Worker) handleFailure(ctx context.Context, event *models.TransactionEvent, cause error) {
	w.metrics.mu.Lock()
	w.metrics.FailedCount++
	w.metrics.mu.Unlock()

	if !errors.Is(cause, ErrValidation) && event.RetryCount < w.config.RetryAttempts {
		event.RetryCount++
		if _, err := w.stream.Publish(ctx, event); err != nil {
			log.Error().Err(err).Msg("Failed to requeue message")
		}
		metrics.WorkerMessagesTotal.WithLabelValues("redis", "retried").Inc()
		return
	}

	if err := w.stream.SendToDeadLetter(ctx, event, cause); err != nil {
		log.Error().Err(err).Msg("Failed to send to dead letter queue")
	}
	metrics.WorkerMessagesTotal.WithLabelValues("redis", "dead_lettered").Inc()
}

// processMessage processes a single message
func (w *Worker) processMessage(ctx context.Context, msg queue.StreamMessage) error {
	startTime := time.Now()

	score, err := w.processor.Process(ctx, &msg.Event.Transaction)
	if err != nil {
		return fmt.Errorf("scoring failed: %w", err)
	}

	if err := w.stream.PublishResult(ctx, msg.Event, score); err != nil {
		log.Error().Err(err).Str("transaction_id", score.TransactionID).Msg("Failed to publish result")
	}

	processingTime := time.Since(startTime)

	w.metrics.mu.Lock()
	w.metrics.ProcessedCount++
	if score.IsFraud {
		w.metrics.FraudCount++
	}
	w.metrics.TotalProcessingMs += processingTime.Milliseconds()
	w.metrics.LastProcessedAt = time.Now()
	w.metrics.mu.Unlock()

	metrics.WorkerMessagesTotal.WithLabelValues("redis", "processed").Inc()
	return nil
}

// GetMetrics returns the worker metrics
func (w *Worker) GetMetrics() WorkerMetrics {
	w.metrics.mu.RLock()
	defer w.metrics.mu.RUnlock()
	return WorkerMetrics{
		ProcessedCount:    w.metrics.ProcessedCount,
		FraudCount:        w.metrics.FraudCount,
		FailedCount:       w.metrics.FailedCount,
		TotalProcessingMs: w.metrics.TotalProcessingMs,
		LastProcessedAt:   w.metrics.LastProcessedAt,
	}
}

// WorkerPool manages multiple workers
type WorkerPool struct {
	workers []*Worker
	wg      sync.WaitGroup
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(
	numWorkers int,
	processor TransactionProcessor,
	stream EventStream,
	config configs.WorkerConfig,
) *WorkerPool {
	pool := &WorkerPool{
		workers: make([]*Worker, numWorkers),
	}

	for i := 0; i < numWorkers; i++ {
		pool.workers[i] = NewWorker(
			fmt.Sprintf("worker-%d", i),
			processor,
			stream,
			config,
		)
	}

	return pool
}

// Start starts all workers and blocks until ctx is done or a worker fails.
func (p *WorkerPool) Start(ctx context.Context) error {
	log.Info().Int("num_workers", len(p.workers)).Msg("Starting worker pool")

	errCh := make(chan error, len(p.workers))

	for _, worker := range p.workers {
		w := worker
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if err := w.Start(ctx); err != nil {
				errCh <- err
			}
		}()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop stops all workers in the pool
func (p *WorkerPool) Stop() error {
	log.Info().Msg("Stopping worker pool")

	for _, worker := range p.workers {
		if err := worker.Stop(); err != nil {
			log.Error().Err(err).Str("worker_id", worker.id).Msg("Failed to stop worker")
		}
	}

	p.wg.Wait()
	log.Info().Msg("Worker pool stopped")
	return nil
}

// GetAggregatedMetrics returns aggregated metrics from all workers
func (p *WorkerPool) GetAggregatedMetrics() map[string]interface{} {
	var totalProcessed, totalFraud, totalFailed, totalProcessingMs int64
	var lastProcessedAt time.Time

	for _, worker := range p.workers {
		m := worker.GetMetrics()
		totalProcessed += m.ProcessedCount
		totalFraud += m.FraudCount
		totalFailed += m.FailedCount
		totalProcessingMs += m.TotalProcessingMs
		if m.LastProcessedAt.After(lastProcessedAt) {
			lastProcessedAt = m.LastProcessedAt
		}
	}

	avgProcessingMs := float64(0)
	if totalProcessed > 0 {
		avgProcessingMs = float64(totalProcessingMs) / float64(totalProcessed)
	}

	return map[string]interface{}{
		"total_processed":   totalProcessed,
		"total_fraud":       totalFraud,
		"total_failed":      totalFailed,
		"avg_processing_ms": avgProcessingMs,
		"last_processed_at": lastProcessedAt,
		"active_workers":    len(p.workers),
	}
}
