package ingestion

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-engine/internal/models"
)

// MaxBatchSize bounds the transactions accepted in one request or file.
const MaxBatchSize = 1000

// LocationRequest is the wire form of a transaction location
type LocationRequest struct {
	Latitude  float64 `json:"latitude" binding:"min=-90,max=90"`
	Longitude float64 `json:"longitude" binding:"min=-180,max=180"`
	Country   string  `json:"country,omitempty"`
	City      string  `json:"city,omitempty"`
}

// TransactionRequest represents an incoming transaction request. Business
// rules such as a positive amount are checked by the scoring pipeline.
type TransactionRequest struct {
	TransactionID  string           `json:"transaction_id"`
	UserID         string           `json:"user_id" binding:"required"`
	Amount         float64          `json:"amount"`
	MerchantID     string           `json:"merchant_id" binding:"required"`
	Timestamp      *time.Time       `json:"timestamp"`
	Location       *LocationRequest `json:"location"`
	DeviceID       string           `json:"device_id"`
	CardNumberHash string           `json:"card_number_hash"`
	IPAddress      string           `json:"ip_address" binding:"omitempty,ip"`
}

// BatchTransactionRequest represents a batch of transactions
type BatchTransactionRequest struct {
	Transactions []TransactionRequest `json:"transactions" binding:"required,min=1,max=1000,dive"`
}

// ToTransaction builds the scoring input. A missing id gets a fresh UUID
// and a missing timestamp becomes now. A given timestamp keeps its offset so
// time features see the local wall clock.
func (r *TransactionRequest) ToTransaction(now time.Time) *models.Transaction {
	tx := &models.Transaction{
		TransactionID:  r.TransactionID,
		UserID:         r.UserID,
		Amount:         r.Amount,
		MerchantID:     r.MerchantID,
		DeviceID:       r.DeviceID,
		CardNumberHash: r.CardNumberHash,
		IPAddress:      r.IPAddress,
	}
	if tx.TransactionID == "" {
		tx.TransactionID = uuid.NewString()
	}
	if r.Timestamp != nil {
		tx.Timestamp = *r.Timestamp
	} else {
		tx.Timestamp = now.UTC()
	}
	if r.Location != nil {
		tx.Location = &models.Location{
			Latitude:  r.Location.Latitude,
			Longitude: r.Location.Longitude,
			Country:   r.Location.Country,
			City:      r.Location.City,
		}
	}
	return tx
}

// DecodeTransactions reads a JSON array, an object with a "transactions"
// array, or one JSON object per line.
func DecodeTransactions(r io.Reader) ([]TransactionRequest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("empty input")
	}

	var reqs []TransactionRequest
	switch data[0] {
	case '[':
		if err := json.Unmarshal(data, &reqs); err != nil {
			return nil, fmt.Errorf("invalid transaction array: %w", err)
		}
	case '{':
		var wrapper struct {
			Transactions *[]TransactionRequest `json:"transactions"`
		}
		if err := json.Unmarshal(data, &wrapper); err == nil && wrapper.Transactions != nil {
			reqs = *wrapper.Transactions
			break
		}
		reqs, err = decodeLines(data)
		if err != nil {
			return nil, err
		}
	default:
		return nil, errors.New("input must be a JSON array, an object or JSON lines")
	}

	if len(reqs) > MaxBatchSize {
		return nil, fmt.Errorf("batch of %d exceeds the limit of %d", len(reqs), MaxBatchSize)
	}
	return reqs, nil
}

func decodeLines(data []byte) ([]TransactionRequest, error) {
	var reqs []TransactionRequest
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		var req TransactionRequest
		if err := json.Unmarshal(text, &req); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		reqs = append(reqs, req)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read lines: %w", err)
	}
	return reqs, nil
}

// Publisher enqueues transaction events for asynchronous scoring
type Publisher interface {
	Publish(ctx context.Context, event *models.TransactionEvent) (string, error)
	PublishBatch(ctx context.Context, events []*models.TransactionEvent) ([]string, error)
}

// Enricher fills in transaction details the caller did not send.
type Enricher interface {
	Enrich(tx *models.Transaction)
}

// TransactionResponse represents the response after enqueueing a transaction
type TransactionResponse struct {
	TransactionID string    `json:"transaction_id"`
	MessageID     string    `json:"message_id"`
	Status        string    `json:"status"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
}

// BatchTransactionResponse represents the response for batch ingestion
type BatchTransactionResponse struct {
	Queued  int                   `json:"queued"`
	Results []TransactionResponse `json:"results"`
}

// IngestionService publishes transactions to the scoring stream
type IngestionService struct {
	publisher Publisher
	enricher  Enricher
	now       func() time.Time
}

// NewIngestionService creates a new ingestion service. enricher may be nil.
func NewIngestionService(publisher Publisher, enricher Enricher) *IngestionService {
	return &IngestionService{
		publisher: publisher,
		enricher:  enricher,
		now:       time.Now,
	}
}

// Prepare converts and enriches a request.
func (s *IngestionService) Prepare(req *TransactionRequest) *models.Transaction {
	tx := req.ToTransaction(s.now())
	if s.enricher != nil {
		s.enricher.Enrich(tx)
	}
	return tx
}

// IngestTransaction enqueues a single transaction
func (s *IngestionService) IngestTransaction(ctx context.Context, req *TransactionRequest, requestID string) (*TransactionResponse, error) {
	tx := s.Prepare(req)
	event := &models.TransactionEvent{
		Transaction: *tx,
		RequestID:   requestID,
		EnqueuedAt:  s.now().UTC(),
	}

	id, err := s.publisher.Publish(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue transaction: %w", err)
	}

	log.Info().
		Str("transaction_id", tx.TransactionID).
		Str("user_id", tx.UserID).
		Str("message_id", id).
		Msg("Transaction queued")

	return &TransactionResponse{
		TransactionID: tx.TransactionID,
		MessageID:     id,
		Status:        "queued",
		EnqueuedAt:    event.EnqueuedAt,
	}, nil
}

// IngestBatch enqueues multiple transactions in one pipeline
func (s *IngestionService) IngestBatch(ctx context.Context, req *BatchTransactionRequest, requestID string) (*BatchTransactionResponse, error) {
	startTime := time.Now()
	enqueuedAt := s.now().UTC()

	events := make([]*models.TransactionEvent, 0, len(req.Transactions))
	for i := range req.Transactions {
		events = append(events, &models.TransactionEvent{
			Transaction: *s.Prepare(&req.Transactions[i]),
			RequestID:   requestID,
			EnqueuedAt:  enqueuedAt,
		})
	}

	ids, err := s.publisher.PublishBatch(ctx, events)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue batch: %w", err)
	}

	response := &BatchTransactionResponse{
		Queued:  len(ids),
		Results: make([]TransactionResponse, 0, len(events)),
	}
	for i, event := range events {
		r := TransactionResponse{
			TransactionID: event.Transaction.TransactionID,
			Status:        "queued",
			EnqueuedAt:    enqueuedAt,
		}
		if i < len(ids) {
			r.MessageID = ids[i]
		}
		response.Results = append(response.Results, r)
	}

	log.Info().
		Int("total", len(events)).
		Dur("processing_time", time.Since(startTime)).
		Msg("Batch queued")

	return response, nil
}
