package ingestion

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterprise/fraud-engine/internal/models"
)

func TestDecodeTransactions(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{
			name:  "array",
			input: `[{"transaction_id":"a","user_id":"u"},{"transaction_id":"b","user_id":"u"}]`,
			want:  []string{"a", "b"},
		},
		{
			name:  "wrapper",
			input: `{"transactions":[{"transaction_id":"a","user_id":"u"}]}`,
			want:  []string{"a"},
		},
		{
			name:  "json lines",
			input: "{\"transaction_id\":\"a\"}\n\n{\"transaction_id\":\"b\"}\n",
			want:  []string{"a", "b"},
		},
		{
			name:  "single object",
			input: `{"transaction_id":"a","user_id":"u"}`,
			want:  []string{"a"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reqs, err := DecodeTransactions(strings.NewReader(tt.input))
			require.NoError(t, err)
			var ids []string
			for _, r := range reqs {
				ids = append(ids, r.TransactionID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestDecodeTransactions_Errors(t *testing.T) {
	for _, input := range []string{"", "   ", "not json", "[{]", "{\"transaction_id\":\"a\"}\n{broken"} {
		_, err := DecodeTransactions(strings.NewReader(input))
		assert.Error(t, err, input)
	}

	big := "[" + strings.TrimSuffix(strings.Repeat(`{"user_id":"u"},`, MaxBatchSize+1), ",") + "]"
	_, err := DecodeTransactions(strings.NewReader(big))
	assert.Error(t, err)
}

func TestToTransaction(t *testing.T) {
	now := time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)
	req := &TransactionRequest{
		UserID:     "u",
		Amount:     10,
		MerchantID: "m",
		Location:   &LocationRequest{Latitude: 40.7, Longitude: -74},
	}

	tx := req.ToTransaction(now)
	assert.NotEmpty(t, tx.TransactionID)
	assert.Equal(t, now, tx.Timestamp)
	require.NotNil(t, tx.Location)
	assert.Equal(t, 40.7, tx.Location.Latitude)
	assert.False(t, tx.HasDevice())

	ts := now.Add(-time.Hour)
	req.Timestamp = &ts
	req.TransactionID = "tx_1"
	req.DeviceID = "d"
	tx = req.ToTransaction(now)
	assert.Equal(t, "tx_1", tx.TransactionID)
	assert.Equal(t, ts, tx.Timestamp)
	assert.True(t, tx.HasDevice())
}

func TestToTransaction_KeepsOffset(t *testing.T) {
	reqs, err := DecodeTransactions(strings.NewReader(
		`[{"transaction_id": "tx_1", "user_id": "u", "amount": 10, "merchant_id": "m", "timestamp": "2024-03-04T03:00:00-05:00"}]`))
	require.NoError(t, err)
	require.Len(t, reqs, 1)

	tx := reqs[0].ToTransaction(time.Now())
	assert.Equal(t, 3, tx.Timestamp.Hour())
	assert.Equal(t, time.Monday, tx.Timestamp.Weekday())
	assert.True(t, tx.Timestamp.Equal(time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)))
}

type recordingPublisher struct {
	events []*models.TransactionEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e *models.TransactionEvent) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	p.events = append(p.events, e)
	return "1-0", nil
}

func (p *recordingPublisher) PublishBatch(_ context.Context, events []*models.TransactionEvent) ([]string, error) {
	if p.err != nil {
		return nil, p.err
	}
	ids := make([]string, len(events))
	for i, e := range events {
		p.events = append(p.events, e)
		ids[i] = "id"
	}
	return ids, nil
}

type countryEnricher struct{}

func (countryEnricher) Enrich(tx *models.Transaction) {
	if tx.Location == nil {
		tx.Location = &models.Location{Country: "US"}
	}
}

func TestIngestionService(t *testing.T) {
	pub := &recordingPublisher{}
	svc := NewIngestionService(pub, countryEnricher{})
	ctx := context.Background()

	resp, err := svc.IngestTransaction(ctx, &TransactionRequest{TransactionID: "tx_1", UserID: "u", Amount: 5, MerchantID: "m"}, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "tx_1", resp.TransactionID)
	assert.Equal(t, "queued", resp.Status)
	require.Len(t, pub.events, 1)
	assert.Equal(t, "req-1", pub.events[0].RequestID)
	assert.Equal(t, "US", pub.events[0].Transaction.Location.Country)

	batch, err := svc.IngestBatch(ctx, &BatchTransactionRequest{Transactions: []TransactionRequest{
		{UserID: "u", MerchantID: "m", Amount: 1},
		{UserID: "u", MerchantID: "m", Amount: 2},
	}}, "req-2")
	require.NoError(t, err)
	assert.Equal(t, 2, batch.Queued)
	assert.Len(t, batch.Results, 2)

	pub.err = errors.New("redis down")
	_, err = svc.IngestTransaction(ctx, &TransactionRequest{UserID: "u", MerchantID: "m", Amount: 1}, "")
	assert.Error(t, err)
}
