package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterprise/fraud-engine/configs"
	"github.com/enterprise/fraud-engine/internal/models"
)

func newTestStream(t *testing.T) (*RedisStreamClient, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := configs.RedisConfig{
		StreamName:    "transactions",
		ResultStream:  "fraud_results",
		ConsumerGroup: "fraud-detector",
	}
	rsc, err := NewRedisStreamClientFromClient(context.Background(), client, cfg, "transactions-dlq")
	require.NoError(t, err)
	return rsc, client
}

func testEvent(id string) *models.TransactionEvent {
	return &models.TransactionEvent{
		Transaction: models.Transaction{
			TransactionID: id,
			UserID:        "user_1",
			Amount:        120,
			MerchantID:    "m_1",
			Timestamp:     time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC),
		},
		RequestID:  "req-1",
		EnqueuedAt: time.Date(2024, 3, 4, 12, 0, 1, 0, time.UTC),
	}
}

func TestRedisStream_PublishConsumeAck(t *testing.T) {
	rsc, _ := newTestStream(t)
	ctx := context.Background()

	_, err := rsc.Publish(ctx, testEvent("tx_1"))
	require.NoError(t, err)
	_, err = rsc.PublishBatch(ctx, []*models.TransactionEvent{testEvent("tx_2"), testEvent("tx_3")})
	require.NoError(t, err)

	msgs, err := rsc.Consume(ctx, "c1", 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "tx_1", msgs[0].Event.Transaction.TransactionID)
	assert.Equal(t, "req-1", msgs[0].Event.RequestID)

	pending, err := rsc.GetPendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), pending)

	ids := []string{msgs[0].ID, msgs[1].ID, msgs[2].ID}
	require.NoError(t, rsc.AcknowledgeBatch(ctx, ids))

	pending, err = rsc.GetPendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending)
}

func TestRedisStream_ConsumerGroupIdempotent(t *testing.T) {
	rsc, client := newTestStream(t)

	cfg := configs.RedisConfig{StreamName: "transactions", ConsumerGroup: "fraud-detector"}
	_, err := NewRedisStreamClientFromClient(context.Background(), client, cfg, "dlq")
	assert.NoError(t, err)
	assert.NotNil(t, rsc)
}

func TestRedisStream_PublishResult(t *testing.T) {
	rsc, client := newTestStream(t)
	ctx := context.Background()

	score := &models.RiskScore{TransactionID: "tx_1", RiskScore: 0.91, RiskLevel: models.RiskLevelCritical, IsFraud: true}
	require.NoError(t, rsc.PublishResult(ctx, testEvent("tx_1"), score))

	entries, err := client.XRange(ctx, "fraud_results", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "tx_1", entries[0].Values["transaction_id"])
	assert.Equal(t, "CRITICAL", entries[0].Values["risk_level"])
}

func TestRedisStream_DeadLetter(t *testing.T) {
	rsc, client := newTestStream(t)
	ctx := context.Background()

	require.NoError(t, rsc.SendToDeadLetter(ctx, testEvent("tx_bad"), errors.New("boom")))

	entries, err := client.XRange(ctx, "transactions-dlq", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "boom", entries[0].Values["error"])
}

func TestRedisStream_MalformedMessageIsDiscarded(t *testing.T) {
	rsc, client := newTestStream(t)
	ctx := context.Background()

	require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{
		Stream: "transactions",
		Values: map[string]interface{}{"data": "{not json"},
	}).Err())

	msgs, err := rsc.Consume(ctx, "c1", 10, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	dlq, err := client.XLen(ctx, "transactions-dlq").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), dlq)

	pending, err := rsc.GetPendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending)
}

func TestRedisStream_Info(t *testing.T) {
	rsc, _ := newTestStream(t)
	ctx := context.Background()

	_, err := rsc.Publish(ctx, testEvent("tx_1"))
	require.NoError(t, err)

	info, err := rsc.GetStreamInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.Length)
	assert.Equal(t, int64(0), info.PendingCount)
}
