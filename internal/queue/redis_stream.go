package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-engine/configs"
	"github.com/enterprise/fraud-engine/internal/models"
)

// pendingClaimIdle is how long a delivered message may stay unacknowledged
// before another consumer claims it.
const pendingClaimIdle = 30 * time.Second

// RedisStreamClient handles Redis Streams operations
type RedisStreamClient struct {
	client           *redis.Client
	streamName       string
	resultStream     string
	consumerGroup    string
	deadLetterStream string
}

// NewRedisStreamClient creates a new Redis stream client
func NewRedisStreamClient(ctx context.Context, cfg configs.RedisConfig, deadLetterStream string) (*RedisStreamClient, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	rsc, err := NewRedisStreamClientFromClient(pingCtx, client, cfg, deadLetterStream)
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	log.Info().Str("stream", cfg.StreamName).Msg("Redis Stream client initialized")
	return rsc, nil
}

// NewRedisStreamClientFromClient wraps an existing client and makes sure
// the consumer group exists.
func NewRedisStreamClientFromClient(ctx context.Context, client *redis.Client, cfg configs.RedisConfig, deadLetterStream string) (*RedisStreamClient, error) {
	rsc := &RedisStreamClient{
		client:           client,
		streamName:       cfg.StreamName,
		resultStream:     cfg.ResultStream,
		consumerGroup:    cfg.ConsumerGroup,
		deadLetterStream: deadLetterStream,
	}

	if err := rsc.createConsumerGroup(ctx); err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}
	return rsc, nil
}

// createConsumerGroup creates the stream and its consumer group if missing
func (r *RedisStreamClient) createConsumerGroup(ctx context.Context) error {
	err := r.client.XGroupCreateMkStream(ctx, r.streamName, r.consumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Publish publishes a transaction event to the stream
func (r *RedisStreamClient) Publish(ctx context.Context, event *models.TransactionEvent) (string, error) {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}

	msgID, err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.streamName,
		Values: map[string]interface{}{
			"data": string(eventJSON),
		},
	}).Result()

	if err != nil {
		return "", fmt.Errorf("failed to publish event: %w", err)
	}

	log.Debug().
		Str("message_id", msgID).
		Str("transaction_id", event.Transaction.TransactionID).
		Msg("Event published to stream")

	return msgID, nil
}

// PublishBatch publishes multiple events to the stream
func (r *RedisStreamClient) PublishBatch(ctx context.Context, events []*models.TransactionEvent) ([]string, error) {
	if len(events) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(events))

	for i, event := range events {
		eventJSON, err := json.Marshal(event)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event %d: %w", i, err)
		}

		cmds[i] = pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: r.streamName,
			Values: map[string]interface{}{
				"data": string(eventJSON),
			},
		})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to execute pipeline: %w", err)
	}

	msgIDs := make([]string, len(events))
	for i, cmd := range cmds {
		msgIDs[i] = cmd.Val()
	}

	log.Debug().
		Int("count", len(events)).
		Msg("Batch events published to stream")

	return msgIDs, nil
}

// PublishResult appends a scored result to the result stream
func (r *RedisStreamClient) PublishResult(ctx context.Context, event *models.TransactionEvent, score *models.RiskScore) error {
	scoreJSON, err := json.Marshal(score)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.resultStream,
		Values: map[string]interface{}{
			"transaction_id": score.TransactionID,
			"user_id":        event.Transaction.UserID,
			"request_id":     event.RequestID,
			"risk_level":     string(score.RiskLevel),
			"is_fraud":       score.IsFraud,
			"data":           string(scoreJSON),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish result: %w", err)
	}
	return nil
}

// Consume consumes events from the stream
func (r *RedisStreamClient) Consume(ctx context.Context, consumerName string, count int64, blockDuration time.Duration) ([]StreamMessage, error) {
	// Abandoned deliveries first
	pendingMessages, err := r.claimPendingMessages(ctx, consumerName, count)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to claim pending messages")
	}

	if len(pendingMessages) > 0 {
		return pendingMessages, nil
	}

	streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    r.consumerGroup,
		Consumer: consumerName,
		Streams:  []string{r.streamName, ">"},
		Count:    count,
		Block:    blockDuration,
	}).Result()

	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read from stream: %w", err)
	}

	var messages []StreamMessage
	for _, stream := range streams {
		messages = append(messages, r.parseMessages(ctx, stream.Messages)...)
	}

	return messages, nil
}

// claimPendingMessages claims messages that have been pending for too long
func (r *RedisStreamClient) claimPendingMessages(ctx context.Context, consumerName string, count int64) ([]StreamMessage, error) {
	pending, err := r.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: r.streamName,
		Group:  r.consumerGroup,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()

	if err != nil {
		return nil, err
	}

	var messageIDs []string
	for _, p := range pending {
		if p.Idle >= pendingClaimIdle {
			messageIDs = append(messageIDs, p.ID)
		}
	}

	if len(messageIDs) == 0 {
		return nil, nil
	}

	claimed, err := r.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   r.streamName,
		Group:    r.consumerGroup,
		Consumer: consumerName,
		MinIdle:  pendingClaimIdle,
		Messages: messageIDs,
	}).Result()

	if err != nil {
		return nil, err
	}

	return r.parseMessages(ctx, claimed), nil
}

// parseMessages decodes stream entries. Undecodable entries are moved to the
// dead letter stream and acknowledged so they are not redelivered forever.
func (r *RedisStreamClient) parseMessages(ctx context.Context, msgs []redis.XMessage) []StreamMessage {
	messages := make([]StreamMessage, 0, len(msgs))
	for _, msg := range msgs {
		event, err := parseMessage(msg)
		if err != nil {
			log.Error().Err(err).Str("message_id", msg.ID).Msg("Failed to parse message")
			r.discard(ctx, msg, err)
			continue
		}

		messages = append(messages, StreamMessage{
			ID:    msg.ID,
			Event: event,
		})
	}
	return messages
}

func (r *RedisStreamClient) discard(ctx context.Context, msg redis.XMessage, cause error) {
	raw, _ := msg.Values["data"].(string)
	err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.deadLetterStream,
		Values: map[string]interface{}{
			"data":  raw,
			"error": cause.Error(),
		},
	}).Err()
	if err != nil {
		log.Error().Err(err).Str("message_id", msg.ID).Msg("Failed to dead-letter malformed message")
		return
	}
	if err := r.Acknowledge(ctx, msg.ID); err != nil {
		log.Error().Err(err).Str("message_id", msg.ID).Msg("Failed to acknowledge malformed message")
	}
}

// parseMessage parses a Redis stream message into a TransactionEvent
func parseMessage(msg redis.XMessage) (*models.TransactionEvent, error) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		return nil, fmt.Errorf("invalid message format")
	}

	var event models.TransactionEvent
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	return &event, nil
}

// Acknowledge acknowledges a message as processed
func (r *RedisStreamClient) Acknowledge(ctx context.Context, messageID string) error {
	_, err := r.client.XAck(ctx, r.streamName, r.consumerGroup, messageID).Result()
	if err != nil {
		return fmt.Errorf("failed to acknowledge message: %w", err)
	}

	log.Debug().Str("message_id", messageID).Msg("Message acknowledged")
	return nil
}

// AcknowledgeBatch acknowledges multiple messages
func (r *RedisStreamClient) AcknowledgeBatch(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}

	_, err := r.client.XAck(ctx, r.streamName, r.consumerGroup, messageIDs...).Result()
	if err != nil {
		return fmt.Errorf("failed to acknowledge messages: %w", err)
	}

	log.Debug().Int("count", len(messageIDs)).Msg("Messages acknowledged")
	return nil
}

// SendToDeadLetter sends a failed message to the dead letter stream
func (r *RedisStreamClient) SendToDeadLetter(ctx context.Context, event *models.TransactionEvent, cause error) error {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, dlqErr := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.deadLetterStream,
		Values: map[string]interface{}{
			"data":  string(eventJSON),
			"error": cause.Error(),
		},
	}).Result()

	if dlqErr != nil {
		return fmt.Errorf("failed to send to dead letter: %w", dlqErr)
	}

	log.Warn().
		Str("transaction_id", event.Transaction.TransactionID).
		Err(cause).
		Msg("Message sent to dead letter queue")

	return nil
}

// GetStreamInfo returns information about the stream
func (r *RedisStreamClient) GetStreamInfo(ctx context.Context) (*StreamInfo, error) {
	length, err := r.client.XLen(ctx, r.streamName).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get stream length: %w", err)
	}

	pending, err := r.GetPendingCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending count: %w", err)
	}

	return &StreamInfo{
		Length:       length,
		PendingCount: pending,
	}, nil
}

// GetPendingCount returns the number of pending messages
func (r *RedisStreamClient) GetPendingCount(ctx context.Context) (int64, error) {
	pending, err := r.client.XPending(ctx, r.streamName, r.consumerGroup).Result()
	if err != nil {
		return 0, err
	}
	return pending.Count, nil
}

// Close closes the Redis client
func (r *RedisStreamClient) Close() error {
	return r.client.Close()
}

// StreamMessage represents a message from the stream
type StreamMessage struct {
	ID    string
	Event *models.TransactionEvent
}

// StreamInfo contains stream statistics
type StreamInfo struct {
	Length       int64 `json:"length"`
	PendingCount int64 `json:"pending_count"`
}
