package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterprise/fraud-engine/internal/models"
)

func testAlert() *models.FraudAlert {
	return &models.FraudAlert{
		TransactionID: "tx_1",
		UserID:        "user_1",
		MerchantID:    "merchant_1",
		Amount:        25000,
		RiskScore:     0.93,
		RiskLevel:     models.RiskLevelCritical,
		Flags:         []string{"HIGH_AMOUNT", "NEW_DEVICE"},
		DetectedAt:    time.Date(2024, 3, 4, 13, 0, 0, 0, time.UTC),
	}
}

func TestKafkaPublisher_PublishAlert(t *testing.T) {
	producer := mocks.NewSyncProducer(t, NewProducerConfig())
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var got models.FraudAlert
		if err := json.Unmarshal(val, &got); err != nil {
			return err
		}
		if got.TransactionID != "tx_1" || got.RiskLevel != models.RiskLevelCritical {
			return errors.New("unexpected alert payload")
		}
		return nil
	})

	pub := NewKafkaPublisherFromProducer(producer, "fraud_alerts")
	require.NoError(t, pub.PublishAlert(context.Background(), testAlert()))
	require.NoError(t, pub.Close())
}

func TestKafkaPublisher_PublishAlertFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, NewProducerConfig())
	producer.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)

	pub := NewKafkaPublisherFromProducer(producer, "fraud_alerts")
	err := pub.PublishAlert(context.Background(), testAlert())
	require.Error(t, err)
	assert.ErrorIs(t, err, sarama.ErrNotLeaderForPartition)
	require.NoError(t, pub.Close())
}

func TestKafkaPublisher_CancelledContext(t *testing.T) {
	producer := mocks.NewSyncProducer(t, NewProducerConfig())
	pub := NewKafkaPublisherFromProducer(producer, "fraud_alerts")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, pub.PublishAlert(ctx, testAlert()), context.Canceled)
	require.NoError(t, pub.Close())
}
