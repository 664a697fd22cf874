package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
	"github.com/yeremiapane/course-settlement/models"
	"github.com/yeremiapane/course-settlement/utils"
)

const DefaultEnrollmentTopic = "enrollment.activate"

// EnrollmentEvent tells the course service to unlock a course. Consumers
// must deduplicate on TransactionID.
type EnrollmentEvent struct {
	TransactionID string    `json:"transaction_id"`
	PayerID       string    `json:"payer_id"`
	ProductID     string    `json:"product_id"`
	Gateway       string    `json:"gateway"`
	FinalAmount   string    `json:"final_amount"`
	Currency      string    `json:"currency"`
	PaidAt        time.Time `json:"paid_at"`
}

// Producer publishes enrollment events. It satisfies the settlement
// service's EnrollmentActivator.
type Producer struct {
	producer sarama.SyncProducer
	topic    string
}

func newProducerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Idempotent = true
	config.Producer.Retry.Max = 5
	config.Net.MaxOpenRequests = 1
	return config
}

// NewProducer connects to the brokers, retrying a few times while they come up.
func NewProducer(brokers []string, topic string) (*Producer, error) {
	var (
		producer sarama.SyncProducer
		err      error
	)
	for i := 1; i <= 5; i++ {
		producer, err = sarama.NewSyncProducer(brokers, newProducerConfig())
		if err == nil {
			utils.InfoLogger.WithField("topic", topic).Info("Kafka producer initialized")
			return NewProducerWithClient(producer, topic), nil
		}
		utils.ErrorLogger.Warnf("Waiting for Kafka... (%d/5) Error: %v", i, err)
		time.Sleep(2 * time.Second)
	}
	return nil, fmt.Errorf("failed to start kafka producer: %w", err)
}

func NewProducerWithClient(producer sarama.SyncProducer, topic string) *Producer {
	if topic == "" {
		topic = DefaultEnrollmentTopic
	}
	return &Producer{producer: producer, topic: topic}
}

// Activate publishes the enrollment event keyed by transaction id, so every
// event of one payment lands on the same partition.
func (p *Producer) Activate(ctx context.Context, payment *models.Payment) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	event := EnrollmentEvent{
		TransactionID: payment.TransactionID,
		PayerID:       payment.PayerID,
		ProductID:     payment.ProductID,
		Gateway:       payment.GatewayName,
		FinalAmount:   payment.FinalAmount.String(),
		Currency:      payment.Currency,
	}
	if payment.PaidAt != nil {
		event.PaidAt = payment.PaidAt.UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal enrollment event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(payment.TransactionID),
		Value: sarama.ByteEncoder(data),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to publish enrollment event: %w", err)
	}

	utils.InfoLogger.WithFields(logrus.Fields{
		"topic":          p.topic,
		"partition":      partition,
		"offset":         offset,
		"transaction_id": payment.TransactionID,
	}).Info("Published enrollment event")
	return nil
}

func (p *Producer) Close() error {
	return p.producer.Close()
}
