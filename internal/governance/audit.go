package governance

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"adaptiverag/internal/models"
)

// messageWriter is the slice of kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes sealed governance summaries to a Kafka topic, keyed by
// trace id so one operation's records land in one partition.
type KafkaSink struct {
	writer messageWriter
	logger *logrus.Logger
}

// NewKafkaSink builds a sink for the given brokers and topic.
func NewKafkaSink(brokers []string, topic string, logger *logrus.Logger) *KafkaSink {
	if logger == nil {
		logger = logrus.New()
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	return &KafkaSink{writer: writer, logger: logger}
}

// Publish sends one summary. The caller treats failures as best-effort.
func (s *KafkaSink) Publish(ctx context.Context, summary *models.GovernanceSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}

	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(summary.TraceID),
		Value: data,
		Time:  time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to publish audit record: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
