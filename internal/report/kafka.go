package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

const kafkaWriteTimeout = 10 * time.Second

// ErrKafkaConfig is returned when a Kafka sink is missing brokers or a topic.
var ErrKafkaConfig = errors.New("kafka sink requires brokers and a topic")

// messageWriter is the part of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes each report as a JSON event keyed by run id, so every
// event for a run lands on the same partition.
type KafkaSink struct {
	writer messageWriter
	topic  string
}

// NewKafkaSink creates a sink writing to topic on brokers.
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, ErrKafkaConfig
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		WriteTimeout:           kafkaWriteTimeout,
	}

	return &KafkaSink{writer: w, topic: topic}, nil
}

// Name implements Sink.
func (s *KafkaSink) Name() string {
	return "kafka"
}

// Publish implements Sink.
func (s *KafkaSink) Publish(ctx context.Context, r RunReport) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode run report: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(r.RunID),
		Value: payload,
		Time:  r.FinishedAt,
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte("application/json")},
			{Key: "run-status", Value: []byte(r.Status)},
		},
	}

	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish run report to %s: %w", s.topic, err)
	}

	return nil
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
