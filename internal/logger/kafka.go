package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// messageWriter is the part of *kafka.Writer used by KafkaSink.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes each record as a JSON message keyed by conversation id,
// so one conversation always lands on the same partition.
type KafkaSink struct {
	w     messageWriter
	topic string
}

// NewKafkaSink creates a synchronous writer for topic on brokers.
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("logger: kafka sink needs at least one broker")
	}
	if topic == "" {
		return nil, fmt.Errorf("logger: kafka sink needs a topic")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	return &KafkaSink{w: w, topic: topic}, nil
}

func (s *KafkaSink) Write(ctx context.Context, batch []ConversationRecord) error {
	msgs := make([]kafka.Message, 0, len(batch))
	for _, r := range batch {
		val, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("logger: encode %s: %w", r.ID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(r.ConversationID),
			Value: val,
			Time:  normalizeTime(r.Timestamp),
			Headers: []kafka.Header{
				{Key: "provider", Value: []byte(r.Provider)},
				{Key: "record-id", Value: []byte(r.ID)},
			},
		})
	}
	if err := s.w.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("logger: publish to %s: %w", s.topic, err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.w.Close()
}
