package export

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes one message per data row, keyed by event id, with the
// row as a JSON object keyed by header.
type KafkaSink struct {
	writer messageWriter
	now    func() time.Time
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
			BatchTimeout:           10 * time.Millisecond,
			ReadTimeout:            10 * time.Second,
			WriteTimeout:           10 * time.Second,
		},
		now: time.Now,
	}
}

func (s *KafkaSink) Append(ctx context.Context, rows [][]string) error {
	header, data := split(rows)
	if len(data) == 0 {
		return nil
	}
	now := s.now()
	msgs := make([]kafka.Message, len(data))
	for i, r := range data {
		value, err := json.Marshal(record(header, r))
		if err != nil {
			return fmt.Errorf("marshal row: %w", err)
		}
		msgs[i] = kafka.Message{Key: []byte(r[0]), Value: value, Time: now}
	}
	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write messages: %w", err)
	}
	return nil
}

func (s *KafkaSink) Close() error { return s.writer.Close() }
