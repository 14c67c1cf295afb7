package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	logx "cadence/pkg/logx"

	"github.com/segmentio/kafka-go"
)

const defaultTopic = "cadence.outcomes"

// kafkaStore produces one message per entry, keyed by group so a group's
// outcomes stay ordered within a partition.
type kafkaStore struct {
	log    logx.Logger
	writer *kafka.Writer

	mu     sync.Mutex
	closed bool
}

func openKafka(cfg Config, log logx.Logger) (Store, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return nil, errors.New("storage.brokers is required for kafka driver")
	}
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		topic = defaultTopic
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	log.Debug("kafka store opened", logx.String("topic", topic), logx.Strings("brokers", brokers))
	return &kafkaStore{log: log, writer: w}, nil
}

func (s *kafkaStore) Append(ctx context.Context, e Entry) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	msg := kafka.Message{
		Key:   []byte(e.Group),
		Value: e.Body,
		Time:  e.At,
		Headers: []kafka.Header{
			{Key: "id", Value: []byte(e.ID)},
			{Key: "status", Value: []byte(e.Status)},
			{Key: "run_id", Value: []byte(e.RunID)},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write to kafka: %w", err)
	}
	return nil
}

func (s *kafkaStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.writer.Close()
}
