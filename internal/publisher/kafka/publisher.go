// Package kafka publishes artifact notifications to Kafka topics.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Keyed payloads choose their own partition key.
type Keyed interface {
	MessageKey() string
}

// Publisher wraps a kafka-go writer. The writer carries no default topic, so
// each message names its own.
type Publisher struct {
	writer messageWriter
	now    func() time.Time
}

// New creates a Publisher for the given brokers.
func New(brokers []string) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("notify.brokers is required for kafka")
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: false,
		},
		now: time.Now,
	}, nil
}

// NewWithWriter builds a publisher using a custom writer (tests).
func NewWithWriter(writer messageWriter) *Publisher {
	return &Publisher{writer: writer, now: time.Now}
}

// Publish writes payload as JSON and returns "<topic>/<key>".
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p == nil || p.writer == nil {
		return "", errors.New("kafka publisher is not configured")
	}
	if topic == "" {
		return "", errors.New("kafka topic is required")
	}
	value, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	var key string
	if k, ok := payload.(Keyed); ok {
		key = k.MessageKey()
	}
	msg := kafka.Message{
		Topic: topic,
		Value: value,
		Time:  p.now().UTC(),
	}
	if key != "" {
		msg.Key = []byte(key)
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return "", fmt.Errorf("write kafka message: %w", err)
	}
	return topic + "/" + key, nil
}

// Close shuts down the underlying writer.
func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
