// Package publish implements the event.Publisher contract against real
// downstream buses (Kafka, NATS) plus an in-process implementation for
// tests.
package publish

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/IBM/sarama"
	event "github.com/riverchime/scheduler"
)

// wireMessage is the payload shape written to the topic: the event's
// name travels in the topic itself, so only payload and metadata need
// to cross the wire alongside identifying fields useful for tracing a
// delivery back to its ScheduledEvent.
type wireMessage struct {
	ID       string            `json:"id"`
	Payload  []byte            `json:"payload"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// KafkaPublisher publishes fired events to a Kafka topic named after the
// event's Name field, using a synchronous producer for at-least-once
// delivery semantics.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	prefix   string
	logger   *slog.Logger
}

// NewKafkaPublisher creates a publisher on top of an already-connected
// sarama.Client. topicPrefix is prepended to the event's Name to derive
// the topic, e.g. prefix "sched." + name "orders.reminder" ->
// "sched.orders.reminder".
func NewKafkaPublisher(client sarama.Client, topicPrefix string) (*KafkaPublisher, error) {
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		return nil, err
	}
	return &KafkaPublisher{
		producer: producer,
		prefix:   topicPrefix,
		logger:   slog.Default().With("component", "publish.kafka"),
	}, nil
}

func (p *KafkaPublisher) Publish(_ context.Context, ev *event.ScheduledEvent) error {
	data, err := json.Marshal(&wireMessage{ID: ev.ID, Payload: ev.Payload, Metadata: ev.Metadata})
	if err != nil {
		return &event.PublishPermanentError{Err: err}
	}

	_, _, err = p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.prefix + ev.Name,
		Key:   sarama.StringEncoder(ev.ID),
		Value: sarama.ByteEncoder(data),
	})
	if err != nil {
		if isPermanentKafkaError(err) {
			return &event.PublishPermanentError{Err: err}
		}
		return &event.PublishTransientError{Err: err}
	}

	p.logger.Debug("published event", "id", ev.ID, "name", ev.Name)
	return nil
}

// isPermanentKafkaError classifies sarama errors that will never succeed on
// retry (message too large, unsupported for message format) as
// permanent; everything else (broker unavailable, timeout) is treated
// as transient and worth another attempt.
func isPermanentKafkaError(err error) bool {
	switch err {
	case sarama.ErrMessageSizeTooLarge, sarama.ErrInvalidMessage:
		return true
	default:
		return false
	}
}

func (p *KafkaPublisher) Close(context.Context) error {
	return p.producer.Close()
}

var _ event.Publisher = (*KafkaPublisher)(nil)
