// Package kafka publishes entity change notifications to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/couchcryptid/traffic-feed-service/internal/config"
	"github.com/couchcryptid/traffic-feed-service/internal/domain"
	kafkago "github.com/segmentio/kafka-go"
)

// Publisher produces change messages to a Kafka topic.
// It implements ingest.ChangePublisher.
type Publisher struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewPublisher creates a Kafka producer for the configured change topic.
func NewPublisher(cfg *config.Config, logger *slog.Logger) *Publisher {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.Brokers()...),
		Topic:        cfg.KafkaTopic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Publisher{writer: w, logger: logger}
}

// PublishChanges serializes and publishes changed entities in a single
// WriteMessages call. Messages are keyed by entity ID so a compacted topic
// keeps the latest state per entity.
func (p *Publisher) PublishChanges(ctx context.Context, entities []domain.Entity) error {
	if len(entities) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(entities))
	for i := range entities {
		msg, err := serializeToMessage(entities[i])
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	return p.writer.WriteMessages(ctx, msgs...)
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

// serializeToMessage marshals an Entity into a Kafka message.
func serializeToMessage(e domain.Entity) (kafkago.Message, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize entity: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(e.ID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "kind", Value: []byte(e.Kind)},
			{Key: "source_version", Value: []byte(strconv.FormatInt(e.SourceVersion, 10))},
		},
	}, nil
}
