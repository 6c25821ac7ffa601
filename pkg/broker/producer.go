package broker

import (
	"context"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/segmentio/kafka-go"

	"github.com/tkenna/streamcore/pkg/config"
)

const producerBatchTimeout = 100 * time.Millisecond

var jsonFast = jsoniter.ConfigFastest

// Producer wraps a kafka.Writer shared by the Kafka sink, the late-event
// side output and the load generator. The topic travels per message.
type Producer struct {
	writer *kafka.Writer
}

func NewProducer(cfg config.KafkaConfig) *Producer {
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: producerBatchTimeout,
		RequiredAcks: int(kafka.RequireAll),
	})
	return &Producer{writer: w}
}

// Publish sends a single JSON message to the given topic.
func (p *Producer) Publish(ctx context.Context, topic string, key []byte, value map[string]any) error {
	payload, err := jsonFast.Marshal(value)
	if err != nil {
		return fmt.Errorf("json marshal failed: %w", err)
	}
	msg := kafka.Message{
		Topic: topic,
		Key:   key,
		Value: payload,
		Time:  time.Now(),
	}
	return p.writer.WriteMessages(ctx, msg)
}

// PublishBatch serializes every record and writes the batch in one call.
func (p *Producer) PublishBatch(ctx context.Context, topic, keyField string, records []map[string]any) error {
	msgs := make([]kafka.Message, 0, len(records))
	now := time.Now()
	for _, rec := range records {
		payload, err := jsonFast.Marshal(rec)
		if err != nil {
			return fmt.Errorf("json marshal failed: %w", err)
		}
		var key []byte
		if keyField != "" {
			if v, ok := rec[keyField]; ok {
				key = fmt.Appendf(nil, "%v", v)
			}
		}
		msgs = append(msgs, kafka.Message{Topic: topic, Key: key, Value: payload, Time: now})
	}
	return p.writer.WriteMessages(ctx, msgs...)
}

func (p *Producer) Close() error { return p.writer.Close() }
