package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/mahaj/critica-chat/pkg/model"
)

// Kafka publishes events to one topic. Every Subscribe joins a fresh consumer
// group starting at the newest offset, so each gateway sees every event.
type Kafka struct {
	brokers []string
	topic   string
	writer  *kafka.Writer
	log     zerolog.Logger
}

func NewKafka(brokers []string, topic string, log zerolog.Logger) *Kafka {
	return &Kafka{
		brokers: brokers,
		topic:   topic,
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.Hash{},
		},
		log: log,
	}
}

func (k *Kafka) Publish(ctx context.Context, ev model.Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.Collection),
		Value: value,
		Time:  time.Now(),
	})
	if err != nil {
		return fmt.Errorf("publish to kafka: %w", err)
	}

	k.log.Debug().Str("collection", ev.Collection).Str("id", ev.Document.ID).Msg("event published")
	return nil
}

func (k *Kafka) Subscribe(ctx context.Context) (<-chan model.Event, error) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.brokers,
		Topic:       k.topic,
		GroupID:     fmt.Sprintf("gateway-%d", time.Now().UnixNano()),
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})

	ch := make(chan model.Event, subscriberBuffer)
	go func() {
		defer close(ch)
		defer reader.Close()

		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					k.log.Error().Err(err).Msg("kafka consumer stopped")
				}
				return
			}

			ev, err := model.ParseEvent(m.Value)
			if err != nil {
				k.log.Warn().Err(err).Int64("offset", m.Offset).Msg("skipping undecodable event")
				continue
			}

			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}
