package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/windsim/simrunner/internal/model"

	kafkago "github.com/segmentio/kafka-go"
)

// Kafka produces events to a topic keyed by job id, so the events of one
// job stay ordered within a partition.
type Kafka struct {
	writer *kafkago.Writer
}

func NewKafka(cfg model.KafkaMirror) *Kafka {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		WriteTimeout: writeTimeout,
	}
	return &Kafka{writer: w}
}

func (k *Kafka) Name() string { return "kafka" }

func (k *Kafka) Publish(ctx context.Context, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(events))
	for i := range events {
		msg, err := serializeToMessage(events[i])
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	return k.writer.WriteMessages(ctx, msgs...)
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}

func serializeToMessage(ev model.Event) (kafkago.Message, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize event: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(ev.JobID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "event_kind", Value: []byte(ev.Kind)},
			{Key: "emitted_at", Value: []byte(ev.Time.Format(time.RFC3339Nano))},
		},
	}, nil
}
