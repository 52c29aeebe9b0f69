package notify

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"spacebook/internal/reservation/models"
)

const headerEventKind = "event_kind"

// Kafka publishes events keyed by space id, so one space's events stay in
// order on a single partition.
type Kafka struct {
	client *kgo.Client
	topic  string
}

func NewKafka(client *kgo.Client, topic string) *Kafka {
	return &Kafka{client: client, topic: topic}
}

func (k *Kafka) Notify(ctx context.Context, event models.Event) error {
	rec, err := k.record(event)
	if err != nil {
		return err
	}
	if err := k.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce %s to %s: %w", event.Kind, k.topic, err)
	}
	return nil
}

func (k *Kafka) record(event models.Event) (*kgo.Record, error) {
	body, err := encode(event)
	if err != nil {
		return nil, err
	}
	return &kgo.Record{
		Topic:     k.topic,
		Key:       []byte(event.SpaceID.String()),
		Value:     body,
		Timestamp: event.OccurredAt,
		Headers:   []kgo.RecordHeader{{Key: headerEventKind, Value: []byte(event.Kind)}},
	}, nil
}
