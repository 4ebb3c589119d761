package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/amia-team/AmiaReforged-sub001/internal/platform/logger"
	"github.com/amia-team/AmiaReforged-sub001/internal/port"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// OwnerMessage is the payload the game server consumes to message an owner.
type OwnerMessage struct {
	CharacterID string    `json:"character_id"`
	Message     string    `json:"message"`
	Color       string    `json:"color"`
	SentUTC     time.Time `json:"sent_utc"`
}

// KafkaNotifier publishes owner notifications keyed by character id. The
// game server drops messages for characters that are not logged in.
type KafkaNotifier struct {
	writer messageWriter
	log    *logger.Logger
}

func NewKafkaNotifier(brokers []string, topic string, log *logger.Logger) *KafkaNotifier {
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
		},
		log: log,
	}
}

func (k *KafkaNotifier) Notify(ctx context.Context, n port.Notification) {
	payload, err := json.Marshal(OwnerMessage{
		CharacterID: n.CharacterID.String(),
		Message:     n.Message,
		Color:       string(n.Severity),
		SentUTC:     time.Now().UTC(),
	})
	if err != nil {
		k.log.Error("encode owner notification", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(n.CharacterID.String()),
		Value: payload,
	})
	if err != nil {
		k.log.Warn("publish owner notification", "character", n.CharacterID.String(), "error", err)
	}
}

func (k *KafkaNotifier) Close() error {
	return k.writer.Close()
}
