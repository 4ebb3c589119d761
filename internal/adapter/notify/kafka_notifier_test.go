package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amia-team/AmiaReforged-sub001/internal/platform/logger"
	"github.com/amia-team/AmiaReforged-sub001/internal/port"
)

type recordingWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func TestKafkaNotifier_Publishes(t *testing.T) {
	w := &recordingWriter{}
	n := &KafkaNotifier{writer: w, log: logger.Nop()}
	id := uuid.New()

	n.Notify(context.Background(), port.Notification{CharacterID: id, Message: "Rent paid.", Severity: port.SeverityInfo})

	require.Len(t, w.msgs, 1)
	assert.Equal(t, id.String(), string(w.msgs[0].Key))

	var got OwnerMessage
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, "Rent paid.", got.Message)
	assert.Equal(t, "green", got.Color)
	assert.Equal(t, id.String(), got.CharacterID)
}

func TestKafkaNotifier_SwallowsBrokerErrors(t *testing.T) {
	w := &recordingWriter{err: errors.New("broker down")}
	n := &KafkaNotifier{writer: w, log: logger.Nop()}

	assert.NotPanics(t, func() {
		n.Notify(context.Background(), port.Notification{CharacterID: uuid.New(), Message: "x", Severity: port.SeverityCritical})
	})
	assert.Empty(t, w.msgs)
}
