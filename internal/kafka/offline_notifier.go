package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"dm-go/internal/config"
	"dm-go/internal/protocol"
)

// OfflineNotifier emits "message persisted, recipient offline" signals for
// the external push-notification system. The gateway owns no delivery
// guarantee for these; a consumer that drops them only loses a push, the
// message itself is already persisted.
type OfflineNotifier interface {
	NotifyOffline(ctx context.Context, n *protocol.OfflineNotification) error
}

type kafkaOfflineNotifier struct {
	producer MessageProducer
	topic    string
}

// NewOfflineNotifier wraps a MessageProducer with the notifications topic.
func NewOfflineNotifier(producer MessageProducer, cfg config.KafkaConfig) OfflineNotifier {
	return &kafkaOfflineNotifier{producer: producer, topic: cfg.NotificationsTopic}
}

// NotifyOffline publishes the signal keyed by recipient, so a partitioned
// consumer sees one user's notifications in order.
func (n *kafkaOfflineNotifier) NotifyOffline(ctx context.Context, notif *protocol.OfflineNotification) error {
	payload, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("marshal offline notification for message %s: %w", notif.MessageID, err)
	}
	return n.producer.SendMessage(ctx, n.topic, []byte(notif.RecipientID), payload)
}
