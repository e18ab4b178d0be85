package ingestion

import (
	"TangleRecon/internal/observability"
	"TangleRecon/internal/state"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	NotificationStream        = "RECON_NOTIFICATIONS"
	NotificationSubjectPrefix = "recon.notifications."
)

// StreamPublisher is the slice of jetstream.JetStream the publisher needs.
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NotificationPublisher publishes committed notifications to
// recon.notifications.{type}. The notification id is the JetStream message id,
// so a republished notification is deduplicated by the stream.
type NotificationPublisher struct {
	js        StreamPublisher
	inputChan <-chan state.Notification
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewNotificationPublisher(js StreamPublisher, inputChan <-chan state.Notification, metrics *observability.Metrics, logger zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run publishes until ctx is cancelled or the input closes.
func (np *NotificationPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case n, ok := <-np.inputChan:
			if !ok {
				return nil
			}
			if err := np.publish(ctx, n); err != nil {
				// Non-fatal: the notification document is already committed
				np.logger.Warn().Err(err).Str("notification", n.ID).Str("type", string(n.Type)).Msg("notification publish failed")
				continue
			}
			if np.metrics != nil {
				np.metrics.NotificationsPublished.Inc()
			}
		}
	}
}

func (np *NotificationPublisher) publish(ctx context.Context, n state.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	_, err = np.js.Publish(ctx, NotificationSubject(n.Type), data, jetstream.WithMsgID(n.ID))
	return err
}

// NotificationSubject returns recon.notifications.{type} with the type lowercased.
func NotificationSubject(t state.NotificationType) string {
	return NotificationSubjectPrefix + strings.ToLower(string(t))
}
