package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// FeedListener reads ledger transactions pushed by a ledger-adapter websocket
// feed. Messages carry the same payload as the NATS stream. A websocket has no
// redelivery, so nothing is acknowledged; the processed flag still makes a
// replayed transaction a no-op.
type FeedListener struct {
	endpoint  string
	network   string
	eventChan chan<- RawEvent
	dialer    *websocket.Dialer
	maxWait   time.Duration
	logger    zerolog.Logger
}

type subscribeMessage struct {
	Type    string `json:"type"`
	Topic   string `json:"topic"`
	Network string `json:"network,omitempty"`
}

func NewFeedListener(endpoint, network string, eventChan chan<- RawEvent, logger zerolog.Logger) *FeedListener {
	return &FeedListener{
		endpoint:  endpoint,
		network:   network,
		eventChan: eventChan,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		maxWait:   time.Minute,
		logger:    logger.With().Str("endpoint", endpoint).Logger(),
	}
}

// Run connects, subscribes and reads until ctx is cancelled, reconnecting
// with exponential backoff when the connection drops.
func (l *FeedListener) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		err := l.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.logger.Warn().Err(err).Dur("backoff", backoff).Msg("websocket feed disconnected")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > l.maxWait {
			backoff = l.maxWait
		}
	}
}

func (l *FeedListener) session(ctx context.Context) error {
	conn, _, err := l.dialer.DialContext(ctx, l.endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	// Unblock ReadMessage on shutdown
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := conn.WriteJSON(subscribeMessage{Type: "subscribe", Topic: "transactions", Network: l.network}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	l.logger.Info().Str("network", l.network).Msg("websocket feed subscribed")

	for {
		kind, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if kind != websocket.TextMessage || !json.Valid(msg) {
			continue
		}

		raw := RawEvent{
			Source:    "websocket",
			Subject:   SubjectPrefix + l.network,
			Data:      msg,
			Timestamp: time.Now().UTC(),
		}
		select {
		case l.eventChan <- raw:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
