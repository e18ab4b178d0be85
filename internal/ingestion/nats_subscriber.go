package ingestion

import (
	"TangleRecon/internal/observability"
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	LedgerStream  = "RECON_LEDGER"
	SubjectPrefix = "recon.ledger.transactions."
	LedgerSubject = SubjectPrefix + ">"
	ConsumerName  = "reconciler"
)

// NATSSubscriber consumes ledger transactions from JetStream and queues them
// for the reconciliation loop.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumer  jetstream.ConsumeContext
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// RawEvent is one undecoded ledger transaction plus the callbacks that settle
// its delivery once processing is done.
type RawEvent struct {
	Source    string
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // processed, or a duplicate
	NakFunc   func() // failed, will be redelivered
	TermFunc  func() // malformed, never redeliver
}

// SubscriberConfig names the stream, subject filter and durable consumer.
type SubscriberConfig struct {
	Stream     string
	Subject    string
	Consumer   string
	AckWait    time.Duration
	MaxDeliver int
}

func DefaultSubscriberConfig() SubscriberConfig {
	return SubscriberConfig{
		Stream:     LedgerStream,
		Subject:    LedgerSubject,
		Consumer:   ConsumerName,
		AckWait:    30 * time.Second,
		MaxDeliver: 10,
	}
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, metrics *observability.Metrics, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Subscribe creates the durable consumer with explicit ACK and starts consuming.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, cfg SubscriberConfig) error {
	consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.Stream, jetstream.ConsumerConfig{
		Durable:       cfg.Consumer,
		FilterSubject: cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", cfg.Consumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		var published time.Time
		if md, err := msg.Metadata(); err == nil {
			published = md.Timestamp
			if ns.metrics != nil {
				ns.metrics.NATSPullLatency.Observe(time.Since(published).Seconds())
			}
		}

		raw := RawEvent{
			Source:    "nats",
			Subject:   msg.Subject(),
			Data:      msg.Data(),
			Timestamp: published,
			AckFunc:   func() { msg.Ack() },
			NakFunc:   func() { msg.Nak() },
			TermFunc:  func() { msg.Term() },
		}

		select {
		case ns.eventChan <- raw:
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", cfg.Consumer, err)
	}

	ns.consumer = cc
	ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.Consumer).Msg("subscribed")
	return nil
}

// EnsureStreams creates the ledger and notification streams if they don't exist.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      LedgerStream,
			Subjects:  []string{LedgerSubject},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    7 * 24 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      NotificationStream,
			Subjects:  []string{NotificationSubjectPrefix + ">"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// Stop stops the consumer. Messages in flight are redelivered after AckWait.
func (ns *NATSSubscriber) Stop() {
	if ns.consumer != nil {
		ns.consumer.Stop()
	}
	ns.logger.Info().Msg("NATS subscriber stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("tangle-reconciler"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
