package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Stream layout for the raw event feed.
const (
	RawStreamName   = "DERIVERSE_EVENTS"
	RawSubject      = "deriverse.events.raw"
	RawConsumer     = "recon-ingest"
	rawStreamMaxAge = 72 * time.Hour
)

// NATSSource feeds raw events from a JetStream subject through the same
// normalize/validate/watermark path as file ingestion. Accepted and
// validation-rejected messages are ACKed (a rejected event is recorded,
// not retried); transport or storage failures are NAKed for redelivery.
type NATSSource struct {
	js       jetstream.JetStream
	pipeline *Pipeline
	logger   zerolog.Logger
	consume  jetstream.ConsumeContext
}

func NewNATSSource(js jetstream.JetStream, p *Pipeline, logger zerolog.Logger) *NATSSource {
	return &NATSSource{
		js:       js,
		pipeline: p,
		logger:   logger,
	}
}

// EnsureStream creates the raw event stream if it doesn't exist.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      RawStreamName,
		Subjects:  []string{RawSubject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    rawStreamMaxAge,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", RawStreamName, err)
	}
	return nil
}

// Start creates the durable consumer and begins delivering messages.
func (s *NATSSource) Start(ctx context.Context) error {
	consumer, err := s.js.CreateOrUpdateConsumer(ctx, RawStreamName, jetstream.ConsumerConfig{
		Durable:       RawConsumer,
		FilterSubject: RawSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", RawConsumer, err)
	}

	consumeCtx, err := consumer.Consume(func(msg jetstream.Msg) {
		s.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", RawConsumer, err)
	}

	s.consume = consumeCtx
	s.logger.Info().Str("subject", RawSubject).Str("consumer", RawConsumer).Msg("subscribed")
	return nil
}

func (s *NATSSource) handle(ctx context.Context, msg jetstream.Msg) {
	var raw map[string]any
	if err := json.Unmarshal(msg.Data(), &raw); err != nil {
		// Malformed payloads can never succeed on redelivery.
		s.logger.Warn().Err(err).Msg("undecodable raw event, dropping")
		msg.Ack()
		return
	}

	seq := 0
	if meta, err := msg.Metadata(); err == nil {
		seq = int(meta.Sequence.Stream)
	}

	_, err := s.pipeline.IngestOne(ctx, raw, seq)

	var verr *ValidationError
	if errors.As(err, &verr) {
		s.logger.Warn().Str("reason", verr.Reason).Msg("stream event failed validation")
		msg.Ack()
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("stream event ingestion failed, will redeliver")
		msg.Nak()
		return
	}

	msg.Ack()
}

// Stop drains the consumer.
func (s *NATSSource) Stop() {
	if s.consume != nil {
		s.consume.Stop()
	}
}
