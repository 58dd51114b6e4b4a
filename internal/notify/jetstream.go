package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/markus-barta/tvfleet/internal/metrics"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Connect dials a NATS server for the JetStream channel.
func Connect(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return nc, nil
}

// JetStream is the broker-backed channel. Events go to a work-queue stream,
// so each one is removed once a consumer acks it.
type JetStream struct {
	js      jetstream.JetStream
	stream  string
	subject string
	log     zerolog.Logger
}

// NewJetStream binds to the stream, creating or updating it as needed.
func NewJetStream(ctx context.Context, nc *nats.Conn, stream, subject string, log zerolog.Logger) (*JetStream, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      stream,
		Subjects:  []string{subject},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
		MaxAge:    24 * time.Hour,
		Discard:   jetstream.DiscardOld,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", stream, err)
	}

	return &JetStream{
		js:      js,
		stream:  stream,
		subject: subject,
		log:     log.With().Str("component", "jetstream").Str("stream", stream).Logger(),
	}, nil
}

// Publish appends e to the stream.
func (j *JetStream) Publish(ctx context.Context, e Event) error {
	data, err := Encode(e)
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues("published", string(e.Type), metrics.ResultError).Inc()
		return err
	}

	if _, err := j.js.Publish(ctx, j.subject, data); err != nil {
		j.log.Error().Err(err).
			Str("event", string(e.Type)).
			Str("target", e.Target()).
			Msg("failed to publish notification")
		metrics.NotificationsTotal.WithLabelValues("published", string(e.Type), metrics.ResultError).Inc()
		return fmt.Errorf("publish notification: %w", err)
	}

	metrics.NotificationsTotal.WithLabelValues("published", string(e.Type), metrics.ResultOK).Inc()
	return nil
}

// Consumer creates a durable consumer delivering to h.
func (j *JetStream) Consumer(durable string, h Handler) *JetStreamConsumer {
	return &JetStreamConsumer{
		js:      j,
		durable: durable,
		handler: h,
		log:     j.log.With().Str("consumer", durable).Logger(),
	}
}

// JetStreamConsumer is the consumer side of the broker-backed channel.
type JetStreamConsumer struct {
	js      *JetStream
	durable string
	handler Handler
	log     zerolog.Logger
}

// Serve consumes events until ctx is cancelled.
func (c *JetStreamConsumer) Serve(ctx context.Context) error {
	cons, err := c.js.js.CreateOrUpdateConsumer(ctx, c.js.stream, jetstream.ConsumerConfig{
		Durable:       c.durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		FilterSubject: c.js.subject,
		AckWait:       30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", c.durable, err)
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		c.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}
	defer cc.Stop()

	c.log.Info().Msg("consuming notifications")

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-cc.Closed():
		return errors.New("jetstream consumer closed")
	}
}

// String names the service for the supervisor.
func (c *JetStreamConsumer) String() string {
	return "jetstream-consumer"
}

// handle dispatches one message. Malformed and failed messages are acked too:
// redelivering them would only fail again.
func (c *JetStreamConsumer) handle(ctx context.Context, msg jetstream.Msg) {
	defer func() {
		if err := msg.Ack(); err != nil {
			c.log.Warn().Err(err).Msg("failed to ack notification")
		}
	}()

	event, err := Decode(msg.Data())
	if err != nil {
		c.log.Warn().Err(err).Msg("discarding malformed notification")
		metrics.NotificationsTotal.WithLabelValues("consumed", "invalid", metrics.ResultError).Inc()
		return
	}

	if err := c.handler.HandleEvent(ctx, event); err != nil {
		c.log.Error().Err(err).
			Str("event", string(event.Type)).
			Str("target", event.Target()).
			Msg("failed to handle notification")
		metrics.NotificationsTotal.WithLabelValues("consumed", string(event.Type), metrics.ResultError).Inc()
		return
	}
	metrics.NotificationsTotal.WithLabelValues("consumed", string(event.Type), metrics.ResultOK).Inc()
}
