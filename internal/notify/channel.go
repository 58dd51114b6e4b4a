package notify

import (
	"context"
	"fmt"

	"github.com/markus-barta/tvfleet/internal/config"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Service is a long-running consumer. It satisfies suture.Service.
type Service interface {
	Serve(ctx context.Context) error
	String() string
}

// Channel is the configured notification backend for one process.
type Channel struct {
	cfg    config.ChannelConfig
	base   zerolog.Logger
	log    zerolog.Logger
	pub    Publisher
	js     *JetStream
	nc     *nats.Conn
	broker *EmbeddedBroker
}

// OpenChannel connects the backend named by cfg. When embed is set and the
// backend is nats with nats_embedded, the broker runs in this process; other
// processes reach it at nats_url or on nats_port locally.
func OpenChannel(ctx context.Context, cfg config.ChannelConfig, embed bool, name string, log zerolog.Logger) (*Channel, error) {
	c := &Channel{
		cfg:  cfg,
		base: log,
		log:  log.With().Str("component", "channel").Str("backend", cfg.Backend).Logger(),
	}

	switch cfg.Backend {
	case config.BackendSpool, "":
		c.pub = NewSpool(cfg.SpoolDir, log)
		c.log.Info().Str("dir", cfg.SpoolDir).Msg("using spool channel")
		return c, nil

	case config.BackendNATS:
		url := cfg.NATSURL
		if cfg.NATSEmbedded && embed {
			broker, err := StartEmbeddedBroker("127.0.0.1", cfg.NATSPort, cfg.NATSStoreDir)
			if err != nil {
				return nil, err
			}
			c.broker = broker
			url = broker.ClientURL()
			c.log.Info().Str("url", url).Msg("started embedded NATS broker")
		} else if url == "" {
			url = fmt.Sprintf("nats://127.0.0.1:%d", cfg.NATSPort)
		}

		nc, err := Connect(url, name)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.nc = nc

		js, err := NewJetStream(ctx, nc, cfg.Stream, cfg.Subject, log)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.js = js
		c.pub = js
		c.log.Info().Str("url", url).Str("stream", cfg.Stream).Msg("using NATS channel")
		return c, nil

	default:
		return nil, fmt.Errorf("unknown channel backend %q", cfg.Backend)
	}
}

// Publisher returns the producer side of the channel.
func (c *Channel) Publisher() Publisher {
	return c.pub
}

// Consumer returns the consumer side of the channel, delivering to h.
func (c *Channel) Consumer(durable string, h Handler) Service {
	if c.js != nil {
		return c.js.Consumer(durable, h)
	}
	return NewWatcher(c.cfg.SpoolDir, h, c.base)
}

// Close releases the broker connection and stops an embedded broker.
func (c *Channel) Close() {
	if c.nc != nil {
		if err := c.nc.Drain(); err != nil {
			c.nc.Close()
		}
	}
	if c.broker != nil {
		c.broker.Shutdown()
	}
}
