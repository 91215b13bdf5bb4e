package bidchannel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSConfig holds configuration for the NATS transport
type NATSConfig struct {
	URL           string        `yaml:"url"`
	Name          string        `yaml:"name"`
	Token         string        `yaml:"token"`
	MaxReconnects int           `yaml:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	FlushTimeout  time.Duration `yaml:"flush_timeout"`
}

// DefaultNATSConfig returns default NATS transport configuration
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "gavel",
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
		FlushTimeout:  5 * time.Second,
	}
}

// NATSDialer opens one NATS connection per handle.
type NATSDialer struct {
	config NATSConfig
}

func NewNATSDialer(config NATSConfig) *NATSDialer {
	return &NATSDialer{config: config}
}

// Dial connects to NATS. A per-request auth token takes precedence over the
// configured one.
func (d *NATSDialer) Dial(ctx context.Context, opts DialOptions) (Transport, error) {
	notify := func(state ConnState) {
		if opts.OnConnState != nil {
			opts.OnConnState(state)
		}
	}

	natsOpts := []nats.Option{
		nats.Name(d.config.Name),
		nats.MaxReconnects(d.config.MaxReconnects),
		nats.ReconnectWait(d.config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Error().Err(err).Msg("NATS disconnected")
			}
			notify(Disconnected)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
			notify(Reconnected)
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}
	token := d.config.Token
	if opts.AuthToken != "" {
		token = opts.AuthToken
	}
	if token != "" {
		natsOpts = append(natsOpts, nats.Token(token))
	}
	if deadline, ok := ctx.Deadline(); ok {
		natsOpts = append(natsOpts, nats.Timeout(time.Until(deadline)))
	}

	nc, err := nats.Connect(d.config.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	notify(Connected)

	flushTimeout := d.config.FlushTimeout
	if flushTimeout <= 0 {
		flushTimeout = DefaultNATSConfig().FlushTimeout
	}
	return &natsTransport{
		nc:           nc,
		flushTimeout: flushTimeout,
		subs:         make(map[string]*nats.Subscription),
	}, nil
}

type natsTransport struct {
	nc           *nats.Conn
	flushTimeout time.Duration

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

func (t *natsTransport) Subscribe(topic string, handler func(data []byte)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.subs[topic]; ok {
		return nil
	}

	sub, err := t.nc.Subscribe(topic, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	t.subs[topic] = sub
	return nil
}

func (t *natsTransport) Unsubscribe(topic string) error {
	t.mu.Lock()
	sub, ok := t.subs[topic]
	delete(t.subs, topic)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return sub.Unsubscribe()
}

func (t *natsTransport) Publish(ctx context.Context, topic string, data []byte) error {
	if !t.nc.IsConnected() {
		return ErrNotConnected
	}
	if err := t.nc.Publish(topic, data); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.flushTimeout)
		defer cancel()
	}
	if err := t.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush %s: %w", topic, err)
	}
	return nil
}

func (t *natsTransport) Close() error {
	t.nc.Close()
	return nil
}
