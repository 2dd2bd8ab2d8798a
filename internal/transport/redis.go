package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/tavern/chat-app/internal/metrics"
)

// Redis channel patterns used by the pub/sub transport.
const (
	ChannelConnect = "tavern:connect"
	ChannelClient  = "tavern:client:" // + <client_id>:events / <client_id>:actions
)

// EventsChannel is where the backend publishes events for one client.
func EventsChannel(clientID string) string {
	return ChannelClient + clientID + ":events"
}

// ActionsChannel is where the client publishes its actions.
func ActionsChannel(clientID string) string {
	return ChannelClient + clientID + ":actions"
}

// RedisConfig holds Redis pub/sub transport settings.
type RedisConfig struct {
	Addr         string        // localhost:6379
	Password     string        // optional AUTH password
	DB           int           // logical database
	Retry        RetryPolicy   // reconnection bounds
	PingInterval time.Duration // idle time before the subscription is pinged
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Retry:        DefaultRetryPolicy(),
		PingInterval: 25 * time.Second,
	}
}

// RedisDialer connects through Redis Pub/Sub channels.
type RedisDialer struct {
	config RedisConfig
}

// NewRedisDialer creates a dialer for the given config.
func NewRedisDialer(config RedisConfig) *RedisDialer {
	return &RedisDialer{config: config}
}

type redisTransport struct {
	config   RedisConfig
	clientID string
	params   Params
	h        Handler

	client *redis.Client
	pubsub *redis.PubSub
	done   chan struct{}

	up     atomic.Bool
	closed atomic.Bool
}

// Dial subscribes to the client's events channel and starts the receive
// loop. Subscription confirmations report LinkUp, so a resubscribe after a
// dropped connection is reported the same way as the first one.
func (d *RedisDialer) Dial(ctx context.Context, p Params, h Handler) (Transport, error) {
	if h == nil {
		return nil, fmt.Errorf("transport: nil handler")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     d.config.Addr,
		Password: d.config.Password,
		DB:       d.config.DB,
	})

	t := &redisTransport{
		config:   d.config,
		clientID: uuid.NewString(),
		params:   p,
		h:        h,
		client:   client,
		done:     make(chan struct{}),
	}
	t.pubsub = client.Subscribe(ctx, EventsChannel(t.clientID))

	go t.run(ctx)
	go func() {
		select {
		case <-ctx.Done():
			t.Close()
		case <-t.done:
		}
	}()
	return t, nil
}

func (t *redisTransport) run(ctx context.Context) {
	defer close(t.done)

	failures := 0
	for {
		msg, err := t.pubsub.ReceiveTimeout(ctx, t.config.PingInterval)
		if t.closed.Load() {
			return
		}
		if err != nil && isTimeout(err) {
			// Quiet link; the pong arrives through the next receive.
			if err = t.pubsub.Ping(ctx); err == nil {
				continue
			}
		}
		if err != nil {
			t.up.Store(false)
			log.Warn().Err(err).Msg("[redis] link down")
			t.h.LinkDown(err)

			failures++
			if t.config.Retry.exhausted(failures) {
				log.Error().Msgf("[redis] giving up after %d failed attempts", failures)
				return
			}
			if !t.config.Retry.wait(ctx) {
				return
			}
			metrics.ReconnectsTotal.WithLabelValues("redis").Inc()
			continue
		}

		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind != "subscribe" {
				continue
			}
			failures = 0
			if err := t.announce(ctx); err != nil {
				log.Error().Err(err).Msg("[redis] announce failed")
			}
			t.up.Store(true)
			log.Info().Msgf("[redis] subscribed to %s", m.Channel)
			t.h.LinkUp()
		case *redis.Message:
			t.h.Frame([]byte(m.Payload))
		case *redis.Pong:
		}
	}
}

func (t *redisTransport) announce(ctx context.Context) error {
	data, err := json.Marshal(ConnectAnnouncement{ClientID: t.clientID, Params: currentParams(t.params, t.h)})
	if err != nil {
		return fmt.Errorf("redis: marshal announcement: %w", err)
	}
	return t.client.Publish(ctx, ChannelConnect, data).Err()
}

func (t *redisTransport) Send(ctx context.Context, data []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if !t.up.Load() {
		return ErrNotConnected
	}
	if err := t.client.Publish(ctx, ActionsChannel(t.clientID), data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (t *redisTransport) Connected() bool {
	return !t.closed.Load() && t.up.Load()
}

// Close closes the subscription and the client. Safe to call multiple times.
func (t *redisTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.up.Store(false)
	err := t.pubsub.Close()
	if cerr := t.client.Close(); err == nil {
		err = cerr
	}
	return err
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
