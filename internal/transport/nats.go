package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/tavern/chat-app/internal/metrics"
)

// NATS subject patterns used by the broker transport.
const (
	SubjectConnect = "tavern.connect"
	SubjectClient  = "tavern.client" // + .<client_id>.events / .<client_id>.actions
)

// EventsSubject is where the backend publishes events for one client.
func EventsSubject(clientID string) string {
	return SubjectClient + "." + clientID + ".events"
}

// ActionsSubject is where the client publishes its actions.
func ActionsSubject(clientID string) string {
	return SubjectClient + "." + clientID + ".actions"
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL   string      // nats://localhost:4222
	Name  string      // client name for identification
	Retry RetryPolicy // maps onto ReconnectWait and MaxReconnects
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:   "nats://localhost:4222",
		Name:  "tavern-chat",
		Retry: DefaultRetryPolicy(),
	}
}

// NATSDialer connects through a NATS server instead of a direct socket.
type NATSDialer struct {
	config NATSConfig
}

// NewNATSDialer creates a dialer for the given config.
func NewNATSDialer(config NATSConfig) *NATSDialer {
	return &NATSDialer{config: config}
}

type natsTransport struct {
	clientID string
	params   Params
	h        Handler

	conn *nats.Conn
	sub  *nats.Subscription
	done chan struct{}

	mu     sync.Mutex // serializes handler callbacks
	ready  atomic.Bool // set once the events subscription exists
	up     atomic.Bool
	closed atomic.Bool
}

// Dial connects to NATS, subscribes to the client's events subject and
// announces the client on tavern.connect every time the link comes up.
// The initial connection is retried in the background like a reconnect.
func (d *NATSDialer) Dial(ctx context.Context, p Params, h Handler) (Transport, error) {
	if h == nil {
		return nil, fmt.Errorf("transport: nil handler")
	}
	t := &natsTransport{
		clientID: uuid.NewString(),
		params:   p,
		h:        h,
		done:     make(chan struct{}),
	}

	opts := []nats.Option{
		nats.Name(d.config.Name),
		nats.RetryOnFailedConnect(true),
		nats.ReconnectWait(d.config.Retry.Delay),
		nats.MaxReconnects(d.config.Retry.MaxAttempts),
		nats.ConnectHandler(func(nc *nats.Conn) {
			log.Info().Msgf("[nats] connected to %s", nc.ConnectedUrl())
			t.linkUp(nc)
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("[nats] disconnected")
			} else {
				log.Warn().Msg("[nats] disconnected")
			}
			t.linkDown(err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			metrics.ReconnectsTotal.WithLabelValues("nats").Inc()
			log.Info().Msgf("[nats] reconnected to %s", nc.ConnectedUrl())
			t.linkUp(nc)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info().Msg("[nats] connection closed")
			t.linkDown(ErrClosed)
		}),
	}

	nc, err := nats.Connect(d.config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	t.conn = nc

	sub, err := nc.Subscribe(EventsSubject(t.clientID), func(msg *nats.Msg) {
		t.frame(msg.Data)
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats subscribe %s: %w", EventsSubject(t.clientID), err)
	}
	t.sub = sub

	t.ready.Store(true)
	if nc.IsConnected() {
		t.linkUp(nc)
	}

	go func() {
		select {
		case <-ctx.Done():
			t.Close()
		case <-t.done:
		}
	}()
	return t, nil
}

// linkUp announces the client and reports the link once per connection.
// Until the subscription exists the announcement is deferred to Dial.
func (t *natsTransport) linkUp(nc *nats.Conn) {
	if t.closed.Load() || !t.ready.Load() {
		return
	}
	if !t.up.CompareAndSwap(false, true) {
		return
	}
	if err := t.announce(nc); err != nil {
		log.Error().Err(err).Msg("[nats] announce failed")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.h.LinkUp()
}

func (t *natsTransport) linkDown(err error) {
	if t.closed.Load() {
		return
	}
	t.up.Store(false)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.h.LinkDown(err)
}

func (t *natsTransport) frame(data []byte) {
	if t.closed.Load() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.h.Frame(data)
}

func (t *natsTransport) announce(nc *nats.Conn) error {
	data, err := json.Marshal(ConnectAnnouncement{ClientID: t.clientID, Params: currentParams(t.params, t.h)})
	if err != nil {
		return fmt.Errorf("nats: marshal announcement: %w", err)
	}
	if err := nc.Publish(SubjectConnect, data); err != nil {
		return err
	}
	return nc.FlushTimeout(2 * time.Second)
}

func (t *natsTransport) Send(_ context.Context, data []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if !t.conn.IsConnected() {
		return ErrNotConnected
	}
	if err := t.conn.Publish(ActionsSubject(t.clientID), data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

func (t *natsTransport) Connected() bool {
	return !t.closed.Load() && t.conn.IsConnected()
}

// Close unsubscribes and closes the NATS connection. Safe to call multiple times.
func (t *natsTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(t.done)
	if err := t.sub.Unsubscribe(); err != nil {
		log.Debug().Err(err).Msg("[nats] unsubscribe")
	}
	t.conn.Close()
	return nil
}
