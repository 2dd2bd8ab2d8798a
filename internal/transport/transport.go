// Package transport provides the persistent publish/subscribe connections the
// chat client talks to the backend over. Every implementation delivers whole
// JSON frames to a Handler and retries lost links according to a bounded
// RetryPolicy; the session layer never reconnects on its own.
package transport

import (
	"context"
	"errors"
	"net/url"
	"time"
)

var (
	// ErrNotConnected is returned by Send while the link is down.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("transport: closed")
)

// Handler receives link lifecycle changes and inbound frames. Calls for one
// transport are made from a single goroutine, in delivery order.
type Handler interface {
	// LinkUp is called whenever the link is (re-)established.
	LinkUp()
	// LinkDown is called when the link is lost or an attempt failed.
	LinkDown(err error)
	// Frame is called for every inbound frame.
	Frame(data []byte)
}

// Transport is one live connection.
type Transport interface {
	Send(ctx context.Context, data []byte) error
	Connected() bool
	// Close tears the connection down without waiting for in-flight
	// handler calls. No LinkDown is reported for an intentional close.
	Close() error
}

// Dialer opens transports. Dial returns as soon as the connection attempt
// has started; the outcome is reported to h. The connection lives until
// Close is called or ctx is cancelled.
type Dialer interface {
	Dial(ctx context.Context, p Params, h Handler) (Transport, error)
}

// Params identify the local user to the backend when connecting.
type Params struct {
	UserID      string `json:"user_id"`
	CharacterID string `json:"character_id,omitempty"`
	Username    string `json:"username"`
	Room        string `json:"room"`
}

// Query encodes the params as URL query values.
func (p Params) Query() url.Values {
	q := url.Values{}
	q.Set("user_id", p.UserID)
	if p.CharacterID != "" {
		q.Set("character_id", p.CharacterID)
	}
	q.Set("username", p.Username)
	q.Set("room", p.Room)
	return q
}

// ParamsSource is implemented by handlers whose params change while the
// transport lives, such as the room after a join. Transports read it before
// every redial and announcement.
type ParamsSource interface {
	CurrentParams() Params
}

// currentParams returns the handler's live params, or p when it has none.
func currentParams(p Params, h Handler) Params {
	if s, ok := h.(ParamsSource); ok {
		return s.CurrentParams()
	}
	return p
}

// ConnectAnnouncement is published by the broker-based transports so the
// backend can bind a client id to the connecting user.
type ConnectAnnouncement struct {
	ClientID string `json:"client_id"`
	Params
}

// RetryPolicy bounds reconnection: a fixed Delay between attempts and at most
// MaxAttempts consecutive failed attempts (negative means unlimited). The
// counter resets after every successful connection.
type RetryPolicy struct {
	Delay       time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy retries five times, one second apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Delay:       1 * time.Second,
		MaxAttempts: 5,
	}
}

// exhausted reports whether failed attempts have used up the policy.
func (r RetryPolicy) exhausted(failures int) bool {
	return r.MaxAttempts >= 0 && failures > r.MaxAttempts
}

// wait sleeps for the retry delay, returning false if ctx ends first.
func (r RetryPolicy) wait(ctx context.Context) bool {
	t := time.NewTimer(r.Delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
