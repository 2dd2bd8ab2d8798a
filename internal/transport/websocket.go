package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog/log"

	"github.com/tavern/chat-app/internal/metrics"
)

// WebSocketConfig holds WebSocket transport settings.
type WebSocketConfig struct {
	URL          string        // ws://localhost:8000/ws
	Retry        RetryPolicy   // reconnection bounds
	PingInterval time.Duration // how often to ping the server (0 disables)
	PingTimeout  time.Duration // max silence after a ping before the link is dropped
	DialTimeout  time.Duration // per-attempt handshake timeout
	WriteTimeout time.Duration // used when Send's ctx has no deadline
}

// DefaultWebSocketConfig returns sensible defaults.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		URL:          "ws://localhost:8000/ws",
		Retry:        DefaultRetryPolicy(),
		PingInterval: 25 * time.Second,
		PingTimeout:  20 * time.Second,
		DialTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

// WebSocketDialer opens gobwas/ws client connections.
type WebSocketDialer struct {
	config WebSocketConfig
}

// NewWebSocketDialer creates a dialer for the given config.
func NewWebSocketDialer(config WebSocketConfig) *WebSocketDialer {
	return &WebSocketDialer{config: config}
}

// Dial starts the connect loop in the background and returns immediately.
func (d *WebSocketDialer) Dial(ctx context.Context, p Params, h Handler) (Transport, error) {
	if h == nil {
		return nil, fmt.Errorf("transport: nil handler")
	}
	runCtx, cancel := context.WithCancel(ctx)
	t := &wsTransport{
		config: d.config,
		params: p,
		h:      h,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go t.run(runCtx)
	go func() {
		<-runCtx.Done()
		t.Close()
	}()
	return t, nil
}

type wsTransport struct {
	config WebSocketConfig
	params Params
	h      Handler
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	conn    net.Conn
	closed  bool
	writeMu sync.Mutex // serializes frames written to conn
}

// run dials, reads until the link drops, and redials within the retry policy.
func (t *wsTransport) run(ctx context.Context) {
	defer close(t.done)

	failures := 0
	for {
		conn, err := t.dial(ctx)
		if err == nil && (ctx.Err() != nil || !t.setConn(conn)) {
			conn.Close()
			return
		}
		if err == nil {
			failures = 0
			log.Info().Msgf("[ws] connected to %s", t.config.URL)
			t.h.LinkUp()

			stop := t.startHeartbeat(conn)
			err = t.readLoop(conn)
			close(stop)
			t.setConn(nil)
			conn.Close()
		}
		if ctx.Err() != nil {
			return
		}

		log.Warn().Err(err).Msgf("[ws] link down")
		t.h.LinkDown(err)

		failures++
		if t.config.Retry.exhausted(failures) {
			log.Error().Msgf("[ws] giving up after %d failed attempts", failures)
			return
		}
		if !t.config.Retry.wait(ctx) {
			return
		}
		metrics.ReconnectsTotal.WithLabelValues("websocket").Inc()
	}
}

func (t *wsTransport) dial(ctx context.Context) (net.Conn, error) {
	dialer := ws.Dialer{Timeout: t.config.DialTimeout}
	target := t.config.URL + "?" + currentParams(t.params, t.h).Query().Encode()
	conn, br, _, err := dialer.Dial(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("ws dial: %w", err)
	}
	if br != nil {
		// The server sent frames together with the handshake response.
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

// readLoop delivers text frames to the handler and answers control frames.
// It returns when the connection fails or the server closes it.
func (t *wsTransport) readLoop(conn net.Conn) error {
	for {
		if t.config.PingInterval > 0 {
			conn.SetReadDeadline(time.Now().Add(t.config.PingInterval + t.config.PingTimeout))
		}
		header, reader, err := wsutil.NextReader(conn, ws.StateClientSide)
		if err != nil {
			return err
		}

		if header.OpCode.IsControl() {
			payload := make([]byte, header.Length)
			if _, err := io.ReadFull(reader, payload); err != nil {
				return err
			}
			switch header.OpCode {
			case ws.OpClose:
				return io.EOF
			case ws.OpPing:
				if err := t.write(conn, ws.OpPong, payload); err != nil {
					return err
				}
			}
			continue
		}

		data, err := io.ReadAll(reader)
		if err != nil {
			return err
		}
		if header.OpCode == ws.OpText && len(data) > 0 {
			t.h.Frame(data)
		}
	}
}

// startHeartbeat pings the server every PingInterval. A failed ping closes
// the connection, which ends the read loop.
func (t *wsTransport) startHeartbeat(conn net.Conn) chan struct{} {
	stop := make(chan struct{})
	if t.config.PingInterval <= 0 {
		return stop
	}
	go func() {
		ticker := time.NewTicker(t.config.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := t.write(conn, ws.OpPing, nil); err != nil {
					log.Warn().Err(err).Msg("[ws] heartbeat ping failed")
					conn.Close()
					return
				}
			}
		}
	}()
	return stop
}

func (t *wsTransport) write(conn net.Conn, op ws.OpCode, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.config.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout))
		defer conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteClientMessage(conn, op, data)
}

// setConn publishes conn for Send. It refuses a new connection once Close
// has run.
func (t *wsTransport) setConn(conn net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if conn != nil && t.closed {
		return false
	}
	t.conn = conn
	return true
}

// Send writes one text frame. It is goroutine-safe.
func (t *wsTransport) Send(ctx context.Context, data []byte) error {
	t.mu.Lock()
	conn, closed := t.conn, t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	} else if t.config.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout))
	}
	defer conn.SetWriteDeadline(time.Time{})

	if err := wsutil.WriteClientMessage(conn, ws.OpText, data); err != nil {
		return fmt.Errorf("ws send: %w", err)
	}
	return nil
}

func (t *wsTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil && !t.closed
}

// Close is safe to call multiple times. It does not wait for the read loop.
func (t *wsTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.mu.Unlock()

	t.cancel()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Done is closed once the connect loop has exited.
func (t *wsTransport) Done() <-chan struct{} {
	return t.done
}

// bufferedConn drains bytes read ahead during the handshake before reading
// from the connection itself.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	if c.r != nil {
		if c.r.Buffered() > 0 {
			return c.r.Read(p)
		}
		ws.PutReader(c.r)
		c.r = nil
	}
	return c.Conn.Read(p)
}
