package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// recorder is a Handler that reports every callback on a channel.
type recorder struct {
	events chan string
}

func newRecorder() *recorder {
	return &recorder{events: make(chan string, 64)}
}

func (r *recorder) LinkUp()            { r.events <- "up" }
func (r *recorder) LinkDown(err error) { r.events <- "down" }
func (r *recorder) Frame(data []byte)  { r.events <- "frame:" + string(data) }

func (r *recorder) expect(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-r.events:
		if got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
}

func (r *recorder) expectNothing(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case got := <-r.events:
		t.Fatalf("expected no callback, got %q", got)
	case <-time.After(d):
	}
}

var testParams = Params{UserID: "u1", CharacterID: "c1", Username: "Ada", Room: "tavern"}

// newBackend starts a gorilla/websocket server that runs serve for every
// accepted connection. It returns the ws:// URL of the endpoint.
func newBackend(t *testing.T, serve func(n int, r *http.Request, conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	var accepted atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		serve(int(accepted.Add(1)), r, conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func testWebSocketConfig(url string) WebSocketConfig {
	config := DefaultWebSocketConfig()
	config.URL = url
	config.Retry = RetryPolicy{Delay: 20 * time.Millisecond, MaxAttempts: 2}
	config.PingInterval = 0
	return config
}

// drain reads until the peer goes away.
func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Policy and params
// ---------------------------------------------------------------------------

func TestRetryPolicyExhausted(t *testing.T) {
	tests := []struct {
		policy   RetryPolicy
		failures int
		want     bool
	}{
		{DefaultRetryPolicy(), 1, false},
		{DefaultRetryPolicy(), 5, false},
		{DefaultRetryPolicy(), 6, true},
		{RetryPolicy{MaxAttempts: 0}, 1, true},
		{RetryPolicy{MaxAttempts: -1}, 1000, false},
	}
	for _, tt := range tests {
		if got := tt.policy.exhausted(tt.failures); got != tt.want {
			t.Errorf("%+v exhausted(%d) = %v, want %v", tt.policy, tt.failures, got, tt.want)
		}
	}
}

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	if p.Delay != time.Second || p.MaxAttempts != 5 {
		t.Errorf("unexpected default policy: %+v", p)
	}
}

func TestParamsQuery(t *testing.T) {
	q := testParams.Query()
	if q.Get("user_id") != "u1" || q.Get("character_id") != "c1" || q.Get("username") != "Ada" || q.Get("room") != "tavern" {
		t.Errorf("unexpected query: %v", q)
	}

	q = Params{UserID: "u1", Username: "Ada", Room: "tavern"}.Query()
	if _, ok := q["character_id"]; ok {
		t.Error("expected empty character_id to be omitted")
	}
}

// ---------------------------------------------------------------------------
// WebSocket
// ---------------------------------------------------------------------------

func TestWebSocketDeliversFramesBothWays(t *testing.T) {
	query := make(chan string, 1)
	received := make(chan string, 1)
	url := newBackend(t, func(_ int, r *http.Request, conn *websocket.Conn) {
		query <- r.URL.RawQuery
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"connected"}`))
		_, data, err := conn.ReadMessage()
		if err == nil {
			received <- string(data)
		}
		drain(conn)
	})

	rec := newRecorder()
	tr, err := NewWebSocketDialer(testWebSocketConfig(url)).Dial(context.Background(), testParams, rec)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer tr.Close()

	rec.expect(t, "up")
	rec.expect(t, `frame:{"type":"connected"}`)

	q := <-query
	for _, want := range []string{"user_id=u1", "username=Ada", "room=tavern", "character_id=c1"} {
		if !strings.Contains(q, want) {
			t.Errorf("expected %q in query %q", want, q)
		}
	}

	if !tr.Connected() {
		t.Fatal("expected Connected after link up")
	}
	if err := tr.Send(context.Background(), []byte(`{"type":"typing"}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case got := <-received:
		if got != `{"type":"typing"}` {
			t.Errorf("server received %q", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server never received the frame")
	}
}

func TestWebSocketReconnectsAfterServerClose(t *testing.T) {
	url := newBackend(t, func(n int, _ *http.Request, conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"n":`+strconv.Itoa(n)+`}`))
		if n == 1 {
			return
		}
		drain(conn)
	})

	rec := newRecorder()
	tr, err := NewWebSocketDialer(testWebSocketConfig(url)).Dial(context.Background(), testParams, rec)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer tr.Close()

	rec.expect(t, "up")
	rec.expect(t, `frame:{"n":1}`)
	rec.expect(t, "down")
	rec.expect(t, "up")
	rec.expect(t, `frame:{"n":2}`)
}

// roomRecorder reports a live room the way the session controller does.
type roomRecorder struct {
	*recorder
	room atomic.Value
}

func (r *roomRecorder) CurrentParams() Params {
	p := testParams
	p.Room = r.room.Load().(string)
	return p
}

func TestWebSocketRedialUsesCurrentParams(t *testing.T) {
	rooms := make(chan string, 2)
	release := make(chan struct{})
	url := newBackend(t, func(n int, r *http.Request, conn *websocket.Conn) {
		rooms <- r.URL.Query().Get("room")
		if n == 1 {
			<-release
			return
		}
		drain(conn)
	})

	rec := &roomRecorder{recorder: newRecorder()}
	rec.room.Store("tavern")
	tr, err := NewWebSocketDialer(testWebSocketConfig(url)).Dial(context.Background(), testParams, rec)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer tr.Close()

	rec.expect(t, "up")
	rec.room.Store("dungeon")
	close(release)
	rec.expect(t, "down")
	rec.expect(t, "up")

	if first, second := <-rooms, <-rooms; first != "tavern" || second != "dungeon" {
		t.Errorf("expected redial into dungeon, got %q then %q", first, second)
	}
}

func TestWebSocketSetConnAfterClose(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	defer client.Close()

	tr := &wsTransport{closed: true}
	if tr.setConn(client) {
		t.Fatal("expected a connection to be refused after Close")
	}
	if tr.Connected() {
		t.Error("expected not connected")
	}
	if err := tr.Send(context.Background(), []byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestWebSocketGivesUpAfterMaxAttempts(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	srv.Close()

	rec := newRecorder()
	config := testWebSocketConfig(url)
	tr, err := NewWebSocketDialer(config).Dial(context.Background(), testParams, rec)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer tr.Close()

	// One initial attempt plus MaxAttempts retries, each reported as down.
	for i := 0; i < config.Retry.MaxAttempts+1; i++ {
		rec.expect(t, "down")
	}
	select {
	case <-tr.(*wsTransport).Done():
	case <-time.After(3 * time.Second):
		t.Fatal("connect loop did not stop after exhausting retries")
	}
	rec.expectNothing(t, 100*time.Millisecond)

	if err := tr.Send(context.Background(), []byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestWebSocketCloseReportsNoLinkDown(t *testing.T) {
	url := newBackend(t, func(_ int, _ *http.Request, conn *websocket.Conn) {
		drain(conn)
	})

	rec := newRecorder()
	tr, err := NewWebSocketDialer(testWebSocketConfig(url)).Dial(context.Background(), testParams, rec)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	rec.expect(t, "up")

	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	<-tr.(*wsTransport).Done()
	rec.expectNothing(t, 100*time.Millisecond)

	if tr.Connected() {
		t.Error("expected not connected after Close")
	}
	if err := tr.Send(context.Background(), []byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestWebSocketContextCancelStopsLoop(t *testing.T) {
	url := newBackend(t, func(_ int, _ *http.Request, conn *websocket.Conn) {
		drain(conn)
	})

	ctx, cancel := context.WithCancel(context.Background())
	rec := newRecorder()
	tr, err := NewWebSocketDialer(testWebSocketConfig(url)).Dial(ctx, testParams, rec)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer tr.Close()
	rec.expect(t, "up")

	cancel()
	select {
	case <-tr.(*wsTransport).Done():
	case <-time.After(3 * time.Second):
		t.Fatal("connect loop still running after cancel")
	}
}

func TestWebSocketAnswersServerPing(t *testing.T) {
	pong := make(chan string, 1)
	url := newBackend(t, func(_ int, _ *http.Request, conn *websocket.Conn) {
		conn.SetPongHandler(func(data string) error {
			pong <- data
			return nil
		})
		conn.WriteControl(websocket.PingMessage, []byte("hb"), time.Now().Add(time.Second))
		drain(conn)
	})

	rec := newRecorder()
	tr, err := NewWebSocketDialer(testWebSocketConfig(url)).Dial(context.Background(), testParams, rec)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer tr.Close()
	rec.expect(t, "up")

	select {
	case got := <-pong:
		if got != "hb" {
			t.Errorf("expected pong payload hb, got %q", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("client never answered the ping")
	}
}

func TestWebSocketHeartbeatPings(t *testing.T) {
	pinged := make(chan struct{}, 1)
	url := newBackend(t, func(_ int, _ *http.Request, conn *websocket.Conn) {
		conn.SetPingHandler(func(string) error {
			select {
			case pinged <- struct{}{}:
			default:
			}
			return nil
		})
		drain(conn)
	})

	config := testWebSocketConfig(url)
	config.PingInterval = 20 * time.Millisecond
	config.PingTimeout = time.Second

	rec := newRecorder()
	tr, err := NewWebSocketDialer(config).Dial(context.Background(), testParams, rec)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer tr.Close()
	rec.expect(t, "up")

	select {
	case <-pinged:
	case <-time.After(3 * time.Second):
		t.Fatal("server never received a heartbeat ping")
	}
}

func TestDialRejectsNilHandler(t *testing.T) {
	if _, err := NewWebSocketDialer(DefaultWebSocketConfig()).Dial(context.Background(), testParams, nil); err == nil {
		t.Error("expected error for nil handler")
	}
}

// ---------------------------------------------------------------------------
// Brokers (skipped when no local server is running)
// ---------------------------------------------------------------------------

func TestRedisTransportRoundTrip(t *testing.T) {
	ctx := context.Background()
	backend := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer backend.Close()
	if err := backend.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	connects := backend.Subscribe(ctx, ChannelConnect)
	defer connects.Close()
	if _, err := connects.Receive(ctx); err != nil {
		t.Fatalf("subscribe connect channel: %v", err)
	}

	rec := newRecorder()
	config := DefaultRedisConfig()
	config.Retry = RetryPolicy{Delay: 20 * time.Millisecond, MaxAttempts: 1}
	tr, err := NewRedisDialer(config).Dial(ctx, testParams, rec)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer tr.Close()
	rec.expect(t, "up")

	var ann ConnectAnnouncement
	select {
	case msg := <-connects.Channel():
		if err := json.Unmarshal([]byte(msg.Payload), &ann); err != nil {
			t.Fatalf("decode announcement: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no connect announcement")
	}
	if ann.ClientID == "" || ann.Username != "Ada" || ann.Room != "tavern" {
		t.Fatalf("unexpected announcement: %+v", ann)
	}

	actions := backend.Subscribe(ctx, ActionsChannel(ann.ClientID))
	defer actions.Close()
	if _, err := actions.Receive(ctx); err != nil {
		t.Fatalf("subscribe actions channel: %v", err)
	}

	backend.Publish(ctx, EventsChannel(ann.ClientID), `{"type":"connected"}`)
	rec.expect(t, `frame:{"type":"connected"}`)

	if err := tr.Send(ctx, []byte(`{"type":"join_room"}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case msg := <-actions.Channel():
		if msg.Payload != `{"type":"join_room"}` {
			t.Errorf("unexpected action payload %q", msg.Payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("action never published")
	}
}

func TestNATSTransportRoundTrip(t *testing.T) {
	backend, err := nats.Connect(nats.DefaultURL, nats.Timeout(time.Second))
	if err != nil {
		t.Skipf("NATS not available: %v", err)
	}
	defer backend.Close()

	connects, err := backend.SubscribeSync(SubjectConnect)
	if err != nil {
		t.Fatalf("subscribe connect subject: %v", err)
	}
	backend.Flush()

	rec := newRecorder()
	config := DefaultNATSConfig()
	config.Retry = RetryPolicy{Delay: 20 * time.Millisecond, MaxAttempts: 1}
	tr, err := NewNATSDialer(config).Dial(context.Background(), testParams, rec)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer tr.Close()
	rec.expect(t, "up")

	msg, err := connects.NextMsg(3 * time.Second)
	if err != nil {
		t.Fatalf("no connect announcement: %v", err)
	}
	var ann ConnectAnnouncement
	if err := json.Unmarshal(msg.Data, &ann); err != nil {
		t.Fatalf("decode announcement: %v", err)
	}
	if ann.ClientID == "" || ann.UserID != "u1" {
		t.Fatalf("unexpected announcement: %+v", ann)
	}

	actions, err := backend.SubscribeSync(ActionsSubject(ann.ClientID))
	if err != nil {
		t.Fatalf("subscribe actions subject: %v", err)
	}
	backend.Flush()

	backend.Publish(EventsSubject(ann.ClientID), []byte(`{"type":"connected"}`))
	rec.expect(t, `frame:{"type":"connected"}`)

	if err := tr.Send(context.Background(), []byte(`{"type":"send_message"}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := actions.NextMsg(3 * time.Second)
	if err != nil {
		t.Fatalf("action never published: %v", err)
	}
	if string(got.Data) != `{"type":"send_message"}` {
		t.Errorf("unexpected action %q", got.Data)
	}
}
