// Package session implements the chat session controller: it owns the link
// to the backend, applies inbound events to the presence set and the view,
// and turns user actions into outbound events.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tavern/chat-app/internal/metrics"
	"github.com/tavern/chat-app/internal/presence"
	"github.com/tavern/chat-app/internal/protocol"
	"github.com/tavern/chat-app/internal/render"
	"github.com/tavern/chat-app/internal/transport"
)

var (
	// ErrNotConnected is returned when an action needs a confirmed session.
	ErrNotConnected = errors.New("session: not connected")

	// ErrInvalidMessage is returned for text that fails ValidateMessage.
	ErrInvalidMessage = errors.New("session: invalid message")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session: closed")
)

// NotConnectedAlert is the blocking alert shown when sending without a session.
const NotConnectedAlert = "Not connected to chat server. Please refresh the page."

// Config identifies the local user. It does not change for the lifetime of
// a Controller.
type Config struct {
	UserID      string
	CharacterID string
	Username    string
	Avatar      string
	Room        string        // initial room
	TypingIdle  time.Duration // typing stop debounce
	HistoryWait time.Duration // bound on the history fetch after connecting
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Room:        "tavern",
		TypingIdle:  1000 * time.Millisecond,
		HistoryWait: 5 * time.Second,
	}
}

// Alerter shows a blocking alert to the user.
type Alerter interface {
	Alert(text string)
}

// Notifier is told about every message from another participant.
type Notifier interface {
	Notify(msg protocol.ChatMessage)
}

// History loads earlier messages of a room.
type History interface {
	Messages(ctx context.Context, room string) ([]protocol.ChatMessage, error)
}

// Timer is the subset of *time.Timer the controller uses.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d.
type AfterFunc func(d time.Duration, f func()) Timer

// Option configures a Controller.
type Option func(*Controller)

// WithAlerter sets the alert sink. The default logs the alert.
func WithAlerter(a Alerter) Option {
	return func(c *Controller) { c.alerter = a }
}

// WithNotifier sets the new-message hook.
func WithNotifier(n Notifier) Option {
	return func(c *Controller) { c.notifier = n }
}

// WithHistory replays the room's earlier messages once the first session is
// confirmed.
func WithHistory(h History) Option {
	return func(c *Controller) { c.history = h }
}

// WithAfterFunc replaces time.AfterFunc for the typing timer.
func WithAfterFunc(f AfterFunc) Option {
	return func(c *Controller) { c.afterFunc = f }
}

// WithPresence shares an existing presence store with the controller.
func WithPresence(s *presence.Store) Option {
	return func(c *Controller) { c.presence = s }
}

// Controller is the chat session. All transport callbacks, timer callbacks
// and user actions run to completion under mu, in delivery order.
type Controller struct {
	cfg       Config
	dialer    transport.Dialer
	view      render.View
	presence  *presence.Store
	alerter   Alerter
	notifier  Notifier
	history   History
	afterFunc AfterFunc

	mu            sync.Mutex
	conn          transport.Transport
	gen           uint64 // bumped on every Connect; stale callbacks compare against it
	state         ConnectionState
	room          string
	typing        bool
	typingTimer   Timer
	typingGen     uint64
	historyLoaded bool
	closed        bool

	// A history fetch runs without mu. Until it lands, appends to the
	// message list are held in backlog so the history stays on top.
	historyPending bool
	historyToken   uint64 // bumped to discard a pending fetch
	historyDone    chan struct{}
	backlog        []render.Node
}

// New creates a controller. Nothing is dialed until Connect.
func New(cfg Config, dialer transport.Dialer, view render.View, opts ...Option) *Controller {
	if cfg.TypingIdle <= 0 {
		cfg.TypingIdle = DefaultConfig().TypingIdle
	}
	if cfg.HistoryWait <= 0 {
		cfg.HistoryWait = DefaultConfig().HistoryWait
	}
	c := &Controller{
		cfg:       cfg,
		dialer:    dialer,
		view:      view,
		room:      cfg.Room,
		alerter:   logAlerter{},
		afterFunc: timeAfterFunc,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.presence == nil {
		c.presence = presence.NewStore()
	}
	return c
}

// State returns the current connection state.
func (c *Controller) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Room returns the room the backend last confirmed.
func (c *Controller) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// Presence returns the participant store.
func (c *Controller) Presence() *presence.Store {
	return c.presence
}

// Connect replaces any existing transport with a new one. Failures to reach
// the backend surface as the disconnected state, never as an error; the
// returned error is only for an unusable dialer or a closed controller.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.stopTypingTimer()
	c.typing = false
	c.gen++
	gen := c.gen
	c.setState(StateConnecting)
	params := c.params()
	c.mu.Unlock()

	// Dial without the lock: a transport may report its first callbacks
	// before Dial returns.
	conn, err := c.dialer.Dial(ctx, params, &link{c: c, gen: gen})

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if gen == c.gen {
			c.setState(StateDisconnected)
		}
		return fmt.Errorf("session: dial: %w", err)
	}
	if c.closed || gen != c.gen {
		conn.Close()
		if c.closed {
			return ErrClosed
		}
		return nil
	}
	c.conn = conn
	log.Info().Msgf("[session] connecting user=%s room=%s", c.cfg.UserID, c.room)
	return nil
}

// Close disposes the transport and the typing timer. Later callbacks from
// either are ignored.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.gen++
	c.stopTypingTimer()
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// SendMessage sends text to the room. Blank text is ignored. Without a
// confirmed session the user is alerted and nothing is sent.
func (c *Controller) SendMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if !c.sendable() {
		c.alerter.Alert(NotConnectedAlert)
		return ErrNotConnected
	}
	if err := ValidateMessage(text); err != nil {
		c.alerter.Alert(err.Error())
		return err
	}

	c.view.ClearComposer()

	c.stopTypingTimer()
	c.typing = false
	if err := c.emit(ctx, protocol.TypeTyping, protocol.TypingMsg{Username: c.cfg.Username, IsTyping: false}); err != nil {
		log.Warn().Err(err).Msg("[session] typing stop failed")
	}

	return c.emit(ctx, protocol.TypeSendMessage, protocol.SendMessageMsg{Message: text})
}

// NotifyTyping reports composer activity. typing=true is a keystroke,
// typing=false is the composer losing focus. Ignored while not connected.
func (c *Controller) NotifyTyping(ctx context.Context, typing bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if !c.sendable() {
		return nil
	}

	if !typing {
		c.stopTypingTimer()
		if !c.typing {
			return nil
		}
		c.typing = false
		return c.emit(ctx, protocol.TypeTyping, protocol.TypingMsg{Username: c.cfg.Username, IsTyping: false})
	}

	c.stopTypingTimer()
	var err error
	if !c.typing {
		c.typing = true
		err = c.emit(ctx, protocol.TypeTyping, protocol.TypingMsg{Username: c.cfg.Username, IsTyping: true})
	}
	c.typingGen++
	tgen := c.typingGen
	c.typingTimer = c.afterFunc(c.cfg.TypingIdle, func() { c.typingExpired(tgen) })
	return err
}

// JoinRoom asks the backend to move this session to room. The local room
// only changes when the backend confirms with room_joined.
func (c *Controller) JoinRoom(ctx context.Context, room string) error {
	room = strings.TrimSpace(room)
	if room == "" {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if !c.sendable() {
		return ErrNotConnected
	}
	return c.emit(ctx, protocol.TypeJoinRoom, protocol.JoinRoomMsg{Room: room})
}

// ---------------------------------------------------------------------------
// Internals (c.mu held)
// ---------------------------------------------------------------------------

func (c *Controller) params() transport.Params {
	return transport.Params{
		UserID:      c.cfg.UserID,
		CharacterID: c.cfg.CharacterID,
		Username:    c.cfg.Username,
		Room:        c.room,
	}
}

func (c *Controller) sendable() bool {
	return c.state == StateConnected && c.conn != nil
}

func (c *Controller) emit(ctx context.Context, msgType string, payload interface{}) error {
	data, err := protocol.NewClientMessage(msgType, payload)
	if err != nil {
		return fmt.Errorf("session: build %s: %w", msgType, err)
	}
	if err := c.conn.Send(ctx, data); err != nil {
		return fmt.Errorf("session: send %s: %w", msgType, err)
	}
	metrics.EventsTotal.WithLabelValues("out", msgType).Inc()
	return nil
}

func (c *Controller) setState(s ConnectionState) {
	if c.state == s {
		return
	}
	c.state = s
	metrics.ConnectionState.Set(float64(s))
	if badge, ok := s.Badge(); ok {
		c.view.ShowStatus(badge)
	}
}

func (c *Controller) stopTypingTimer() {
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	c.typingGen++
}

func (c *Controller) typingExpired(tgen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || tgen != c.typingGen || !c.typing {
		return
	}
	c.typing = false
	c.typingTimer = nil
	if !c.sendable() {
		return
	}
	if err := c.emit(context.Background(), protocol.TypeTyping, protocol.TypingMsg{Username: c.cfg.Username, IsTyping: false}); err != nil {
		log.Warn().Err(err).Msg("[session] typing stop failed")
	}
}

func (c *Controller) refreshCards() {
	metrics.Participants.Set(float64(c.presence.Len()))
	c.view.RefreshCards(render.Cards(c.presence.Snapshot()))
}

// replacePresence swaps in a backend snapshot. A missing snapshot leaves the
// set untouched.
func (c *Controller) replacePresence(users protocol.ActiveUsers) {
	if users == nil {
		return
	}
	c.presence.ReplaceAll(presence.FromActiveUsers(users))
}

// withoutUsername rebuilds the presence set minus every participant named
// username.
func (c *Controller) withoutUsername(username string) {
	next := make(presence.Set)
	for _, p := range c.presence.Snapshot() {
		if p.Username != username {
			next[p.SessionID] = p
		}
	}
	c.presence.ReplaceAll(next)
}

// loadHistory starts the one-time history fetch for the current room.
func (c *Controller) loadHistory() {
	if c.history == nil || c.historyLoaded {
		return
	}
	c.historyLoaded = true
	c.historyPending = true
	c.historyToken++
	done := make(chan struct{})
	c.historyDone = done
	go c.fetchHistory(c.historyToken, c.room, done)
}

func (c *Controller) fetchHistory(token uint64, room string, done chan struct{}) {
	defer close(done)

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HistoryWait)
	defer cancel()
	msgs, err := c.history.Messages(ctx, room)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || token != c.historyToken {
		return
	}
	if err != nil {
		log.Warn().Err(err).Msgf("[session] history for room=%s unavailable", room)
	} else {
		for _, m := range msgs {
			if m.UserID != "" && m.UserID == c.cfg.UserID {
				c.view.AppendMessage(c.outgoing(m))
			} else {
				c.view.AppendMessage(render.Message(m, protocol.DirectionIncoming, c.presence))
			}
		}
		log.Debug().Msgf("[session] replayed %d messages for room=%s", len(msgs), room)
	}

	backlog := c.backlog
	c.backlog = nil
	c.historyPending = false
	for _, n := range backlog {
		if n.Kind == render.KindNotice {
			c.view.AppendNotice(n.Notice)
		} else {
			c.view.AppendMessage(n.Message)
		}
	}
}

// dropHistory discards a pending fetch and everything held behind it. Used
// when the message list is about to be cleared.
func (c *Controller) dropHistory() {
	if !c.historyPending {
		return
	}
	c.historyToken++
	c.historyPending = false
	c.backlog = nil
}

func (c *Controller) appendMessage(m render.MessageView) {
	if c.historyPending {
		c.backlog = append(c.backlog, render.Node{Kind: render.KindMessage, Message: m})
		return
	}
	c.view.AppendMessage(m)
}

func (c *Controller) appendNotice(n render.NoticeView) {
	if c.historyPending {
		c.backlog = append(c.backlog, render.Node{Kind: render.KindNotice, Notice: n})
		return
	}
	c.view.AppendNotice(n)
}

// outgoing builds the bubble for one of our own messages, falling back to
// the configured avatar when neither the message nor presence has one.
func (c *Controller) outgoing(m protocol.ChatMessage) render.MessageView {
	if m.Avatar == "" {
		m.Avatar = c.cfg.Avatar
	}
	return render.Message(m, protocol.DirectionOutgoing, c.presence)
}

// enterRoom switches the local room and starts a fresh message list.
func (c *Controller) enterRoom(room string) {
	c.room = room
	c.dropHistory()
	c.view.ClearMessages()
	c.appendNotice(render.Notice("You joined room: "+room, render.LevelSuccess))
	log.Info().Msgf("[session] joined room=%s", room)
}

// ---------------------------------------------------------------------------
// Transport callbacks
// ---------------------------------------------------------------------------

// link binds transport callbacks to one connection generation.
type link struct {
	c   *Controller
	gen uint64
}

// CurrentParams gives transports the room the backend last confirmed, so a
// redial rejoins it.
func (l *link) CurrentParams() transport.Params {
	c := l.c
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params()
}

func (l *link) LinkUp() {
	c := l.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || l.gen != c.gen {
		return
	}
	c.setState(StateConnecting)
}

func (l *link) LinkDown(err error) {
	c := l.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || l.gen != c.gen {
		return
	}
	c.stopTypingTimer()
	c.typing = false
	c.setState(StateDisconnected)
	if err != nil {
		log.Debug().Err(err).Msg("[session] link down")
	}
}

func (l *link) Frame(data []byte) {
	c := l.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || l.gen != c.gen {
		return
	}

	ev, err := protocol.ParseServerEvent(data)
	if err != nil {
		var unknown *protocol.UnknownTypeError
		if errors.As(err, &unknown) {
			metrics.EventsTotal.WithLabelValues("dropped", unknown.Type).Inc()
		} else {
			metrics.EventsTotal.WithLabelValues("dropped", "malformed").Inc()
		}
		log.Warn().Err(err).Msg("[session] dropping frame")
		return
	}
	metrics.EventsTotal.WithLabelValues("in", ev.EventType()).Inc()
	c.dispatch(ev)
}

// dispatch applies one inbound event.
func (c *Controller) dispatch(ev protocol.Event) {
	switch ev := ev.(type) {
	case protocol.ConnectedEvent:
		c.setState(StateConnected)
		if ev.Room != "" && ev.Room != c.room {
			c.enterRoom(ev.Room)
		}
		c.replacePresence(ev.ActiveUsers)
		c.refreshCards()
		c.loadHistory()

	case protocol.NewMessageEvent:
		c.appendMessage(render.Message(ev.ChatMessage, protocol.DirectionIncoming, c.presence))
		if c.notifier != nil {
			c.notifier.Notify(ev.ChatMessage)
		}

	case protocol.MessageSentEvent:
		c.appendMessage(c.outgoing(ev.ChatMessage))
		c.view.ClearComposer()

	case protocol.UserJoinedEvent:
		c.appendNotice(render.Notice(ev.Username+" joined the chat", render.LevelInfo))
		c.replacePresence(ev.ActiveUsers)
		c.refreshCards()

	case protocol.UserLeftEvent:
		c.appendNotice(render.Notice(ev.Username+" left the chat", render.LevelInfo))
		if ev.ActiveUsers != nil {
			c.replacePresence(ev.ActiveUsers)
		} else {
			c.withoutUsername(ev.Username)
		}
		c.refreshCards()

	case protocol.UserTypingEvent:
		if ev.IsTyping {
			t := render.Typing(ev.Username)
			c.view.SetTyping(&t)
		} else {
			c.view.SetTyping(nil)
		}

	case protocol.RoomJoinedEvent:
		c.enterRoom(ev.Room)

	case protocol.ErrorEvent:
		text := ev.Message
		if text == "" {
			text = ev.Code
		}
		c.appendNotice(render.Notice(text, render.LevelDanger))

	default:
		log.Warn().Msgf("[session] unhandled event type=%q", ev.EventType())
	}
}

func timeAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// logAlerter is the default Alerter.
type logAlerter struct{}

func (logAlerter) Alert(text string) {
	log.Warn().Msgf("[session] alert: %s", text)
}
