package render

import (
	htmlpkg "html"
	"strconv"
	"strings"
	"sync"

	"github.com/tavern/chat-app/internal/protocol"
)

// View receives rendering instructions from the session controller. All
// arguments are finished view models; implementations only place them.
type View interface {
	ShowStatus(badge BadgeView)
	RefreshCards(cards []CardView)
	AppendMessage(msg MessageView)
	AppendNotice(notice NoticeView)
	// SetTyping shows the indicator, or removes it when t is nil.
	SetTyping(t *TypingView)
	ClearMessages()
	ClearComposer()
}

// NodeKind tells message nodes apart from notices.
type NodeKind int

const (
	KindMessage NodeKind = iota
	KindNotice
)

// Node is one entry of the message list.
type Node struct {
	Kind    NodeKind
	Message MessageView
	Notice  NoticeView
}

// ID returns the DOM id of the node.
func (n Node) ID() string {
	if n.Kind == KindNotice {
		return n.Notice.ID
	}
	return n.Message.ID
}

// Panel is the in-memory chat panel: the message list, the participant
// cards, the typing indicator, the status badge and the composer draft. It
// is goroutine-safe so an HTTP viewer can read it while the controller writes.
type Panel struct {
	mu           sync.RWMutex
	nodes        []Node
	cards        []CardView
	typing       *TypingView
	status       *BadgeView
	draft        string
	scrollAnchor string
}

// NewPanel creates an empty panel.
func NewPanel() *Panel {
	return &Panel{}
}

// ShowStatus replaces the status badge.
func (p *Panel) ShowStatus(badge BadgeView) {
	p.mu.Lock()
	p.status = &badge
	p.mu.Unlock()
}

// RefreshCards discards every card and rebuilds the list from cards.
func (p *Panel) RefreshCards(cards []CardView) {
	cp := make([]CardView, len(cards))
	copy(cp, cards)

	p.mu.Lock()
	p.cards = cp
	p.mu.Unlock()
}

// AppendMessage adds a bubble and scrolls to it.
func (p *Panel) AppendMessage(msg MessageView) {
	p.append(Node{Kind: KindMessage, Message: msg})
}

// AppendNotice adds a system notice and scrolls to it.
func (p *Panel) AppendNotice(notice NoticeView) {
	p.append(Node{Kind: KindNotice, Notice: notice})
}

func (p *Panel) append(n Node) {
	p.mu.Lock()
	p.nodes = append(p.nodes, n)
	p.scrollAnchor = n.ID()
	p.mu.Unlock()
}

// SetTyping shows, overwrites or removes the typing indicator.
func (p *Panel) SetTyping(t *TypingView) {
	p.mu.Lock()
	if t == nil {
		p.typing = nil
	} else {
		v := *t
		p.typing = &v
	}
	p.mu.Unlock()
}

// ClearMessages empties the message list, including the typing indicator
// that lives inside it.
func (p *Panel) ClearMessages() {
	p.mu.Lock()
	p.nodes = nil
	p.typing = nil
	p.scrollAnchor = ""
	p.mu.Unlock()
}

// ClearComposer empties the draft.
func (p *Panel) ClearComposer() {
	p.mu.Lock()
	p.draft = ""
	p.mu.Unlock()
}

// SetDraft stores the composer contents.
func (p *Panel) SetDraft(text string) {
	p.mu.Lock()
	p.draft = text
	p.mu.Unlock()
}

// Draft returns the composer contents.
func (p *Panel) Draft() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.draft
}

// Nodes returns a copy of the message list.
func (p *Panel) Nodes() []Node {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Node, len(p.nodes))
	copy(out, p.nodes)
	return out
}

// Cards returns a copy of the participant cards.
func (p *Panel) Cards() []CardView {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]CardView, len(p.cards))
	copy(out, p.cards)
	return out
}

// Typing returns the visible typing indicator, if any.
func (p *Panel) Typing() (TypingView, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.typing == nil {
		return TypingView{}, false
	}
	return *p.typing, true
}

// Status returns the current badge, if one was ever shown.
func (p *Panel) Status() (BadgeView, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.status == nil {
		return BadgeView{}, false
	}
	return *p.status, true
}

// ScrollAnchor returns the id of the node the list is scrolled to.
func (p *Panel) ScrollAnchor() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.scrollAnchor
}

// ---------------------------------------------------------------------------
// HTML fragments
// ---------------------------------------------------------------------------

// MessagesHTML renders the message list with the typing indicator last.
func (p *Panel) MessagesHTML() string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var b strings.Builder
	b.WriteString(`<div class="card-body" data-scroll-anchor="`)
	b.WriteString(htmlpkg.EscapeString(p.scrollAnchor))
	b.WriteString(`">`)
	for _, n := range p.nodes {
		if n.Kind == KindNotice {
			writeNotice(&b, n.Notice)
		} else {
			writeMessage(&b, n.Message)
		}
	}
	if p.typing != nil {
		b.WriteString(`<div class="typing-indicator text-muted small">`)
		b.WriteString(htmlpkg.EscapeString(p.typing.Text))
		b.WriteString(`</div>`)
	}
	b.WriteString(`</div>`)
	return b.String()
}

// CardsHTML renders the player container.
func (p *Panel) CardsHTML() string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var b strings.Builder
	b.WriteString(`<div id="player-container">`)
	for _, c := range p.cards {
		writeCard(&b, c)
	}
	b.WriteString(`</div>`)
	return b.String()
}

// StatusHTML renders the connection badge, or nothing before the first
// transition.
func (p *Panel) StatusHTML() string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.status == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(`<div id="connection-status" class="position-fixed bottom-0 end-0 m-3"><span class="badge bg-`)
	b.WriteString(string(p.status.Level))
	b.WriteString(`">`)
	b.WriteString(htmlpkg.EscapeString(p.status.Text))
	b.WriteString(`</span></div>`)
	return b.String()
}

// HTML renders the whole panel.
func (p *Panel) HTML() string {
	var b strings.Builder
	b.WriteString(`<div class="chat-panel">`)
	b.WriteString(p.CardsHTML())
	b.WriteString(p.MessagesHTML())
	b.WriteString(p.StatusHTML())
	b.WriteString(`</div>`)
	return b.String()
}

func writeMessage(b *strings.Builder, m MessageView) {
	outgoing := m.Direction == protocol.DirectionOutgoing
	name := htmlpkg.EscapeString(m.Username)

	b.WriteString(`<div class="d-flex mb-3`)
	if outgoing {
		b.WriteString(` flex-row-reverse`)
	}
	b.WriteString(`" data-message-id="`)
	b.WriteString(htmlpkg.EscapeString(m.ID))
	b.WriteString(`"><img class="rounded-circle me-2" width="40" height="40" alt="`)
	b.WriteString(name)
	b.WriteString(`" src="`)
	b.WriteString(htmlpkg.EscapeString(m.AvatarSrc))
	b.WriteString(`"><div class="message `)
	switch m.Direction {
	case protocol.DirectionOutgoing:
		b.WriteString(`message-out me-2`)
	case protocol.DirectionServer:
		b.WriteString(`message-server`)
	default:
		b.WriteString(`message-in`)
	}
	b.WriteString(`"><div class="message-content">`)
	b.WriteString(htmlpkg.EscapeString(m.Text))
	b.WriteString(`</div><div class="message-meta small text-muted`)
	if outgoing {
		b.WriteString(` text-end`)
	}
	b.WriteString(`"><span class="username fw-bold">`)
	b.WriteString(name)
	b.WriteString(`</span><span class="time ms-2">`)
	b.WriteString(htmlpkg.EscapeString(m.Time))
	b.WriteString(`</span></div></div></div>`)
}

func writeNotice(b *strings.Builder, n NoticeView) {
	b.WriteString(`<div class="system-message text-center my-2 text-`)
	b.WriteString(string(n.Level))
	b.WriteString(`" id="`)
	b.WriteString(htmlpkg.EscapeString(n.ID))
	b.WriteString(`"><span class="badge bg-`)
	b.WriteString(string(n.Level))
	b.WriteString(`">`)
	b.WriteString(htmlpkg.EscapeString(n.Text))
	b.WriteString(`</span></div>`)
}

func writeCard(b *strings.Builder, c CardView) {
	life := strconv.Itoa(c.Life)

	b.WriteString(`<div class="mb-4 player-card rounded-1" id="`)
	b.WriteString(htmlpkg.EscapeString(c.ID))
	b.WriteString(`"><img class="card-img-top player-avatar" alt="Player Avatar" src="`)
	b.WriteString(htmlpkg.EscapeString(c.AvatarSrc))
	b.WriteString(`"><div class="player-info"><span class="player-name">`)
	b.WriteString(htmlpkg.EscapeString(c.Username))
	b.WriteString(`</span><div class="progress lifebar-container" role="lifebar" aria-label="Lifebar" aria-valuenow="`)
	b.WriteString(life)
	b.WriteString(`" aria-valuemin="0" aria-valuemax="100"><div class="progress-bar lifebar-health" style="width: `)
	b.WriteString(life)
	b.WriteString(`%"></div></div></div></div>`)
}
