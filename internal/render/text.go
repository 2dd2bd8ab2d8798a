package render

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/tavern/chat-app/internal/protocol"
)

// TextView prints the panel as plain lines, for terminals.
type TextView struct {
	mu     sync.Mutex
	w      io.Writer
	typing string
}

// NewTextView creates a TextView writing to w.
func NewTextView(w io.Writer) *TextView {
	return &TextView{w: w}
}

func (t *TextView) printf(format string, args ...interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.w, format+"\n", args...)
}

// ShowStatus prints the badge text.
func (t *TextView) ShowStatus(badge BadgeView) {
	t.printf("[status] %s", badge.Text)
}

// RefreshCards prints the participant list with life levels.
func (t *TextView) RefreshCards(cards []CardView) {
	names := make([]string, 0, len(cards))
	for _, c := range cards {
		names = append(names, fmt.Sprintf("%s (%d%%)", c.Username, c.Life))
	}
	t.printf("[players] %s", strings.Join(names, ", "))
}

// AppendMessage prints one message, marked by direction.
func (t *TextView) AppendMessage(m MessageView) {
	switch m.Direction {
	case protocol.DirectionOutgoing:
		t.printf("%s > %s: %s", m.Time, m.Username, m.Text)
	default:
		t.printf("%s < %s: %s", m.Time, m.Username, m.Text)
	}
}

// AppendNotice prints a system notice.
func (t *TextView) AppendNotice(n NoticeView) {
	t.printf("*** %s", n.Text)
}

// SetTyping prints only when the indicator text changes.
func (t *TextView) SetTyping(v *TypingView) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v == nil {
		t.typing = ""
		return
	}
	if v.Text == t.typing {
		return
	}
	t.typing = v.Text
	fmt.Fprintf(t.w, "... %s\n", v.Text)
}

// ClearMessages prints a separator; terminal history cannot be erased.
func (t *TextView) ClearMessages() {
	t.mu.Lock()
	t.typing = ""
	t.mu.Unlock()
	t.printf("%s", strings.Repeat("-", 40))
}

// ClearComposer is a no-op: the terminal has no composer.
func (t *TextView) ClearComposer() {}

// Tee fans every call out to all views in order.
type Tee []View

// ShowStatus forwards to every view.
func (v Tee) ShowStatus(badge BadgeView) {
	for _, x := range v {
		x.ShowStatus(badge)
	}
}

// RefreshCards forwards to every view.
func (v Tee) RefreshCards(cards []CardView) {
	for _, x := range v {
		x.RefreshCards(cards)
	}
}

// AppendMessage forwards to every view.
func (v Tee) AppendMessage(m MessageView) {
	for _, x := range v {
		x.AppendMessage(m)
	}
}

// AppendNotice forwards to every view.
func (v Tee) AppendNotice(n NoticeView) {
	for _, x := range v {
		x.AppendNotice(n)
	}
}

// SetTyping forwards to every view.
func (v Tee) SetTyping(t *TypingView) {
	for _, x := range v {
		x.SetTyping(t)
	}
}

// ClearMessages forwards to every view.
func (v Tee) ClearMessages() {
	for _, x := range v {
		x.ClearMessages()
	}
}

// ClearComposer forwards to every view.
func (v Tee) ClearComposer() {
	for _, x := range v {
		x.ClearComposer()
	}
}
