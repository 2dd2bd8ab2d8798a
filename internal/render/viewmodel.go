// Package render maps presence and chat events to view models and keeps the
// rendered chat panel. The mapping functions in this file are pure; Panel and
// TextView are the adapters that hold or print the result.
package render

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tavern/chat-app/internal/presence"
	"github.com/tavern/chat-app/internal/protocol"
)

// Level is the colour class of notices and badges.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelDanger  Level = "danger"
)

// Fixed identity for messages the server authored.
const (
	ServerName   = "Server"
	ServerAvatar = "/static/server.png"
)

// DefaultAvatar is shown when neither the presence set nor the message
// carries an avatar.
const DefaultAvatar = "/static/default.png"

// StaticPrefix is prepended to relative avatar references.
const StaticPrefix = "/static/"

// TimeLayout is how message timestamps are displayed (two-digit hour and
// minute).
const TimeLayout = "15:04"

// MessageView is one chat bubble.
type MessageView struct {
	ID        string
	Username  string
	AvatarSrc string
	Text      string
	Time      string
	Direction string // protocol.DirectionIncoming, DirectionOutgoing or DirectionServer
}

// NoticeView is a system notice rendered centred, outside any bubble.
type NoticeView struct {
	ID    string
	Text  string
	Level Level
}

// CardView is one participant card.
type CardView struct {
	ID        string // DOM id, derived from the session id
	SessionID string
	Username  string
	AvatarSrc string
	Life      int
}

// TypingView is the single typing indicator.
type TypingView struct {
	Username string
	Text     string
}

// BadgeView is the connection status badge.
type BadgeView struct {
	Text  string
	Level Level
}

// Lookup resolves a session id to a participant. *presence.Store satisfies it.
type Lookup interface {
	Lookup(sid string) (presence.Participant, bool)
}

// Message builds the bubble for msg. Attribution prefers the presence set,
// then the fields carried by the message itself. Server messages always use
// the fixed server identity and direction.
func Message(msg protocol.ChatMessage, direction string, lookup Lookup) MessageView {
	v := MessageView{
		ID:        msg.ID,
		Username:  msg.Username,
		Text:      msg.Message,
		Time:      FormatTime(msg.Timestamp),
		Direction: direction,
	}
	avatar := msg.Avatar

	if msg.SID == protocol.ServerSender || direction == protocol.DirectionServer {
		v.Username = ServerName
		v.AvatarSrc = ServerAvatar
		v.Direction = protocol.DirectionServer
		return v
	}

	if lookup != nil && msg.SID != "" {
		if p, ok := lookup.Lookup(msg.SID); ok {
			if p.Username != "" {
				v.Username = p.Username
			}
			if p.Avatar != "" {
				avatar = p.Avatar
			}
		}
	}
	v.AvatarSrc = AvatarSrc(avatar)
	return v
}

// Cards builds one card per participant, in the given order.
func Cards(participants []presence.Participant) []CardView {
	cards := make([]CardView, 0, len(participants))
	for _, p := range participants {
		cards = append(cards, CardView{
			ID:        CardID(p.SessionID),
			SessionID: p.SessionID,
			Username:  p.Username,
			AvatarSrc: AvatarSrc(p.Avatar),
			Life:      p.Life,
		})
	}
	return cards
}

// CardID derives the DOM id of a participant card.
func CardID(sid string) string {
	return "player-" + sid
}

// Notice builds a system notice with a fresh node id.
func Notice(text string, level Level) NoticeView {
	return NoticeView{
		ID:    "notice-" + uuid.NewString(),
		Text:  text,
		Level: level,
	}
}

// Typing builds the indicator text for username.
func Typing(username string) TypingView {
	return TypingView{
		Username: username,
		Text:     username + " is typing...",
	}
}

// Status builds a connection badge.
func Status(text string, level Level) BadgeView {
	return BadgeView{Text: text, Level: level}
}

// AvatarSrc turns an avatar reference into an image source. Absolute URLs,
// absolute paths and inline data URIs pass through unchanged.
func AvatarSrc(avatar string) string {
	switch {
	case avatar == "":
		return DefaultAvatar
	case strings.HasPrefix(avatar, "http"),
		strings.HasPrefix(avatar, "data:"),
		strings.HasPrefix(avatar, "/"):
		return avatar
	default:
		return StaticPrefix + avatar
	}
}

// timestampLayouts covers the zone-less ISO forms the backend produces.
var timestampLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

// FormatTime renders an ISO timestamp as local hour:minute. Timestamps with a
// zone are converted to local time; zone-less ones are taken as local wall
// time. Unparseable input yields an empty string.
func FormatTime(ts string) string {
	ts = strings.TrimSpace(ts)
	if ts == "" {
		return ""
	}
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		return t.Local().Format(TimeLayout)
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, ts, time.Local); err == nil {
			return t.Format(TimeLayout)
		}
	}
	return ""
}
