package session

import "github.com/tavern/chat-app/internal/render"

// ConnectionState tracks the link to the chat backend.
type ConnectionState int

const (
	StateIdle         ConnectionState = iota // not yet connected
	StateConnecting                          // link up, waiting for the backend's confirmation
	StateConnected                           // connected event received
	StateDisconnected                        // link lost or never established
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Badge returns the status badge shown for s. Idle has none.
func (s ConnectionState) Badge() (render.BadgeView, bool) {
	switch s {
	case StateConnecting:
		return render.Status("Connecting...", render.LevelWarning), true
	case StateConnected:
		return render.Status("Connected", render.LevelSuccess), true
	case StateDisconnected:
		return render.Status("Disconnected", render.LevelDanger), true
	default:
		return render.BadgeView{}, false
	}
}
