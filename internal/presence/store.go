// Package presence holds the set of participants currently connected to the
// room, keyed by session id. The set is only ever replaced as a whole with a
// snapshot pushed by the backend; the client never predicts membership.
package presence

import (
	"sort"
	"strings"
	"sync"

	"github.com/tavern/chat-app/internal/protocol"
)

// DefaultLife is used when the backend does not report a life percentage.
const DefaultLife = 100

// Participant is one connected session as the backend described it.
type Participant struct {
	SessionID string
	UserID    string
	Username  string
	Avatar    string // inline image data or a reference
	Life      int    // 0..100
}

// Set maps session id to participant.
type Set map[string]Participant

// FromActiveUsers converts a wire snapshot into a Set, filling in the default
// life and clamping out-of-range values.
func FromActiveUsers(users protocol.ActiveUsers) Set {
	set := make(Set, len(users))
	for sid, u := range users {
		life := DefaultLife
		if u.Life != nil {
			life = clampLife(*u.Life)
		}
		set[sid] = Participant{
			SessionID: sid,
			UserID:    u.UserID,
			Username:  u.Username,
			Avatar:    u.Avatar,
			Life:      life,
		}
	}
	return set
}

func clampLife(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// Store is the single source of truth for who is in the room right now.
// It is goroutine-safe.
type Store struct {
	mu  sync.RWMutex
	set Set
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{set: make(Set)}
}

// ReplaceAll swaps the whole set for the given snapshot. The snapshot is
// copied so later changes by the caller do not leak in.
func (s *Store) ReplaceAll(next Set) {
	cp := make(Set, len(next))
	for sid, p := range next {
		p.SessionID = sid
		cp[sid] = p
	}

	s.mu.Lock()
	s.set = cp
	s.mu.Unlock()
}

// Lookup returns the participant for a session id.
func (s *Store) Lookup(sid string) (Participant, bool) {
	s.mu.RLock()
	p, ok := s.set[sid]
	s.mu.RUnlock()
	return p, ok
}

// Len returns the number of participants.
func (s *Store) Len() int {
	s.mu.RLock()
	n := len(s.set)
	s.mu.RUnlock()
	return n
}

// Snapshot returns the participants sorted by username, then session id,
// so that repeated renders of the same set are identical.
func (s *Store) Snapshot() []Participant {
	s.mu.RLock()
	list := make([]Participant, 0, len(s.set))
	for _, p := range s.set {
		list = append(list, p)
	}
	s.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		a, b := strings.ToLower(list[i].Username), strings.ToLower(list[j].Username)
		if a == b {
			return list[i].SessionID < list[j].SessionID
		}
		return a < b
	})
	return list
}
