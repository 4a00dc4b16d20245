package chat

import (
	"sync"
	"time"

	"github.com/zhouzirui/memochat/backend/internal/model/chat"
)

// Session owns the short-term memory of a single user: the message window and
// the completed-turn counter.
type Session struct {
	userID string

	// turnMu orders whole turns (and clears) for this user. Other users never
	// touch it.
	turnMu sync.Mutex

	mu         sync.Mutex
	buffer     *Buffer
	turns      int
	flushed    int
	createdAt  time.Time
	lastActive time.Time
}

func newSession(userID string, window int, now time.Time) *Session {
	return &Session{
		userID:     userID,
		buffer:     NewBuffer(window),
		createdAt:  now,
		lastActive: now,
	}
}

// UserID returns the owner of the session.
func (s *Session) UserID() string {
	return s.userID
}

// append buffers msg and returns the resulting window.
func (s *Session) append(msg chat.Message, now time.Time) []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buffer.Append(msg)
	s.lastActive = now
	return s.buffer.Contents()
}

// completeTurn advances the turn counter and returns the new value.
func (s *Session) completeTurn() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.turns++
	return s.turns
}

func (s *Session) turnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns
}

// markFlushed records that everything up to count has reached long-term
// memory. A clear in between may have lowered the counter, so never move past it.
func (s *Session) markFlushed(count int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if count > s.turns {
		count = s.turns
	}
	if count > s.flushed {
		s.flushed = count
	}
}

func (s *Session) reset(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buffer.Reset()
	s.turns = 0
	s.flushed = 0
	s.lastActive = now
}

func (s *Session) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActive)
}

// State returns a snapshot of the session.
func (s *Session) State() chat.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return chat.SessionState{
		UserID:       s.userID,
		Messages:     s.buffer.Contents(),
		TurnCount:    s.turns,
		FlushedCount: s.flushed,
		CreatedAt:    s.createdAt,
		LastActiveAt: s.lastActive,
	}
}
