package chat

import "time"

// SessionState is a read-only snapshot of one user's short-term memory.
type SessionState struct {
	UserID       string    `json:"userId"`
	Messages     []Message `json:"messages"`
	TurnCount    int       `json:"turnCount"`
	FlushedCount int       `json:"flushedCount"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

// Pending reports how many completed turns have not been pushed to long-term
// memory yet.
func (s SessionState) Pending() int {
	if s.TurnCount <= s.FlushedCount {
		return 0
	}
	return s.TurnCount - s.FlushedCount
}
