package chat

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// RegisterTimeout bounds a shared registration, which no longer follows the
// context of the caller that started it.
const RegisterTimeout = 30 * time.Second

// Registrar creates or fetches a user in the long-term store. It must be
// idempotent: registering an existing user is not an error.
type Registrar interface {
	RegisterUser(ctx context.Context, userID string) error
}

// Registry is the process-wide map from user id to Session. Sessions are
// created lazily, only after the long-term store accepted the user.
type Registry struct {
	registrar Registrar
	window    int
	now       func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session

	registering singleflight.Group
}

// NewRegistry creates an empty registry whose sessions hold 2*window messages.
func NewRegistry(registrar Registrar, window int) *Registry {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Registry{
		registrar: registrar,
		window:    window,
		now:       time.Now,
		sessions:  make(map[string]*Session),
	}
}

// Window returns the configured window size.
func (r *Registry) Window() int {
	return r.window
}

// Get returns the session for userID, or nil.
func (r *Registry) Get(userID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[userID]
}

// Ensure returns the session for userID, registering the user remotely and
// creating the session on first use. Concurrent first calls for the same user
// share a single registration; each caller stops waiting when its own ctx is
// done without cancelling the registration for the others.
func (r *Registry) Ensure(ctx context.Context, userID string) (*Session, error) {
	if userID == "" {
		return nil, ErrUserRequired
	}
	if session := r.Get(userID); session != nil {
		return session, nil
	}

	ch := r.registering.DoChan(userID, func() (any, error) {
		if session := r.Get(userID); session != nil {
			return session, nil
		}

		regCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), RegisterTimeout)
		defer cancel()

		if err := r.registrar.RegisterUser(regCtx, userID); err != nil {
			log.Printf("[chat] register user=%s failed: %v", userID, err)
			return nil, fmt.Errorf("%w %s: %w", ErrRegistration, userID, err)
		}

		r.mu.Lock()
		defer r.mu.Unlock()

		session, ok := r.sessions[userID]
		if !ok {
			session = newSession(userID, r.window, r.now())
			r.sessions[userID] = session
			log.Printf("[chat] session created user=%s window=%d", userID, r.window)
		}
		return session, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Session), nil
	}
}

// Clear empties the buffer and zeroes the counter of userID's session. It
// never contacts the long-term store and reports whether a session existed.
func (r *Registry) Clear(userID string) bool {
	session := r.Get(userID)
	if session == nil {
		return false
	}

	session.turnMu.Lock()
	defer session.turnMu.Unlock()

	session.reset(r.now())
	return true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sessions returns the live sessions in no particular order.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		out = append(out, session)
	}
	return out
}

// remove drops session if it is still the one registered for its user.
func (r *Registry) remove(session *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.sessions[session.userID]; !ok || current != session {
		return false
	}
	delete(r.sessions, session.userID)
	return true
}
