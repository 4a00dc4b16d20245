package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	profileparser "github.com/zhouzirui/memochat/backend/internal/analysis/profile"
	"github.com/zhouzirui/memochat/backend/internal/model/chat"
	"github.com/zhouzirui/memochat/backend/internal/model/profile"
)

// MemoryStore is the long-term memory collaborator.
type MemoryStore interface {
	Registrar
	Flusher
	// MemoryText returns the free-text memory blob for userID.
	MemoryText(ctx context.Context, userID string) (string, error)
	// StructuredProfile returns the store's pre-structured profile.
	StructuredProfile(ctx context.Context, userID string) (profile.Profile, error)
}

// Completer is the language-model collaborator. Both variants receive the
// full buffered window (ending with the new user message) and must leave the
// same side effects behind.
type Completer interface {
	Complete(ctx context.Context, userID string, history []chat.Message) (string, error)
	Stream(ctx context.Context, userID string, history []chat.Message, onDelta func(string)) (string, error)
}

// Config tunes the short-term memory controller.
type Config struct {
	// Window is the number of turns kept; the buffer holds 2*Window messages
	// and an automatic flush runs every Window completed turns.
	Window int
	// FlushDelay is observed before every flush.
	FlushDelay time.Duration
	// IdleTimeout evicts sessions without activity for this long. Zero keeps
	// sessions for the process lifetime.
	IdleTimeout time.Duration
}

// Result is the outcome of one submitted message.
type Result struct {
	Reply       string
	TurnCount   int
	AutoFlushed bool
	// FlushErr is set when an automatic flush was due but failed. The turn
	// itself still succeeded.
	FlushErr error
}

// Profile source labels reported by Service.Profile.
const (
	ProfileSourceMemoryText = "memory_text"
	ProfileSourceStructured = "structured"
	ProfileSourceNone       = "none"
)

// ProfileView is the structured profile of a user and where it came from.
type ProfileView struct {
	Profile profile.Profile
	Source  string
}

// Service composes the session registry, the completion backend and the
// long-term store into the chat flow.
type Service struct {
	registry  *Registry
	store     MemoryStore
	completer Completer
	flusher   *flushController
	cfg       Config
	now       func() time.Time
}

// NewService wires the chat flow. When completer also implements Settler, its
// readiness signal is awaited before every flush.
func NewService(store MemoryStore, completer Completer, cfg Config) *Service {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.FlushDelay < 0 {
		cfg.FlushDelay = 0
	}

	settler, _ := completer.(Settler)

	return &Service{
		registry:  NewRegistry(store, cfg.Window),
		store:     store,
		completer: completer,
		flusher:   newFlushController(store, settler, cfg.FlushDelay),
		cfg:       cfg,
		now:       time.Now,
	}
}

// Registry exposes the session registry.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Window returns the configured window size.
func (s *Service) Window() int {
	return s.cfg.Window
}

// Submit runs one chat turn for userID.
func (s *Service) Submit(ctx context.Context, userID, text string) (Result, error) {
	return s.submit(ctx, userID, text, s.completer.Complete)
}

// SubmitStream runs one chat turn, forwarding partial output to onDelta. The
// final side effects are the same as Submit's.
func (s *Service) SubmitStream(ctx context.Context, userID, text string, onDelta func(string)) (Result, error) {
	if onDelta == nil {
		onDelta = func(string) {}
	}
	return s.submit(ctx, userID, text, func(ctx context.Context, userID string, history []chat.Message) (string, error) {
		return s.completer.Stream(ctx, userID, history, onDelta)
	})
}

type completeFunc func(ctx context.Context, userID string, history []chat.Message) (string, error)

func (s *Service) submit(ctx context.Context, userID, text string, complete completeFunc) (Result, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Result{}, ErrUserRequired
	}
	if strings.TrimSpace(text) == "" {
		return Result{}, ErrEmptyMessage
	}

	session, err := s.lockSession(ctx, userID)
	if err != nil {
		return Result{}, err
	}
	defer session.turnMu.Unlock()

	history := session.append(chat.UserMessage(text), s.now())

	reply, err := complete(ctx, userID, history)
	if err == nil && strings.TrimSpace(reply) == "" {
		err = errors.New("empty reply")
	}
	if err != nil {
		log.Printf("[chat] completion user=%s failed: %v", userID, err)
		return Result{TurnCount: session.turnCount()}, fmt.Errorf("%w: %w", ErrCompletion, err)
	}

	session.append(chat.AssistantMessage(reply), s.now())
	count := session.completeTurn()

	result := Result{Reply: reply, TurnCount: count}
	if due(count, s.cfg.Window) {
		if err := s.flusher.flush(ctx, userID, session); err != nil {
			result.FlushErr = err
		} else {
			result.AutoFlushed = true
			log.Printf("[chat] auto-flush user=%s turns=%d", userID, count)
		}
	}

	return result, nil
}

// lockSession resolves userID's session and takes its turn lock, retrying if
// the session was evicted while waiting for the lock.
func (s *Service) lockSession(ctx context.Context, userID string) (*Session, error) {
	for {
		session, err := s.registry.Ensure(ctx, userID)
		if err != nil {
			return nil, err
		}

		session.turnMu.Lock()
		if s.registry.Get(userID) == session {
			return session, nil
		}
		session.turnMu.Unlock()
	}
}

// Flush pushes userID's context to long-term memory now. It works whether or
// not a local session exists and never resets local state.
func (s *Service) Flush(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrUserRequired
	}
	return s.flusher.flush(ctx, userID, s.registry.Get(userID))
}

// Flushing reports whether a flush for userID is running or waiting.
func (s *Service) Flushing(userID string) bool {
	return s.flusher.busy(userID)
}

// Memory returns the long-term memory text of userID.
func (s *Service) Memory(ctx context.Context, userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", ErrUserRequired
	}

	text, err := s.store.MemoryText(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("%w for %s: %w", ErrMemory, userID, err)
	}
	return text, nil
}

// Profile parses the memory text of userID; when that yields nothing, the
// store's structured profile is used instead.
func (s *Service) Profile(ctx context.Context, userID string) (ProfileView, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ProfileView{}, ErrUserRequired
	}

	text, textErr := s.store.MemoryText(ctx, userID)
	if textErr == nil {
		if parsed := profileparser.Parse(text); !parsed.Empty() {
			return ProfileView{Profile: parsed, Source: ProfileSourceMemoryText}, nil
		}
	} else {
		log.Printf("[chat] memory text user=%s unavailable, trying structured profile: %v", userID, textErr)
	}

	structured, err := s.store.StructuredProfile(ctx, userID)
	if err != nil {
		if textErr != nil {
			return ProfileView{}, fmt.Errorf("%w for %s: %w", ErrMemory, userID, errors.Join(textErr, err))
		}
		return ProfileView{}, fmt.Errorf("%w for %s: %w", ErrMemory, userID, err)
	}
	if structured.Empty() {
		return ProfileView{Profile: profile.New(), Source: ProfileSourceNone}, nil
	}
	return ProfileView{Profile: structured, Source: ProfileSourceStructured}, nil
}

// Clear resets userID's buffer and counter. It reports whether a session existed.
func (s *Service) Clear(userID string) bool {
	cleared := s.registry.Clear(strings.TrimSpace(userID))
	if cleared {
		log.Printf("[chat] session cleared user=%s", userID)
	}
	return cleared
}

// State returns a snapshot of userID's short-term memory.
func (s *Service) State(userID string) (chat.SessionState, error) {
	session := s.registry.Get(strings.TrimSpace(userID))
	if session == nil {
		return chat.SessionState{}, ErrSessionNotFound
	}
	return session.State(), nil
}

// EvictIdle drops sessions idle for longer than the configured timeout,
// flushing unflushed turns first. Sessions whose flush fails, or that are in
// the middle of a turn, are kept. It returns the number of evicted sessions.
func (s *Service) EvictIdle(ctx context.Context) int {
	if s.cfg.IdleTimeout <= 0 {
		return 0
	}

	now := s.now()
	evicted := 0
	for _, session := range s.registry.Sessions() {
		if session.idleSince(now) < s.cfg.IdleTimeout {
			continue
		}
		if !session.turnMu.TryLock() {
			continue
		}

		if session.State().Pending() > 0 {
			if err := s.flusher.flush(ctx, session.userID, session); err != nil {
				session.turnMu.Unlock()
				continue
			}
		}
		if s.registry.remove(session) {
			evicted++
			log.Printf("[chat] evicted idle session user=%s", session.userID)
		}
		session.turnMu.Unlock()
	}
	return evicted
}

// RunJanitor evicts idle sessions every interval until ctx is cancelled.
func (s *Service) RunJanitor(ctx context.Context, interval time.Duration) {
	if s.cfg.IdleTimeout <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.EvictIdle(ctx); n > 0 {
				log.Printf("[chat] janitor evicted %d idle sessions", n)
			}
		}
	}
}

// Shutdown flushes every session holding unflushed turns.
func (s *Service) Shutdown(ctx context.Context) error {
	var errs []error
	for _, session := range s.registry.Sessions() {
		if session.State().Pending() == 0 {
			continue
		}
		if err := s.flusher.flush(ctx, session.userID, session); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
