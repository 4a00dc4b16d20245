// Package memory adapts long-term memory stores to the chat flow.
//
// A Store keeps raw chat exchanges until they are flushed, then exposes the
// distilled user profile both as prompt-ready text and as structured entries.
package memory

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/zhouzirui/memochat/backend/internal/model/chat"
	"github.com/zhouzirui/memochat/backend/internal/model/profile"
)

// DefaultMaxContextSize bounds the memory text injected into prompts, in tokens.
const DefaultMaxContextSize = 1000

// Store is a long-term memory backend.
type Store interface {
	// RegisterUser creates userID when missing. Registering twice is not an error.
	RegisterUser(ctx context.Context, userID string) error
	// Insert buffers an exchange until the next Flush.
	Insert(ctx context.Context, userID string, messages []chat.Message) error
	// Flush turns buffered exchanges into profile memory.
	Flush(ctx context.Context, userID string) error
	// Context renders the profile memory as text, bounded by maxTokens.
	Context(ctx context.Context, userID string, maxTokens int) (string, error)
	// Profiles returns the profile memory as structured entries.
	Profiles(ctx context.Context, userID string) ([]profile.Entry, error)
	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// Backend exposes a Store to the chat and AI services.
type Backend struct {
	store          Store
	maxContextSize int
}

// NewBackend wraps store. maxContextSize <= 0 selects DefaultMaxContextSize.
func NewBackend(store Store, maxContextSize int) *Backend {
	if maxContextSize <= 0 {
		maxContextSize = DefaultMaxContextSize
	}
	return &Backend{store: store, maxContextSize: maxContextSize}
}

// Store returns the wrapped store.
func (b *Backend) Store() Store {
	return b.store
}

// RegisterUser implements chat.Registrar.
func (b *Backend) RegisterUser(ctx context.Context, userID string) error {
	return b.store.RegisterUser(ctx, userID)
}

// Flush implements chat.Flusher.
func (b *Backend) Flush(ctx context.Context, userID string) error {
	return b.store.Flush(ctx, userID)
}

// MemoryText returns the prompt-ready memory of userID.
func (b *Backend) MemoryText(ctx context.Context, userID string) (string, error) {
	return b.store.Context(ctx, userID, b.maxContextSize)
}

// StructuredProfile returns the profile entries of userID grouped by topic.
func (b *Backend) StructuredProfile(ctx context.Context, userID string) (profile.Profile, error) {
	entries, err := b.store.Profiles(ctx, userID)
	if err != nil {
		return nil, err
	}
	return profile.FromEntries(entries), nil
}

// Record stores one completed exchange so the next flush can learn from it.
// Empty messages are dropped.
func (b *Backend) Record(ctx context.Context, userID string, messages ...chat.Message) error {
	kept := make([]chat.Message, 0, len(messages))
	for _, msg := range messages {
		if strings.TrimSpace(msg.Content) == "" {
			continue
		}
		kept = append(kept, msg)
	}
	if len(kept) == 0 {
		return nil
	}

	if err := b.store.Insert(ctx, userID, kept); err != nil {
		return fmt.Errorf("record exchange for %s: %w", userID, err)
	}
	return nil
}

// Ping checks the wrapped store.
func (b *Backend) Ping(ctx context.Context) error {
	return b.store.Ping(ctx)
}

// Close releases the wrapped store.
func (b *Backend) Close() error {
	if err := b.store.Close(); err != nil {
		log.Printf("[memory] close store: %v", err)
		return err
	}
	return nil
}

// EstimateTokens approximates the token count of text at four characters per token.
func EstimateTokens(text string) int {
	n := len([]rune(text))
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}
