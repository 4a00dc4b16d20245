// Package app assembles the memochat services from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/cloudwego/eino/components/model"

	"github.com/zhouzirui/memochat/backend/internal/config"
	"github.com/zhouzirui/memochat/backend/internal/service/ai"
	"github.com/zhouzirui/memochat/backend/internal/service/chat"
	"github.com/zhouzirui/memochat/backend/internal/service/memory"
	"github.com/zhouzirui/memochat/backend/internal/service/memory/memobase"
	"github.com/zhouzirui/memochat/backend/internal/service/memory/sqlite"
)

// App holds the wired services.
type App struct {
	Config *config.Config
	Memory *memory.Backend
	AI     *ai.Service
	Chat   *chat.Service
}

// New builds every service. The chat model is required; the memory store is
// selected by MEMORY_BACKEND.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	chatModel, err := cfg.AI.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	log.Printf("[app] chat model ready provider=%s", cfg.AI.Provider)

	store, err := NewStore(ctx, cfg.Memory, chatModel)
	if err != nil {
		return nil, err
	}
	backend := memory.NewBackend(store, cfg.Memory.MaxContextSize)

	aiSvc, err := ai.NewService(ctx, chatModel, backend, ai.Options{
		SystemPrompt: cfg.AI.SystemPrompt,
		Streaming:    cfg.AI.StreamResponse,
	})
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("failed to initialize AI service: %w", err)
	}

	chatSvc := chat.NewService(backend, aiSvc, chat.Config{
		Window:      cfg.Memory.Window,
		FlushDelay:  cfg.Memory.FlushDelay,
		IdleTimeout: cfg.Memory.IdleTimeout,
	})

	return &App{Config: cfg, Memory: backend, AI: aiSvc, Chat: chatSvc}, nil
}

// NewStore opens the configured long-term store. chatModel powers profile
// extraction for the embedded backend and may be nil.
func NewStore(ctx context.Context, cfg config.MemoryConfig, chatModel model.BaseChatModel) (memory.Store, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		var extractor sqlite.Extractor
		if chatModel != nil {
			ext, err := memory.NewExtractor(ctx, chatModel)
			if err != nil {
				return nil, err
			}
			extractor = ext
		}

		store, err := sqlite.Open(cfg.SQLitePath, extractor)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite memory at %s: %w", cfg.SQLitePath, err)
		}
		log.Printf("[app] memory backend sqlite path=%s", cfg.SQLitePath)
		return store, nil

	case config.BackendMemobase, "":
		client := memobase.NewClient(memobase.Config{
			BaseURL: cfg.MemobaseURL,
			APIKey:  cfg.MemobaseAPIKey,
			Timeout: cfg.MemobaseTimeout,
		})
		log.Printf("[app] memory backend memobase url=%s", cfg.MemobaseURL)
		return client, nil

	default:
		return nil, fmt.Errorf("unknown memory backend %q", cfg.Backend)
	}
}

// Shutdown flushes buffered turns and releases the store.
func (a *App) Shutdown(ctx context.Context) error {
	flushErr := a.Chat.Shutdown(ctx)
	if flushErr != nil {
		log.Printf("[app] shutdown flush incomplete: %v", flushErr)
	}
	return errors.Join(flushErr, a.Memory.Close())
}
