package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/memochat/backend/internal/model/chat"
)

// DefaultRecordTimeout bounds one background write of an exchange.
const DefaultRecordTimeout = 30 * time.Second

// Memory is the long-term memory the service reads from and writes to.
type Memory interface {
	MemoryText(ctx context.Context, userID string) (string, error)
	Record(ctx context.Context, userID string, messages ...chat.Message) error
}

// Options tunes the service.
type Options struct {
	SystemPrompt  string
	Streaming     bool
	RecordTimeout time.Duration
}

// Service encapsulates memory-aware chat completion.
type Service struct {
	memory  Memory
	prompts *PromptBuilder
	opts    Options
	chain   compose.Runnable[map[string]any, *schema.Message]

	recordMu sync.Mutex
	records  map[string]map[chan struct{}]struct{}
}

// NewService creates a new AI service instance
func NewService(ctx context.Context, chatModel model.BaseChatModel, memory Memory, opts Options) (*Service, error) {
	if chatModel == nil {
		return nil, errors.New("chat model is required")
	}
	if opts.RecordTimeout <= 0 {
		opts.RecordTimeout = DefaultRecordTimeout
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Service{
		memory:  memory,
		prompts: NewPromptBuilder(opts.SystemPrompt),
		opts:    opts,
		chain:   runnable,
		records: make(map[string]map[chan struct{}]struct{}),
	}, nil
}

// StreamingEnabled 指示是否开启 SSE 流式输出。
func (s *Service) StreamingEnabled() bool {
	return s.opts.Streaming
}

// Complete generates the reply to the last message of history.
func (s *Service) Complete(ctx context.Context, userID string, history []chat.Message) (string, error) {
	input := s.buildChainInput(ctx, userID, history)

	response, err := s.chain.Invoke(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to run AI chain: %w", err)
	}

	reply := strings.TrimSpace(response.Content)
	log.Printf("[ai] generated response for user=%s, history=%d, length=%d", userID, len(history), len(reply))

	s.recordExchange(ctx, userID, history, reply)
	return reply, nil
}

// Stream generates the reply chunk by chunk, calling onDelta for every
// non-empty piece, and returns the assembled reply. With streaming disabled
// the complete reply is delivered as a single piece.
func (s *Service) Stream(ctx context.Context, userID string, history []chat.Message, onDelta func(string)) (string, error) {
	if !s.StreamingEnabled() {
		reply, err := s.Complete(ctx, userID, history)
		if err == nil && reply != "" && onDelta != nil {
			onDelta(reply)
		}
		return reply, err
	}

	input := s.buildChainInput(ctx, userID, history)

	stream, err := s.chain.Stream(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to stream AI chain output: %w", err)
	}
	defer stream.Close()

	var chunks []*schema.Message
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("stream receive failed: %w", err)
		}
		if chunk == nil {
			continue
		}
		chunks = append(chunks, chunk)
		if chunk.Content != "" && onDelta != nil {
			onDelta(chunk.Content)
		}
	}

	if len(chunks) == 0 {
		return "", errors.New("stream produced no output")
	}
	full, err := schema.ConcatMessages(chunks)
	if err != nil {
		return "", fmt.Errorf("failed to merge stream chunks: %w", err)
	}

	reply := strings.TrimSpace(full.Content)
	log.Printf("[ai] streamed response for user=%s, chunks=%d, length=%d", userID, len(chunks), len(reply))

	s.recordExchange(ctx, userID, history, reply)
	return reply, nil
}

// Settle waits until every exchange recorded for userID so far has been
// written to long-term memory.
func (s *Service) Settle(ctx context.Context, userID string) error {
	s.recordMu.Lock()
	pending := make([]chan struct{}, 0, len(s.records[userID]))
	for done := range s.records[userID] {
		pending = append(pending, done)
	}
	s.recordMu.Unlock()

	for _, done := range pending {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Service) buildChainInput(ctx context.Context, userID string, history []chat.Message) map[string]any {
	return map[string]any{
		"system":  s.buildSystemPrompt(ctx, userID),
		"history": buildHistoryMessages(history),
	}
}

// buildSystemPrompt embeds the user's memory. Memory failures degrade to the
// bare prompt rather than failing the turn.
func (s *Service) buildSystemPrompt(ctx context.Context, userID string) string {
	if s.memory == nil {
		return s.prompts.Build("")
	}

	memory, err := s.memory.MemoryText(ctx, userID)
	if err != nil {
		log.Printf("[ai] memory lookup failed for user=%s: %v", userID, err)
		return s.prompts.Build("")
	}
	return s.prompts.Build(memory)
}

func buildHistoryMessages(messages []chat.Message) []*schema.Message {
	if len(messages) == 0 {
		return nil
	}

	history := make([]*schema.Message, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case chat.RoleUser:
			history = append(history, schema.UserMessage(msg.Content))
		case chat.RoleAssistant:
			history = append(history, schema.AssistantMessage(msg.Content, nil))
		case chat.RoleSystem:
			history = append(history, schema.SystemMessage(msg.Content))
		}
	}
	return history
}

// recordExchange writes the last user message and reply in the background.
func (s *Service) recordExchange(ctx context.Context, userID string, history []chat.Message, reply string) {
	if s.memory == nil || reply == "" {
		return
	}

	var question *chat.Message
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == chat.RoleUser {
			question = &history[i]
			break
		}
	}
	if question == nil {
		return
	}
	exchange := []chat.Message{*question, chat.AssistantMessage(reply)}

	done := make(chan struct{})
	s.recordMu.Lock()
	if s.records[userID] == nil {
		s.records[userID] = make(map[chan struct{}]struct{})
	}
	s.records[userID][done] = struct{}{}
	s.recordMu.Unlock()

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.RecordTimeout)
	go func() {
		defer cancel()
		defer s.finishRecord(userID, done)

		if err := s.memory.Record(recordCtx, userID, exchange...); err != nil {
			log.Printf("[ai] record exchange for user=%s failed: %v", userID, err)
		}
	}()
}

func (s *Service) finishRecord(userID string, done chan struct{}) {
	s.recordMu.Lock()
	delete(s.records[userID], done)
	if len(s.records[userID]) == 0 {
		delete(s.records, userID)
	}
	s.recordMu.Unlock()
	close(done)
}
