package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/memochat/backend/internal/model/chat"
	"github.com/zhouzirui/memochat/backend/internal/model/profile"
)

const extractionPrompt = `You maintain a long-term profile of a user based on their conversations.

Read the conversation and the current profile, then list profile facts that are new or changed.
Use snake_case topics such as basic_info, contact_info, work, education, interest, skill, hobby, goal, psychological.
Each fact has a topic, a sub_topic and a short content written in the user's language.
Only record facts the user stated or clearly implied about themselves.

Respond with JSON only, in this shape:
{"facts": [{"topic": "work", "sub_topic": "title", "content": "software engineer"}]}
Respond with {"facts": []} when there is nothing to record.`

// Extractor turns chat transcripts into profile entries with a chat model.
type Extractor struct {
	chain compose.Runnable[map[string]any, *schema.Message]
}

// NewExtractor compiles the extraction chain for chatModel.
func NewExtractor(ctx context.Context, chatModel model.BaseChatModel) (*Extractor, error) {
	if chatModel == nil {
		return nil, errors.New("extractor requires a chat model")
	}

	template := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.UserMessage("{input}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(template)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile extraction chain: %w", err)
	}
	return &Extractor{chain: runnable}, nil
}

// Extract returns the facts found in transcript, given what is already known.
func (e *Extractor) Extract(ctx context.Context, transcript []chat.Message, existing []profile.Entry) ([]profile.Entry, error) {
	if len(transcript) == 0 {
		return nil, nil
	}

	input := map[string]any{
		"system": extractionPrompt,
		"input":  buildExtractionInput(transcript, existing),
	}

	resp, err := e.chain.Invoke(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to run extraction chain: %w", err)
	}

	entries, err := parseFacts(resp.Content)
	if err != nil {
		return nil, err
	}
	log.Printf("[memory] extracted %d profile facts from %d messages", len(entries), len(transcript))
	return entries, nil
}

func buildExtractionInput(transcript []chat.Message, existing []profile.Entry) string {
	var builder strings.Builder

	builder.WriteString("Current profile:\n")
	if len(existing) == 0 {
		builder.WriteString("(empty)\n")
	}
	for _, entry := range existing {
		fmt.Fprintf(&builder, "- %s::%s: %s\n", entry.Topic, entry.SubTopic, entry.Content)
	}

	builder.WriteString("\nConversation:\n")
	for _, msg := range transcript {
		fmt.Fprintf(&builder, "[%s] %s\n", msg.Role, msg.Content)
	}
	return builder.String()
}

type extractedFacts struct {
	Facts []profile.Entry `json:"facts"`
}

// parseFacts reads the model's JSON answer, tolerating surrounding prose or
// code fences. Incomplete facts are dropped.
func parseFacts(content string) ([]profile.Entry, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("extraction output is not JSON: %q", truncate(content, 80))
	}

	var out extractedFacts
	if err := json.Unmarshal([]byte(content[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("decode extraction output: %w", err)
	}

	entries := make([]profile.Entry, 0, len(out.Facts))
	for _, fact := range out.Facts {
		fact.Topic = normalizeKey(fact.Topic)
		fact.SubTopic = normalizeKey(fact.SubTopic)
		fact.Content = strings.TrimSpace(fact.Content)
		if fact.Topic == "" || fact.SubTopic == "" || fact.Content == "" {
			continue
		}
		entries = append(entries, fact)
	}
	return entries, nil
}

func normalizeKey(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	return strings.Join(strings.Fields(key), "_")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
