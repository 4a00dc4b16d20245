package ai

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/memochat/backend/internal/model/chat"
)

type fakeChatModel struct {
	mu     sync.Mutex
	reply  string
	err    error
	inputs [][]*schema.Message
}

func (m *fakeChatModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs = append(m.inputs, input)
	if m.err != nil {
		return nil, m.err
	}
	return schema.AssistantMessage(m.reply, nil), nil
}

func (m *fakeChatModel) Stream(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs = append(m.inputs, input)
	if m.err != nil {
		return nil, m.err
	}

	var chunks []*schema.Message
	for _, word := range strings.SplitAfter(m.reply, " ") {
		chunks = append(chunks, schema.AssistantMessage(word, nil))
	}
	return schema.StreamReaderFromArray(chunks), nil
}

func (m *fakeChatModel) BindTools([]*schema.ToolInfo) error { return nil }

func (m *fakeChatModel) lastInput() []*schema.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inputs[len(m.inputs)-1]
}

type fakeMemory struct {
	mu       sync.Mutex
	text     string
	textErr  error
	release  chan struct{}
	recorded map[string][][]chat.Message
}

func (m *fakeMemory) MemoryText(context.Context, string) (string, error) {
	return m.text, m.textErr
}

func (m *fakeMemory) Record(_ context.Context, userID string, messages ...chat.Message) error {
	if m.release != nil {
		<-m.release
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recorded == nil {
		m.recorded = make(map[string][][]chat.Message)
	}
	m.recorded[userID] = append(m.recorded[userID], messages)
	return nil
}

func (m *fakeMemory) records(userID string) [][]chat.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recorded[userID]
}

func newTestService(t *testing.T, chatModel *fakeChatModel, memory Memory) *Service {
	t.Helper()
	svc, err := NewService(context.Background(), chatModel, memory, Options{Streaming: true})
	require.NoError(t, err)
	return svc
}

func TestCompleteInjectsMemoryAndHistory(t *testing.T) {
	chatModel := &fakeChatModel{reply: " Nice to see you again, Hung! "}
	memory := &fakeMemory{text: "## User Current Profile:\n- basic_info::name: Hung\n"}
	svc := newTestService(t, chatModel, memory)

	history := []chat.Message{
		chat.UserMessage("hi"),
		chat.AssistantMessage("hello"),
		chat.UserMessage("remember me?"),
	}
	reply, err := svc.Complete(context.Background(), "alice", history)
	require.NoError(t, err)
	assert.Equal(t, "Nice to see you again, Hung!", reply)

	input := chatModel.lastInput()
	require.Len(t, input, 4)
	assert.Equal(t, schema.System, input[0].Role)
	assert.Contains(t, input[0].Content, "--# ADDITIONAL INFO #--")
	assert.Contains(t, input[0].Content, "basic_info::name: Hung")
	assert.Equal(t, schema.User, input[1].Role)
	assert.Equal(t, schema.Assistant, input[2].Role)
	assert.Equal(t, "remember me?", input[3].Content)

	require.NoError(t, svc.Settle(context.Background(), "alice"))
	assert.Equal(t, [][]chat.Message{{
		chat.UserMessage("remember me?"),
		chat.AssistantMessage("Nice to see you again, Hung!"),
	}}, memory.records("alice"))
}

func TestCompleteWithoutMemoryUsesBasePrompt(t *testing.T) {
	chatModel := &fakeChatModel{reply: "ok"}
	svc := newTestService(t, chatModel, &fakeMemory{textErr: errors.New("memobase down")})

	_, err := svc.Complete(context.Background(), "alice", []chat.Message{chat.UserMessage("hi")})
	require.NoError(t, err)

	assert.Equal(t, DefaultSystemPrompt, chatModel.lastInput()[0].Content)
}

func TestCompleteModelError(t *testing.T) {
	memory := &fakeMemory{}
	svc := newTestService(t, &fakeChatModel{err: errors.New("rate limited")}, memory)

	_, err := svc.Complete(context.Background(), "alice", []chat.Message{chat.UserMessage("hi")})
	assert.ErrorContains(t, err, "rate limited")

	require.NoError(t, svc.Settle(context.Background(), "alice"))
	assert.Empty(t, memory.records("alice"))
}

func TestStreamForwardsDeltas(t *testing.T) {
	chatModel := &fakeChatModel{reply: "one two three"}
	memory := &fakeMemory{}
	svc := newTestService(t, chatModel, memory)

	var deltas []string
	reply, err := svc.Stream(context.Background(), "alice", []chat.Message{chat.UserMessage("count")}, func(d string) {
		deltas = append(deltas, d)
	})
	require.NoError(t, err)
	assert.Equal(t, "one two three", reply)
	assert.Equal(t, []string{"one ", "two ", "three"}, deltas)

	require.NoError(t, svc.Settle(context.Background(), "alice"))
	require.Len(t, memory.records("alice"), 1)
}

func TestStreamDisabledFallsBackToComplete(t *testing.T) {
	memory := &fakeMemory{}
	svc, err := NewService(context.Background(), &fakeChatModel{reply: "one two"}, memory, Options{})
	require.NoError(t, err)

	var deltas []string
	reply, err := svc.Stream(context.Background(), "alice", []chat.Message{chat.UserMessage("hi")}, func(d string) {
		deltas = append(deltas, d)
	})
	require.NoError(t, err)
	assert.Equal(t, "one two", reply)
	assert.Equal(t, []string{"one two"}, deltas)

	require.NoError(t, svc.Settle(context.Background(), "alice"))
	require.Len(t, memory.records("alice"), 1)
}

func TestSettleWaitsForPendingRecords(t *testing.T) {
	memory := &fakeMemory{release: make(chan struct{})}
	svc := newTestService(t, &fakeChatModel{reply: "ok"}, memory)

	_, err := svc.Complete(context.Background(), "alice", []chat.Message{chat.UserMessage("hi")})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, svc.Settle(ctx, "alice"), context.DeadlineExceeded)

	// other users are unaffected
	require.NoError(t, svc.Settle(context.Background(), "bob"))

	close(memory.release)
	require.NoError(t, svc.Settle(context.Background(), "alice"))
	assert.Len(t, memory.records("alice"), 1)
}

func TestPromptBuilder(t *testing.T) {
	pb := NewPromptBuilder("")
	assert.Equal(t, DefaultSystemPrompt, pb.Build("   "))

	custom := NewPromptBuilder("Be brief.")
	assert.Equal(t, "Be brief.\n\n--# ADDITIONAL INFO #--\nlikes tea\n--# DONE #--", custom.Build("likes tea\n"))
}
