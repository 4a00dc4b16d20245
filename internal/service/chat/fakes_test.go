package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zhouzirui/memochat/backend/internal/model/chat"
	"github.com/zhouzirui/memochat/backend/internal/model/profile"
)

type fakeStore struct {
	mu          sync.Mutex
	registerErr error
	flushErr    error
	memoryText  string
	memoryErr   error
	structured  profile.Profile
	registers   map[string]int
	flushes     map[string]int

	registerDelay time.Duration
	flushDelay    time.Duration
	inFlight      atomic.Int32
	maxInFlight   atomic.Int32
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		registers: make(map[string]int),
		flushes:   make(map[string]int),
	}
}

func (f *fakeStore) RegisterUser(ctx context.Context, userID string) error {
	if f.registerDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.registerDelay):
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registers[userID]++
	return f.registerErr
}

func (f *fakeStore) Flush(_ context.Context, userID string) error {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		max := f.maxInFlight.Load()
		if n <= max || f.maxInFlight.CompareAndSwap(max, n) {
			break
		}
	}
	if f.flushDelay > 0 {
		time.Sleep(f.flushDelay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes[userID]++
	return f.flushErr
}

func (f *fakeStore) MemoryText(context.Context, string) (string, error) {
	return f.memoryText, f.memoryErr
}

func (f *fakeStore) StructuredProfile(context.Context, string) (profile.Profile, error) {
	if f.structured == nil {
		return profile.New(), nil
	}
	return f.structured, nil
}

func (f *fakeStore) registerCount(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registers[userID]
}

func (f *fakeStore) flushCount(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flushes[userID]
}

// echoCompleter replies "re: <last message>" and records the context it saw.
type echoCompleter struct {
	mu       sync.Mutex
	err      error
	reply    *string
	contexts [][]chat.Message
	settles  atomic.Int32
	gate     map[string]chan struct{}
}

func (c *echoCompleter) Complete(_ context.Context, userID string, history []chat.Message) (string, error) {
	c.mu.Lock()
	c.contexts = append(c.contexts, history)
	gate := c.gate[userID]
	err := c.err
	reply := c.reply
	c.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return "", err
	}
	if reply != nil {
		return *reply, nil
	}
	return "re: " + history[len(history)-1].Content, nil
}

func (c *echoCompleter) Stream(ctx context.Context, userID string, history []chat.Message, onDelta func(string)) (string, error) {
	text, err := c.Complete(ctx, userID, history)
	if err != nil {
		return "", err
	}
	for _, word := range strings.SplitAfter(text, " ") {
		onDelta(word)
	}
	return text, nil
}

func (c *echoCompleter) Settle(context.Context, string) error {
	c.settles.Add(1)
	return nil
}

func (c *echoCompleter) lastContext() []chat.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.contexts[len(c.contexts)-1]
}

var errBoom = errors.New("boom")
