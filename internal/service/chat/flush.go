package chat

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// DefaultFlushDelay is the pause between the last buffer mutation and a flush,
// giving the memory layer time to finish recording the latest exchange.
const DefaultFlushDelay = 100 * time.Millisecond

// Flusher pushes a user's accumulated context into long-term memory.
type Flusher interface {
	Flush(ctx context.Context, userID string) error
}

// Settler is implemented by completion backends that record exchanges
// asynchronously. Settle blocks until everything recorded for userID so far
// has reached the long-term store.
type Settler interface {
	Settle(ctx context.Context, userID string) error
}

// flushController performs flushes, at most one in flight per user.
type flushController struct {
	store   Flusher
	settler Settler
	delay   time.Duration

	locks keyedMutex
}

func newFlushController(store Flusher, settler Settler, delay time.Duration) *flushController {
	if delay < 0 {
		delay = 0
	}
	return &flushController{
		store:   store,
		settler: settler,
		delay:   delay,
		locks:   keyedMutex{locks: make(map[string]*refMutex)},
	}
}

// due reports whether completing turn count triggers an automatic flush.
func due(count, window int) bool {
	return window > 0 && count > 0 && count%window == 0
}

// flush pushes userID's context to the store. session may be nil when the
// user has no local session; otherwise its flushed watermark is advanced on
// success. A flush for a user already flushing waits for the first to finish.
func (f *flushController) flush(ctx context.Context, userID string, session *Session) error {
	unlock := f.locks.lock(userID)
	defer unlock()

	var watermark int
	if session != nil {
		watermark = session.turnCount()
	}

	if err := f.settle(ctx, userID); err != nil {
		return fmt.Errorf("%w for %s: %w", ErrFlush, userID, err)
	}

	start := time.Now()
	if err := f.store.Flush(ctx, userID); err != nil {
		log.Printf("[chat] flush user=%s failed: %v", userID, err)
		return fmt.Errorf("%w for %s: %w", ErrFlush, userID, err)
	}

	if session != nil {
		session.markFlushed(watermark)
	}
	log.Printf("[chat] flushed user=%s turns=%d elapsed=%s", userID, watermark, time.Since(start))
	return nil
}

// settle observes the fixed delay, then the backend's readiness signal.
func (f *flushController) settle(ctx context.Context, userID string) error {
	if f.delay > 0 {
		timer := time.NewTimer(f.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if f.settler != nil {
		return f.settler.Settle(ctx, userID)
	}
	return nil
}

// busy reports whether a flush for userID is running or queued.
func (f *flushController) busy(userID string) bool {
	f.locks.mu.Lock()
	defer f.locks.mu.Unlock()
	_, ok := f.locks.locks[userID]
	return ok
}

// keyedMutex hands out one mutex per key and forgets it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()

		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
