package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/memochat/backend/internal/model/chat"
	"github.com/zhouzirui/memochat/backend/internal/model/profile"
	chatservice "github.com/zhouzirui/memochat/backend/internal/service/chat"
)

type stubStore struct {
	mu         sync.Mutex
	flushErr   error
	memory     string
	structured profile.Profile
	flushes    int
}

func (s *stubStore) RegisterUser(context.Context, string) error { return nil }

func (s *stubStore) Flush(context.Context, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	return s.flushErr
}

func (s *stubStore) MemoryText(context.Context, string) (string, error) {
	return s.memory, nil
}

func (s *stubStore) StructuredProfile(context.Context, string) (profile.Profile, error) {
	if s.structured == nil {
		return profile.New(), nil
	}
	return s.structured, nil
}

type stubCompleter struct {
	err error
}

func (c *stubCompleter) Complete(_ context.Context, _ string, history []chat.Message) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	return "echo: " + history[len(history)-1].Content, nil
}

func (c *stubCompleter) Stream(ctx context.Context, userID string, history []chat.Message, onDelta func(string)) (string, error) {
	reply, err := c.Complete(ctx, userID, history)
	if err == nil {
		onDelta(reply)
	}
	return reply, err
}

func setupRouter(store *stubStore, completer *stubCompleter) (*chi.Mux, *chatservice.Service) {
	chatSvc := chatservice.NewService(store, completer, chatservice.Config{Window: 2})
	handler := New(chatSvc)

	r := chi.NewRouter()
	handler.RegisterRoutes(r)
	return r, chatSvc
}

func postChat(t *testing.T, r http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func TestChatReportsCountAndAutoFlush(t *testing.T) {
	store := &stubStore{}
	r, _ := setupRouter(store, &stubCompleter{})

	for turn := 1; turn <= 2; turn++ {
		resp := postChat(t, r, `{"message":"hello","user_id":"alice"}`)
		if resp.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
		}

		var body chatResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if body.Response != "echo: hello" {
			t.Fatalf("unexpected reply %q", body.Response)
		}
		if body.ConversationCount != turn {
			t.Fatalf("expected count %d, got %d", turn, body.ConversationCount)
		}
		if body.AutoFlushed != (turn == 2) {
			t.Fatalf("turn %d: unexpected auto_flushed=%v", turn, body.AutoFlushed)
		}
	}
	if store.flushes != 1 {
		t.Fatalf("expected one flush, got %d", store.flushes)
	}
}

func TestChatDefaultsUserID(t *testing.T) {
	r, chatSvc := setupRouter(&stubStore{}, &stubCompleter{})

	resp := postChat(t, r, `{"message":"hi"}`)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if _, err := chatSvc.State(DefaultUserID); err != nil {
		t.Fatalf("expected session for %s: %v", DefaultUserID, err)
	}
}

func TestChatRejectsBadInput(t *testing.T) {
	r, _ := setupRouter(&stubStore{}, &stubCompleter{})

	for _, body := range []string{``, `{"message": 5}`, `{"message":"   ","user_id":"alice"}`} {
		resp := postChat(t, r, body)
		if resp.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, resp.Code)
		}
	}
}

func TestChatCompletionFailure(t *testing.T) {
	r, _ := setupRouter(&stubStore{}, &stubCompleter{err: errors.New("llm down")})

	resp := postChat(t, r, `{"message":"hi","user_id":"alice"}`)
	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), "chat completion failed") {
		t.Fatalf("unexpected body %s", resp.Body.String())
	}
}

func TestChatFlushFailureStillSucceeds(t *testing.T) {
	r, _ := setupRouter(&stubStore{flushErr: errors.New("memobase down")}, &stubCompleter{})

	postChat(t, r, `{"message":"one","user_id":"alice"}`)
	resp := postChat(t, r, `{"message":"two","user_id":"alice"}`)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	var body chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.AutoFlushed || body.FlushError == "" {
		t.Fatalf("expected flush error to be reported, got %+v", body)
	}
}

func TestConversationSnapshotAndClear(t *testing.T) {
	r, _ := setupRouter(&stubStore{}, &stubCompleter{})

	req := httptest.NewRequest(http.MethodGet, "/conversation/alice", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before first chat, got %d", resp.Code)
	}

	postChat(t, r, `{"message":"hi","user_id":"alice"}`)

	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/conversation/alice", nil))
	var snapshot conversationResponse
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snapshot.ConversationCount != 1 || len(snapshot.Messages) != 2 || snapshot.Window != 2 {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}

	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodDelete, "/conversation/alice", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/conversation/alice", nil))
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snapshot.ConversationCount != 0 || len(snapshot.Messages) != 0 {
		t.Fatalf("expected cleared snapshot, got %+v", snapshot)
	}
}

func TestClearUnknownUserSucceeds(t *testing.T) {
	r, _ := setupRouter(&stubStore{}, &stubCompleter{})

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodDelete, "/conversation/nobody", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestMemoryAndFlushEndpoints(t *testing.T) {
	store := &stubStore{memory: "## User Current Profile:\n- work::title: engineer\n"}
	r, _ := setupRouter(store, &stubCompleter{})

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/memory/alice", nil))
	var memory map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&memory); err != nil {
		t.Fatalf("decode memory: %v", err)
	}
	if memory["user_id"] != "alice" || memory["memory"] != store.memory {
		t.Fatalf("unexpected memory response %v", memory)
	}

	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/flush/alice", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if store.flushes != 1 {
		t.Fatalf("expected manual flush to reach the store")
	}

	store.flushErr = errors.New("boom")
	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/flush/alice", nil))
	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.Code)
	}
}

func TestProfileEndpoint(t *testing.T) {
	store := &stubStore{memory: "## User Current Profile:\n- work::title: engineer\n- interest::sports: hiking; climbing\n---\n"}
	r, _ := setupRouter(store, &stubCompleter{})

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/profile/alice", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	var body struct {
		UserID   string                      `json:"user_id"`
		Profile  map[string]map[string]any   `json:"profile"`
		Sections []struct{ Category string } `json:"sections"`
		Source   string                      `json:"source"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode profile: %v", err)
	}
	if body.Source != chatservice.ProfileSourceMemoryText {
		t.Fatalf("unexpected source %q", body.Source)
	}
	if body.Profile["work"]["title"] != "engineer" {
		t.Fatalf("expected single value as string, got %v", body.Profile["work"]["title"])
	}
	if sports, ok := body.Profile["interest"]["sports"].([]any); !ok || len(sports) != 2 {
		t.Fatalf("expected list value, got %v", body.Profile["interest"]["sports"])
	}
	if len(body.Sections) != 2 {
		t.Fatalf("expected 2 sections, got %d", len(body.Sections))
	}
}

func TestProfileEndpointEmpty(t *testing.T) {
	r, _ := setupRouter(&stubStore{}, &stubCompleter{})

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/profile/alice", nil))
	if !strings.Contains(resp.Body.String(), `"profile":{}`) || !strings.Contains(resp.Body.String(), `"source":"none"`) {
		t.Fatalf("unexpected body %s", resp.Body.String())
	}
}
