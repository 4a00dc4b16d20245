package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/zhouzirui/memochat/backend/internal/model/chat"
	"github.com/zhouzirui/memochat/backend/internal/model/profile"
	chatService "github.com/zhouzirui/memochat/backend/internal/service/chat"
)

type stubStore struct{ pingErr error }

func (s *stubStore) RegisterUser(context.Context, string) error { return nil }
func (s *stubStore) Flush(context.Context, string) error        { return nil }
func (s *stubStore) MemoryText(context.Context, string) (string, error) {
	return "", nil
}
func (s *stubStore) StructuredProfile(context.Context, string) (profile.Profile, error) {
	return profile.New(), nil
}
func (s *stubStore) Ping(context.Context) error { return s.pingErr }

type stubCompleter struct{}

func (stubCompleter) Complete(context.Context, string, []chat.Message) (string, error) {
	return "ok", nil
}

func (stubCompleter) Stream(_ context.Context, _ string, _ []chat.Message, onDelta func(string)) (string, error) {
	onDelta("ok")
	return "ok", nil
}

func newTestRouter(store *stubStore) http.Handler {
	chatSvc := chatService.NewService(store, stubCompleter{}, chatService.Config{})
	return NewRouter(chatSvc, store, Options{CORSOrigins: []string{"*"}})
}

func TestHealth(t *testing.T) {
	r := newTestRouter(&stubStore{})

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health", nil))

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "healthy" || body["service"] != ServiceName {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestReady(t *testing.T) {
	resp := httptest.NewRecorder()
	newTestRouter(&stubStore{}).ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	resp = httptest.NewRecorder()
	newTestRouter(&stubStore{pingErr: errors.New("down")}).ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.Code)
	}
}

func TestChatMountedAtRootAndAPI(t *testing.T) {
	r := newTestRouter(&stubStore{})

	for _, path := range []string{"/chat", "/api/chat"} {
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader([]byte(`{"message":"hi","user_id":"alice"}`)))
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)
		if resp.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, resp.Code)
		}
	}
}
