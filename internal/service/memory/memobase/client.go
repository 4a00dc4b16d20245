// Package memobase is a client for the Memobase long-term memory server.
package memobase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/memochat/backend/internal/model/chat"
	"github.com/zhouzirui/memochat/backend/internal/model/profile"
)

// Defaults for a locally deployed server.
const (
	DefaultBaseURL = "http://localhost:8019"
	DefaultAPIKey  = "secret"
	DefaultTimeout = 30 * time.Second
)

// ErrNotFound is returned for 404 responses, such as an unknown user.
var ErrNotFound = errors.New("memobase: not found")

// APIError is a failed request, either at the HTTP level or reported through
// the response envelope.
type APIError struct {
	Status  int
	Errno   int
	Message string
}

func (e *APIError) Error() string {
	if e.Errno != 0 {
		return fmt.Sprintf("memobase: status %d errno %d: %s", e.Status, e.Errno, e.Message)
	}
	return fmt.Sprintf("memobase: status %d: %s", e.Status, e.Message)
}

// Config describes how to reach the server.
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client talks to the Memobase v1 HTTP API. It is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates a client, filling unset fields with the defaults.
func NewClient(cfg Config) *Client {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if cfg.APIKey == "" {
		cfg.APIKey = DefaultAPIKey
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		baseURL: base + "/api/v1",
		apiKey:  cfg.APIKey,
		http:    httpClient,
	}
}

// UserID maps an application user id to the UUID the server stores it under.
// The mapping is stable so the same user always lands on the same record.
func UserID(userID string) string {
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(userID+"memobase_client")).String()
}

type envelope struct {
	Data   json.RawMessage `json:"data"`
	Errno  int             `json:"errno"`
	Errmsg string          `json:"errmsg"`
}

type blobMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type insertRequest struct {
	BlobType string `json:"blob_type"`
	BlobData struct {
		Messages []blobMessage `json:"messages"`
	} `json:"blob_data"`
}

type profileRecord struct {
	ID         string `json:"id"`
	Content    string `json:"content"`
	Attributes struct {
		Topic    string `json:"topic"`
		SubTopic string `json:"sub_topic"`
	} `json:"attributes"`
	UpdatedAt string `json:"updated_at"`
}

// Ping checks the server health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthcheck", nil, nil)
}

// RegisterUser fetches userID and creates it when the server does not know it.
func (c *Client) RegisterUser(ctx context.Context, userID string) error {
	uid := UserID(userID)

	err := c.do(ctx, http.MethodGet, "/users/"+uid, nil, nil)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			return fmt.Errorf("get user %s: %w", userID, err)
		}
	}

	body := map[string]any{
		"id":   uid,
		"data": map[string]string{"external_id": userID},
	}
	if err := c.do(ctx, http.MethodPost, "/users", body, nil); err != nil {
		return fmt.Errorf("create user %s: %w", userID, err)
	}
	log.Printf("[memobase] created user=%s uid=%s", userID, uid)
	return nil
}

// Insert stores a chat blob for userID. It stays buffered on the server until
// the next Flush.
func (c *Client) Insert(ctx context.Context, userID string, messages []chat.Message) error {
	var req insertRequest
	req.BlobType = "chat"
	req.BlobData.Messages = make([]blobMessage, 0, len(messages))
	for _, msg := range messages {
		req.BlobData.Messages = append(req.BlobData.Messages, blobMessage{Role: string(msg.Role), Content: msg.Content})
	}

	if err := c.do(ctx, http.MethodPost, "/blobs/insert/"+UserID(userID), req, nil); err != nil {
		return fmt.Errorf("insert blob for %s: %w", userID, err)
	}
	return nil
}

// Flush asks the server to process userID's chat buffer into profile memory.
func (c *Client) Flush(ctx context.Context, userID string) error {
	if err := c.do(ctx, http.MethodPost, "/users/buffer/"+UserID(userID)+"/chat", nil, nil); err != nil {
		return fmt.Errorf("flush buffer for %s: %w", userID, err)
	}
	return nil
}

// Context returns the server-rendered memory text of userID.
func (c *Client) Context(ctx context.Context, userID string, maxTokens int) (string, error) {
	path := "/users/context/" + UserID(userID)
	if maxTokens > 0 {
		path += "?" + url.Values{"max_token_size": {strconv.Itoa(maxTokens)}}.Encode()
	}

	var out struct {
		Context string `json:"context"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", fmt.Errorf("get context for %s: %w", userID, err)
	}
	return out.Context, nil
}

// Profiles returns the structured profile of userID.
func (c *Client) Profiles(ctx context.Context, userID string) ([]profile.Entry, error) {
	var out struct {
		Profiles []profileRecord `json:"profiles"`
	}
	if err := c.do(ctx, http.MethodGet, "/users/profile/"+UserID(userID), nil, &out); err != nil {
		return nil, fmt.Errorf("get profile for %s: %w", userID, err)
	}

	entries := make([]profile.Entry, 0, len(out.Profiles))
	for _, rec := range out.Profiles {
		entries = append(entries, profile.Entry{
			Topic:    rec.Attributes.Topic,
			SubTopic: rec.Attributes.SubTopic,
			Content:  rec.Content,
		})
	}
	return entries, nil
}

// Close is a no-op; the client holds no resources beyond its HTTP client.
func (c *Client) Close() error {
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}

	var env envelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil && resp.StatusCode < 300 {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	if resp.StatusCode >= 300 || env.Errno != 0 {
		msg := env.Errmsg
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Errno: env.Errno, Message: msg}
	}

	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode response data: %w", err)
		}
	}
	return nil
}
