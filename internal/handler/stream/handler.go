package stream

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	chatService "github.com/zhouzirui/memochat/backend/internal/service/chat"
	"github.com/zhouzirui/memochat/backend/pkg/utils"
)

const defaultUserID = "demo_user"

// Handler manages streaming chat turns via Server-Sent Events
type Handler struct {
	chatSvc *chatService.Service
}

// New creates a new stream handler
func New(chatSvc *chatService.Service) *Handler {
	return &Handler{chatSvc: chatSvc}
}

// RegisterRoutes 注册流式对话路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/chat/stream", h.handleStream)
}

// StreamResponse represents a streaming response chunk
type StreamResponse struct {
	Event             string `json:"event"`
	Content           string `json:"content,omitempty"`
	UserID            string `json:"user_id,omitempty"`
	ConversationCount int    `json:"conversation_count,omitempty"`
	AutoFlushed       bool   `json:"auto_flushed,omitempty"`
	FlushError        string `json:"flush_error,omitempty"`
	Finished          bool   `json:"finished,omitempty"`
	Error             string `json:"error,omitempty"`
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		userID = defaultUserID
	}
	message := r.URL.Query().Get("message")
	if strings.TrimSpace(message) == "" {
		utils.RespondError(w, http.StatusBadRequest, "message query parameter is required")
		return
	}

	if err := h.HandleStreamRequest(r.Context(), w, userID, message); err != nil {
		log.Printf("[stream] error handling request user=%s: %v", userID, err)
	}
}

// HandleStreamRequest runs one chat turn for userID and streams the reply.
// The final "message" event carries the same counters as POST /chat.
func (h *Handler) HandleStreamRequest(ctx context.Context, w http.ResponseWriter, userID, message string) error {
	sse, err := utils.NewSSEWriter(w)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return err
	}

	if err := sse.Event("start", StreamResponse{Event: "start", UserID: userID}); err != nil {
		return err
	}

	result, err := h.chatSvc.SubmitStream(ctx, userID, message, func(delta string) {
		if err := sse.Event("delta", StreamResponse{Event: "delta", Content: delta}); err != nil {
			log.Printf("[stream] write delta user=%s: %v", userID, err)
		}
	})
	if err != nil {
		h.sendError(sse, err.Error())
		return err
	}

	final := StreamResponse{
		Event:             "message",
		UserID:            userID,
		Content:           result.Reply,
		ConversationCount: result.TurnCount,
		AutoFlushed:       result.AutoFlushed,
	}
	if result.FlushErr != nil {
		final.FlushError = result.FlushErr.Error()
	}
	if err := sse.Event("message", final); err != nil {
		return err
	}

	return sse.Event("end", StreamResponse{Event: "end", UserID: userID, Finished: true})
}

func (h *Handler) sendError(sse *utils.SSEWriter, message string) {
	if err := sse.Event("error", StreamResponse{Event: "error", Error: message, Finished: true}); err != nil {
		log.Printf("[stream] write error event: %v", err)
	}
}
