package chat

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/memochat/backend/internal/model/chat"
	chatService "github.com/zhouzirui/memochat/backend/internal/service/chat"
	"github.com/zhouzirui/memochat/backend/pkg/utils"
)

// DefaultUserID 未指定 user_id 时使用的演示用户
const DefaultUserID = "demo_user"

// Handler 聊天服务的HTTP处理器
type Handler struct {
	chatSvc *chatService.Service
}

// New 创建聊天处理器
func New(chatSvc *chatService.Service) *Handler {
	return &Handler{chatSvc: chatSvc}
}

// RegisterRoutes 注册聊天与记忆相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat", h.handleChat)
	r.Get("/conversation/{userID}", h.handleGetConversation)
	r.Delete("/conversation/{userID}", h.handleClearConversation)
	r.Get("/memory/{userID}", h.handleGetMemory)
	r.Post("/flush/{userID}", h.handleFlush)
	r.Get("/profile/{userID}", h.handleGetProfile)
}

type chatRequest struct {
	Message string `json:"message"`
	UserID  string `json:"user_id"`
}

type chatResponse struct {
	Response          string `json:"response"`
	ConversationCount int    `json:"conversation_count"`
	AutoFlushed       bool   `json:"auto_flushed"`
	FlushError        string `json:"flush_error,omitempty"`
}

// handleChat 处理一轮对话
func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var payload chatRequest
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	userID := strings.TrimSpace(payload.UserID)
	if userID == "" {
		userID = DefaultUserID
	}

	result, err := h.chatSvc.Submit(r.Context(), userID, payload.Message)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	resp := chatResponse{
		Response:          result.Reply,
		ConversationCount: result.TurnCount,
		AutoFlushed:       result.AutoFlushed,
	}
	if result.FlushErr != nil {
		resp.FlushError = result.FlushErr.Error()
	}
	utils.RespondJSON(w, http.StatusOK, resp)
}

type conversationResponse struct {
	UserID            string         `json:"user_id"`
	Messages          []chat.Message `json:"messages"`
	ConversationCount int            `json:"conversation_count"`
	FlushedCount      int            `json:"flushed_count"`
	Pending           int            `json:"pending"`
	Window            int            `json:"window"`
	Flushing          bool           `json:"flushing"`
	CreatedAt         time.Time      `json:"created_at"`
	LastActiveAt      time.Time      `json:"last_active_at"`
}

// handleGetConversation 返回短期记忆快照
func (h *Handler) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	state, err := h.chatSvc.State(userID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	messages := state.Messages
	if messages == nil {
		messages = []chat.Message{}
	}
	utils.RespondJSON(w, http.StatusOK, conversationResponse{
		UserID:            state.UserID,
		Messages:          messages,
		ConversationCount: state.TurnCount,
		FlushedCount:      state.FlushedCount,
		Pending:           state.Pending(),
		Window:            h.chatSvc.Window(),
		Flushing:          h.chatSvc.Flushing(state.UserID),
		CreatedAt:         state.CreatedAt,
		LastActiveAt:      state.LastActiveAt,
	})
}

// handleClearConversation 清空本地缓冲与计数，不影响长期记忆
func (h *Handler) handleClearConversation(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	message := "Conversation history cleared"
	if !h.chatSvc.Clear(userID) {
		message = "No conversation history to clear"
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "success", "message": message})
}

// respondServiceError 将服务层错误映射为HTTP状态码
func respondServiceError(w http.ResponseWriter, err error) {
	utils.RespondError(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, chatService.ErrUserRequired), errors.Is(err, chatService.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, chatService.ErrSessionNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
