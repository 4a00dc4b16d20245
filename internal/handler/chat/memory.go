package chat

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	profileparser "github.com/zhouzirui/memochat/backend/internal/analysis/profile"
	"github.com/zhouzirui/memochat/backend/internal/model/profile"
	"github.com/zhouzirui/memochat/backend/pkg/utils"
)

type profileResponse struct {
	UserID   string                  `json:"user_id"`
	Profile  profile.Profile         `json:"profile"`
	Sections []profileparser.Section `json:"sections"`
	Source   string                  `json:"source"`
}

// handleGetMemory 返回长期记忆文本
func (h *Handler) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	memory, err := h.chatSvc.Memory(r.Context(), userID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"memory": memory, "user_id": userID})
}

// handleFlush 手动触发一次记忆刷新
func (h *Handler) handleFlush(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	if err := h.chatSvc.Flush(r.Context(), userID); err != nil {
		respondServiceError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "success", "message": "Memory flushed successfully"})
}

// handleGetProfile 返回结构化用户画像
func (h *Handler) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	view, err := h.chatSvc.Profile(r.Context(), userID)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	sections := profileparser.Sections(view.Profile)
	if sections == nil {
		sections = []profileparser.Section{}
	}
	utils.RespondJSON(w, http.StatusOK, profileResponse{
		UserID:   userID,
		Profile:  view.Profile,
		Sections: sections,
		Source:   view.Source,
	})
}
