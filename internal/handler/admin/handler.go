package admin

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/curalink/backend/internal/middleware"
	"github.com/zhouzirui/curalink/backend/internal/model/conversation"
	"github.com/zhouzirui/curalink/backend/pkg/utils"
)

// Purger deletes an account's conversations and assignments.
type Purger interface {
	PurgeConversationsFor(ctx context.Context, accountID string) (int, error)
}

// RoleGate restricts endpoints by role.
type RoleGate interface {
	RequireRole(identity conversation.Identity, roles ...conversation.Role) error
}

// Handler 管理员接口
type Handler struct {
	purger Purger
	gate   RoleGate
	logger *zap.Logger
}

func New(purger Purger, gate RoleGate, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{purger: purger, gate: gate, logger: logger}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Delete("/admin/accounts/{accountID}/conversations", h.handlePurge)
}

// handlePurge 删除账号时级联清理会话
func (h *Handler) handlePurge(w http.ResponseWriter, r *http.Request) {
	identity, err := middleware.RequireIdentity(r)
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	if err := h.gate.RequireRole(identity, conversation.RoleAdmin); err != nil {
		utils.RespondAppError(w, err)
		return
	}

	accountID := chi.URLParam(r, "accountID")
	removed, err := h.purger.PurgeConversationsFor(r.Context(), accountID)
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}

	h.logger.Info("account conversations purged",
		zap.String("admin_uid", identity.UID),
		zap.String("account_id", accountID),
		zap.Int("removed", removed),
	)
	utils.RespondJSON(w, http.StatusOK, map[string]any{"accountId": accountID, "removed": removed})
}
