package prescription

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/curalink/backend/internal/apperr"
	"github.com/zhouzirui/curalink/backend/internal/middleware"
	"github.com/zhouzirui/curalink/backend/internal/model/conversation"
	prescriptionService "github.com/zhouzirui/curalink/backend/internal/service/prescription"
	"github.com/zhouzirui/curalink/backend/pkg/utils"
)

// Verifier checks a prescription against the catalog.
type Verifier interface {
	Verify(condition, medication string) prescriptionService.Outcome
}

// RoleGate restricts endpoints by role.
type RoleGate interface {
	RequireRole(identity conversation.Identity, roles ...conversation.Role) error
}

// Handler 处方核对
type Handler struct {
	verifier Verifier
	gate     RoleGate
}

// New 创建处方处理器；verifier 为空时接口返回 503
func New(verifier Verifier, gate RoleGate) *Handler {
	return &Handler{verifier: verifier, gate: gate}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/prescriptions/verify", h.handleVerify)
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	const op = "http.prescription_verify"

	identity, err := middleware.RequireIdentity(r)
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	if err := h.gate.RequireRole(identity, conversation.RoleDoctor); err != nil {
		utils.RespondAppError(w, err)
		return
	}
	if h.verifier == nil {
		utils.RespondAppError(w, apperr.New(apperr.KindServiceUnavailable, op, "medication catalog is not loaded"))
		return
	}

	var payload struct {
		Condition  string `json:"condition"`
		Medication string `json:"medication"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(payload.Condition) == "" || strings.TrimSpace(payload.Medication) == "" {
		utils.RespondAppError(w, apperr.InvalidInput(op, "condition and medication are required"))
		return
	}

	outcome := h.verifier.Verify(payload.Condition, payload.Medication)
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"condition":  payload.Condition,
		"medication": payload.Medication,
		"outcome":    outcome,
	})
}
