package assignment

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/curalink/backend/internal/apperr"
	"github.com/zhouzirui/curalink/backend/internal/middleware"
	"github.com/zhouzirui/curalink/backend/internal/model/conversation"
	"github.com/zhouzirui/curalink/backend/internal/realtime"
	"github.com/zhouzirui/curalink/backend/pkg/utils"
)

// Registry is the assignment registry as seen by HTTP.
type Registry interface {
	Assign(ctx context.Context, patientID, doctorID string, requester conversation.Identity) (conversation.Assignment, error)
	ActiveFor(ctx context.Context, requester conversation.Identity) (conversation.Assignment, error)
	ListForDoctor(ctx context.Context, doctorID string, requester conversation.Identity) ([]conversation.Assignment, error)
}

// PatientGate checks that the caller is a given patient.
type PatientGate interface {
	RequirePatient(identity conversation.Identity, patientID string) error
}

// Subscriber hands out real-time subscriptions.
type Subscriber interface {
	Subscribe(channel string) *realtime.Subscription
}

// Handler 分配关系的HTTP处理器
type Handler struct {
	registry Registry
	gate     PatientGate
	hub      Subscriber
}

// New 创建分配处理器；hub 为空时不提供通知流
func New(registry Registry, gate PatientGate, hub Subscriber) *Handler {
	return &Handler{registry: registry, gate: gate, hub: hub}
}

// RegisterRoutes 注册分配相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/assignments", h.handleAssign)
	r.Get("/assignments/me", h.handleMine)
	r.Get("/doctors/{doctorID}/assignments", h.handleDoctorList)
	r.Get("/patients/{patientID}/events", h.handlePatientEvents)
}

// handleAssign 病人选择医生
func (h *Handler) handleAssign(w http.ResponseWriter, r *http.Request) {
	identity, err := middleware.RequireIdentity(r)
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}

	var payload struct {
		PatientID string `json:"patientId"`
		DoctorID  string `json:"doctorId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.PatientID == "" {
		payload.PatientID = identity.DomainID
	}

	a, err := h.registry.Assign(r.Context(), payload.PatientID, payload.DoctorID, identity)
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, a)
}

func (h *Handler) handleMine(w http.ResponseWriter, r *http.Request) {
	identity, err := middleware.RequireIdentity(r)
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	a, err := h.registry.ActiveFor(r.Context(), identity)
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, a)
}

func (h *Handler) handleDoctorList(w http.ResponseWriter, r *http.Request) {
	identity, err := middleware.RequireIdentity(r)
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	list, err := h.registry.ListForDoctor(r.Context(), chi.URLParam(r, "doctorID"), identity)
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"assignments": list})
}

// handlePatientEvents 病人通知频道的SSE流
func (h *Handler) handlePatientEvents(w http.ResponseWriter, r *http.Request) {
	identity, err := middleware.RequireIdentity(r)
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	patientID := chi.URLParam(r, "patientID")
	if err := h.gate.RequirePatient(identity, patientID); err != nil {
		utils.RespondAppError(w, err)
		return
	}
	if h.hub == nil {
		utils.RespondAppError(w, apperr.New(apperr.KindServiceUnavailable, "http.patient_events", "real-time delivery is not configured"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := h.hub.Subscribe(conversation.PatientChannel(patientID))
	defer sub.Close()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	utils.SendSSEComment(w, flusher, "connected")

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := utils.SendSSEComment(w, flusher, "keep-alive"); err != nil {
				return
			}
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := utils.SendSSEEvent(w, flusher, "", evt.Name, evt.Payload); err != nil {
				return
			}
		}
	}
}
