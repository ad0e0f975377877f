package speech

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/curalink/backend/internal/apperr"
	"github.com/zhouzirui/curalink/backend/internal/middleware"
	"github.com/zhouzirui/curalink/backend/internal/service/audio"
	"github.com/zhouzirui/curalink/backend/pkg/utils"
)

// SpeechService 抽象语音业务，便于测试与替换实现
type SpeechService interface {
	Ingest(ctx context.Context, sub audio.Submission) (audio.Result, error)
	Synthesize(ctx context.Context, text, languageCode, submitterUID string) (string, error)
	TranslateFreeText(ctx context.Context, text, from, to string) (string, error)
	CanonicalLanguage() string
}

// Handler 语音服务的HTTP处理器
type Handler struct {
	speechSvc SpeechService
	maxBytes  int64
}

// New 创建语音处理器
func New(speechSvc SpeechService, maxBytes int64) *Handler {
	if maxBytes <= 0 {
		maxBytes = audio.DefaultMaxBytes
	}
	return &Handler{speechSvc: speechSvc, maxBytes: maxBytes}
}

// RegisterRoutes 注册语音相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/speech", func(speechRouter chi.Router) {
		// ASR 端点，不写入会话
		speechRouter.Post("/transcribe", h.handleTranscribe)
		// TTS 端点
		speechRouter.Post("/synthesize", h.handleSynthesize)
	})
	r.Post("/translate", h.handleTranslate)
}

// handleTranscribe 处理语音转文本请求
func (h *Handler) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	const op = "http.transcribe"

	identity, err := middleware.RequireIdentity(r)
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+1<<20)
	if err := r.ParseMultipartForm(h.maxBytes + 1<<20); err != nil {
		utils.RespondAppError(w, apperr.InvalidInput(op, "invalid or oversized multipart body"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("audio")
	if err != nil {
		utils.RespondAppError(w, apperr.InvalidInput(op, "audio file is required"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.maxBytes+1))
	if err != nil {
		utils.RespondAppError(w, apperr.Wrap(apperr.KindInvalidInput, op, err))
		return
	}

	result, err := h.speechSvc.Ingest(r.Context(), audio.Submission{
		Data:             data,
		ContentType:      header.Header.Get("Content-Type"),
		DeclaredLanguage: r.FormValue("language"),
		SubmitterUID:     identity.UID,
	})
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, result)
}

// handleSynthesize 处理文本转语音请求
func (h *Handler) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	identity, err := middleware.RequireIdentity(r)
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}

	var payload struct {
		Text     string `json:"text"`
		Language string `json:"language"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	url, err := h.speechSvc.Synthesize(r.Context(), payload.Text, payload.Language, identity.UID)
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"audioUrl": url})
}

// handleTranslate 文本翻译
func (h *Handler) handleTranslate(w http.ResponseWriter, r *http.Request) {
	if _, err := middleware.RequireIdentity(r); err != nil {
		utils.RespondAppError(w, err)
		return
	}

	var payload struct {
		Text string `json:"text"`
		From string `json:"from"`
		To   string `json:"to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.To == "" {
		payload.To = h.speechSvc.CanonicalLanguage()
	}

	text, err := h.speechSvc.TranslateFreeText(r.Context(), payload.Text, payload.From, payload.To)
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"text": text, "to": payload.To})
}
