package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/curalink/backend/internal/apperr"
	"github.com/zhouzirui/curalink/backend/internal/middleware"
	"github.com/zhouzirui/curalink/backend/internal/model/conversation"
	"github.com/zhouzirui/curalink/backend/internal/realtime"
	"github.com/zhouzirui/curalink/backend/internal/service/audio"
	"github.com/zhouzirui/curalink/backend/pkg/utils"
)

// multipartOverhead is the allowance for form fields around the audio part.
const multipartOverhead = 1 << 20

// Conversations is the conversation store as seen by HTTP.
type Conversations interface {
	Authorize(ctx context.Context, id conversation.ID, requester conversation.Identity, sender conversation.Sender) error
	Append(ctx context.Context, id conversation.ID, candidate conversation.Message, requester conversation.Identity) (conversation.Message, error)
	ReadAfter(ctx context.Context, id conversation.ID, requester conversation.Identity, afterSeq int64) ([]conversation.Message, error)
}

// Ingester is the audio pipeline as seen by HTTP.
type Ingester interface {
	Validate(sub audio.Submission) error
	Ingest(ctx context.Context, sub audio.Submission) (audio.Result, error)
}

// Subscriber hands out real-time subscriptions.
type Subscriber interface {
	Subscribe(channel string) *realtime.Subscription
}

// Handler 会话相关的HTTP处理器
type Handler struct {
	conversations Conversations
	ingester      Ingester
	hub           Subscriber
	maxAudioBytes int64
	logger        *zap.Logger
}

// New 创建会话处理器
func New(conversations Conversations, ingester Ingester, hub Subscriber, maxAudioBytes int64, logger *zap.Logger) *Handler {
	if maxAudioBytes <= 0 {
		maxAudioBytes = audio.DefaultMaxBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		conversations: conversations,
		ingester:      ingester,
		hub:           hub,
		maxAudioBytes: maxAudioBytes,
		logger:        logger,
	}
}

// RegisterRoutes 注册会话路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/conversations/{patientID}/{doctorID}", func(r chi.Router) {
		r.Get("/messages", h.handleList)
		r.Post("/messages", h.handleAppend)
		r.Post("/audio", h.handleAudio)
		r.Get("/ws", h.handleWebSocket)
		r.Get("/events", h.handleEvents)
	})
}

type appendRequest struct {
	Sender          conversation.Sender `json:"sender"`
	Kind            conversation.Kind   `json:"kind"`
	PrimaryText     string              `json:"primaryText"`
	TranslatedText  string              `json:"translatedText"`
	Language        string              `json:"language"`
	AudioURL        string              `json:"audioUrl"`
	ImageURL        string              `json:"imageUrl"`
	Condition       string              `json:"condition"`
	Medication      string              `json:"medication"`
	ClientMessageID string              `json:"clientMessageId"`
}

func (req appendRequest) message() conversation.Message {
	return conversation.Message{
		Sender:          req.Sender,
		Kind:            req.Kind,
		PrimaryText:     req.PrimaryText,
		TranslatedText:  req.TranslatedText,
		Language:        req.Language,
		AudioURL:        req.AudioURL,
		ImageURL:        req.ImageURL,
		Condition:       req.Condition,
		Medication:      req.Medication,
		ClientMessageID: req.ClientMessageID,
	}
}

type audioResponse struct {
	Message       conversation.Message `json:"message"`
	Transcription audio.Result         `json:"transcription"`
}

func conversationID(r *http.Request) conversation.ID {
	return conversation.NewID(chi.URLParam(r, "patientID"), chi.URLParam(r, "doctorID"))
}

// afterSeq reads the resume point from ?after= or the SSE Last-Event-ID header.
func afterSeq(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("after")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	if raw == "" {
		return 0, nil
	}
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seq < 0 {
		return 0, apperr.InvalidInput("http.after", "after must be a non-negative sequence number")
	}
	return seq, nil
}

// handleList 返回会话消息
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	identity, err := middleware.RequireIdentity(r)
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	after, err := afterSeq(r)
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}

	messages, err := h.conversations.ReadAfter(r.Context(), conversationID(r), identity, after)
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

// handleAppend 追加一条消息
func (h *Handler) handleAppend(w http.ResponseWriter, r *http.Request) {
	identity, err := middleware.RequireIdentity(r)
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}

	var payload appendRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.ClientMessageID == "" {
		payload.ClientMessageID = r.Header.Get("Idempotency-Key")
	}

	msg, err := h.conversations.Append(r.Context(), conversationID(r), payload.message(), identity)
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, msg)
}

// handleAudio 上传语音，转写翻译后作为音频消息追加
func (h *Handler) handleAudio(w http.ResponseWriter, r *http.Request) {
	const op = "http.audio"

	identity, err := middleware.RequireIdentity(r)
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	if h.ingester == nil {
		utils.RespondAppError(w, apperr.New(apperr.KindServiceUnavailable, op, "audio ingestion is not configured"))
		return
	}

	id := conversationID(r)
	if err := h.conversations.Authorize(r.Context(), id, identity, ""); err != nil {
		utils.RespondAppError(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxAudioBytes+multipartOverhead)
	if err := r.ParseMultipartForm(h.maxAudioBytes + multipartOverhead); err != nil {
		utils.RespondAppError(w, multipartError(op, err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("audio")
	if err != nil {
		utils.RespondAppError(w, apperr.InvalidInput(op, "audio file is required"))
		return
	}
	defer file.Close()

	// 多读一个字节用于判断是否超限
	data, err := io.ReadAll(io.LimitReader(file, h.maxAudioBytes+1))
	if err != nil {
		utils.RespondAppError(w, apperr.Wrap(apperr.KindInvalidInput, op, err))
		return
	}

	sub := audio.Submission{
		Data:             data,
		ContentType:      header.Header.Get("Content-Type"),
		DeclaredLanguage: r.FormValue("language"),
		SubmitterUID:     identity.UID,
	}
	if err := h.ingester.Validate(sub); err != nil {
		utils.RespondAppError(w, err)
		return
	}

	result, err := h.ingester.Ingest(r.Context(), sub)
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}

	clientMessageID := r.FormValue("clientMessageId")
	if clientMessageID == "" {
		clientMessageID = r.Header.Get("Idempotency-Key")
	}
	msg, err := h.conversations.Append(r.Context(), id, conversation.Message{
		Kind:            conversation.KindAudio,
		PrimaryText:     result.Transcript,
		TranslatedText:  result.TranslatedText,
		Language:        result.DetectedLanguage,
		AudioURL:        result.AudioURL,
		ClientMessageID: clientMessageID,
	}, identity)
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusCreated, audioResponse{Message: msg, Transcription: result})
}

func multipartError(op string, err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "too large") {
		return apperr.InvalidInput(op, "audio payload is too large")
	}
	return apperr.Wrap(apperr.KindInvalidInput, op, err)
}
