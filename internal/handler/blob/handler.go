package blob

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/curalink/backend/internal/apperr"
	"github.com/zhouzirui/curalink/backend/internal/middleware"
	"github.com/zhouzirui/curalink/backend/internal/model/conversation"
	blobStore "github.com/zhouzirui/curalink/backend/internal/storage/blob"
	"github.com/zhouzirui/curalink/backend/pkg/utils"
)

// downloadable lists the prefixes of media objects. Conversation logs and assignment
// mirrors are only reachable through their gated endpoints.
var downloadable = []string{"audio/", "tts/"}

// Getter reads blobs.
type Getter interface {
	Get(ctx context.Context, path string) (blobStore.Object, error)
}

// Conversations reads a conversation log on behalf of a requester, enforcing access.
type Conversations interface {
	ReadAfter(ctx context.Context, id conversation.ID, requester conversation.Identity, afterSeq int64) ([]conversation.Message, error)
}

// Handler 媒体文件下载
type Handler struct {
	blobs         Getter
	conversations Conversations
}

func New(blobs Getter, conversations Conversations) *Handler {
	return &Handler{blobs: blobs, conversations: conversations}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/blobs/*", h.handleDownload)
}

func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	const op = "http.blob_download"

	identity, err := middleware.RequireIdentity(r)
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}

	path := chi.URLParam(r, "*")
	if !allowed(path) {
		utils.RespondAppError(w, apperr.NotFound(op, "blob not found"))
		return
	}
	if err := h.authorize(r, identity, path); err != nil {
		utils.RespondAppError(w, err)
		return
	}

	obj, err := h.blobs.Get(r.Context(), path)
	if errors.Is(err, blobStore.ErrNotFound) {
		utils.RespondAppError(w, apperr.NotFound(op, "blob not found"))
		return
	}
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}

	contentType := obj.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(obj.Data)))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.WriteHeader(http.StatusOK)
	w.Write(obj.Data)
}

// authorize 上传者本人可以下载；其他人需通过 ?conversation=patientId:doctorId 指明
// 引用该文件的会话，并且是该会话的当前参与者
func (h *Handler) authorize(r *http.Request, identity conversation.Identity, path string) error {
	const op = "http.blob_download"

	if owner(path) == identity.UID {
		return nil
	}

	ref := r.URL.Query().Get("conversation")
	if ref == "" || h.conversations == nil {
		return apperr.Forbidden(op, "blob belongs to another user")
	}
	patientID, doctorID, ok := strings.Cut(ref, ":")
	if !ok {
		return apperr.InvalidInput(op, "conversation must be patientId:doctorId")
	}
	id := conversation.NewID(patientID, doctorID)

	messages, err := h.conversations.ReadAfter(r.Context(), id, identity, 0)
	if err != nil {
		return err
	}
	suffix := "/api/blobs/" + path
	for _, msg := range messages {
		if strings.HasSuffix(msg.AudioURL, suffix) || strings.HasSuffix(msg.ImageURL, suffix) {
			return nil
		}
	}
	return apperr.Forbidden(op, "blob is not part of this conversation")
}

// owner returns the uploader uid encoded in audio/<uid>/... and tts/<uid>/... paths.
func owner(path string) string {
	parts := strings.SplitN(path, "/", 3)
	if len(parts) != 3 || parts[1] == "" {
		return ""
	}
	return parts[1]
}

func allowed(path string) bool {
	if path == "" || strings.Contains(path, "..") {
		return false
	}
	for _, prefix := range downloadable {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
