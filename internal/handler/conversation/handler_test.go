package conversation

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/curalink/backend/internal/apperr"
	"github.com/zhouzirui/curalink/backend/internal/middleware"
	"github.com/zhouzirui/curalink/backend/internal/model/conversation"
	"github.com/zhouzirui/curalink/backend/internal/realtime"
	"github.com/zhouzirui/curalink/backend/internal/service/audio"
)

type fakeConversations struct {
	authorizeErr error
	appended     []conversation.Message
	afterSeen    int64
}

func (f *fakeConversations) Authorize(context.Context, conversation.ID, conversation.Identity, conversation.Sender) error {
	return f.authorizeErr
}

func (f *fakeConversations) Append(_ context.Context, _ conversation.ID, candidate conversation.Message, _ conversation.Identity) (conversation.Message, error) {
	if f.authorizeErr != nil {
		return conversation.Message{}, f.authorizeErr
	}
	candidate.Seq = int64(len(f.appended) + 1)
	f.appended = append(f.appended, candidate)
	return candidate, nil
}

func (f *fakeConversations) ReadAfter(_ context.Context, _ conversation.ID, _ conversation.Identity, after int64) ([]conversation.Message, error) {
	f.afterSeen = after
	return []conversation.Message{}, nil
}

type fakeIngester struct {
	maxBytes int
	ingested int
}

func (f *fakeIngester) Validate(sub audio.Submission) error {
	if len(sub.Data) > f.maxBytes {
		return apperr.InvalidInput("test", "too large")
	}
	return nil
}

func (f *fakeIngester) Ingest(_ context.Context, sub audio.Submission) (audio.Result, error) {
	f.ingested++
	return audio.Result{Transcript: "hola", DetectedLanguage: "es", TranslatedText: "hello", AudioURL: "http://x/audio.wav", Warnings: []string{}}, nil
}

var patient = conversation.Identity{UID: "uid-p1", Role: conversation.RolePatient, DomainID: "p1"}

func newTestRouter(convs *fakeConversations, ingester *fakeIngester) http.Handler {
	h := New(convs, ingester, realtime.NewHub(8, nil), 64, nil)
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(middleware.WithIdentity(req.Context(), patient)))
		})
	})
	h.RegisterRoutes(r)
	return r
}

func multipartBody(t *testing.T, size int) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("audio", "note.wav")
	require.NoError(t, err)
	_, err = part.Write(make([]byte, size))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestAppendUsesIdempotencyKey(t *testing.T) {
	convs := &fakeConversations{}
	router := newTestRouter(convs, &fakeIngester{maxBytes: 64})

	req := httptest.NewRequest(http.MethodPost, "/conversations/p1/d1/messages", bytes.NewBufferString(`{"kind":"text","primaryText":"hi"}`))
	req.Header.Set("Idempotency-Key", "client-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, convs.appended, 1)
	assert.Equal(t, "client-1", convs.appended[0].ClientMessageID)
}

func TestAppendRejectsMalformedBody(t *testing.T) {
	convs := &fakeConversations{}
	router := newTestRouter(convs, &fakeIngester{maxBytes: 64})

	req := httptest.NewRequest(http.MethodPost, "/conversations/p1/d1/messages", bytes.NewBufferString(`{`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, convs.appended)
}

func TestListResumesFromLastEventID(t *testing.T) {
	convs := &fakeConversations{}
	router := newTestRouter(convs, &fakeIngester{maxBytes: 64})

	req := httptest.NewRequest(http.MethodGet, "/conversations/p1/d1/messages", nil)
	req.Header.Set("Last-Event-ID", "7")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(7), convs.afterSeen)

	req = httptest.NewRequest(http.MethodGet, "/conversations/p1/d1/messages?after=-1", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAudioOversizeSkipsIngest(t *testing.T) {
	convs := &fakeConversations{}
	ingester := &fakeIngester{maxBytes: 64}
	router := newTestRouter(convs, ingester)

	body, contentType := multipartBody(t, 128)
	req := httptest.NewRequest(http.MethodPost, "/conversations/p1/d1/audio", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, ingester.ingested)
	assert.Empty(t, convs.appended)
}

func TestAudioAppendsTranscribedMessage(t *testing.T) {
	convs := &fakeConversations{}
	ingester := &fakeIngester{maxBytes: 64}
	router := newTestRouter(convs, ingester)

	body, contentType := multipartBody(t, 32)
	req := httptest.NewRequest(http.MethodPost, "/conversations/p1/d1/audio", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp audioResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, conversation.KindAudio, resp.Message.Kind)
	assert.Equal(t, "hola", resp.Message.PrimaryText)
	assert.Equal(t, "hello", resp.Message.TranslatedText)
	assert.Equal(t, "es", resp.Message.Language)
	assert.Equal(t, 1, ingester.ingested)
}

func TestAudioForbiddenBeforeUpload(t *testing.T) {
	convs := &fakeConversations{authorizeErr: apperr.Forbidden("test", "not assigned")}
	ingester := &fakeIngester{maxBytes: 64}
	router := newTestRouter(convs, ingester)

	body, contentType := multipartBody(t, 32)
	req := httptest.NewRequest(http.MethodPost, "/conversations/p1/d1/audio", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Zero(t, ingester.ingested)
}

func newMessageEvent(t *testing.T, seq int64) realtime.Event {
	t.Helper()
	evt, err := realtime.NewEvent("conversation:p1:d1", conversation.EventNewMessage, conversation.Message{Seq: seq})
	require.NoError(t, err)
	return evt
}

func seqs(frames []delivery) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.id)
	}
	return out
}

func TestSeqTrackerDropsReplayed(t *testing.T) {
	tracker := &seqTracker{}
	assert.True(t, tracker.accept(1))
	assert.True(t, tracker.accept(2))
	assert.False(t, tracker.accept(2))
	assert.False(t, tracker.accept(1))

	frames, err := tracker.order(newMessageEvent(t, 2))
	require.NoError(t, err)
	assert.Empty(t, frames)

	frames, err = tracker.order(newMessageEvent(t, 3))
	require.NoError(t, err)
	assert.Equal(t, []string{"3"}, seqs(frames))

	other, err := realtime.NewEvent("conversation:p1:d1", "Typing", map[string]string{"who": "d1"})
	require.NoError(t, err)
	frames, err = tracker.order(other)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, "Typing", frames[0].name)
}

func TestSeqTrackerBackfillsOutOfOrderArrival(t *testing.T) {
	stored := []conversation.Message{{Seq: 4}, {Seq: 5}, {Seq: 6}}
	var backfilledFrom []int64
	tracker := &seqTracker{
		last: 4,
		backfill: func(after int64) ([]conversation.Message, error) {
			backfilledFrom = append(backfilledFrom, after)
			var out []conversation.Message
			for _, msg := range stored {
				if msg.Seq > after {
					out = append(out, msg)
				}
			}
			return out, nil
		},
	}

	frames, err := tracker.order(newMessageEvent(t, 6))
	require.NoError(t, err)
	assert.Equal(t, []string{"5", "6"}, seqs(frames))
	assert.Equal(t, []int64{4}, backfilledFrom)

	frames, err = tracker.order(newMessageEvent(t, 5))
	require.NoError(t, err)
	assert.Empty(t, frames, "seq 5 was already sent by the backfill")
	assert.Len(t, backfilledFrom, 1)
}

func TestSeqTrackerBackfillError(t *testing.T) {
	tracker := &seqTracker{
		last: 1,
		backfill: func(int64) ([]conversation.Message, error) {
			return nil, apperr.Forbidden("test", "reassigned")
		},
	}

	_, err := tracker.order(newMessageEvent(t, 3))
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
}
