package conversation

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/curalink/backend/internal/apperr"
	"github.com/zhouzirui/curalink/backend/internal/middleware"
	"github.com/zhouzirui/curalink/backend/internal/model/conversation"
	"github.com/zhouzirui/curalink/backend/internal/realtime"
	"github.com/zhouzirui/curalink/backend/pkg/utils"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
	writeWait    = 10 * time.Second
	sseKeepAlive = 15 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type inboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type outgoingMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// wsConn 串行化写操作
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(msgType string, data interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(outgoingMessage{Type: msgType, Data: data, Timestamp: time.Now().UnixMilli()})
}

func (c *wsConn) control(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(messageType, data, time.Now().Add(writeWait))
}

// delivery is one frame ready to be written to a client.
type delivery struct {
	name    string
	id      string
	payload any
}

// seqTracker 保证推送给客户端的消息按 seq 连续且不重复
type seqTracker struct {
	mu       sync.Mutex
	last     int64
	backfill func(after int64) ([]conversation.Message, error)
}

// accept reports whether the message with seq has not been delivered yet and marks it.
func (t *seqTracker) accept(seq int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if seq <= t.last {
		return false
	}
	t.last = seq
	return true
}

// order turns a hub event into the frames to send. NewMessage events already delivered
// are dropped; an event that skips ahead first pulls the missing messages from the log,
// because instances publish independently and may arrive out of order.
func (t *seqTracker) order(evt realtime.Event) ([]delivery, error) {
	seq := messageSeq(evt)
	if seq == 0 {
		return []delivery{{name: evt.Name, payload: evt.Payload}}, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case seq <= t.last:
		return nil, nil
	case seq == t.last+1 || t.backfill == nil:
		t.last = seq
		return []delivery{{name: evt.Name, id: strconv.FormatInt(seq, 10), payload: evt.Payload}}, nil
	}

	missing, err := t.backfill(t.last)
	if err != nil {
		return nil, err
	}
	out := make([]delivery, 0, len(missing)+1)
	for _, msg := range missing {
		if msg.Seq <= t.last {
			continue
		}
		t.last = msg.Seq
		out = append(out, delivery{name: conversation.EventNewMessage, id: strconv.FormatInt(msg.Seq, 10), payload: msg})
	}
	if seq > t.last {
		t.last = seq
		out = append(out, delivery{name: evt.Name, id: strconv.FormatInt(seq, 10), payload: evt.Payload})
	}
	return out, nil
}

func messageSeq(evt realtime.Event) int64 {
	if evt.Name != conversation.EventNewMessage {
		return 0
	}
	var head struct {
		Seq int64 `json:"seq"`
	}
	if err := json.Unmarshal(evt.Payload, &head); err != nil {
		return 0
	}
	return head.Seq
}

// stream is an authorized live view of one conversation.
type stream struct {
	id       conversation.ID
	identity conversation.Identity
	sub      *realtime.Subscription
	// revoke carries the patient's assignment changes; only set for doctors.
	revoke  *realtime.Subscription
	backlog []conversation.Message
	tracker *seqTracker
}

func (s *stream) Close() {
	s.sub.Close()
	if s.revoke != nil {
		s.revoke.Close()
	}
}

// revocations returns the assignment change events, or nil when none are watched.
func (s *stream) revocations() <-chan realtime.Event {
	if s.revoke == nil {
		return nil
	}
	return s.revoke.Events()
}

// revoked reports whether an assignment change drops the doctor from this conversation.
func (s *stream) revoked(evt realtime.Event) bool {
	if evt.Name != conversation.EventAssignmentUpdated {
		return false
	}
	var a conversation.Assignment
	if err := json.Unmarshal(evt.Payload, &a); err != nil {
		return false
	}
	return !a.Links(s.id)
}

// openStream subscribes first and then reads the backlog, so no message appended in
// between is missed.
func (h *Handler) openStream(r *http.Request) (*stream, error) {
	identity, err := middleware.RequireIdentity(r)
	if err != nil {
		return nil, err
	}
	after, err := afterSeq(r)
	if err != nil {
		return nil, err
	}
	if h.hub == nil {
		return nil, apperr.New(apperr.KindServiceUnavailable, "http.stream", "real-time delivery is not configured")
	}

	id := conversationID(r)
	if err := id.Validate(); err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidInput, "http.stream", err)
	}

	st := &stream{id: id, identity: identity, sub: h.hub.Subscribe(id.Channel())}
	if identity.Role == conversation.RoleDoctor {
		st.revoke = h.hub.Subscribe(conversation.PatientChannel(id.PatientID))
	}
	st.backlog, err = h.conversations.ReadAfter(r.Context(), id, identity, after)
	if err != nil {
		st.Close()
		return nil, err
	}

	ctx := context.WithoutCancel(r.Context())
	st.tracker = &seqTracker{
		last: after,
		backfill: func(from int64) ([]conversation.Message, error) {
			return h.conversations.ReadAfter(ctx, id, identity, from)
		},
	}
	return st, nil
}

// handleWebSocket 推送会话消息，并允许客户端通过同一连接发送消息
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	st, err := h.openStream(r)
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	defer st.Close()

	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer raw.Close()
	conn := &wsConn{conn: raw}

	logger := h.logger.With(zap.String("conversation", st.id.String()), zap.String("uid", st.identity.UID))
	logger.Info("websocket connected", zap.Int("backlog", len(st.backlog)))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	raw.SetReadDeadline(time.Now().Add(pongWait))
	raw.SetPongHandler(func(string) error {
		raw.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	if err := conn.send("connected", map[string]any{"conversation": st.id, "role": st.identity.Role}); err != nil {
		return
	}
	for _, msg := range st.backlog {
		st.tracker.accept(msg.Seq)
		if err := conn.send(conversation.EventNewMessage, msg); err != nil {
			return
		}
	}

	go h.pingLoop(ctx, conn)
	go h.forward(ctx, cancel, conn, st, logger)

	for {
		var msg inboundMessage
		if err := raw.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		raw.SetReadDeadline(time.Now().Add(pongWait))
		h.handleInbound(ctx, conn, st.id, st.identity, &msg)
	}
}

// forward relays hub events until the subscription ends or access is revoked.
func (h *Handler) forward(ctx context.Context, cancel context.CancelFunc, conn *wsConn, st *stream, logger *zap.Logger) {
	defer cancel()
	closeWith := func(code int, reason string) {
		conn.control(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
		conn.conn.Close()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-st.revocations():
			if !ok {
				closeWith(websocket.CloseTryAgainLater, "reconnect with ?after=")
				return
			}
			if st.revoked(evt) {
				logger.Info("assignment changed, closing websocket")
				closeWith(websocket.ClosePolicyViolation, "assignment changed")
				return
			}
		case evt, ok := <-st.sub.Events():
			if !ok {
				if st.sub.Dropped() {
					logger.Warn("websocket subscriber fell behind, closing")
					closeWith(websocket.CloseTryAgainLater, "subscriber fell behind; reconnect with ?after=")
					return
				}
				conn.conn.Close()
				return
			}
			frames, err := st.tracker.order(evt)
			if err != nil {
				logger.Warn("backfill failed, closing websocket", zap.Error(err))
				closeWith(closeCodeFor(err), "reconnect with ?after=")
				return
			}
			for _, f := range frames {
				if err := conn.send(f.name, f.payload); err != nil {
					conn.conn.Close()
					return
				}
			}
		}
	}
}

func closeCodeFor(err error) int {
	if apperr.Permanent(apperr.KindOf(err)) {
		return websocket.ClosePolicyViolation
	}
	return websocket.CloseTryAgainLater
}

func (h *Handler) handleInbound(ctx context.Context, conn *wsConn, id conversation.ID, identity conversation.Identity, msg *inboundMessage) {
	switch msg.Type {
	case "message":
		var payload appendRequest
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			conn.send("error", map[string]string{"error": "invalid message payload"})
			return
		}
		saved, err := h.conversations.Append(ctx, id, payload.message(), identity)
		if err != nil {
			conn.send("error", map[string]any{"error": err.Error(), "kind": apperr.KindOf(err), "clientMessageId": payload.ClientMessageID})
			return
		}
		conn.send("ack", saved)
	case "ping":
		conn.send("pong", nil)
	default:
		conn.send("error", map[string]string{"error": "unsupported message type: " + msg.Type})
	}
}

// pingLoop 定期发送ping消息
func (h *Handler) pingLoop(ctx context.Context, conn *wsConn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.control(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleEvents SSE推送，适合无法使用websocket的客户端
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	st, err := h.openStream(r)
	if err != nil {
		utils.RespondAppError(w, err)
		return
	}
	defer st.Close()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	logger := h.logger.With(zap.String("conversation", st.id.String()), zap.String("uid", st.identity.UID))
	logger.Debug("sse stream opened")

	for _, msg := range st.backlog {
		st.tracker.accept(msg.Seq)
		if err := utils.SendSSEEvent(w, flusher, strconv.FormatInt(msg.Seq, 10), conversation.EventNewMessage, msg); err != nil {
			return
		}
	}
	if len(st.backlog) == 0 {
		utils.SendSSEComment(w, flusher, "connected")
	}

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := utils.SendSSEComment(w, flusher, "keep-alive"); err != nil {
				return
			}
		case evt, ok := <-st.revocations():
			if !ok || st.revoked(evt) {
				logger.Info("assignment changed, closing sse stream")
				return
			}
		case evt, ok := <-st.sub.Events():
			if !ok {
				return
			}
			frames, err := st.tracker.order(evt)
			if err != nil {
				logger.Warn("backfill failed, closing sse stream", zap.Error(err))
				return
			}
			for _, f := range frames {
				if err := utils.SendSSEEvent(w, flusher, f.id, f.name, f.payload); err != nil {
					return
				}
			}
		}
	}
}
