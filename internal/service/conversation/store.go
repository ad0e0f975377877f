// Package conversation keeps the ordered message log of each patient/doctor pair and
// fans every append out to connected participants.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/curalink/backend/internal/apperr"
	"github.com/zhouzirui/curalink/backend/internal/model/conversation"
	"github.com/zhouzirui/curalink/backend/internal/realtime"
	"github.com/zhouzirui/curalink/backend/internal/retry"
	"github.com/zhouzirui/curalink/backend/internal/service/auth"
	"github.com/zhouzirui/curalink/backend/internal/service/prescription"
	"github.com/zhouzirui/curalink/backend/internal/storage/blob"
)

// maxMerges bounds the re-read/re-merge loop of one write attempt.
const maxMerges = 5

// Assignments is the part of the assignment registry the store depends on.
type Assignments interface {
	Active(ctx context.Context, patientID string) (conversation.Assignment, error)
	PurgeFor(ctx context.Context, id string) error
}

// Verifier checks a prescription against the medication catalog.
type Verifier interface {
	Verify(condition, medication string) prescription.Outcome
}

// Store is the conversation store.
type Store struct {
	blobs       blob.Store
	assignments Assignments
	gate        *auth.Gate
	writer      *retry.Writer
	publisher   realtime.Publisher
	verifier    Verifier
	logger      *zap.Logger
	locks       *keyedMutex
	now         func() time.Time
	newID       func() string
}

// Option customises a Store.
type Option func(*Store)

// WithVerifier enables prescription verification on append.
func WithVerifier(v Verifier) Option {
	return func(s *Store) { s.verifier = v }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore wires a conversation store. publisher may be nil.
func NewStore(blobs blob.Store, assignments Assignments, gate *auth.Gate, writer *retry.Writer,
	publisher realtime.Publisher, logger *zap.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		blobs:       blobs,
		assignments: assignments,
		gate:        gate,
		writer:      writer.With(retry.Linear),
		publisher:   publisher,
		logger:      logger,
		locks:       newKeyedMutex(),
		now:         func() time.Time { return time.Now().UTC() },
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Authorize runs every append precondition. An empty sender is taken from the requester's role.
func (s *Store) Authorize(ctx context.Context, id conversation.ID, requester conversation.Identity, sender conversation.Sender) error {
	const op = "conversation.authorize"

	if err := id.Validate(); err != nil {
		return apperr.Wrap(apperr.KindInvalidInput, op, err)
	}
	if err := s.gate.RequireConversationParticipant(requester, id); err != nil {
		return err
	}

	role, _ := requester.SenderRole()
	if sender != "" && sender != role {
		return apperr.Forbidden(op, "sender does not match requester role")
	}

	active, err := s.assignments.Active(ctx, id.PatientID)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return apperr.Forbidden(op, "no active assignment for this conversation")
		}
		return err
	}
	if !active.Links(id) {
		return apperr.Forbidden(op, "conversation is not backed by the current assignment")
	}
	return nil
}

// Append persists candidate at the end of the conversation log and publishes NewMessage.
// A repeated ClientMessageID returns the message stored the first time.
func (s *Store) Append(ctx context.Context, id conversation.ID, candidate conversation.Message, requester conversation.Identity) (conversation.Message, error) {
	const op = "conversation.append"

	if err := s.Authorize(ctx, id, requester, candidate.Sender); err != nil {
		return conversation.Message{}, err
	}
	candidate.Sender, _ = requester.SenderRole()
	candidate.SenderID = requester.DomainID
	if err := normalizeCandidate(&candidate); err != nil {
		return conversation.Message{}, apperr.Wrap(apperr.KindInvalidInput, op, err)
	}
	if candidate.Kind == conversation.KindPrescription && s.verifier != nil {
		candidate.Verification = string(s.verifier.Verify(candidate.Condition, candidate.Medication))
	}

	unlock := s.locks.Lock(id.String())
	defer unlock()

	// 一旦开始持久化就不再跟随客户端取消
	durable := context.WithoutCancel(ctx)
	result, err := retry.Execute(durable, s.writer, op, func(ctx context.Context) (appendResult, error) {
		return s.appendOnce(ctx, id, candidate)
	})
	if err != nil {
		if apperr.Permanent(apperr.KindOf(err)) {
			return conversation.Message{}, err
		}
		return conversation.Message{}, apperr.Wrap(apperr.KindStorageUnavailable, op, err)
	}

	if result.duplicate {
		s.logger.Debug("duplicate client message",
			zap.String("conversation", id.String()),
			zap.String("client_message_id", candidate.ClientMessageID),
		)
		return result.message, nil
	}

	if s.publisher != nil {
		if err := s.publisher.Publish(durable, id.Channel(), conversation.EventNewMessage, result.message); err != nil {
			s.logger.Warn("publish new message failed",
				zap.String("conversation", id.String()),
				zap.Int64("seq", result.message.Seq),
				zap.Error(err),
			)
		}
	}
	return result.message, nil
}

type appendResult struct {
	message   conversation.Message
	duplicate bool
}

// appendOnce performs read-modify-write with compare-and-swap, re-merging on conflict.
func (s *Store) appendOnce(ctx context.Context, id conversation.ID, candidate conversation.Message) (appendResult, error) {
	const op = "conversation.append_once"

	for merge := 0; merge < maxMerges; merge++ {
		log, version, err := s.load(ctx, id)
		if err != nil {
			return appendResult{}, err
		}

		if existing, ok := log.FindClientMessage(candidate.SenderID, candidate.ClientMessageID); ok {
			return appendResult{message: existing, duplicate: true}, nil
		}

		msg := candidate
		msg.ID = s.newID()
		msg.Seq = 1
		msg.Timestamp = s.now()
		if last, ok := log.Last(); ok {
			msg.Seq = last.Seq + 1
			if msg.Timestamp.Before(last.Timestamp) {
				msg.Timestamp = last.Timestamp
			}
		}
		log.Messages = append(log.Messages, msg)

		data, err := json.Marshal(log)
		if err != nil {
			return appendResult{}, apperr.Wrap(apperr.KindInternal, op, err)
		}

		_, err = s.blobs.PutIfVersion(ctx, id.BlobPath(), data, "application/json", version)
		if errors.Is(err, blob.ErrVersionConflict) {
			s.logger.Debug("conversation log changed underneath, re-merging",
				zap.String("conversation", id.String()),
				zap.Int("merge", merge+1),
			)
			continue
		}
		if err != nil {
			return appendResult{}, err
		}
		return appendResult{message: msg}, nil
	}
	return appendResult{}, apperr.New(apperr.KindConflict, op, "conversation log kept changing during append")
}

// Read returns the conversation's messages in append order.
func (s *Store) Read(ctx context.Context, id conversation.ID, requester conversation.Identity) ([]conversation.Message, error) {
	return s.ReadAfter(ctx, id, requester, 0)
}

// ReadAfter returns the messages with Seq greater than afterSeq; used for catch-up after reconnect.
func (s *Store) ReadAfter(ctx context.Context, id conversation.ID, requester conversation.Identity, afterSeq int64) ([]conversation.Message, error) {
	const op = "conversation.read"

	if err := id.Validate(); err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidInput, op, err)
	}
	if err := s.gate.RequireConversationParticipant(requester, id); err != nil {
		return nil, err
	}
	if err := s.requireCurrentDoctor(ctx, id, requester); err != nil {
		return nil, err
	}

	log, _, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	out := make([]conversation.Message, 0, len(log.Messages))
	for _, msg := range log.Messages {
		if msg.Seq > afterSeq {
			out = append(out, msg)
		}
	}
	return out, nil
}

// requireCurrentDoctor keeps a doctor's read access tied to the active assignment.
// Patients keep their history after reassignment.
func (s *Store) requireCurrentDoctor(ctx context.Context, id conversation.ID, requester conversation.Identity) error {
	if requester.Role != conversation.RoleDoctor {
		return nil
	}
	active, err := s.assignments.Active(ctx, id.PatientID)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return s.denyRead(requester, id, "no active assignment for this conversation")
		}
		return err
	}
	if !active.Links(id) {
		return s.denyRead(requester, id, "doctor is no longer assigned to this patient")
	}
	return nil
}

func (s *Store) denyRead(requester conversation.Identity, id conversation.ID, reason string) error {
	s.logger.Warn("conversation read denied",
		zap.String("uid", requester.UID),
		zap.String("conversation", id.String()),
		zap.String("reason", reason),
		zap.Bool("security_signal", true),
	)
	return apperr.Forbidden("conversation.read", reason)
}

// PurgeConversationsFor deletes every log naming accountID as patient or doctor and
// the account's assignments. Returns the number of logs removed.
func (s *Store) PurgeConversationsFor(ctx context.Context, accountID string) (int, error) {
	const op = "conversation.purge"

	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return 0, apperr.InvalidInput(op, "account id is required")
	}

	paths, err := s.blobs.List(ctx, conversation.LogPrefix)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, path := range paths {
		id, ok := conversation.ParseBlobPath(path)
		if !ok || (id.PatientID != accountID && id.DoctorID != accountID) {
			continue
		}
		unlock := s.locks.Lock(id.String())
		err := s.writer.Do(ctx, op, func(ctx context.Context) error {
			return s.blobs.Delete(ctx, path)
		})
		unlock()
		if err != nil {
			return removed, apperr.Wrap(apperr.KindStorageUnavailable, op, err)
		}
		removed++
	}

	if err := s.assignments.PurgeFor(ctx, accountID); err != nil {
		return removed, err
	}

	s.logger.Info("conversations purged",
		zap.String("account_id", accountID),
		zap.Int("logs", removed),
	)
	return removed, nil
}

func (s *Store) load(ctx context.Context, id conversation.ID) (conversation.Log, int64, error) {
	obj, err := s.blobs.Get(ctx, id.BlobPath())
	if errors.Is(err, blob.ErrNotFound) {
		return conversation.Log{PatientID: id.PatientID, DoctorID: id.DoctorID, Messages: []conversation.Message{}}, 0, nil
	}
	if err != nil {
		return conversation.Log{}, 0, err
	}

	var log conversation.Log
	if err := json.Unmarshal(obj.Data, &log); err != nil {
		return conversation.Log{}, 0, apperr.Wrap(apperr.KindInternal, "conversation.load", err)
	}
	if log.Messages == nil {
		log.Messages = []conversation.Message{}
	}
	log.PatientID, log.DoctorID = id.PatientID, id.DoctorID
	return log, obj.Version, nil
}

func normalizeCandidate(msg *conversation.Message) error {
	if msg.Kind == "" {
		msg.Kind = conversation.KindText
	}
	if !msg.Kind.Valid() {
		return errors.New("unknown message kind " + string(msg.Kind))
	}

	msg.PrimaryText = strings.TrimSpace(msg.PrimaryText)
	msg.Condition = strings.TrimSpace(msg.Condition)
	msg.Medication = strings.TrimSpace(msg.Medication)
	msg.ClientMessageID = strings.TrimSpace(msg.ClientMessageID)
	msg.Verification = ""

	switch msg.Kind {
	case conversation.KindText, conversation.KindDiagnosis:
		if msg.PrimaryText == "" {
			return errors.New("primaryText is required")
		}
	case conversation.KindAudio:
		if strings.TrimSpace(msg.AudioURL) == "" {
			return errors.New("audioUrl is required for audio messages")
		}
	case conversation.KindPrescription:
		if msg.Medication == "" {
			return errors.New("medication is required for prescriptions")
		}
		if msg.PrimaryText == "" {
			msg.PrimaryText = msg.Medication
		}
	}
	return nil
}
