// Package assignment records which doctor currently serves each patient.
package assignment

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/curalink/backend/internal/apperr"
	"github.com/zhouzirui/curalink/backend/internal/model/conversation"
	"github.com/zhouzirui/curalink/backend/internal/realtime"
	"github.com/zhouzirui/curalink/backend/internal/retry"
	"github.com/zhouzirui/curalink/backend/internal/service/auth"
	"github.com/zhouzirui/curalink/backend/internal/storage/blob"
)

// Store is the durable assignment table.
type Store interface {
	Replace(ctx context.Context, a conversation.Assignment) error
	Active(ctx context.Context, patientID string) (conversation.Assignment, error)
	ListForDoctor(ctx context.Context, doctorID string) ([]conversation.Assignment, error)
	PurgeFor(ctx context.Context, id string) ([]string, error)
}

// Profiles looks up the directory records an assignment needs.
type Profiles interface {
	GetPatient(ctx context.Context, patientID string) (conversation.Patient, error)
	GetDoctor(ctx context.Context, doctorID string) (conversation.Doctor, error)
}

// Registry owns assignment writes. Postgres is authoritative, the blob mirror is a
// read fallback.
type Registry struct {
	store     Store
	profiles  Profiles
	mirror    blob.Store
	publisher realtime.Publisher
	writer    *retry.Writer
	gate      *auth.Gate
	logger    *zap.Logger
	now       func() time.Time
}

// Option customises a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry wires the registry. mirror and publisher may be nil.
func NewRegistry(store Store, profiles Profiles, mirror blob.Store, publisher realtime.Publisher,
	writer *retry.Writer, gate *auth.Gate, logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		store:     store,
		profiles:  profiles,
		mirror:    mirror,
		publisher: publisher,
		writer:    writer,
		gate:      gate,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Assign makes doctorID the patient's current doctor, replacing any prior assignment.
func (r *Registry) Assign(ctx context.Context, patientID, doctorID string, requester conversation.Identity) (conversation.Assignment, error) {
	const op = "assignment.assign"

	patientID = strings.TrimSpace(patientID)
	doctorID = strings.TrimSpace(doctorID)
	if patientID == "" || doctorID == "" {
		return conversation.Assignment{}, apperr.InvalidInput(op, "patientId and doctorId are required")
	}
	if err := r.gate.RequirePatient(requester, patientID); err != nil {
		return conversation.Assignment{}, err
	}

	patient, err := r.profiles.GetPatient(ctx, patientID)
	if err != nil {
		return conversation.Assignment{}, lookupError(op, "patient", err)
	}
	if _, err := r.profiles.GetDoctor(ctx, doctorID); err != nil {
		return conversation.Assignment{}, lookupError(op, "doctor", err)
	}

	a := conversation.Assignment{
		PatientID:   patientID,
		DoctorID:    doctorID,
		CreatedAt:   r.now(),
		PatientName: patient.Name,
		Age:         patient.Age,
		Sex:         patient.Sex,
	}

	// 写入不随客户端断开而取消
	durable := context.WithoutCancel(ctx)
	if err := r.writer.Do(durable, op, func(ctx context.Context) error {
		return r.store.Replace(ctx, a)
	}); err != nil {
		return conversation.Assignment{}, apperr.Wrap(apperr.KindUnavailable, op, err)
	}

	r.writeMirror(durable, a)
	r.notify(ctx, a)

	r.logger.Info("patient assigned",
		zap.String("patient_id", a.PatientID),
		zap.String("doctor_id", a.DoctorID),
	)
	return a, nil
}

// Active returns the patient's current assignment.
func (r *Registry) Active(ctx context.Context, patientID string) (conversation.Assignment, error) {
	const op = "assignment.active"

	a, err := r.store.Active(ctx, patientID)
	if err == nil {
		return a, nil
	}
	if apperr.Is(err, apperr.KindNotFound) {
		return conversation.Assignment{}, apperr.Wrap(apperr.KindNotFound, op, err)
	}

	r.logger.Warn("assignment store unavailable, reading mirror",
		zap.String("patient_id", patientID),
		zap.Error(err),
	)
	if r.mirror == nil {
		return conversation.Assignment{}, apperr.Wrap(apperr.KindUnavailable, op, err)
	}

	mirrored, mirrorErr := r.readMirror(ctx, patientID)
	switch {
	case mirrorErr == nil:
		return mirrored, nil
	case errors.Is(mirrorErr, blob.ErrNotFound):
		return conversation.Assignment{}, apperr.New(apperr.KindNotFound, op, "no active assignment")
	default:
		return conversation.Assignment{}, apperr.Wrap(apperr.KindUnavailable, op, errors.Join(err, mirrorErr))
	}
}

// ActiveFor returns the requesting patient's own assignment.
func (r *Registry) ActiveFor(ctx context.Context, requester conversation.Identity) (conversation.Assignment, error) {
	if err := r.gate.RequireRole(requester, conversation.RolePatient); err != nil {
		return conversation.Assignment{}, err
	}
	return r.Active(ctx, requester.DomainID)
}

// ListForDoctor returns the patients currently assigned to doctorID, newest first.
func (r *Registry) ListForDoctor(ctx context.Context, doctorID string, requester conversation.Identity) ([]conversation.Assignment, error) {
	if err := r.gate.RequireDoctor(requester, doctorID); err != nil {
		return nil, err
	}
	list, err := r.store.ListForDoctor(ctx, doctorID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, "assignment.list_for_doctor", err)
	}
	if list == nil {
		list = []conversation.Assignment{}
	}
	return list, nil
}

// PurgeFor removes every assignment naming id as patient or doctor, mirrors included.
func (r *Registry) PurgeFor(ctx context.Context, id string) error {
	const op = "assignment.purge"

	patients, err := r.store.PurgeFor(ctx, id)
	if err != nil {
		return apperr.Wrap(apperr.KindUnavailable, op, err)
	}
	if r.mirror == nil {
		return nil
	}

	// 病人账号即使没有行，镜像也可能残留
	paths := map[string]struct{}{conversation.MirrorPath(id): {}}
	for _, pid := range patients {
		paths[conversation.MirrorPath(pid)] = struct{}{}
	}
	durable := context.WithoutCancel(ctx)
	for path := range paths {
		path := path
		if err := r.mirrorWriter().Do(durable, op, func(ctx context.Context) error {
			return r.mirror.Delete(ctx, path)
		}); err != nil {
			return apperr.Wrap(apperr.KindStorageUnavailable, op, err)
		}
	}
	return nil
}

// mirrorWriter 镜像写入使用指数退避
func (r *Registry) mirrorWriter() *retry.Writer {
	return r.writer.With(retry.Exponential)
}

func (r *Registry) writeMirror(ctx context.Context, a conversation.Assignment) {
	if r.mirror == nil {
		return
	}
	data, err := json.Marshal(a)
	if err != nil {
		r.logger.Error("encode assignment mirror", zap.Error(err))
		return
	}
	path := conversation.MirrorPath(a.PatientID)
	err = r.mirrorWriter().Do(ctx, "assignment.mirror", func(ctx context.Context) error {
		return r.mirror.Put(ctx, path, data, "application/json")
	})
	if err == nil {
		return
	}
	r.logger.Warn("assignment mirror write failed, removing stale mirror",
		zap.String("patient_id", a.PatientID),
		zap.Error(err),
	)
	// 旧镜像会在数据库故障时授权被替换的医生
	if err := r.mirror.Delete(ctx, path); err != nil {
		r.logger.Error("stale assignment mirror could not be removed",
			zap.String("patient_id", a.PatientID),
			zap.Error(err),
		)
	}
}

func (r *Registry) readMirror(ctx context.Context, patientID string) (conversation.Assignment, error) {
	obj, err := r.mirror.Get(ctx, conversation.MirrorPath(patientID))
	if err != nil {
		return conversation.Assignment{}, err
	}
	var a conversation.Assignment
	if err := json.Unmarshal(obj.Data, &a); err != nil {
		return conversation.Assignment{}, err
	}
	return a, nil
}

func (r *Registry) notify(ctx context.Context, a conversation.Assignment) {
	if r.publisher == nil {
		return
	}
	if err := r.publisher.Publish(ctx, conversation.PatientChannel(a.PatientID), conversation.EventAssignmentUpdated, a); err != nil {
		r.logger.Warn("publish assignment update failed",
			zap.String("patient_id", a.PatientID),
			zap.Error(err),
		)
	}
}

func lookupError(op, what string, err error) error {
	if apperr.Is(err, apperr.KindNotFound) {
		return apperr.New(apperr.KindNotFound, op, what+" not found")
	}
	return apperr.Wrap(apperr.KindUnavailable, op, err)
}
