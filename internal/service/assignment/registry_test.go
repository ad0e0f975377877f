package assignment

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zhouzirui/curalink/backend/internal/apperr"
	"github.com/zhouzirui/curalink/backend/internal/model/conversation"
	"github.com/zhouzirui/curalink/backend/internal/realtime"
	"github.com/zhouzirui/curalink/backend/internal/retry"
	"github.com/zhouzirui/curalink/backend/internal/service/auth"
	"github.com/zhouzirui/curalink/backend/internal/storage/blob"
)

type memoryStore struct {
	mu         sync.Mutex
	rows       map[string]conversation.Assignment
	replaceErr error
	activeErr  error
	replaces   int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{rows: make(map[string]conversation.Assignment)}
}

func (s *memoryStore) Replace(_ context.Context, a conversation.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaces++
	if s.replaceErr != nil {
		return s.replaceErr
	}
	s.rows[a.PatientID] = a
	return nil
}

func (s *memoryStore) Active(_ context.Context, patientID string) (conversation.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeErr != nil {
		return conversation.Assignment{}, s.activeErr
	}
	a, ok := s.rows[patientID]
	if !ok {
		return conversation.Assignment{}, apperr.NotFound("test", "record not found")
	}
	return a, nil
}

func (s *memoryStore) ListForDoctor(_ context.Context, doctorID string) ([]conversation.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []conversation.Assignment
	for _, a := range s.rows {
		if a.DoctorID == doctorID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *memoryStore) PurgeFor(_ context.Context, id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var patients []string
	for pid, a := range s.rows {
		if a.PatientID == id || a.DoctorID == id {
			patients = append(patients, pid)
			delete(s.rows, pid)
		}
	}
	return patients, nil
}

type fakeProfiles struct {
	patients map[string]conversation.Patient
	doctors  map[string]conversation.Doctor
	err      error
}

func (p fakeProfiles) GetPatient(_ context.Context, id string) (conversation.Patient, error) {
	if p.err != nil {
		return conversation.Patient{}, p.err
	}
	patient, ok := p.patients[id]
	if !ok {
		return conversation.Patient{}, apperr.NotFound("test", "record not found")
	}
	return patient, nil
}

func (p fakeProfiles) GetDoctor(_ context.Context, id string) (conversation.Doctor, error) {
	doctor, ok := p.doctors[id]
	if !ok {
		return conversation.Doctor{}, apperr.NotFound("test", "record not found")
	}
	return doctor, nil
}

type fixture struct {
	registry *Registry
	store    *memoryStore
	mirror   *blob.RedisStore
	hub      *realtime.Hub
	profiles *fakeProfiles
}

var patientP1 = conversation.Identity{UID: "uid-p1", Role: conversation.RolePatient, DomainID: "p1"}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	f := &fixture{
		store:  newMemoryStore(),
		mirror: blob.NewRedisStore(client, "http://localhost"),
		hub:    realtime.NewHub(8, zap.NewNop()),
		profiles: &fakeProfiles{
			patients: map[string]conversation.Patient{"p1": {PatientID: "p1", Name: "Ada", Age: 41, Sex: "F"}},
			doctors: map[string]conversation.Doctor{
				"d1": {DoctorID: "d1", Name: "Dr One"},
				"d2": {DoctorID: "d2", Name: "Dr Two"},
			},
		},
	}
	writer := retry.NewWriter(retry.Policy{Attempts: 3, BaseDelay: 0}, zap.NewNop())
	f.registry = NewRegistry(f.store, f.profiles, f.mirror, f.hub, writer, auth.NewGate(nil, nil, zap.NewNop()), zap.NewNop())
	return f
}

func TestAssignTwiceKeepsSecond(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.registry.Assign(ctx, "p1", "d1", patientP1)
	require.NoError(t, err)
	second, err := f.registry.Assign(ctx, "p1", "d2", patientP1)
	require.NoError(t, err)

	active, err := f.registry.Active(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, second, active)
	assert.Equal(t, "d2", active.DoctorID)
	assert.Equal(t, "Ada", active.PatientName)
	assert.Len(t, f.store.rows, 1)
}

func TestAssignPublishesAndMirrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.hub.Subscribe(conversation.PatientChannel("p1"))
	defer sub.Close()

	a, err := f.registry.Assign(ctx, "p1", "d1", patientP1)
	require.NoError(t, err)

	select {
	case evt := <-sub.Events():
		assert.Equal(t, conversation.EventAssignmentUpdated, evt.Name)
		var got conversation.Assignment
		require.NoError(t, json.Unmarshal(evt.Payload, &got))
		assert.Equal(t, "d1", got.DoctorID)
	case <-time.After(time.Second):
		t.Fatal("no AssignmentUpdated event")
	}

	obj, err := f.mirror.Get(ctx, conversation.MirrorPath("p1"))
	require.NoError(t, err)
	var mirrored conversation.Assignment
	require.NoError(t, json.Unmarshal(obj.Data, &mirrored))
	assert.Equal(t, a.DoctorID, mirrored.DoctorID)
}

func TestAssignRejectsOtherRequesters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := map[string]conversation.Identity{
		"other patient": {UID: "uid-p2", Role: conversation.RolePatient, DomainID: "p2"},
		"doctor":        {UID: "uid-d1", Role: conversation.RoleDoctor, DomainID: "d1"},
		"admin":         {UID: "admin", Role: conversation.RoleAdmin, DomainID: "admin"},
	}
	for name, requester := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.registry.Assign(ctx, "p1", "d1", requester)
			assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
		})
	}
	assert.Zero(t, f.store.replaces)
}

func TestAssignUnknownDoctor(t *testing.T) {
	f := newFixture(t)

	_, err := f.registry.Assign(context.Background(), "p1", "d9", patientP1)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	assert.Zero(t, f.store.replaces)
}

func TestAssignDirectoryDown(t *testing.T) {
	f := newFixture(t)
	f.profiles.err = errors.New("connection refused")

	_, err := f.registry.Assign(context.Background(), "p1", "d1", patientP1)
	assert.Equal(t, apperr.KindUnavailable, apperr.KindOf(err))
}

func TestAssignStoreExhaustion(t *testing.T) {
	f := newFixture(t)
	f.store.replaceErr = errors.New("connection reset")

	_, err := f.registry.Assign(context.Background(), "p1", "d1", patientP1)
	assert.Equal(t, apperr.KindUnavailable, apperr.KindOf(err))
	assert.Equal(t, 3, f.store.replaces)
}

func TestActiveFallsBackToMirror(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.registry.Assign(ctx, "p1", "d1", patientP1)
	require.NoError(t, err)

	f.store.activeErr = errors.New("database is down")
	active, err := f.registry.Active(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "d1", active.DoctorID)

	_, err = f.registry.Active(ctx, "p2")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestActiveMissing(t *testing.T) {
	f := newFixture(t)

	_, err := f.registry.Active(context.Background(), "p1")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestListForDoctor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.registry.Assign(ctx, "p1", "d1", patientP1)
	require.NoError(t, err)

	doctor := conversation.Identity{UID: "uid-d1", Role: conversation.RoleDoctor, DomainID: "d1"}
	list, err := f.registry.ListForDoctor(ctx, "d1", doctor)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "p1", list[0].PatientID)

	empty, err := f.registry.ListForDoctor(ctx, "d2", conversation.Identity{UID: "uid-d2", Role: conversation.RoleDoctor, DomainID: "d2"})
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	_, err = f.registry.ListForDoctor(ctx, "d2", doctor)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
}

func TestPurgeForDoctorRemovesRowsAndMirrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.registry.Assign(ctx, "p1", "d1", patientP1)
	require.NoError(t, err)

	require.NoError(t, f.registry.PurgeFor(ctx, "d1"))

	assert.Empty(t, f.store.rows)
	exists, err := f.mirror.Exists(ctx, conversation.MirrorPath("p1"))
	require.NoError(t, err)
	assert.False(t, exists)
}

// flakyMirror fails the first failPuts Put calls.
type flakyMirror struct {
	blob.Store
	mu       sync.Mutex
	failPuts int
	puts     int
}

func (m *flakyMirror) Put(ctx context.Context, path string, data []byte, contentType string) error {
	m.mu.Lock()
	m.puts++
	fail := m.puts <= m.failPuts
	m.mu.Unlock()
	if fail {
		return apperr.New(apperr.KindStorageUnavailable, "test", "bucket timeout")
	}
	return m.Store.Put(ctx, path, data, contentType)
}

func (f *fixture) withMirror(m blob.Store) {
	writer := retry.NewWriter(retry.Policy{Attempts: 3, BaseDelay: 0}, zap.NewNop())
	f.registry = NewRegistry(f.store, f.profiles, m, f.hub, writer, auth.NewGate(nil, nil, zap.NewNop()), zap.NewNop())
}

func TestMirrorWriteIsRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.registry.Assign(ctx, "p1", "d1", patientP1)
	require.NoError(t, err)

	flaky := &flakyMirror{Store: f.mirror, failPuts: 2}
	f.withMirror(flaky)
	_, err = f.registry.Assign(ctx, "p1", "d2", patientP1)
	require.NoError(t, err)
	assert.Equal(t, 3, flaky.puts)

	f.store.activeErr = errors.New("database is down")
	active, err := f.registry.Active(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "d2", active.DoctorID)
}

func TestMirrorFailureDropsStaleAssignment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.registry.Assign(ctx, "p1", "d1", patientP1)
	require.NoError(t, err)

	flaky := &flakyMirror{Store: f.mirror, failPuts: 100}
	f.withMirror(flaky)
	_, err = f.registry.Assign(ctx, "p1", "d2", patientP1)
	require.NoError(t, err)
	assert.Equal(t, 3, flaky.puts)

	f.store.activeErr = errors.New("database is down")
	_, err = f.registry.Active(ctx, "p1")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err), "the replaced doctor must not be served from the mirror")
}
