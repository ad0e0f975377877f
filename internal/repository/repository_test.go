package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zhouzirui/curalink/backend/internal/apperr"
	"github.com/zhouzirui/curalink/backend/internal/model/conversation"
)

func setupMockDB(t *testing.T) (sqlmock.Sqlmock, *UserRepository, *AssignmentRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := zap.NewNop()
	return mock, NewUserRepository(db, logger), NewAssignmentRepository(db, logger)
}

func TestGetRole(t *testing.T) {
	mock, users, _ := setupMockDB(t)

	mock.ExpectQuery(`SELECT role FROM users`).
		WithArgs("uid-1").
		WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow("doctor"))

	role, err := users.GetRole(context.Background(), "uid-1")
	require.NoError(t, err)
	assert.Equal(t, conversation.RoleDoctor, role)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRole_NotFound(t *testing.T) {
	mock, users, _ := setupMockDB(t)

	mock.ExpectQuery(`SELECT role FROM users`).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	_, err := users.GetRole(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRole_UnknownRole(t *testing.T) {
	mock, users, _ := setupMockDB(t)

	mock.ExpectQuery(`SELECT role FROM users`).
		WithArgs("uid-1").
		WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow("nurse"))

	_, err := users.GetRole(context.Background(), "uid-1")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestGetDomainID(t *testing.T) {
	mock, users, _ := setupMockDB(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT patient_id FROM patients`).
		WithArgs("uid-p").
		WillReturnRows(sqlmock.NewRows([]string{"patient_id"}).AddRow("p1"))
	mock.ExpectQuery(`SELECT doctor_id FROM doctors`).
		WithArgs("uid-d").
		WillReturnRows(sqlmock.NewRows([]string{"doctor_id"}).AddRow("d1"))

	id, err := users.GetDomainID(ctx, "uid-p", conversation.RolePatient)
	require.NoError(t, err)
	assert.Equal(t, "p1", id)

	id, err = users.GetDomainID(ctx, "uid-d", conversation.RoleDoctor)
	require.NoError(t, err)
	assert.Equal(t, "d1", id)

	id, err = users.GetDomainID(ctx, "uid-a", conversation.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, "uid-a", id)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPatientAndDoctor(t *testing.T) {
	mock, users, _ := setupMockDB(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT patient_id, uid, name, age, sex FROM patients`).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"patient_id", "uid", "name", "age", "sex"}).
			AddRow("p1", "uid-p", "Amina", 34, "F"))
	mock.ExpectQuery(`SELECT doctor_id, uid, name FROM doctors`).
		WithArgs("d9").
		WillReturnError(sql.ErrNoRows)

	patient, err := users.GetPatient(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, conversation.Patient{PatientID: "p1", UID: "uid-p", Name: "Amina", Age: 34, Sex: "F"}, patient)

	_, err = users.GetDoctor(ctx, "d9")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceAssignment(t *testing.T) {
	mock, _, assignments := setupMockDB(t)
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	a := conversation.Assignment{PatientID: "p1", DoctorID: "d2", CreatedAt: created, PatientName: "Amina", Age: 34, Sex: "F"}

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM assignments WHERE patient_id`).
		WithArgs("p1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO assignments`).
		WithArgs("p1", "d2", created, "Amina", 34, "F").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, assignments.Replace(context.Background(), a))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceAssignment_RollsBackOnInsertFailure(t *testing.T) {
	mock, _, assignments := setupMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM assignments`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO assignments`).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := assignments.Replace(context.Background(), conversation.Assignment{PatientID: "p1", DoctorID: "d1"})
	assert.ErrorContains(t, err, "insert assignment")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestActiveAndList(t *testing.T) {
	mock, _, assignments := setupMockDB(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	cols := []string{"patient_id", "doctor_id", "created_at", "patient_name", "age", "sex"}

	mock.ExpectQuery(`FROM assignments WHERE patient_id`).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("p1", "d1", created, "Amina", 34, "F"))
	mock.ExpectQuery(`FROM assignments WHERE patient_id`).
		WithArgs("p2").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`FROM assignments WHERE doctor_id`).
		WithArgs("d1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("p3", "d1", created.Add(time.Hour), "Kofi", 50, "M").
			AddRow("p1", "d1", created, "Amina", 34, "F"))

	a, err := assignments.Active(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "d1", a.DoctorID)
	assert.True(t, a.CreatedAt.Equal(created))

	_, err = assignments.Active(ctx, "p2")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := assignments.ListForDoctor(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "p3", list[0].PatientID)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPurgeFor(t *testing.T) {
	mock, _, assignments := setupMockDB(t)

	mock.ExpectQuery(`DELETE FROM assignments WHERE patient_id = \$1 OR doctor_id = \$1`).
		WithArgs("d1").
		WillReturnRows(sqlmock.NewRows([]string{"patient_id"}).AddRow("p1").AddRow("p3"))

	patients, err := assignments.PurgeFor(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p3"}, patients)
	require.NoError(t, mock.ExpectationsWereMet())
}
