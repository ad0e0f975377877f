package repository

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/zhouzirui/curalink/backend/internal/model/conversation"
)

// AssignmentRepository stores at most one assignment row per patient.
type AssignmentRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewAssignmentRepository(db *sql.DB, logger *zap.Logger) *AssignmentRepository {
	return &AssignmentRepository{db: db, logger: logger}
}

// Replace deletes any prior assignment of the patient and inserts a in one transaction.
func (r *AssignmentRepository) Replace(ctx context.Context, a conversation.Assignment) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin assignment tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM assignments WHERE patient_id = $1`, a.PatientID); err != nil {
		return fmt.Errorf("delete prior assignment: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO assignments (patient_id, doctor_id, created_at, patient_name, age, sex)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.PatientID, a.DoctorID, a.CreatedAt, a.PatientName, a.Age, a.Sex,
	)
	if err != nil {
		return fmt.Errorf("insert assignment: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit assignment: %w", err)
	}
	return nil
}

// Active returns the patient's current assignment.
func (r *AssignmentRepository) Active(ctx context.Context, patientID string) (conversation.Assignment, error) {
	var a conversation.Assignment
	err := r.db.QueryRowContext(ctx,
		`SELECT patient_id, doctor_id, created_at, patient_name, age, sex
		 FROM assignments WHERE patient_id = $1`, patientID,
	).Scan(&a.PatientID, &a.DoctorID, &a.CreatedAt, &a.PatientName, &a.Age, &a.Sex)
	if err != nil {
		return conversation.Assignment{}, notFoundOr(err, "get assignment for %s", patientID)
	}
	return a, nil
}

// ListForDoctor returns the doctor's patients, newest first.
func (r *AssignmentRepository) ListForDoctor(ctx context.Context, doctorID string) ([]conversation.Assignment, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT patient_id, doctor_id, created_at, patient_name, age, sex
		 FROM assignments WHERE doctor_id = $1 ORDER BY created_at DESC`, doctorID,
	)
	if err != nil {
		return nil, fmt.Errorf("list assignments for %s: %w", doctorID, err)
	}
	defer rows.Close()

	assignments := make([]conversation.Assignment, 0)
	for rows.Next() {
		var a conversation.Assignment
		if err := rows.Scan(&a.PatientID, &a.DoctorID, &a.CreatedAt, &a.PatientName, &a.Age, &a.Sex); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		assignments = append(assignments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assignments: %w", err)
	}
	return assignments, nil
}

// PurgeFor deletes every assignment the account takes part in and returns the affected
// patient ids.
func (r *AssignmentRepository) PurgeFor(ctx context.Context, id string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`DELETE FROM assignments WHERE patient_id = $1 OR doctor_id = $1 RETURNING patient_id`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("purge assignments for %s: %w", id, err)
	}
	defer rows.Close()

	var patients []string
	for rows.Next() {
		var patientID string
		if err := rows.Scan(&patientID); err != nil {
			return nil, fmt.Errorf("scan purged assignment: %w", err)
		}
		patients = append(patients, patientID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate purged assignments: %w", err)
	}

	r.logger.Info("assignments purged", zap.String("account_id", id), zap.Int("count", len(patients)))
	return patients, nil
}
