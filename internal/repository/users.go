package repository

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/zhouzirui/curalink/backend/internal/model/conversation"
)

// UserRepository 用户目录（只读）
type UserRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewUserRepository(db *sql.DB, logger *zap.Logger) *UserRepository {
	return &UserRepository{db: db, logger: logger}
}

// GetRole returns the role registered for uid.
func (r *UserRepository) GetRole(ctx context.Context, uid string) (conversation.Role, error) {
	var role string
	err := r.db.QueryRowContext(ctx, `SELECT role FROM users WHERE uid = $1`, uid).Scan(&role)
	if err != nil {
		return "", notFoundOr(err, "get role for %s", uid)
	}

	parsed := conversation.Role(role)
	if !parsed.Valid() {
		r.logger.Error("unknown role in directory", zap.String("uid", uid), zap.String("role", role))
		return "", fmt.Errorf("uid %s has unknown role %q", uid, role)
	}
	return parsed, nil
}

// GetDomainID maps a uid to its patient or doctor id.
func (r *UserRepository) GetDomainID(ctx context.Context, uid string, role conversation.Role) (string, error) {
	var query string
	switch role {
	case conversation.RolePatient:
		query = `SELECT patient_id FROM patients WHERE uid = $1`
	case conversation.RoleDoctor:
		query = `SELECT doctor_id FROM doctors WHERE uid = $1`
	case conversation.RoleAdmin:
		return uid, nil
	default:
		return "", fmt.Errorf("unknown role %q", role)
	}

	var id string
	if err := r.db.QueryRowContext(ctx, query, uid).Scan(&id); err != nil {
		return "", notFoundOr(err, "get %s id for %s", role, uid)
	}
	return id, nil
}

// GetPatient 查询患者档案
func (r *UserRepository) GetPatient(ctx context.Context, patientID string) (conversation.Patient, error) {
	var p conversation.Patient
	err := r.db.QueryRowContext(ctx,
		`SELECT patient_id, uid, name, age, sex FROM patients WHERE patient_id = $1`, patientID,
	).Scan(&p.PatientID, &p.UID, &p.Name, &p.Age, &p.Sex)
	if err != nil {
		return conversation.Patient{}, notFoundOr(err, "get patient %s", patientID)
	}
	return p, nil
}

// GetDoctor 查询医生档案
func (r *UserRepository) GetDoctor(ctx context.Context, doctorID string) (conversation.Doctor, error) {
	var d conversation.Doctor
	err := r.db.QueryRowContext(ctx,
		`SELECT doctor_id, uid, name FROM doctors WHERE doctor_id = $1`, doctorID,
	).Scan(&d.DoctorID, &d.UID, &d.Name)
	if err != nil {
		return conversation.Doctor{}, notFoundOr(err, "get doctor %s", doctorID)
	}
	return d, nil
}
