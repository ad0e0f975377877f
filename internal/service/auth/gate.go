// Package auth resolves callers to identities and performs every capability check the
// conversation, assignment and audio operations rely on.
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/curalink/backend/internal/apperr"
	"github.com/zhouzirui/curalink/backend/internal/model/conversation"
)

var (
	// ErrInvalidToken is returned by verifiers for malformed or forged tokens.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned by verifiers for tokens past expiry or revoked.
	ErrExpiredToken = errors.New("expired token")
	// ErrUserNotFound is returned by directories for unknown uids.
	ErrUserNotFound = errors.New("user not found")
)

// VerifiedToken is what the identity provider vouches for.
type VerifiedToken struct {
	UID      string
	IssuedAt time.Time
}

// TokenVerifier is the identity provider contract.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (VerifiedToken, error)
}

// Directory is the read-only user directory.
type Directory interface {
	GetRole(ctx context.Context, uid string) (conversation.Role, error)
	GetDomainID(ctx context.Context, uid string, role conversation.Role) (string, error)
}

// Gate is the single authorization component. It holds no identity cache: role and
// assignment changes take effect on the next request.
type Gate struct {
	verifier  TokenVerifier
	directory Directory
	logger    *zap.Logger
}

// NewGate creates an authorization gate.
func NewGate(verifier TokenVerifier, directory Directory, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{verifier: verifier, directory: directory, logger: logger}
}

// Resolve verifies the token, cross-checks an optionally claimed uid, and looks up
// the caller's role and domain id.
func (g *Gate) Resolve(ctx context.Context, token, claimedUID string) (conversation.Identity, error) {
	const op = "auth.resolve"

	token = strings.TrimSpace(token)
	if token == "" {
		return conversation.Identity{}, apperr.Unauthenticated(op, "missing token")
	}

	verified, err := g.verifier.Verify(ctx, token)
	if err != nil {
		if errors.Is(err, ErrExpiredToken) {
			return conversation.Identity{}, apperr.Wrap(apperr.KindUnauthenticated, op, err)
		}
		if errors.Is(err, ErrInvalidToken) {
			return conversation.Identity{}, apperr.Wrap(apperr.KindUnauthenticated, op, err)
		}
		return conversation.Identity{}, apperr.Wrap(apperr.KindServiceUnavailable, op, err)
	}

	claimedUID = strings.TrimSpace(claimedUID)
	if claimedUID != "" && claimedUID != verified.UID {
		g.logger.Warn("claimed uid does not match token subject",
			zap.String("token_uid", verified.UID),
			zap.String("claimed_uid", claimedUID),
			zap.Bool("security_signal", true),
		)
		return conversation.Identity{}, apperr.New(apperr.KindIdentityMismatch, op, "uid header does not match token")
	}

	role, err := g.directory.GetRole(ctx, verified.UID)
	if err != nil {
		return conversation.Identity{}, g.directoryError(op, err)
	}

	var domainID string
	if role == conversation.RoleAdmin {
		domainID = verified.UID
	} else {
		domainID, err = g.directory.GetDomainID(ctx, verified.UID, role)
		if err != nil {
			return conversation.Identity{}, g.directoryError(op, err)
		}
	}

	return conversation.Identity{UID: verified.UID, Role: role, DomainID: domainID}, nil
}

func (g *Gate) directoryError(op string, err error) error {
	if errors.Is(err, ErrUserNotFound) || apperr.Is(err, apperr.KindNotFound) {
		return apperr.Wrap(apperr.KindUnauthenticated, op, err)
	}
	return apperr.Wrap(apperr.KindServiceUnavailable, op, err)
}

// RequireRole fails with Forbidden unless identity has one of roles.
func (g *Gate) RequireRole(identity conversation.Identity, roles ...conversation.Role) error {
	for _, role := range roles {
		if identity.Role == role {
			return nil
		}
	}
	g.deny(identity, "role not permitted", zap.Any("required", roles))
	return apperr.Forbidden("auth.require_role", "role not permitted")
}

// RequireConversationParticipant fails with Forbidden unless the identity is the
// conversation's patient or doctor.
func (g *Gate) RequireConversationParticipant(identity conversation.Identity, id conversation.ID) error {
	switch identity.Role {
	case conversation.RolePatient:
		if identity.DomainID != "" && identity.DomainID == id.PatientID {
			return nil
		}
	case conversation.RoleDoctor:
		if identity.DomainID != "" && identity.DomainID == id.DoctorID {
			return nil
		}
	}
	g.deny(identity, "not a conversation participant", zap.String("conversation", id.String()))
	return apperr.Forbidden("auth.require_participant", "not a participant of this conversation")
}

// RequirePatient fails unless identity is the patient with patientID.
func (g *Gate) RequirePatient(identity conversation.Identity, patientID string) error {
	if identity.Role == conversation.RolePatient && identity.DomainID != "" && identity.DomainID == patientID {
		return nil
	}
	g.deny(identity, "requester is not the patient", zap.String("patient_id", patientID))
	return apperr.Forbidden("auth.require_patient", "requester is not this patient")
}

// RequireDoctor fails unless identity is the doctor with doctorID.
func (g *Gate) RequireDoctor(identity conversation.Identity, doctorID string) error {
	if identity.Role == conversation.RoleDoctor && identity.DomainID != "" && identity.DomainID == doctorID {
		return nil
	}
	g.deny(identity, "requester is not the doctor", zap.String("doctor_id", doctorID))
	return apperr.Forbidden("auth.require_doctor", "requester is not this doctor")
}

func (g *Gate) deny(identity conversation.Identity, reason string, fields ...zap.Field) {
	fields = append(fields,
		zap.String("uid", identity.UID),
		zap.String("role", string(identity.Role)),
		zap.String("domain_id", identity.DomainID),
		zap.String("reason", reason),
		zap.Bool("security_signal", true),
	)
	g.logger.Warn("authorization denied", fields...)
}
