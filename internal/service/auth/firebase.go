package auth

import (
	"context"
	"fmt"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"
)

// FirebaseVerifier verifies Firebase ID tokens and rejects revoked sessions.
type FirebaseVerifier struct {
	client *firebaseauth.Client
}

// NewFirebaseVerifier wraps an initialized Firebase auth client.
func NewFirebaseVerifier(client *firebaseauth.Client) *FirebaseVerifier {
	return &FirebaseVerifier{client: client}
}

func (v *FirebaseVerifier) Verify(ctx context.Context, token string) (VerifiedToken, error) {
	decoded, err := v.client.VerifyIDTokenAndCheckRevoked(ctx, token)
	if err != nil {
		switch {
		case firebaseauth.IsIDTokenExpired(err), firebaseauth.IsIDTokenRevoked(err), firebaseauth.IsUserDisabled(err):
			return VerifiedToken{}, fmt.Errorf("%w: %v", ErrExpiredToken, err)
		case firebaseauth.IsIDTokenInvalid(err):
			return VerifiedToken{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		default:
			return VerifiedToken{}, err
		}
	}
	return VerifiedToken{UID: decoded.UID, IssuedAt: time.Unix(decoded.IssuedAt, 0)}, nil
}
