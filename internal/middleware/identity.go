package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/zhouzirui/curalink/backend/internal/apperr"
	"github.com/zhouzirui/curalink/backend/internal/model/conversation"
	"github.com/zhouzirui/curalink/backend/pkg/utils"
)

// HeaderUID carries the uid the client claims to be; it must match the token.
const HeaderUID = "X-User-UID"

// Resolver turns request credentials into an identity.
type Resolver interface {
	Resolve(ctx context.Context, token, claimedUID string) (conversation.Identity, error)
}

type identityKey struct{}

// WithIdentity stores identity in ctx.
func WithIdentity(ctx context.Context, identity conversation.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFrom returns the identity stored by Authenticate.
func IdentityFrom(ctx context.Context) (conversation.Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(conversation.Identity)
	return identity, ok
}

// Authenticate resolves the caller on every request. Browsers cannot set headers on
// websocket and EventSource requests, so ?token= and ?uid= are accepted as fallbacks.
func Authenticate(resolver Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r.Header.Get("Authorization"))
			if token == "" {
				token = r.URL.Query().Get("token")
			}
			claimed := r.Header.Get(HeaderUID)
			if claimed == "" {
				claimed = r.URL.Query().Get("uid")
			}

			identity, err := resolver.Resolve(r.Context(), token, claimed)
			if err != nil {
				utils.RespondAppError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return header
}

// RequireIdentity returns the request's identity or an unauthenticated error.
func RequireIdentity(r *http.Request) (conversation.Identity, error) {
	identity, ok := IdentityFrom(r.Context())
	if !ok {
		return conversation.Identity{}, apperr.Unauthenticated("http.identity", "request is not authenticated")
	}
	return identity, nil
}
