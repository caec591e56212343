// Package middleware holds the HTTP middleware shared by the task API routes.
package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/phrazzld/recollection-api/internal/api/shared"
	"github.com/phrazzld/recollection-api/internal/platform/logger"
	"github.com/phrazzld/recollection-api/internal/redact"
	"github.com/phrazzld/recollection-api/internal/service/auth"
)

// TokenQueryParam is the query parameter browsers use to pass a token when
// opening a WebSocket, since they cannot set headers.
const TokenQueryParam = "token"

// AuthMiddleware provides JWT authentication for routes.
type AuthMiddleware struct {
	jwtService auth.JWTService
}

// NewAuthMiddleware creates a new AuthMiddleware with the given dependencies.
func NewAuthMiddleware(jwtService auth.JWTService) *AuthMiddleware {
	return &AuthMiddleware{
		jwtService: jwtService,
	}
}

// Authenticate requires a valid bearer token in the Authorization header and
// adds the owner ID to the request context.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := bearerToken(r)
		if err != nil {
			shared.RespondWithErrorAndLog(w, r, http.StatusUnauthorized, "Invalid authorization format", err)
			return
		}
		if token == "" {
			shared.RespondWithError(w, r, http.StatusUnauthorized, "Authorization header required")
			return
		}
		m.serveWithToken(w, r, next, token)
	})
}

// Optional authenticates the request when it carries a token, in the
// Authorization header or the token query parameter, and passes anonymous
// requests through unchanged. A token that is present but invalid is
// rejected.
func (m *AuthMiddleware) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := bearerToken(r)
		if err != nil {
			shared.RespondWithErrorAndLog(w, r, http.StatusUnauthorized, "Invalid authorization format", err)
			return
		}
		if token == "" {
			token = r.URL.Query().Get(TokenQueryParam)
		}
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		m.serveWithToken(w, r, next, token)
	})
}

func (m *AuthMiddleware) serveWithToken(w http.ResponseWriter, r *http.Request, next http.Handler, token string) {
	claims, err := m.jwtService.ValidateToken(r.Context(), token)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrExpiredToken):
			shared.RespondWithError(w, r, http.StatusUnauthorized, "Token expired")
		case errors.Is(err, auth.ErrInvalidToken),
			errors.Is(err, auth.ErrTokenNotYetValid),
			errors.Is(err, auth.ErrWrongTokenType),
			errors.Is(err, auth.ErrMissingToken):
			shared.RespondWithError(w, r, http.StatusUnauthorized, "Invalid token")
		default:
			logger.FromContext(r.Context()).Error("failed to validate token", redact.Attr(err))
			shared.RespondWithError(w, r, http.StatusInternalServerError, "Authentication error")
		}
		return
	}

	ctx := shared.WithUserID(r.Context(), claims.UserID)
	ctx = logger.WithLogger(ctx, logger.FromContext(ctx).With("user_id", claims.UserID))
	next.ServeHTTP(w, r.WithContext(ctx))
}

var errAuthFormat = errors.New("invalid authorization format")

// bearerToken returns the token from the Authorization header, or "" when
// the header is absent.
func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", nil
	}
	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", errAuthFormat
	}
	return parts[1], nil
}

// GetUserID extracts the owner ID from the request context.
// Returns the user ID and a boolean indicating if it was found.
func GetUserID(r *http.Request) (uuid.UUID, bool) {
	return shared.UserIDFromContext(r.Context())
}
