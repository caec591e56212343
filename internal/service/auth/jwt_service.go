// Package auth issues and validates the bearer tokens that identify task
// owners on the HTTP and WebSocket APIs.
package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// JWTService defines operations for managing JWT authentication tokens.
type JWTService interface {
	// GenerateToken creates a signed access token for userID.
	GenerateToken(ctx context.Context, userID uuid.UUID) (string, error)

	// ValidateToken validates an access token and extracts its claims.
	// Returns ErrExpiredToken, ErrTokenNotYetValid, ErrWrongTokenType or
	// ErrInvalidToken when validation fails.
	ValidateToken(ctx context.Context, tokenString string) (*Claims, error)
}

// Claims is the validated content of an access token.
type Claims struct {
	// UserID is the task owner the token was issued for.
	UserID uuid.UUID `json:"uid,omitempty"`

	// TokenType is always "access" for tokens accepted by ValidateToken.
	TokenType string `json:"type,omitempty"`

	Subject   string    `json:"sub,omitempty"`
	IssuedAt  time.Time `json:"iat,omitempty"`
	ExpiresAt time.Time `json:"exp,omitempty"`
	ID        string    `json:"jti,omitempty"`
}
