// Package identity maps handshake credentials to user identifiers. The
// orchestrator only sees the Resolver interface; how a token is validated
// (shared-secret JWT, a static token table, or something external) is an
// implementation detail chosen at wiring time.
package identity

import (
	"context"
	"errors"
	"log/slog"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any credential that fails validation. The
// resolver deliberately does not distinguish between malformed, expired and
// unknown tokens; the peer only learns that authorization failed.
var ErrInvalidToken = errors.New("invalid token")

// Resolver validates a raw credential and returns the user identifier the
// connection should be attached to.
type Resolver interface {
	ResolveUserID(ctx context.Context, token string) (string, error)
}

// StaticResolver validates tokens against a fixed token -> userID table.
// Useful for tests and small deployments where credentials are provisioned
// out of band.
type StaticResolver struct {
	tokens map[string]string
}

func NewStaticResolver(tokens map[string]string) *StaticResolver {
	copied := make(map[string]string, len(tokens))
	for token, userID := range tokens {
		copied[token] = userID
	}
	return &StaticResolver{tokens: copied}
}

func (r *StaticResolver) ResolveUserID(ctx context.Context, token string) (string, error) {
	userID, ok := r.tokens[token]
	if !ok || userID == "" {
		return "", ErrInvalidToken
	}
	return userID, nil
}

// JWTResolver validates HMAC-signed JWTs against a shared secret and uses the
// "sub" claim as the user identifier.
type JWTResolver struct {
	secret []byte
	logger *slog.Logger
}

func NewJWTResolver(logger *slog.Logger, secret string) *JWTResolver {
	return &JWTResolver{
		secret: []byte(secret),
		logger: logger.With(slog.String("component", "jwt_resolver")),
	}
}

func (r *JWTResolver) ResolveUserID(ctx context.Context, tokenString string) (string, error) {
	if tokenString == "" {
		return "", ErrInvalidToken
	}

	// Parse and validate with HMAC signing; any other signing method is
	// rejected before the secret is used.
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return r.secret, nil
	})
	if err != nil || !token.Valid {
		r.logger.Warn("token validation failed", slog.Any("error", err))
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		r.logger.Warn("valid token missing 'sub' claim")
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
