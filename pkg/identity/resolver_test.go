package identity_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gulars/tcplink/pkg/identity"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

func signToken(t *testing.T, secret, subject string, expiresIn time.Duration) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("signing token failed: %v", err)
	}
	return signed
}

func TestStaticResolver(t *testing.T) {
	r := identity.NewStaticResolver(map[string]string{
		"token-a": "alice",
		"token-b": "bob",
	})

	userID, err := r.ResolveUserID(context.Background(), "token-a")
	if err != nil {
		t.Fatalf("ResolveUserID failed: %v", err)
	}
	if userID != "alice" {
		t.Errorf("userID = %q, want %q", userID, "alice")
	}

	if _, err := r.ResolveUserID(context.Background(), "unknown"); err != identity.ErrInvalidToken {
		t.Errorf("unknown token error = %v, want ErrInvalidToken", err)
	}
	if _, err := r.ResolveUserID(context.Background(), ""); err != identity.ErrInvalidToken {
		t.Errorf("empty token error = %v, want ErrInvalidToken", err)
	}
}

func TestJWTResolverValidToken(t *testing.T) {
	const secret = "test-secret"
	r := identity.NewJWTResolver(newTestLogger(), secret)

	token := signToken(t, secret, "user-42", time.Hour)
	userID, err := r.ResolveUserID(context.Background(), token)
	if err != nil {
		t.Fatalf("ResolveUserID failed: %v", err)
	}
	if userID != "user-42" {
		t.Errorf("userID = %q, want %q", userID, "user-42")
	}
}

func TestJWTResolverRejections(t *testing.T) {
	const secret = "test-secret"
	r := identity.NewJWTResolver(newTestLogger(), secret)
	ctx := context.Background()

	cases := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-jwt"},
		{"wrong secret", signToken(t, "other-secret", "user-42", time.Hour)},
		{"expired", signToken(t, secret, "user-42", -time.Hour)},
		{"missing subject", signToken(t, secret, "", time.Hour)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := r.ResolveUserID(ctx, tc.token); err != identity.ErrInvalidToken {
				t.Errorf("error = %v, want ErrInvalidToken", err)
			}
		})
	}
}
