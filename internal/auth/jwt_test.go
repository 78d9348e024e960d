package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestGenerateTokenRoundTrip(t *testing.T) {
	t.Parallel()

	signed, expiresAt, err := GenerateToken("admin", "top-secret", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if until := time.Until(expiresAt); until < 55*time.Minute || until > time.Hour {
		t.Errorf("expiresAt %v not about an hour out", expiresAt)
	}

	parsed, err := jwt.Parse(signed, func(tok *jwt.Token) (any, error) {
		return []byte("top-secret"), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		t.Fatalf("claims type %T", parsed.Claims)
	}
	if claims["sub"] != "admin" || claims["user_id"] != "admin" {
		t.Errorf("claims = %v", claims)
	}
	exp, _ := claims.GetExpirationTime()
	if exp == nil || !exp.Time.Equal(expiresAt.Truncate(time.Second)) {
		t.Errorf("exp claim = %v, want %v", exp, expiresAt)
	}
}

func TestGenerateTokenRejectsBadInput(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		userID    string
		secret    string
		expiresIn time.Duration
	}{
		{"empty user", "", "secret", time.Hour},
		{"blank user", "   ", "secret", time.Hour},
		{"empty secret", "admin", "", time.Hour},
		{"zero expiry", "admin", "secret", 0},
		{"negative expiry", "admin", "secret", -time.Minute},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, _, err := GenerateToken(tc.userID, tc.secret, tc.expiresIn); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestGenerateTokenWrongSecretFailsVerification(t *testing.T) {
	t.Parallel()

	signed, _, err := GenerateToken("admin", "right-secret", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if _, err := jwt.Parse(signed, func(tok *jwt.Token) (any, error) {
		return []byte("wrong-secret"), nil
	}); err == nil {
		t.Fatal("expected signature verification failure")
	}
}
