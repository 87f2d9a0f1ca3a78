package auth

import (
	"errors"
	"testing"
	"time"
)

const testJWTSecret = "test-secret-at-least-32-characters!!"

func TestAccessTokenRoundTrip(t *testing.T) {
	user := &User{ID: "usr-123", Role: RoleStudent}

	token, err := GenerateAccessToken(user, testJWTSecret, 30*time.Minute)
	if err != nil {
		t.Fatalf("generating token: %v", err)
	}

	claims, err := ParseAccessToken(token, testJWTSecret)
	if err != nil {
		t.Fatalf("parsing token: %v", err)
	}
	if claims.Subject != "usr-123" {
		t.Errorf("subject = %s, want usr-123", claims.Subject)
	}
	if claims.Role != RoleStudent {
		t.Errorf("role = %s, want student", claims.Role)
	}
}

func TestAccessTokenWrongSecret(t *testing.T) {
	user := &User{ID: "usr-123", Role: RoleStudent}

	token, err := GenerateAccessToken(user, testJWTSecret, 30*time.Minute)
	if err != nil {
		t.Fatalf("generating token: %v", err)
	}

	if _, err := ParseAccessToken(token, "a-completely-different-secret-value!"); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestAccessTokenExpired(t *testing.T) {
	user := &User{ID: "usr-123", Role: RoleStudent}

	token, err := GenerateAccessToken(user, testJWTSecret, -time.Minute)
	if err != nil {
		t.Fatalf("generating token: %v", err)
	}

	if _, err := ParseAccessToken(token, testJWTSecret); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("expected ErrTokenExpired, got %v", err)
	}
}

func TestRefreshTokenRandomness(t *testing.T) {
	a, err := GenerateRefreshToken()
	if err != nil {
		t.Fatalf("generating token: %v", err)
	}
	b, err := GenerateRefreshToken()
	if err != nil {
		t.Fatalf("generating token: %v", err)
	}
	if a == b {
		t.Error("two tokens should never collide")
	}
	if len(a) != 64 {
		t.Errorf("token length = %d, want 64 hex chars", len(a))
	}
}
