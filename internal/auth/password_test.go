package auth

import (
	"strings"
	"testing"
)

func TestPasswordHashAndVerify(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("hashing: %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$") {
		t.Errorf("hash = %s, want argon2id PHC format", hash)
	}

	ok, err := VerifyPassword("correct horse battery staple", hash)
	if err != nil {
		t.Fatalf("verifying: %v", err)
	}
	if !ok {
		t.Error("correct password should verify")
	}

	ok, err = VerifyPassword("wrong", hash)
	if err != nil {
		t.Fatalf("verifying wrong password: %v", err)
	}
	if ok {
		t.Error("wrong password should not verify")
	}
}

func TestPasswordHashUniqueSalts(t *testing.T) {
	a, err := HashPassword("same")
	if err != nil {
		t.Fatalf("hashing: %v", err)
	}
	b, err := HashPassword("same")
	if err != nil {
		t.Fatalf("hashing: %v", err)
	}
	if a == b {
		t.Error("two hashes of the same password should differ (random salt)")
	}
}

func TestVerifyPasswordMalformedHash(t *testing.T) {
	if _, err := VerifyPassword("pw", "not-a-phc-string"); err == nil {
		t.Error("expected an error for a malformed hash")
	}
}

func TestVerifyDecoy(t *testing.T) {
	// Burns one Argon2id verification and discards the result; must not
	// panic regardless of input.
	VerifyDecoy("")
	VerifyDecoy("anything")
}
