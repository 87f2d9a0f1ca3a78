package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestTokenCreateAndGet(t *testing.T) {
	db := testDB(t)
	repo := NewTokenRepository(db)
	user := seedTestUser(t, db, "alice", RoleStudent)

	raw, err := GenerateRefreshToken()
	if err != nil {
		t.Fatalf("generating token: %v", err)
	}

	token := &RefreshToken{
		UserID:    user.ID,
		TokenHash: HashToken(raw),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := repo.Create(context.Background(), token); err != nil {
		t.Fatalf("creating token: %v", err)
	}
	if !strings.HasPrefix(token.ID, "rt-") {
		t.Errorf("ID = %s, want rt- prefix", token.ID)
	}
	if token.FamilyID == "" {
		t.Error("family ID should be generated")
	}

	got, err := repo.GetByTokenHash(context.Background(), HashToken(raw))
	if err != nil {
		t.Fatalf("get by hash: %v", err)
	}
	if got.UserID != user.ID || got.Revoked {
		t.Errorf("got %+v, want unrevoked token for %s", got, user.ID)
	}
}

func TestTokenGetUnknownHash(t *testing.T) {
	db := testDB(t)
	repo := NewTokenRepository(db)

	if _, err := repo.GetByTokenHash(context.Background(), HashToken("nope")); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestTokenRotate(t *testing.T) {
	db := testDB(t)
	repo := NewTokenRepository(db)
	user := seedTestUser(t, db, "alice", RoleStudent)

	old := &RefreshToken{
		UserID:    user.ID,
		TokenHash: HashToken("old"),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := repo.Create(context.Background(), old); err != nil {
		t.Fatalf("creating token: %v", err)
	}

	replacement := &RefreshToken{
		UserID:    user.ID,
		FamilyID:  old.FamilyID,
		TokenHash: HashToken("new"),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := repo.Rotate(context.Background(), old.ID, replacement); err != nil {
		t.Fatalf("rotate failed: %v", err)
	}

	oldStored, err := repo.GetByTokenHash(context.Background(), HashToken("old"))
	if err != nil {
		t.Fatalf("loading old token: %v", err)
	}
	if !oldStored.Revoked {
		t.Error("old token should be revoked after rotation")
	}

	newStored, err := repo.GetByTokenHash(context.Background(), HashToken("new"))
	if err != nil {
		t.Fatalf("loading new token: %v", err)
	}
	if newStored.FamilyID != old.FamilyID {
		t.Errorf("family = %s, want %s", newStored.FamilyID, old.FamilyID)
	}
	if newStored.Revoked {
		t.Error("new token should be live")
	}
}

func TestTokenRevokeFamily(t *testing.T) {
	db := testDB(t)
	repo := NewTokenRepository(db)
	user := seedTestUser(t, db, "alice", RoleStudent)

	family := "fam-1"
	for _, h := range []string{"a", "b"} {
		if err := repo.Create(context.Background(), &RefreshToken{
			UserID:    user.ID,
			FamilyID:  family,
			TokenHash: HashToken(h),
			ExpiresAt: time.Now().Add(time.Hour),
		}); err != nil {
			t.Fatalf("creating token: %v", err)
		}
	}
	other := &RefreshToken{
		UserID:    user.ID,
		TokenHash: HashToken("c"),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := repo.Create(context.Background(), other); err != nil {
		t.Fatalf("creating token: %v", err)
	}

	if err := repo.RevokeFamily(context.Background(), family); err != nil {
		t.Fatalf("revoke family: %v", err)
	}

	for _, h := range []string{"a", "b"} {
		got, err := repo.GetByTokenHash(context.Background(), HashToken(h))
		if err != nil {
			t.Fatalf("loading token %s: %v", h, err)
		}
		if !got.Revoked {
			t.Errorf("token %s should be revoked", h)
		}
	}

	got, err := repo.GetByTokenHash(context.Background(), HashToken("c"))
	if err != nil {
		t.Fatalf("loading token c: %v", err)
	}
	if got.Revoked {
		t.Error("token outside the family should be untouched")
	}
}

func TestTokenRevokeAllForUser(t *testing.T) {
	db := testDB(t)
	repo := NewTokenRepository(db)
	alice := seedTestUser(t, db, "alice", RoleStudent)
	bob := seedTestUser(t, db, "bob", RoleStudent)

	for i, u := range []*User{alice, alice, bob} {
		if err := repo.Create(context.Background(), &RefreshToken{
			UserID:    u.ID,
			TokenHash: HashToken(string(rune('a' + i))),
			ExpiresAt: time.Now().Add(time.Hour),
		}); err != nil {
			t.Fatalf("creating token: %v", err)
		}
	}

	if err := repo.RevokeAllForUser(context.Background(), alice.ID); err != nil {
		t.Fatalf("revoke all: %v", err)
	}

	bobToken, err := repo.GetByTokenHash(context.Background(), HashToken("c"))
	if err != nil {
		t.Fatalf("loading bob's token: %v", err)
	}
	if bobToken.Revoked {
		t.Error("bob's token should survive alice's revocation")
	}
}

func TestTokenDeleteExpired(t *testing.T) {
	db := testDB(t)
	repo := NewTokenRepository(db)
	user := seedTestUser(t, db, "alice", RoleStudent)

	if err := repo.Create(context.Background(), &RefreshToken{
		UserID: user.ID, TokenHash: HashToken("stale"), ExpiresAt: time.Now().Add(-time.Hour),
	}); err != nil {
		t.Fatalf("creating stale token: %v", err)
	}
	if err := repo.Create(context.Background(), &RefreshToken{
		UserID: user.ID, TokenHash: HashToken("fresh"), ExpiresAt: time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("creating fresh token: %v", err)
	}

	deleted, err := repo.DeleteExpired(context.Background())
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted %d, want 1", deleted)
	}

	if _, err := repo.GetByTokenHash(context.Background(), HashToken("fresh")); err != nil {
		t.Errorf("fresh token should survive: %v", err)
	}
}
