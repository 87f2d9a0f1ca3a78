package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestRegistrationCodeConsumeToExhaustion(t *testing.T) {
	db := testDB(t)
	repo := NewCodeRepository(db)

	code := &RegistrationCode{
		TargetRole: RoleStudent,
		MaxUses:    2,
		ExpiresAt:  time.Now().Add(time.Hour),
	}
	if err := repo.CreateRegistrationCode(context.Background(), code); err != nil {
		t.Fatalf("creating code: %v", err)
	}
	if !strings.HasPrefix(code.Code, "reg-") {
		t.Errorf("code = %s, want reg- prefix", code.Code)
	}

	for i := 0; i < 2; i++ {
		rc, err := repo.ConsumeRegistrationCode(context.Background(), code.Code, RoleStudent)
		if err != nil {
			t.Fatalf("consume %d failed: %v", i+1, err)
		}
		if rc.UsedCount != i+1 {
			t.Errorf("used_count = %d, want %d", rc.UsedCount, i+1)
		}
	}

	if _, err := repo.ConsumeRegistrationCode(context.Background(), code.Code, RoleStudent); !errors.Is(err, ErrCodeInvalid) {
		t.Errorf("expected ErrCodeInvalid when exhausted, got %v", err)
	}
}

func TestRegistrationCodeConsumeConcurrent(t *testing.T) {
	db := testDB(t)
	repo := NewCodeRepository(db)

	const maxUses = 5
	code := &RegistrationCode{
		TargetRole: RoleStudent,
		MaxUses:    maxUses,
		ExpiresAt:  time.Now().Add(time.Hour),
	}
	if err := repo.CreateRegistrationCode(context.Background(), code); err != nil {
		t.Fatalf("creating code: %v", err)
	}

	const attempts = 20
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.ConsumeRegistrationCode(context.Background(), code.Code, RoleStudent)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrCodeInvalid):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if succeeded != maxUses {
		t.Errorf("%d consumes succeeded, want exactly %d", succeeded, maxUses)
	}
}

func TestRegistrationCodeExpired(t *testing.T) {
	db := testDB(t)
	repo := NewCodeRepository(db)

	code := &RegistrationCode{
		TargetRole: RoleStudent,
		MaxUses:    1,
		ExpiresAt:  time.Now().Add(-time.Minute),
	}
	if err := repo.CreateRegistrationCode(context.Background(), code); err != nil {
		t.Fatalf("creating code: %v", err)
	}

	if _, err := repo.ConsumeRegistrationCode(context.Background(), code.Code, RoleStudent); !errors.Is(err, ErrCodeInvalid) {
		t.Errorf("expected ErrCodeInvalid for expired code, got %v", err)
	}
}

func TestRegistrationCodeRoleMismatchDoesNotConsume(t *testing.T) {
	db := testDB(t)
	repo := NewCodeRepository(db)

	code := &RegistrationCode{
		TargetRole: RoleTeacher,
		MaxUses:    1,
		ExpiresAt:  time.Now().Add(time.Hour),
	}
	if err := repo.CreateRegistrationCode(context.Background(), code); err != nil {
		t.Fatalf("creating code: %v", err)
	}

	if _, err := repo.ConsumeRegistrationCode(context.Background(), code.Code, RoleStudent); !errors.Is(err, ErrCodeInvalid) {
		t.Fatalf("expected ErrCodeInvalid for wrong role, got %v", err)
	}

	// The mismatch must not have spent the single use.
	rc, err := repo.ConsumeRegistrationCode(context.Background(), code.Code, RoleTeacher)
	if err != nil {
		t.Fatalf("consume with matching role failed: %v", err)
	}
	if rc.UsedCount != 1 {
		t.Errorf("used_count = %d, want 1", rc.UsedCount)
	}
}

func TestRegistrationCodeRestore(t *testing.T) {
	db := testDB(t)
	repo := NewCodeRepository(db)

	code := &RegistrationCode{
		TargetRole: RoleStudent,
		MaxUses:    1,
		ExpiresAt:  time.Now().Add(time.Hour),
	}
	if err := repo.CreateRegistrationCode(context.Background(), code); err != nil {
		t.Fatalf("creating code: %v", err)
	}

	if _, err := repo.ConsumeRegistrationCode(context.Background(), code.Code, RoleStudent); err != nil {
		t.Fatalf("consume failed: %v", err)
	}
	if err := repo.RestoreRegistrationCode(context.Background(), code.Code); err != nil {
		t.Fatalf("restore failed: %v", err)
	}

	// The restored use is spendable again.
	rc, err := repo.ConsumeRegistrationCode(context.Background(), code.Code, RoleStudent)
	if err != nil {
		t.Fatalf("consume after restore failed: %v", err)
	}
	if rc.UsedCount != 1 {
		t.Errorf("used_count = %d, want 1", rc.UsedCount)
	}

	// Restoring a code with nothing spent is a no-op, never negative.
	if err := repo.RestoreRegistrationCode(context.Background(), "reg-nope"); err != nil {
		t.Errorf("restore of unknown code: %v", err)
	}
}

func TestRegistrationCodeUnknown(t *testing.T) {
	db := testDB(t)
	repo := NewCodeRepository(db)

	if _, err := repo.ConsumeRegistrationCode(context.Background(), "reg-nope", RoleStudent); !errors.Is(err, ErrCodeInvalid) {
		t.Errorf("expected ErrCodeInvalid for unknown code, got %v", err)
	}
}

func TestRegistrationCodeTags(t *testing.T) {
	db := testDB(t)
	repo := NewCodeRepository(db)

	code := &RegistrationCode{
		TargetRole:   RoleStudent,
		MaxUses:      1,
		AssignedTags: []string{"cs", "year-1"},
		ExpiresAt:    time.Now().Add(time.Hour),
	}
	if err := repo.CreateRegistrationCode(context.Background(), code); err != nil {
		t.Fatalf("creating code: %v", err)
	}

	rc, err := repo.ConsumeRegistrationCode(context.Background(), code.Code, RoleStudent)
	if err != nil {
		t.Fatalf("consume failed: %v", err)
	}
	if len(rc.AssignedTags) != 2 || rc.AssignedTags[1] != "year-1" {
		t.Errorf("tags = %v, want [cs year-1]", rc.AssignedTags)
	}
}

func TestResetCodeSingleUse(t *testing.T) {
	db := testDB(t)
	repo := NewCodeRepository(db)

	code := &ResetCode{
		Username:  "alice",
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := repo.CreateResetCode(context.Background(), code); err != nil {
		t.Fatalf("creating reset code: %v", err)
	}
	if !strings.HasPrefix(code.Code, "rst-") {
		t.Errorf("code = %s, want rst- prefix", code.Code)
	}

	rc, err := repo.ConsumeResetCode(context.Background(), code.Code)
	if err != nil {
		t.Fatalf("consume failed: %v", err)
	}
	if rc.Username != "alice" || !rc.Used {
		t.Errorf("consumed code = %+v, want alice, used", rc)
	}

	if _, err := repo.ConsumeResetCode(context.Background(), code.Code); !errors.Is(err, ErrCodeInvalid) {
		t.Errorf("expected ErrCodeInvalid on second use, got %v", err)
	}
}

func TestCodeDeleteExpired(t *testing.T) {
	db := testDB(t)
	repo := NewCodeRepository(db)

	stale := time.Now().Add(-time.Hour)
	fresh := time.Now().Add(time.Hour)

	for _, exp := range []time.Time{stale, fresh} {
		if err := repo.CreateRegistrationCode(context.Background(), &RegistrationCode{
			TargetRole: RoleStudent, MaxUses: 1, ExpiresAt: exp,
		}); err != nil {
			t.Fatalf("creating registration code: %v", err)
		}
		if err := repo.CreateResetCode(context.Background(), &ResetCode{
			Username: "alice", ExpiresAt: exp,
		}); err != nil {
			t.Fatalf("creating reset code: %v", err)
		}
	}

	deleted, err := repo.DeleteExpired(context.Background())
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if deleted != 2 {
		t.Errorf("deleted %d rows, want 2", deleted)
	}
}
