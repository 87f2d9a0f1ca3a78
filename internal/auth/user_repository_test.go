package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestUserCreateAndGet(t *testing.T) {
	db := testDB(t)
	repo := NewUserRepository(db)

	user := &User{
		Username:     "alice",
		PasswordHash: "hash",
		Role:         RoleStudent,
		IsActive:     true,
		Tags:         []string{"cs"},
	}
	if err := repo.Create(context.Background(), user); err != nil {
		t.Fatalf("creating user: %v", err)
	}
	if !strings.HasPrefix(user.ID, "usr-") {
		t.Errorf("ID = %s, want usr- prefix", user.ID)
	}

	got, err := repo.GetByUsername(context.Background(), "alice")
	if err != nil {
		t.Fatalf("get by username: %v", err)
	}
	if got.ID != user.ID || got.Role != RoleStudent || !got.IsActive {
		t.Errorf("got %+v, want created user", got)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "cs" {
		t.Errorf("tags = %v, want [cs]", got.Tags)
	}

	byID, err := repo.GetByID(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("get by ID: %v", err)
	}
	if byID.Username != "alice" {
		t.Errorf("username = %s, want alice", byID.Username)
	}
}

func TestUserDuplicateUsername(t *testing.T) {
	db := testDB(t)
	repo := NewUserRepository(db)

	first := &User{Username: "alice", PasswordHash: "h", Role: RoleStudent, IsActive: true}
	if err := repo.Create(context.Background(), first); err != nil {
		t.Fatalf("creating user: %v", err)
	}

	dup := &User{Username: "alice", PasswordHash: "h", Role: RoleStudent, IsActive: true}
	if err := repo.Create(context.Background(), dup); !errors.Is(err, ErrUsernameTaken) {
		t.Errorf("expected ErrUsernameTaken, got %v", err)
	}
}

func TestUserNotFound(t *testing.T) {
	db := testDB(t)
	repo := NewUserRepository(db)

	if _, err := repo.GetByID(context.Background(), "usr-missing"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
	if _, err := repo.GetByUsername(context.Background(), "missing"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
}

func TestUserUpdate(t *testing.T) {
	db := testDB(t)
	repo := NewUserRepository(db)
	user := seedTestUser(t, db, "alice", RoleStudent)

	user.IsActive = false
	if err := repo.Update(context.Background(), user); err != nil {
		t.Fatalf("updating user: %v", err)
	}

	got, err := repo.GetByID(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("get by ID: %v", err)
	}
	if got.IsActive {
		t.Error("user should be inactive after update")
	}
}

func TestUserSetTOTPSecretAndTags(t *testing.T) {
	db := testDB(t)
	repo := NewUserRepository(db)
	user := seedTestUser(t, db, "alice", RoleStudent)

	if err := repo.SetTOTPSecret(context.Background(), user.ID, "SECRET"); err != nil {
		t.Fatalf("set secret: %v", err)
	}
	if err := repo.SetTags(context.Background(), user.ID, []string{"cs", "year-3"}); err != nil {
		t.Fatalf("set tags: %v", err)
	}

	got, err := repo.GetByID(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("get by ID: %v", err)
	}
	if got.TOTPSecret != "SECRET" {
		t.Error("secret not stored")
	}
	if len(got.Tags) != 2 {
		t.Errorf("tags = %v, want two", got.Tags)
	}
}

func TestUserDelete(t *testing.T) {
	db := testDB(t)
	repo := NewUserRepository(db)
	user := seedTestUser(t, db, "alice", RoleStudent)

	if err := repo.Delete(context.Background(), user.ID); err != nil {
		t.Fatalf("deleting user: %v", err)
	}
	if _, err := repo.GetByID(context.Background(), user.ID); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound after delete, got %v", err)
	}
	if err := repo.Delete(context.Background(), user.ID); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound on double delete, got %v", err)
	}
}

func TestUserList(t *testing.T) {
	db := testDB(t)
	repo := NewUserRepository(db)
	seedTestUser(t, db, "alice", RoleStudent)
	seedTestUser(t, db, "bob", RoleTeacher)

	users, err := repo.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(users) != 2 {
		t.Errorf("listed %d users, want 2", len(users))
	}
}

func TestIsValidUsername(t *testing.T) {
	valid := []string{"alice", "a.b-c_d", "X9"}
	for _, u := range valid {
		if !IsValidUsername(u) {
			t.Errorf("%q should be valid", u)
		}
	}

	invalid := []string{"", "has spaces", "tab\tchar", strings.Repeat("x", 65), "émile"}
	for _, u := range invalid {
		if IsValidUsername(u) {
			t.Errorf("%q should be invalid", u)
		}
	}
}

func TestRequiresTOTP(t *testing.T) {
	student := &User{Role: RoleStudent}
	if !student.RequiresTOTP(false) {
		t.Error("students always require TOTP")
	}

	teacher := &User{Role: RoleTeacher}
	if teacher.RequiresTOTP(true) {
		t.Error("teacher without a secret cannot be asked for TOTP")
	}
	teacher.TOTPSecret = "S"
	if !teacher.RequiresTOTP(true) {
		t.Error("teacher with secret requires TOTP when enforced")
	}
	if teacher.RequiresTOTP(false) {
		t.Error("teacher TOTP is off when not enforced")
	}

	admin := &User{Role: RoleAdmin, TOTPSecret: "S"}
	if admin.RequiresTOTP(true) {
		t.Error("admins never use TOTP")
	}
}
