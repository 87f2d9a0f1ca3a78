package auth

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// testDB creates a temporary SQLite database with the credential schema
// applied. The database file is cleaned up when the test completes.
func testDB(t *testing.T) *sql.DB {
	t.Helper()

	// Use a temp file so WAL mode works (in-memory doesn't support it)
	f, err := os.CreateTemp("", "auth-test-*.db")
	if err != nil {
		t.Fatalf("creating temp db: %v", err)
	}
	dbPath := f.Name()
	f.Close()
	t.Cleanup(func() { os.Remove(dbPath) })

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	schemaSQL := `
		CREATE TABLE users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'student',
			totp_secret TEXT,
			is_active INTEGER NOT NULL DEFAULT 1,
			tags TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
		) STRICT;

		CREATE UNIQUE INDEX idx_users_username ON users(username);
		CREATE INDEX idx_users_role ON users(role);

		CREATE TABLE refresh_tokens (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			family_id TEXT NOT NULL,
			token_hash TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			revoked INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		) STRICT;

		CREATE INDEX idx_refresh_tokens_user ON refresh_tokens(user_id);
		CREATE INDEX idx_refresh_tokens_family ON refresh_tokens(family_id);
		CREATE INDEX idx_refresh_tokens_hash ON refresh_tokens(token_hash);
		CREATE INDEX idx_refresh_tokens_expires ON refresh_tokens(expires_at);

		CREATE TABLE registration_codes (
			code TEXT PRIMARY KEY,
			target_role TEXT NOT NULL,
			max_uses INTEGER NOT NULL CHECK (max_uses > 0),
			used_count INTEGER NOT NULL DEFAULT 0 CHECK (used_count >= 0),
			assigned_tags TEXT NOT NULL DEFAULT '[]',
			expires_at TEXT NOT NULL,
			created_by TEXT,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			FOREIGN KEY (created_by) REFERENCES users(id) ON DELETE SET NULL
		) STRICT;

		CREATE INDEX idx_registration_codes_expires ON registration_codes(expires_at);

		CREATE TABLE reset_codes (
			code TEXT PRIMARY KEY,
			username TEXT NOT NULL,
			used INTEGER NOT NULL DEFAULT 0,
			expires_at TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
		) STRICT;

		CREATE INDEX idx_reset_codes_username ON reset_codes(username);
	`
	if _, err := db.Exec(schemaSQL); err != nil {
		t.Fatalf("applying credential schema: %v", err)
	}

	return db
}

// testPassword is the password used for all seeded test accounts.
const testPassword = "test-password"

// seedTestUser inserts a test user with the given role and returns it.
func seedTestUser(t *testing.T, db *sql.DB, username string, role Role) *User {
	t.Helper()

	hash, err := HashPassword(testPassword)
	if err != nil {
		t.Fatalf("hashing password: %v", err)
	}

	repo := NewUserRepository(db)
	user := &User{
		Username:     username,
		PasswordHash: hash,
		Role:         role,
		IsActive:     true,
	}
	if err := repo.Create(context.Background(), user); err != nil {
		t.Fatalf("creating test user %s: %v", username, err)
	}
	return user
}

// seedUserWithTOTP inserts a user with a freshly generated TOTP secret
// and returns the user plus the raw secret for code generation.
func seedUserWithTOTP(t *testing.T, db *sql.DB, username string, role Role) (*User, string) {
	t.Helper()

	user := seedTestUser(t, db, username, role)
	secret, _, err := GenerateTOTPSecret(username)
	if err != nil {
		t.Fatalf("generating TOTP secret: %v", err)
	}
	if err := NewUserRepository(db).SetTOTPSecret(context.Background(), user.ID, secret); err != nil {
		t.Fatalf("storing TOTP secret: %v", err)
	}
	user.TOTPSecret = secret
	return user, secret
}

// newTestGateway builds a Gateway over the test database with short TTLs.
func newTestGateway(t *testing.T, db *sql.DB, requireTeacherTOTP bool) *Gateway {
	t.Helper()

	return NewGateway(
		NewUserRepository(db),
		NewTokenRepository(db),
		NewCodeRepository(db),
		GatewayConfig{
			Secret:             "test-secret-at-least-32-characters!!",
			AccessTTL:          30 * time.Minute,
			RefreshTTL:         24 * time.Hour,
			RequireTeacherTOTP: requireTeacherTOTP,
		},
	)
}

// currentTOTP computes the valid code for a secret right now.
func currentTOTP(t *testing.T, secret string) string {
	t.Helper()

	code, err := GenerateTOTPCode(secret, time.Now())
	if err != nil {
		t.Fatalf("generating TOTP code: %v", err)
	}
	return code
}
