package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// CodeRepository defines the interface for registration and reset code
// persistence.
type CodeRepository interface {
	CreateRegistrationCode(ctx context.Context, code *RegistrationCode) error
	// ConsumeRegistrationCode atomically increments used_count and returns
	// the code record. Fails with ErrCodeInvalid if the code is missing,
	// expired, exhausted, or minted for a different role; a failed consume
	// never spends a use.
	ConsumeRegistrationCode(ctx context.Context, code string, role Role) (*RegistrationCode, error)
	// RestoreRegistrationCode gives back one consumed use. Called when
	// registration fails after the consume, so the attempt does not burn
	// the code.
	RestoreRegistrationCode(ctx context.Context, code string) error
	CreateResetCode(ctx context.Context, code *ResetCode) error
	// ConsumeResetCode atomically marks a reset code used and returns it.
	ConsumeResetCode(ctx context.Context, code string) (*ResetCode, error)
	DeleteExpired(ctx context.Context) (int64, error)
}

// SQLiteCodeRepository implements CodeRepository using SQLite.
type SQLiteCodeRepository struct {
	db *sql.DB
}

// NewCodeRepository creates a new SQLite-backed code repository.
func NewCodeRepository(db *sql.DB) *SQLiteCodeRepository {
	return &SQLiteCodeRepository{db: db}
}

// codeBytes is the number of random bytes in a generated code.
const codeBytes = 16

// GenerateCode creates a cryptographically random code string.
func GenerateCode() (string, error) {
	b := make([]byte, codeBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating code: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// CreateRegistrationCode inserts a new registration code.
// The code string is generated if empty.
func (r *SQLiteCodeRepository) CreateRegistrationCode(ctx context.Context, code *RegistrationCode) error {
	if code.Code == "" {
		c, err := GenerateCode()
		if err != nil {
			return err
		}
		code.Code = "reg-" + c
	}

	now := time.Now().UTC().Format(time.RFC3339)
	code.CreatedAt, _ = time.Parse(time.RFC3339, now) //nolint:errcheck // format is controlled

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO registration_codes (code, target_role, max_uses, used_count, assigned_tags, expires_at, created_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		code.Code, string(code.TargetRole), code.MaxUses, code.UsedCount,
		marshalTags(code.AssignedTags),
		code.ExpiresAt.UTC().Format(time.RFC3339),
		nullString(code.CreatedBy), now,
	)
	if err != nil {
		return fmt.Errorf("creating registration code: %w", err)
	}
	return nil
}

// ConsumeRegistrationCode atomically consumes one use of a registration code.
//
// The guarded UPDATE is the atomicity primitive: two concurrent
// registrations against a code with one use left race on the WHERE
// clause, and exactly one wins. The role predicate sits inside the same
// guard so a mismatched attempt is rejected without spending a use.
func (r *SQLiteCodeRepository) ConsumeRegistrationCode(ctx context.Context, code string, role Role) (*RegistrationCode, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	result, err := r.db.ExecContext(ctx,
		`UPDATE registration_codes
		 SET used_count = used_count + 1
		 WHERE code = ? AND target_role = ? AND used_count < max_uses AND expires_at > ?`,
		code, string(role), now,
	)
	if err != nil {
		return nil, fmt.Errorf("consuming registration code: %w", err)
	}

	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return nil, ErrCodeInvalid
	}

	var rc RegistrationCode
	var roleStr, tags string
	var createdBy sql.NullString
	var expiresAt, createdAt string

	err = r.db.QueryRowContext(ctx,
		`SELECT code, target_role, max_uses, used_count, assigned_tags, expires_at, created_by, created_at
		 FROM registration_codes WHERE code = ?`, code,
	).Scan(&rc.Code, &roleStr, &rc.MaxUses, &rc.UsedCount, &tags, &expiresAt, &createdBy, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("reading consumed registration code: %w", err)
	}

	rc.TargetRole = Role(roleStr)
	rc.AssignedTags = unmarshalTags(tags)
	if createdBy.Valid {
		rc.CreatedBy = createdBy.String
	}
	rc.ExpiresAt, _ = time.Parse(time.RFC3339, expiresAt) //nolint:errcheck // format is controlled
	rc.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled

	return &rc, nil
}

// RestoreRegistrationCode decrements used_count, undoing one consume.
// A no-op for unknown codes or codes with no uses spent.
func (r *SQLiteCodeRepository) RestoreRegistrationCode(ctx context.Context, code string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE registration_codes
		 SET used_count = used_count - 1
		 WHERE code = ? AND used_count > 0`,
		code,
	)
	if err != nil {
		return fmt.Errorf("restoring registration code: %w", err)
	}
	return nil
}

// CreateResetCode inserts a new reset code bound to a username.
// The code string is generated if empty.
func (r *SQLiteCodeRepository) CreateResetCode(ctx context.Context, code *ResetCode) error {
	if code.Code == "" {
		c, err := GenerateCode()
		if err != nil {
			return err
		}
		code.Code = "rst-" + c
	}

	now := time.Now().UTC().Format(time.RFC3339)
	code.CreatedAt, _ = time.Parse(time.RFC3339, now) //nolint:errcheck // format is controlled

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO reset_codes (code, username, used, expires_at, created_at)
		 VALUES (?, ?, 0, ?, ?)`,
		code.Code, code.Username,
		code.ExpiresAt.UTC().Format(time.RFC3339), now,
	)
	if err != nil {
		return fmt.Errorf("creating reset code: %w", err)
	}
	return nil
}

// ConsumeResetCode atomically marks a reset code used and returns it.
// Single-use: a second consume of the same code fails with ErrCodeInvalid.
func (r *SQLiteCodeRepository) ConsumeResetCode(ctx context.Context, code string) (*ResetCode, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	result, err := r.db.ExecContext(ctx,
		`UPDATE reset_codes SET used = 1
		 WHERE code = ? AND used = 0 AND expires_at > ?`,
		code, now,
	)
	if err != nil {
		return nil, fmt.Errorf("consuming reset code: %w", err)
	}

	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return nil, ErrCodeInvalid
	}

	var rc ResetCode
	var used int
	var expiresAt, createdAt string

	err = r.db.QueryRowContext(ctx,
		`SELECT code, username, used, expires_at, created_at FROM reset_codes WHERE code = ?`, code,
	).Scan(&rc.Code, &rc.Username, &used, &expiresAt, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCodeInvalid
		}
		return nil, fmt.Errorf("reading consumed reset code: %w", err)
	}

	rc.Used = used != 0
	rc.ExpiresAt, _ = time.Parse(time.RFC3339, expiresAt) //nolint:errcheck // format is controlled
	rc.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // format is controlled

	return &rc, nil
}

// DeleteExpired removes expired registration and reset codes.
// Returns the total number of deleted rows.
func (r *SQLiteCodeRepository) DeleteExpired(ctx context.Context) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	var total int64
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM registration_codes WHERE expires_at <= ?", now)
	if err != nil {
		return 0, fmt.Errorf("deleting expired registration codes: %w", err)
	}
	n, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	total += n

	result, err = r.db.ExecContext(ctx,
		"DELETE FROM reset_codes WHERE expires_at <= ?", now)
	if err != nil {
		return 0, fmt.Errorf("deleting expired reset codes: %w", err)
	}
	n, _ = result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	total += n

	return total, nil
}
