package auth

import (
	"errors"
	"regexp"
	"time"
)

// usernamePattern defines the valid format for usernames:
// alphanumeric, dots, hyphens, underscores, 1-64 characters.
var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)

// maxUsernameLength is the maximum allowed username length.
const maxUsernameLength = 64

// IsValidUsername checks if a username meets format requirements.
func IsValidUsername(username string) bool {
	return len(username) <= maxUsernameLength && usernamePattern.MatchString(username)
}

// Role represents an authorisation tier in the system.
type Role string

const (
	// RoleStudent competes for course seats. TOTP is mandatory; tags
	// restrict which tagged courses the student may select.
	RoleStudent Role = "student"

	// RoleTeacher owns courses. TOTP is opt-in (enforced when a secret
	// is enrolled and the deployment requires it).
	RoleTeacher Role = "teacher"

	// RoleAdmin manages users, registration codes, and the task queue.
	// Admin login is one-stage; admins never carry TOTP.
	RoleAdmin Role = "admin"
)

// ValidRoles is the set of valid account roles.
var ValidRoles = []Role{RoleStudent, RoleTeacher, RoleAdmin}

// IsValidRole returns true if the role is a valid account role.
func IsValidRole(r Role) bool {
	for _, v := range ValidRoles {
		if r == v {
			return true
		}
	}
	return false
}

// User represents an account in the credential store.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"` // never serialised
	Role         Role      `json:"role"`
	TOTPSecret   string    `json:"-"` // never serialised
	IsActive     bool      `json:"is_active"`
	Tags         []string  `json:"tags,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// RequiresTOTP reports whether this user must pass TOTP at login stage 2.
// Students always do; teachers only when a secret is enrolled and the
// deployment requires it; admins never do.
func (u *User) RequiresTOTP(requireTeacherTOTP bool) bool {
	switch u.Role {
	case RoleStudent:
		return true
	case RoleTeacher:
		return requireTeacherTOTP && u.TOTPSecret != ""
	default:
		return false
	}
}

// RefreshToken represents a stored refresh token for session management.
type RefreshToken struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	FamilyID  string    `json:"family_id"`
	TokenHash string    `json:"-"` // never serialised
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked"`
	CreatedAt time.Time `json:"created_at"`
}

// RegistrationCode is an admin-issued consumable token that authorises
// account creation. Tags on the code are inherited by the student on use.
type RegistrationCode struct {
	Code         string    `json:"code"`
	TargetRole   Role      `json:"target_role"`
	MaxUses      int       `json:"max_uses"`
	UsedCount    int       `json:"used_count"`
	AssignedTags []string  `json:"assigned_tags,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	CreatedBy    string    `json:"created_by,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ResetCode is a single-use code bound to a username that re-enables
// TOTP setup for that user.
type ResetCode struct {
	Code      string    `json:"code"`
	Username  string    `json:"username"`
	Used      bool      `json:"used"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Sentinel errors for auth operations.
var (
	ErrBadCredentials = errors.New("invalid credentials")
	ErrBadTOTP        = errors.New("invalid one-time code")
	ErrUserNotFound   = errors.New("user not found")
	ErrInactive       = errors.New("user account is inactive")
	ErrUsernameTaken  = errors.New("username already exists")
	ErrCodeInvalid    = errors.New("code not found, expired, or exhausted")
	ErrTokenExpired   = errors.New("token has expired")
	ErrRevoked        = errors.New("token has been revoked")
	ErrTokenInvalid   = errors.New("invalid token")
	ErrTokenReuse     = errors.New("refresh token reuse detected")
	ErrTOTPRequired   = errors.New("one-time code required")
	ErrRateLimited    = errors.New("too many failed attempts")
)

// RateLimitedError is returned when repeated TOTP failures lock a user out.
// RetryAfter says how long until the next attempt can be accepted.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string { return ErrRateLimited.Error() }

// Is lets errors.Is(err, ErrRateLimited) match the carrier.
func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }
