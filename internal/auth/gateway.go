package auth

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Gateway runs the two-stage login and registration protocols and issues
// the tokens that gate the admission funnel.
//
// Stage 1 exchanges a password for a refresh token. Stage 2 exchanges the
// refresh token (plus a TOTP code where the role demands one) for a signed
// access token, rotating the refresh token in the process.
//
// Thread Safety: all methods are safe for concurrent use; verification is
// read-only apart from token rotation, which the repository serialises.
type Gateway struct {
	users    UserRepository
	tokens   TokenRepository
	codes    CodeRepository
	throttle FailureThrottle

	secret             string
	accessTTL          time.Duration
	refreshTTL         time.Duration
	requireTeacherTOTP bool

	// now is injectable for tests.
	now func() time.Time
}

// FailureThrottle tracks failed TOTP attempts per user and reports when
// the user is temporarily locked out.
type FailureThrottle interface {
	RecordTOTPFailure(userID string) (blocked bool, retryAfter time.Duration)
}

// GatewayConfig carries the Gateway's tunable parameters.
type GatewayConfig struct {
	Secret             string
	AccessTTL          time.Duration
	RefreshTTL         time.Duration
	RequireTeacherTOTP bool
}

// NewGateway creates a Gateway over the given repositories.
func NewGateway(users UserRepository, tokens TokenRepository, codes CodeRepository, cfg GatewayConfig) *Gateway {
	return &Gateway{
		users:              users,
		tokens:             tokens,
		codes:              codes,
		secret:             cfg.Secret,
		accessTTL:          cfg.AccessTTL,
		refreshTTL:         cfg.RefreshTTL,
		requireTeacherTOTP: cfg.RequireTeacherTOTP,
		now:                time.Now,
	}
}

// SetTOTPThrottle installs the per-user TOTP failure throttle. Without one
// repeated bad codes are only gated by the outer request limits.
func (g *Gateway) SetTOTPThrottle(t FailureThrottle) {
	g.throttle = t
}

// Identity is the verified subject of an access token.
type Identity struct {
	UserID string
	Role   Role
}

// StageOneResult is returned by LoginStage1 and carries the refresh token
// the client must present at stage 2. The refresh token alone grants no
// service access.
type StageOneResult struct {
	RefreshToken string
	RequiresTOTP bool
	UserID       string
	Role         Role
}

// AccessResult is returned by the stage-2 exchanges.
type AccessResult struct {
	AccessToken string
	ExpiresIn   int // seconds

	// RefreshToken is the rotated replacement for the token that was
	// presented; the old one is revoked.
	RefreshToken string
}

// RegistrationResult is returned by RegisterStage1. TOTPSecret and TOTPURI
// are populated only when a secret was generated (students, always), and
// are returned to the client exactly once.
type RegistrationResult struct {
	RefreshToken string
	UserID       string
	TOTPSecret   string
	TOTPURI      string
}

// LoginStage1 verifies a username/password pair and issues a refresh token.
//
// The not-found and wrong-password paths both cost one Argon2id
// verification, so response timing does not reveal which usernames exist.
func (g *Gateway) LoginStage1(ctx context.Context, username, password string) (*StageOneResult, error) {
	user, err := g.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			VerifyDecoy(password)
			return nil, ErrBadCredentials
		}
		return nil, err
	}

	ok, err := VerifyPassword(password, user.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verifying password: %w", err)
	}
	if !ok {
		return nil, ErrBadCredentials
	}
	if !user.IsActive {
		return nil, ErrInactive
	}

	raw, err := g.issueRefresh(ctx, user.ID, "")
	if err != nil {
		return nil, err
	}

	return &StageOneResult{
		RefreshToken: raw,
		RequiresTOTP: user.RequiresTOTP(g.requireTeacherTOTP),
		UserID:       user.ID,
		Role:         user.Role,
	}, nil
}

// LoginStage2 exchanges a refresh token (plus TOTP where required) for an
// access token. The presented refresh token is rotated; presenting an
// already-revoked token revokes its whole family (theft detection).
func (g *Gateway) LoginStage2(ctx context.Context, rawRefresh, totpCode string) (*AccessResult, error) {
	return g.exchangeAccess(ctx, rawRefresh, totpCode)
}

// Refresh mints a new access token from a refresh token. Students (and
// teachers with TOTP enforced) must supply a fresh TOTP code.
func (g *Gateway) Refresh(ctx context.Context, rawRefresh, totpCode string) (*AccessResult, error) {
	return g.exchangeAccess(ctx, rawRefresh, totpCode)
}

// AdminLogin is the one-stage login variant for administrators: password
// straight to access token, no refresh token, no TOTP.
func (g *Gateway) AdminLogin(ctx context.Context, username, password string) (*AccessResult, error) {
	user, err := g.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			VerifyDecoy(password)
			return nil, ErrBadCredentials
		}
		return nil, err
	}

	ok, err := VerifyPassword(password, user.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verifying password: %w", err)
	}
	// Role is checked after the password so a probe cannot distinguish
	// "not an admin" from "wrong password".
	if !ok || user.Role != RoleAdmin {
		return nil, ErrBadCredentials
	}
	if !user.IsActive {
		return nil, ErrInactive
	}

	access, err := GenerateAccessToken(user, g.secret, g.accessTTL)
	if err != nil {
		return nil, err
	}
	return &AccessResult{
		AccessToken: access,
		ExpiresIn:   int(g.accessTTL.Seconds()),
	}, nil
}

// RegisterStage1 consumes a registration code and creates the account.
// Students get a TOTP secret generated and stored; the secret and its
// provisioning URI are returned once so the client can enroll an
// authenticator before stage 2.
func (g *Gateway) RegisterStage1(ctx context.Context, username, password string, role Role, regCode string) (*RegistrationResult, error) {
	if !IsValidUsername(username) {
		return nil, fmt.Errorf("%w: invalid username", ErrBadCredentials)
	}
	if !IsValidRole(role) || role == RoleAdmin {
		// Admin accounts are provisioned out of band, never via codes.
		return nil, ErrCodeInvalid
	}

	// The role predicate is part of the consume guard, so a mismatched
	// attempt never spends a use.
	code, err := g.codes.ConsumeRegistrationCode(ctx, regCode, role)
	if err != nil {
		return nil, err
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, g.restoreUse(ctx, regCode, err)
	}

	user := &User{
		Username:     username,
		PasswordHash: hash,
		Role:         role,
		IsActive:     true,
		Tags:         code.AssignedTags,
	}

	res := &RegistrationResult{}
	if role == RoleStudent {
		secret, uri, err := GenerateTOTPSecret(username)
		if err != nil {
			return nil, g.restoreUse(ctx, regCode, err)
		}
		user.TOTPSecret = secret
		res.TOTPSecret = secret
		res.TOTPURI = uri
	}

	if err := g.users.Create(ctx, user); err != nil {
		return nil, g.restoreUse(ctx, regCode, err)
	}
	res.UserID = user.ID

	raw, err := g.issueRefresh(ctx, user.ID, "")
	if err != nil {
		return nil, err
	}
	res.RefreshToken = raw

	return res, nil
}

// restoreUse gives the consumed registration-code use back and returns the
// original failure. A use is only spent once an account actually exists, so
// a code with N uses left can always register N users.
func (g *Gateway) restoreUse(ctx context.Context, regCode string, cause error) error {
	if err := g.codes.RestoreRegistrationCode(ctx, regCode); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// RegisterStage2 verifies the candidate TOTP code against the stored secret
// and issues the first access token. For roles without TOTP this completes
// immediately.
func (g *Gateway) RegisterStage2(ctx context.Context, rawRefresh, totpCode string) (*AccessResult, error) {
	return g.exchangeAccess(ctx, rawRefresh, totpCode)
}

// Logout revokes the presented refresh token. Subsequent exchanges with it
// trip the reuse branch and fail with ErrTokenReuse.
func (g *Gateway) Logout(ctx context.Context, rawRefresh string) error {
	token, err := g.tokens.GetByTokenHash(ctx, HashToken(rawRefresh))
	if err != nil {
		return err
	}
	return g.tokens.Revoke(ctx, token.ID)
}

// VerifyAccess validates a signed access token and returns the identity it
// carries. Verification is stateless — signature and expiry only — so it is
// safe to call from every request without a database hit.
func (g *Gateway) VerifyAccess(token string) (*Identity, error) {
	claims, err := ParseAccessToken(token, g.secret)
	if err != nil {
		return nil, err
	}
	return &Identity{UserID: claims.Subject, Role: claims.Role}, nil
}

// GetUser loads a user record (for /me and permission checks that need tags).
func (g *Gateway) GetUser(ctx context.Context, id string) (*User, error) {
	user, err := g.users.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !user.IsActive {
		return nil, ErrInactive
	}
	return user, nil
}

// MintRegistrationCode creates a registration code. Admin only; the caller
// enforces the role.
func (g *Gateway) MintRegistrationCode(ctx context.Context, role Role, maxUses int, tags []string, ttl time.Duration, createdBy string) (*RegistrationCode, error) {
	if !IsValidRole(role) || role == RoleAdmin {
		return nil, fmt.Errorf("invalid target role %q", role)
	}
	if maxUses <= 0 {
		maxUses = 1
	}
	code := &RegistrationCode{
		TargetRole:   role,
		MaxUses:      maxUses,
		AssignedTags: tags,
		ExpiresAt:    g.now().Add(ttl),
		CreatedBy:    createdBy,
	}
	if err := g.codes.CreateRegistrationCode(ctx, code); err != nil {
		return nil, err
	}
	return code, nil
}

// MintResetCode creates a single-use reset code bound to a username.
func (g *Gateway) MintResetCode(ctx context.Context, username string, ttl time.Duration) (*ResetCode, error) {
	if _, err := g.users.GetByUsername(ctx, username); err != nil {
		return nil, err
	}
	code := &ResetCode{
		Username:  username,
		ExpiresAt: g.now().Add(ttl),
	}
	if err := g.codes.CreateResetCode(ctx, code); err != nil {
		return nil, err
	}
	return code, nil
}

// ResetTOTP consumes a reset code, generates a fresh TOTP secret for the
// bound user, and revokes all of their refresh tokens. The new secret and
// provisioning URI are returned once.
func (g *Gateway) ResetTOTP(ctx context.Context, rawCode string) (secret, uri string, err error) {
	code, err := g.codes.ConsumeResetCode(ctx, rawCode)
	if err != nil {
		return "", "", err
	}

	user, err := g.users.GetByUsername(ctx, code.Username)
	if err != nil {
		return "", "", err
	}

	secret, uri, err = GenerateTOTPSecret(user.Username)
	if err != nil {
		return "", "", err
	}
	if err := g.users.SetTOTPSecret(ctx, user.ID, secret); err != nil {
		return "", "", err
	}
	if err := g.tokens.RevokeAllForUser(ctx, user.ID); err != nil {
		return "", "", err
	}

	return secret, uri, nil
}

// JanitorSweep deletes expired refresh tokens and codes. Intended to be
// called periodically from a background loop.
func (g *Gateway) JanitorSweep(ctx context.Context) (tokens, codes int64, err error) {
	tokens, err = g.tokens.DeleteExpired(ctx)
	if err != nil {
		return 0, 0, err
	}
	codes, err = g.codes.DeleteExpired(ctx)
	if err != nil {
		return tokens, 0, err
	}
	return tokens, codes, nil
}

// exchangeAccess is the shared stage-2 path: validates the refresh token,
// enforces TOTP where the role demands it, rotates the refresh token, and
// issues an access token.
func (g *Gateway) exchangeAccess(ctx context.Context, rawRefresh, totpCode string) (*AccessResult, error) {
	token, err := g.tokens.GetByTokenHash(ctx, HashToken(rawRefresh))
	if err != nil {
		return nil, err
	}

	if token.Revoked {
		// A revoked token being replayed means either theft or a client
		// retrying after rotation; revoke the whole family either way.
		if famErr := g.tokens.RevokeFamily(ctx, token.FamilyID); famErr != nil {
			return nil, famErr
		}
		return nil, ErrTokenReuse
	}
	if g.now().After(token.ExpiresAt) {
		return nil, ErrTokenExpired
	}

	user, err := g.users.GetByID(ctx, token.UserID)
	if err != nil {
		return nil, err
	}
	if !user.IsActive {
		return nil, ErrInactive
	}

	if user.RequiresTOTP(g.requireTeacherTOTP) {
		if totpCode == "" {
			return nil, ErrTOTPRequired
		}
		if !VerifyTOTP(user.TOTPSecret, totpCode, g.now()) {
			if g.throttle != nil {
				if blocked, retryAfter := g.throttle.RecordTOTPFailure(user.ID); blocked {
					return nil, &RateLimitedError{RetryAfter: retryAfter}
				}
			}
			return nil, ErrBadTOTP
		}
	}

	newRaw, err := g.rotateRefresh(ctx, token)
	if err != nil {
		return nil, err
	}

	access, err := GenerateAccessToken(user, g.secret, g.accessTTL)
	if err != nil {
		return nil, err
	}

	return &AccessResult{
		AccessToken:  access,
		ExpiresIn:    int(g.accessTTL.Seconds()),
		RefreshToken: newRaw,
	}, nil
}

// issueRefresh creates and stores a refresh token, returning the raw value.
func (g *Gateway) issueRefresh(ctx context.Context, userID, familyID string) (string, error) {
	raw, err := GenerateRefreshToken()
	if err != nil {
		return "", err
	}
	token := &RefreshToken{
		UserID:    userID,
		FamilyID:  familyID,
		TokenHash: HashToken(raw),
		ExpiresAt: g.now().Add(g.refreshTTL),
	}
	if err := g.tokens.Create(ctx, token); err != nil {
		return "", err
	}
	return raw, nil
}

// rotateRefresh revokes the presented token and mints its replacement in
// the same family.
func (g *Gateway) rotateRefresh(ctx context.Context, old *RefreshToken) (string, error) {
	raw, err := GenerateRefreshToken()
	if err != nil {
		return "", err
	}
	replacement := &RefreshToken{
		UserID:    old.UserID,
		FamilyID:  old.FamilyID,
		TokenHash: HashToken(raw),
		ExpiresAt: g.now().Add(g.refreshTTL),
	}
	if err := g.tokens.Rotate(ctx, old.ID, replacement); err != nil {
		return "", err
	}
	return raw, nil
}
