package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/enrollware/enroll-core/internal/auth"
)

type loginStage1Request struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginStage1Response struct {
	RefreshToken string `json:"refresh_token"`
	Requires2FA  bool   `json:"requires_2fa"`
}

type loginStage2Request struct {
	RefreshToken string `json:"refresh_token"`
	TOTPCode     string `json:"totp_code"`
}

type accessResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

type registerStage1Request struct {
	Username         string `json:"username"`
	Password         string `json:"password"`
	Role             string `json:"role"`
	RegistrationCode string `json:"registration_code"`
}

type registerStage1Response struct {
	RefreshToken string `json:"refresh_token"`
	TOTPSecret   string `json:"totp_secret,omitempty"`
	TOTPURI      string `json:"totp_uri,omitempty"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type totpResetRequest struct {
	ResetCode string `json:"reset_code"`
}

// handleLoginStage1 verifies the password and hands back a refresh token.
// The refresh token alone grants no access; stage 2 exchanges it.
func (s *Server) handleLoginStage1(w http.ResponseWriter, r *http.Request) {
	var req loginStage1Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	result, err := s.auth.LoginStage1(r.Context(), req.Username, req.Password)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, loginStage1Response{
		RefreshToken: result.RefreshToken,
		Requires2FA:  result.RequiresTOTP,
	})
}

// handleLoginStage2 exchanges a refresh token (plus TOTP where required)
// for an access token. The refresh token is rotated on every exchange.
func (s *Server) handleLoginStage2(w http.ResponseWriter, r *http.Request) {
	s.exchangeHandler(w, r, s.auth.LoginStage2)
}

// handleRefresh renews an access token. Same exchange as login stage 2;
// students present a fresh TOTP code each time.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.exchangeHandler(w, r, s.auth.Refresh)
}

// handleRegisterStage2 completes registration by proving TOTP possession.
func (s *Server) handleRegisterStage2(w http.ResponseWriter, r *http.Request) {
	s.exchangeHandler(w, r, s.auth.RegisterStage2)
}

func (s *Server) exchangeHandler(
	w http.ResponseWriter,
	r *http.Request,
	exchange func(ctx context.Context, rawRefresh, totpCode string) (*auth.AccessResult, error),
) {
	var req loginStage2Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	result, err := exchange(r.Context(), req.RefreshToken, req.TOTPCode)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, accessResponse{
		AccessToken:  result.AccessToken,
		TokenType:    "Bearer",
		ExpiresIn:    result.ExpiresIn,
		RefreshToken: result.RefreshToken,
	})
}

// handleAdminLogin is the one-stage admin variant. No refresh token is
// issued; admins re-authenticate when the access token expires.
func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	var req loginStage1Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	result, err := s.auth.AdminLogin(r.Context(), req.Username, req.Password)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, accessResponse{
		AccessToken: result.AccessToken,
		TokenType:   "Bearer",
		ExpiresIn:   result.ExpiresIn,
	})
}

// handleRegisterStage1 consumes a registration code and creates the
// account. The TOTP secret, when generated, is returned exactly once.
func (s *Server) handleRegisterStage1(w http.ResponseWriter, r *http.Request) {
	var req registerStage1Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	role := auth.Role(req.Role)
	if role != auth.RoleStudent && role != auth.RoleTeacher {
		writeBadRequest(w, "role must be student or teacher")
		return
	}

	result, err := s.auth.RegisterStage1(r.Context(), req.Username, req.Password, role, req.RegistrationCode)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, registerStage1Response{
		RefreshToken: result.RefreshToken,
		TOTPSecret:   result.TOTPSecret,
		TOTPURI:      result.TOTPURI,
	})
}

// handleLogout revokes the presented refresh token. Unknown tokens are
// treated as already logged out.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	if err := s.auth.Logout(r.Context(), req.RefreshToken); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

// handleTOTPReset consumes an admin-issued reset code and returns a fresh
// TOTP secret. All refresh tokens for the account are revoked.
func (s *Server) handleTOTPReset(w http.ResponseWriter, r *http.Request) {
	var req totpResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	secret, uri, err := s.auth.ResetTOTP(r.Context(), req.ResetCode)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"totp_secret": secret,
		"totp_uri":    uri,
	})
}

// handleMe returns the authenticated user's profile.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r.Context())

	user, err := s.auth.GetUser(r.Context(), ident.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":  user.ID,
		"username": user.Username,
		"role":     user.Role,
		"tags":     user.Tags,
	})
}

type mintCodeRequest struct {
	Role       string   `json:"role"`
	MaxUses    int      `json:"max_uses"`
	Tags       []string `json:"tags"`
	TTLMinutes int      `json:"ttl_minutes"`
}

// handleMintRegistrationCode issues a consumable registration code.
func (s *Server) handleMintRegistrationCode(w http.ResponseWriter, r *http.Request) {
	var req mintCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.TTLMinutes <= 0 {
		writeBadRequest(w, "ttl_minutes must be positive")
		return
	}

	role := auth.Role(req.Role)
	if role != auth.RoleStudent && role != auth.RoleTeacher {
		writeBadRequest(w, "role must be student or teacher")
		return
	}

	ident := identityFrom(r.Context())
	code, err := s.auth.MintRegistrationCode(r.Context(), role, req.MaxUses, req.Tags,
		time.Duration(req.TTLMinutes)*time.Minute, ident.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"code":       code.Code,
		"expires_at": code.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

type mintResetRequest struct {
	Username   string `json:"username"`
	TTLMinutes int    `json:"ttl_minutes"`
}

// handleMintResetCode issues a single-use TOTP reset code bound to one
// username.
func (s *Server) handleMintResetCode(w http.ResponseWriter, r *http.Request) {
	var req mintResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.TTLMinutes <= 0 {
		writeBadRequest(w, "ttl_minutes must be positive")
		return
	}

	code, err := s.auth.MintResetCode(r.Context(), req.Username,
		time.Duration(req.TTLMinutes)*time.Minute)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"code":       code.Code,
		"expires_at": code.ExpiresAt.UTC().Format(time.RFC3339),
	})
}
