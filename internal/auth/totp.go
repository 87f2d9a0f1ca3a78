package auth

import (
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// TOTP parameters. 6-digit codes over a 30-second step, with one step of
// skew either side to tolerate client clock drift.
const (
	totpPeriod = 30
	totpSkew   = 1
	totpIssuer = "enrolld"
)

// GenerateTOTPSecret creates a new TOTP secret for the given account and
// returns the base32 secret plus the otpauth:// provisioning URI the client
// can render as a QR code. The secret is returned to the caller exactly once,
// during registration or reset; only the stored copy is consulted afterwards.
func GenerateTOTPSecret(username string) (secret, uri string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      totpIssuer,
		AccountName: username,
		Period:      totpPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", "", fmt.Errorf("generating TOTP secret: %w", err)
	}
	return key.Secret(), key.URL(), nil
}

// VerifyTOTP checks a 6-digit code against the stored secret at the given
// time, accepting the current step and one adjacent step either side.
func VerifyTOTP(secret, code string, at time.Time) bool {
	if secret == "" || code == "" {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, at, totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

// GenerateTOTPCode computes the code for a secret at a point in time.
// Used by tests and by setup verification tooling.
func GenerateTOTPCode(secret string, at time.Time) (string, error) {
	code, err := totp.GenerateCode(secret, at)
	if err != nil {
		return "", fmt.Errorf("generating TOTP code: %w", err)
	}
	return code, nil
}
