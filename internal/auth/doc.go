// Package auth provides the credential store and auth gateway for the
// enrollment core.
//
// It implements a 3-tier role model (student → teacher → admin) with:
//   - Argon2id password hashing (OWASP 2025 recommendation)
//   - Two-stage login: password exchange for a refresh token, then
//     TOTP exchange for a short-lived JWT access token
//   - Refresh token rotation with family-based theft detection
//   - Consumable registration codes that carry tags assigned on use
//   - Single-use reset codes that re-open TOTP setup for a user
//
// TOTP is mandatory for students, configurable for teachers, and never
// used for admins. Access tokens are validated by signature only — no
// database hit — so the admission funnel can verify them on every request.
package auth
