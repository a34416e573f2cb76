// Package identity implements paperbase's account foundation.
//
// It owns user records and password verification. Credential and session
// lifecycle lives in cmd/internal/auth/session; identity only answers who a
// user is and whether the account is active.
//
// This package is intentionally dependency-light and security-first.
package identity
