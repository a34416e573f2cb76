package app

import (
	"errors"

	"paperbase/cmd/security/token"
)

// ValidateSecurityConfig enforces the startup security policy.
//
// Fail-fast: silently falling back to weaker hashing in production is not
// acceptable, so enforcement validates the same module that performs the
// hashing (security/token).
func ValidateSecurityConfig(cfg Config) error {
	if !cfg.RequireSecretHMAC {
		return nil
	}

	// Minimum 32 bytes for an HMAC-SHA256 key, measured as raw bytes.
	if _, err := token.HMACKeyFromEnv(32); err != nil {
		switch {
		case errors.Is(err, token.ErrHMACKeyMissing):
			return errors.New("security policy: PAPERBASE_REQUIRE_SECRET_HMAC=true but PAPERBASE_SECRET_HMAC_KEY is missing")
		case errors.Is(err, token.ErrHMACKeyTooShort):
			return errors.New("security policy: PAPERBASE_REQUIRE_SECRET_HMAC=true but PAPERBASE_SECRET_HMAC_KEY is too short (min 32 bytes)")
		default:
			return err
		}
	}

	// Guards against a future change reintroducing a SHA fallback under policy.
	if !token.HMACEnabled() {
		return errors.New("security policy: PAPERBASE_REQUIRE_SECRET_HMAC=true but the secret hasher is not in HMAC mode")
	}

	return nil
}
