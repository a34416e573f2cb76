package session

import (
	"os"
	"strconv"
	"time"
)

// Config defines all runtime configuration for the auth/session subsystem.
//
// It controls access-token TTL, refresh-credential lifetime, clock skew
// tolerance, refresh entropy size, transient-retry backoff, sweep cadence,
// and the PASETO v4 signing key.
//
// This struct is intentionally explicit and environment-driven so that
// production deployments can tune security parameters without code changes.
type Config struct {
	// Issuer is the value set in the "iss" claim of access tokens.
	Issuer string

	// AccessTokenTTL defines the lifetime of PASETO access tokens.
	AccessTokenTTL time.Duration

	// RefreshTTL defines the lifetime of refresh credentials.
	RefreshTTL time.Duration

	// ClockSkew defines the allowed time skew during token validation.
	ClockSkew time.Duration

	// RefreshSecretBytes defines the number of random bytes used
	// to generate opaque refresh secrets.
	RefreshSecretBytes int

	// RetryBackoff is the pause before the single internal retry of a
	// transient store failure.
	RetryBackoff time.Duration

	// SweepInterval and SweepRetention drive the tombstone sweeper.
	// Tombstones younger than SweepRetention are kept for replay detection.
	SweepInterval  time.Duration
	SweepRetention time.Duration

	// PasetoV4SecretKeyHex is the hex-encoded Ed25519 secret key
	// used to sign PASETO v4.public access tokens.
	PasetoV4SecretKeyHex string
}

// DefaultConfig returns a secure default configuration suitable for development.
//
// Production environments should override values via environment variables.
func DefaultConfig() Config {
	return Config{
		Issuer:             "paperbase",
		AccessTokenTTL:     15 * time.Minute,
		RefreshTTL:         30 * 24 * time.Hour,
		ClockSkew:          30 * time.Second,
		RefreshSecretBytes: 32,
		RetryBackoff:       100 * time.Millisecond,
		SweepInterval:      6 * time.Hour,
		SweepRetention:     7 * 24 * time.Hour,
	}
}

// LoadConfigFromEnv loads session configuration from environment variables.
//
// Required:
//   - PAPERBASE_PASETO_V4_SECRET_KEY_HEX
//
// Optional (durations must be valid Go duration strings):
//   - PAPERBASE_AUTH_ISSUER
//   - PAPERBASE_AUTH_ACCESS_TTL
//   - PAPERBASE_AUTH_REFRESH_TTL
//   - PAPERBASE_AUTH_CLOCK_SKEW
//   - PAPERBASE_AUTH_REFRESH_SECRET_BYTES
//   - PAPERBASE_AUTH_RETRY_BACKOFF
//   - PAPERBASE_AUTH_SWEEP_INTERVAL
//   - PAPERBASE_AUTH_SWEEP_RETENTION
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("PAPERBASE_AUTH_ISSUER"); v != "" {
		cfg.Issuer = v
	}

	if v := os.Getenv("PAPERBASE_AUTH_ACCESS_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.AccessTokenTTL = d
	}

	if v := os.Getenv("PAPERBASE_AUTH_REFRESH_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.RefreshTTL = d
	}

	if v := os.Getenv("PAPERBASE_AUTH_CLOCK_SKEW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, ErrConfig
		}
		cfg.ClockSkew = d
	}

	if v := os.Getenv("PAPERBASE_AUTH_REFRESH_SECRET_BYTES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 32 || n > 64 {
			return Config{}, ErrConfig
		}
		cfg.RefreshSecretBytes = n
	}

	if v := os.Getenv("PAPERBASE_AUTH_RETRY_BACKOFF"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, ErrConfig
		}
		cfg.RetryBackoff = d
	}

	if v := os.Getenv("PAPERBASE_AUTH_SWEEP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.SweepInterval = d
	}

	if v := os.Getenv("PAPERBASE_AUTH_SWEEP_RETENTION"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.SweepRetention = d
	}

	cfg.PasetoV4SecretKeyHex = os.Getenv("PAPERBASE_PASETO_V4_SECRET_KEY_HEX")
	if cfg.PasetoV4SecretKeyHex == "" {
		return Config{}, ErrConfig
	}

	// Invariants: access tokens must be much shorter-lived than refresh credentials.
	if cfg.AccessTokenTTL >= cfg.RefreshTTL {
		return Config{}, ErrConfig
	}

	return cfg, nil
}
