package session

import (
	"testing"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

func TestLoadConfigFromEnv_MissingSecretKey(t *testing.T) {
	t.Setenv("PAPERBASE_PASETO_V4_SECRET_KEY_HEX", "")
	_, err := LoadConfigFromEnv()
	if err != ErrConfig {
		t.Fatalf("expected ErrConfig on missing secret, got %v", err)
	}
}

func TestLoadConfigFromEnv_InvalidDurations(t *testing.T) {
	secret := paseto.NewV4AsymmetricSecretKey()
	t.Setenv("PAPERBASE_PASETO_V4_SECRET_KEY_HEX", secret.ExportHex())
	t.Setenv("PAPERBASE_AUTH_ACCESS_TTL", "-5m")
	_, err := LoadConfigFromEnv()
	if err != ErrConfig {
		t.Fatalf("expected ErrConfig for negative duration, got %v", err)
	}
}

func TestLoadConfigFromEnv_InvalidRefreshSecretBytes(t *testing.T) {
	secret := paseto.NewV4AsymmetricSecretKey()
	t.Setenv("PAPERBASE_PASETO_V4_SECRET_KEY_HEX", secret.ExportHex())
	t.Setenv("PAPERBASE_AUTH_REFRESH_SECRET_BYTES", "16")
	_, err := LoadConfigFromEnv()
	if err != ErrConfig {
		t.Fatalf("expected ErrConfig for small secret bytes, got %v", err)
	}
}

func TestLoadConfigFromEnv_AccessTTLMustBeShorterThanRefresh(t *testing.T) {
	secret := paseto.NewV4AsymmetricSecretKey()
	t.Setenv("PAPERBASE_PASETO_V4_SECRET_KEY_HEX", secret.ExportHex())
	t.Setenv("PAPERBASE_AUTH_ACCESS_TTL", "48h")
	t.Setenv("PAPERBASE_AUTH_REFRESH_TTL", "24h")
	_, err := LoadConfigFromEnv()
	if err != ErrConfig {
		t.Fatalf("expected ErrConfig for ttl order, got %v", err)
	}
}

func TestLoadConfigFromEnv_Valid(t *testing.T) {
	secret := paseto.NewV4AsymmetricSecretKey()
	t.Setenv("PAPERBASE_PASETO_V4_SECRET_KEY_HEX", secret.ExportHex())
	t.Setenv("PAPERBASE_AUTH_ISSUER", "paperbase-test")
	t.Setenv("PAPERBASE_AUTH_ACCESS_TTL", "10m")
	t.Setenv("PAPERBASE_AUTH_REFRESH_TTL", "720h")
	t.Setenv("PAPERBASE_AUTH_CLOCK_SKEW", "20s")
	t.Setenv("PAPERBASE_AUTH_REFRESH_SECRET_BYTES", "32")
	t.Setenv("PAPERBASE_AUTH_RETRY_BACKOFF", "250ms")
	t.Setenv("PAPERBASE_AUTH_SWEEP_RETENTION", "168h")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Issuer != "paperbase-test" {
		t.Fatalf("issuer mismatch: %q", cfg.Issuer)
	}
	if cfg.AccessTokenTTL != 10*time.Minute {
		t.Fatalf("access ttl mismatch: %v", cfg.AccessTokenTTL)
	}
	if cfg.RefreshTTL != 720*time.Hour {
		t.Fatalf("refresh ttl mismatch: %v", cfg.RefreshTTL)
	}
	if cfg.ClockSkew != 20*time.Second {
		t.Fatalf("clock skew mismatch: %v", cfg.ClockSkew)
	}
	if cfg.RefreshSecretBytes != 32 {
		t.Fatalf("refresh secret bytes mismatch: %d", cfg.RefreshSecretBytes)
	}
	if cfg.RetryBackoff != 250*time.Millisecond {
		t.Fatalf("retry backoff mismatch: %v", cfg.RetryBackoff)
	}
	if cfg.SweepRetention != 168*time.Hour {
		t.Fatalf("sweep retention mismatch: %v", cfg.SweepRetention)
	}
}
