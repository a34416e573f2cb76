package authapi

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls auth API behavior and security defaults.
type Config struct {
	TrustProxy   bool
	MaxBodyBytes int64

	// Web transport: refresh secret in an HttpOnly cookie plus a CSRF
	// double-submit token. Native clients carry the secret in the body.
	WebRefreshCookieEnabled bool
	RefreshCookieName       string
	CSRFCookieName          string
	CSRFHeaderName          string
	CookiePath              string
	CookieDomain            string
	CookieSecure            bool
	CookieSameSite          http.SameSite

	// Stream settings for /auth/sessions/stream.
	StreamPingInterval time.Duration
}

// LoadConfigFromEnv loads auth API config from environment variables with safe defaults.
func LoadConfigFromEnv() Config {
	cfg := Config{
		TrustProxy:              envBool("PAPERBASE_AUTH_TRUST_PROXY", false),
		MaxBodyBytes:            envInt64("PAPERBASE_AUTH_MAX_BODY_BYTES", 1<<20), // 1 MiB
		WebRefreshCookieEnabled: envBool("PAPERBASE_AUTH_WEB_COOKIE", true),
		RefreshCookieName:       envString("PAPERBASE_AUTH_REFRESH_COOKIE_NAME", "pb_refresh"),
		CSRFCookieName:          envString("PAPERBASE_AUTH_CSRF_COOKIE_NAME", "pb_csrf"),
		CSRFHeaderName:          envString("PAPERBASE_AUTH_CSRF_HEADER_NAME", "X-CSRF-Token"),
		CookiePath:              envString("PAPERBASE_AUTH_COOKIE_PATH", "/auth"),
		CookieDomain:            envString("PAPERBASE_AUTH_COOKIE_DOMAIN", ""),
		CookieSecure:            envBool("PAPERBASE_AUTH_COOKIE_SECURE", true),
		CookieSameSite:          envSameSite("PAPERBASE_AUTH_COOKIE_SAMESITE", http.SameSiteLaxMode),
		StreamPingInterval:      envDuration("PAPERBASE_AUTH_STREAM_PING_INTERVAL", 30*time.Second),
	}

	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if strings.TrimSpace(cfg.RefreshCookieName) == "" {
		cfg.RefreshCookieName = "pb_refresh"
	}
	if strings.TrimSpace(cfg.CSRFCookieName) == "" {
		cfg.CSRFCookieName = "pb_csrf"
	}
	if strings.TrimSpace(cfg.CookiePath) == "" {
		cfg.CookiePath = "/auth"
	}
	if cfg.CSRFCookieName == cfg.RefreshCookieName {
		cfg.CSRFCookieName = cfg.RefreshCookieName + "_csrf"
	}
	// SameSite=None cookies are rejected by browsers without Secure.
	if cfg.CookieSameSite == http.SameSiteNoneMode {
		cfg.CookieSecure = true
	}

	return cfg
}

func envString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envSameSite(key string, def http.SameSite) http.SameSite {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "strict":
		return http.SameSiteStrictMode
	case "lax":
		return http.SameSiteLaxMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return def
	}
}
