package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// If true, embedded goose migrations run against DatabaseURL at startup.
	ApplyMigrations bool

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// Security policy:
	// If true, PAPERBASE_SECRET_HMAC_KEY MUST be set (>= 32 bytes) and
	// refresh-secret hashing must be HMAC-based.
	RequireSecretHMAC bool

	// CORS policy for browser clients. Origins may use a trailing
	// wildcard port, e.g. "http://127.0.0.1:*".
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("PAPERBASE_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("PAPERBASE_LOG_LEVEL", "info"),
		LogFormat: EnvString("PAPERBASE_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("PAPERBASE_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("PAPERBASE_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("PAPERBASE_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("PAPERBASE_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("PAPERBASE_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("PAPERBASE_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("PAPERBASE_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("PAPERBASE_DB_MIN_CONNS", 0),

		ApplyMigrations: EnvBool("PAPERBASE_APPLY_MIGRATIONS", false),

		ReadinessRequireDB: EnvBool("PAPERBASE_READINESS_REQUIRE_DB", false),

		RequireSecretHMAC: EnvBool("PAPERBASE_REQUIRE_SECRET_HMAC", false),

		CORSAllowedOrigins:   EnvStringList("PAPERBASE_CORS_ALLOWED_ORIGINS"),
		CORSAllowCredentials: EnvBool("PAPERBASE_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("PAPERBASE_CORS_MAX_AGE_SECONDS", 600),
	}
}
