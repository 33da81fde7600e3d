package app

import (
	"time"

	"claimgate/cmd/internal/adsession"
	"claimgate/cmd/internal/peered"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string
	// PublicBaseURL is only used in startup logs. Derived from HTTPAddr when empty.
	PublicBaseURL string

	LogLevel      string
	LogFormat     string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL   string
	DBSchema      string
	DBMaxConns    int32
	DBMinConns    int32
	DBAutoMigrate bool

	// SQLitePath is used when DatabaseURL is empty.
	SQLitePath string

	// If true, /readyz returns 503 unless Postgres is configured and reachable.
	ReadinessRequireDB bool

	CatalogFile   string
	SweepInterval time.Duration

	// Action token ids and retention.
	TokenBytes     int
	TokenRetention time.Duration

	// Ad session clock policy.
	AdMaxAge          time.Duration
	AdDefaultMinWatch time.Duration
	AdRetention       time.Duration

	// Peered session clock policy.
	PeeredMaxAge           time.Duration
	PeeredMinTimePerAd     time.Duration
	PeeredMaxProviders     int
	PeeredSessionRetention time.Duration

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	ads := adsession.DefaultConfig()
	peers := peered.DefaultConfig()
	return Config{
		HTTPAddr:      EnvString("CLAIMGATE_HTTP_ADDR", "0.0.0.0:8080"),
		PublicBaseURL: EnvString("CLAIMGATE_PUBLIC_BASE_URL", ""),

		LogLevel:      EnvString("CLAIMGATE_LOG_LEVEL", "info"),
		LogFormat:     EnvString("CLAIMGATE_LOG_FORMAT", "json"),
		LogFile:       EnvString("CLAIMGATE_LOG_FILE", ""),
		LogMaxSizeMB:  EnvInt("CLAIMGATE_LOG_MAX_SIZE_MB", 100),
		LogMaxBackups: EnvInt("CLAIMGATE_LOG_MAX_BACKUPS", 5),
		LogMaxAgeDays: EnvInt("CLAIMGATE_LOG_MAX_AGE_DAYS", 14),

		ReadHeaderTimeout: EnvDuration("CLAIMGATE_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("CLAIMGATE_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("CLAIMGATE_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("CLAIMGATE_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("CLAIMGATE_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL:   EnvString("CLAIMGATE_DATABASE_URL", ""),
		DBSchema:      EnvString("CLAIMGATE_DB_SCHEMA", "claimgate"),
		DBMaxConns:    EnvInt32("CLAIMGATE_DB_MAX_CONNS", 10),
		DBMinConns:    EnvInt32("CLAIMGATE_DB_MIN_CONNS", 0),
		DBAutoMigrate: EnvBool("CLAIMGATE_DB_AUTO_MIGRATE", false),

		SQLitePath: EnvString("CLAIMGATE_SQLITE_PATH", "claimgate.db"),

		ReadinessRequireDB: EnvBool("CLAIMGATE_READINESS_REQUIRE_DB", false),

		CatalogFile:   EnvString("CLAIMGATE_CATALOG_FILE", ""),
		SweepInterval: EnvDuration("CLAIMGATE_SWEEP_INTERVAL", time.Minute),

		TokenBytes:     EnvInt("CLAIMGATE_TOKEN_BYTES", 32),
		TokenRetention: EnvDuration("CLAIMGATE_TOKEN_RETENTION", 24*time.Hour),

		AdMaxAge:          EnvDuration("CLAIMGATE_AD_MAX_AGE", ads.MaxAge),
		AdDefaultMinWatch: EnvDuration("CLAIMGATE_AD_DEFAULT_MIN_WATCH", ads.DefaultMinWatch),
		AdRetention:       EnvDuration("CLAIMGATE_AD_RETENTION", ads.Retention),

		PeeredMaxAge:           EnvDuration("CLAIMGATE_PEERED_MAX_AGE", peers.MaxAge),
		PeeredMinTimePerAd:     EnvDuration("CLAIMGATE_PEERED_MIN_TIME_PER_AD", peers.DefaultMinTimePerAd),
		PeeredMaxProviders:     EnvInt("CLAIMGATE_PEERED_MAX_PROVIDERS", peers.MaxProviders),
		PeeredSessionRetention: EnvDuration("CLAIMGATE_PEERED_RETENTION", peers.Retention),

		CORSAllowedOrigins:   EnvCSV("CLAIMGATE_CORS_ALLOWED_ORIGINS"),
		CORSAllowCredentials: EnvBool("CLAIMGATE_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("CLAIMGATE_CORS_MAX_AGE_SECONDS", 600),
	}
}

func (c Config) adSessionConfig() adsession.Config {
	return adsession.Config{
		MaxAge:          c.AdMaxAge,
		DefaultMinWatch: c.AdDefaultMinWatch,
		Retention:       c.AdRetention,
	}
}

func (c Config) peeredConfig() peered.Config {
	return peered.Config{
		MaxAge:              c.PeeredMaxAge,
		DefaultMinTimePerAd: c.PeeredMinTimePerAd,
		MaxProviders:        c.PeeredMaxProviders,
		Retention:           c.PeeredSessionRetention,
	}
}
