package gate

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const minJWTSecretBytes = 32

var (
	ErrJWTSecretMissing = errors.New("gate: CLAIMGATE_JWT_SECRET is required")
	ErrJWTSecretShort   = fmt.Errorf("gate: CLAIMGATE_JWT_SECRET must be at least %d bytes", minJWTSecretBytes)
)

// Config controls the HTTP gate. The JWT secret has no default.
type Config struct {
	JWTSecret   []byte
	JWTIssuer   string
	JWTAudience string
	JWTLeeway   time.Duration

	TrustProxy   bool
	MaxBodyBytes int64

	// Per-user throttle on token and session issuance.
	IssuePerMinute float64
	IssueBurst     int

	// Upper bound for a client-requested min_time_seconds.
	ClientMinTimeMax time.Duration
}

// LoadConfigFromEnv loads gate config from environment variables.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		JWTSecret:        []byte(strings.TrimSpace(os.Getenv("CLAIMGATE_JWT_SECRET"))),
		JWTIssuer:        envString("CLAIMGATE_JWT_ISSUER", "claimgate"),
		JWTAudience:      envString("CLAIMGATE_JWT_AUDIENCE", "claimgate-api"),
		JWTLeeway:        envDuration("CLAIMGATE_JWT_LEEWAY", 30*time.Second),
		TrustProxy:       envBool("CLAIMGATE_TRUST_PROXY", false),
		MaxBodyBytes:     envInt64("CLAIMGATE_MAX_BODY_BYTES", 64<<10),
		IssuePerMinute:   float64(envInt("CLAIMGATE_ISSUE_PER_MINUTE", 30)),
		IssueBurst:       envInt("CLAIMGATE_ISSUE_BURST", 10),
		ClientMinTimeMax: envDuration("CLAIMGATE_CLIENT_MIN_TIME_MAX", 10*time.Minute),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate fails closed on a missing or short signing secret.
func (c Config) Validate() error {
	if len(c.JWTSecret) == 0 {
		return ErrJWTSecretMissing
	}
	if len(c.JWTSecret) < minJWTSecretBytes {
		return ErrJWTSecretShort
	}
	if strings.TrimSpace(c.JWTIssuer) == "" || strings.TrimSpace(c.JWTAudience) == "" {
		return errors.New("gate: jwt issuer and audience are required")
	}
	if c.MaxBodyBytes <= 0 || c.IssuePerMinute <= 0 || c.IssueBurst <= 0 {
		return errors.New("gate: body limit and issue rate must be positive")
	}
	return nil
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

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
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
