package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Rule-limit window semantics for per-rule daily message caps.
const (
	// WindowRolling counts messages in the 24 hours preceding the send.
	WindowRolling = "rolling"
	// WindowCalendar counts messages since local server midnight.
	WindowCalendar = "calendar"
)

// Config holds application configuration populated from environment variables.
type Config struct {
	// Core
	ListenHost string
	ListenPort int
	ServerEnv  string // "development" or "production"
	LogLevel   string

	// Store
	StoreDSN      string
	StoreMaxConns int
	StoreMinConns int

	// Bus
	BusDSN         string
	BusDialTimeout time.Duration

	// Identity verifier
	IdentityVerifierSecret string
	IdentityIssuer         string

	// CORS
	CORSOrigins string

	// Rate limiting (HTTP, per remote address)
	RateLimitMax      int
	RateLimitWindowMS int

	// Rate limiting (gateway, per connection)
	WSRateLimitMax           int
	WSRateLimitWindowSeconds int

	// Request handling
	RequestTimeout time.Duration

	// Permission engine
	RuleWindowMode string

	// Presence
	PresenceOfflineGraceMS int

	// Contact requests
	ContactRequestTTL  time.Duration
	ContactExpirySweep time.Duration
}

// Load reads configuration from environment variables. A .env file in the
// working directory is loaded first when present so development setups work
// without exporting anything. It returns an error if any variable is set but
// cannot be parsed, or if required values are missing.
func Load() (*Config, error) {
	// A missing .env file is the normal production case.
	_ = godotenv.Load()

	p := &parser{}

	cfg := &Config{
		ListenHost: envStr("LISTEN_HOST", "0.0.0.0"),
		ListenPort: p.int("LISTEN_PORT", 3020),
		ServerEnv:  envStr("SERVER_ENV", "production"),
		LogLevel:   envStr("LOG_LEVEL", "info"),

		StoreDSN:      envStr("STORE_DSN", ""),
		StoreMaxConns: p.int("STORE_MAX_CONNS", 25),
		StoreMinConns: p.int("STORE_MIN_CONNS", 5),

		BusDSN:         envStr("BUS_DSN", "redis://localhost:6379"),
		BusDialTimeout: p.duration("BUS_DIAL_TIMEOUT", 5*time.Second),

		IdentityVerifierSecret: envStr("IDENTITY_VERIFIER_SECRET", ""),
		IdentityIssuer:         envStr("IDENTITY_ISSUER", ""),

		CORSOrigins: envStr("CORS_ORIGINS", "*"),

		RateLimitMax:      p.int("RATE_LIMIT_MAX", 100),
		RateLimitWindowMS: p.int("RATE_LIMIT_WINDOW_MS", 60000),

		WSRateLimitMax:           p.int("WS_RATE_LIMIT_MAX", 60),
		WSRateLimitWindowSeconds: p.int("WS_RATE_LIMIT_WINDOW_SECONDS", 10),

		RequestTimeout: p.duration("REQUEST_TIMEOUT", 10*time.Second),

		RuleWindowMode: envStr("RULE_WINDOW_MODE", WindowRolling),

		PresenceOfflineGraceMS: p.int("PRESENCE_OFFLINE_GRACE_MS", 5000),

		ContactRequestTTL:  p.duration("CONTACT_REQUEST_TTL", 7*24*time.Hour),
		ContactExpirySweep: p.duration("CONTACT_EXPIRY_SWEEP_INTERVAL", time.Hour),
	}

	if parseErr := errors.Join(p.errs...); parseErr != nil {
		return nil, parseErr
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// IsDevelopment returns true when running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.ServerEnv == "development"
}

// ZerologLevel maps LogLevel to a zerolog level, defaulting to info for
// unrecognised values.
func (c *Config) ZerologLevel() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

// Addr returns the host:port the HTTP server binds to.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.ListenHost, c.ListenPort)
}

func (c *Config) validate() error {
	var errs []error

	if c.StoreDSN == "" {
		errs = append(errs, fmt.Errorf("STORE_DSN is required"))
	}

	if c.IdentityVerifierSecret == "" {
		errs = append(errs, fmt.Errorf("IDENTITY_VERIFIER_SECRET is required"))
	} else if len(c.IdentityVerifierSecret) < 32 {
		errs = append(errs, fmt.Errorf("IDENTITY_VERIFIER_SECRET must be at least 32 characters"))
	}

	if c.ListenPort < 1 || c.ListenPort > 65535 {
		errs = append(errs, fmt.Errorf("LISTEN_PORT must be between 1 and 65535"))
	}

	if c.StoreMaxConns < 1 {
		errs = append(errs, fmt.Errorf("STORE_MAX_CONNS must be at least 1"))
	}
	if c.StoreMinConns < 0 {
		errs = append(errs, fmt.Errorf("STORE_MIN_CONNS must not be negative"))
	}
	if c.StoreMinConns > c.StoreMaxConns {
		errs = append(errs, fmt.Errorf("STORE_MIN_CONNS (%d) must not exceed STORE_MAX_CONNS (%d)", c.StoreMinConns, c.StoreMaxConns))
	}

	if c.RateLimitMax < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_MAX must be at least 1"))
	}
	if c.RateLimitWindowMS < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_WINDOW_MS must be at least 1"))
	}
	if c.WSRateLimitMax < 1 {
		errs = append(errs, fmt.Errorf("WS_RATE_LIMIT_MAX must be at least 1"))
	}
	if c.WSRateLimitWindowSeconds < 1 {
		errs = append(errs, fmt.Errorf("WS_RATE_LIMIT_WINDOW_SECONDS must be at least 1"))
	}

	if c.RequestTimeout < time.Second {
		errs = append(errs, fmt.Errorf("REQUEST_TIMEOUT must be at least 1s"))
	}

	if c.RuleWindowMode != WindowRolling && c.RuleWindowMode != WindowCalendar {
		errs = append(errs, fmt.Errorf("RULE_WINDOW_MODE must be %q or %q", WindowRolling, WindowCalendar))
	}

	if c.PresenceOfflineGraceMS < 0 {
		errs = append(errs, fmt.Errorf("PRESENCE_OFFLINE_GRACE_MS must not be negative"))
	}

	if c.ContactRequestTTL < time.Minute {
		errs = append(errs, fmt.Errorf("CONTACT_REQUEST_TTL must be at least 1m"))
	}

	return errors.Join(errs...)
}

// parser collects parse errors so Load can report all invalid values at once.
type parser struct {
	errs []error
}

func (p *parser) int(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected integer)", key, v))
		return fallback
	}
	return n
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected duration like \"24h\" or \"30m\")", key, v))
		return fallback
	}
	return d
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
