// Package config loads service settings from the environment. Values from
// .env files are merged first; real environment variables always win.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env      string
	HTTPAddr string
	GRPCAddr string
	LogLevel string

	LedgerDSN string

	SyncInterval  time.Duration
	AuditInterval time.Duration
	SyncLookback  time.Duration

	TenantConnectTimeout time.Duration
	TenantQueryTimeout   time.Duration
	TenantWorkers        int
	TenantRetryAttempts  int
	TenantRetryBackoff   time.Duration
	PlayerRoleIDs        []int64
	DefaultCurrency      string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	LockTTL       time.Duration

	PaymentsURL     string
	PaymentsKey     string
	PaymentsTimeout time.Duration

	AuthSecret string

	TriggerRatePerSec int
	TriggerBurst      int
}

// LoadEnvFiles merges .env files in precedence order. Missing files are ignored.
func LoadEnvFiles() {
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "development"
	}
	_ = godotenv.Load(".env." + env + ".local")
	if env != "test" {
		_ = godotenv.Load(".env.local")
	}
	_ = godotenv.Load(".env." + env)
	_ = godotenv.Load()
}

// Load reads .env files and then the process environment.
func Load() (Config, error) {
	LoadEnvFiles()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function so tests can supply maps.
func FromEnv(getenv func(string) string) (Config, error) {
	p := parser{getenv: getenv}
	cfg := Config{
		Env:      p.str("APP_ENV", "development"),
		HTTPAddr: p.str("HTTP_ADDR", ":3000"),
		GRPCAddr: p.str("GRPC_ADDR", ""),
		LogLevel: p.str("LOG_LEVEL", "info"),

		LedgerDSN: p.str("PANEL_PG_DSN", ""),

		SyncInterval:  p.duration("SYNC_INTERVAL", 10*time.Second),
		AuditInterval: p.duration("AUDIT_INTERVAL", 30*time.Second),
		SyncLookback:  p.duration("SYNC_LOOKBACK", 15*time.Minute),

		TenantConnectTimeout: p.duration("TENANT_CONNECT_TIMEOUT", 10*time.Second),
		TenantQueryTimeout:   p.duration("TENANT_QUERY_TIMEOUT", 30*time.Second),
		TenantWorkers:        p.integer("TENANT_WORKERS", 1),
		TenantRetryAttempts:  p.integer("TENANT_RETRY_ATTEMPTS", 3),
		TenantRetryBackoff:   p.duration("TENANT_RETRY_BACKOFF", 5*time.Second),
		PlayerRoleIDs:        p.int64s("PLAYER_ROLE_IDS", []int64{2, 3}),
		DefaultCurrency:      strings.ToUpper(p.str("DEFAULT_CURRENCY", "BRL")),

		RedisAddr:     p.str("REDIS_ADDR", ""),
		RedisPassword: p.str("REDIS_PASSWORD", ""),
		RedisDB:       p.integer("REDIS_DB", 0),
		LockTTL:       p.duration("CYCLE_LOCK_TTL", 5*time.Minute),

		PaymentsURL:     p.str("PAYMENTS_API_URL", ""),
		PaymentsKey:     p.str("PAYMENTS_API_KEY", ""),
		PaymentsTimeout: p.duration("PAYMENTS_TIMEOUT", 20*time.Second),

		AuthSecret: p.str("PANEL_AUTH_SECRET", ""),

		TriggerRatePerSec: p.integer("TRIGGER_RATE_PER_SEC", 1),
		TriggerBurst:      p.integer("TRIGGER_BURST", 3),
	}
	if err := p.err(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if c.SyncInterval <= 0 || c.AuditInterval <= 0 {
		return fmt.Errorf("config: intervals must be positive")
	}
	if c.SyncLookback < c.SyncInterval {
		return fmt.Errorf("config: SYNC_LOOKBACK (%s) must cover SYNC_INTERVAL (%s)", c.SyncLookback, c.SyncInterval)
	}
	if c.TenantWorkers < 1 {
		return fmt.Errorf("config: TENANT_WORKERS must be >= 1")
	}
	if c.TenantRetryAttempts < 1 {
		return fmt.Errorf("config: TENANT_RETRY_ATTEMPTS must be >= 1")
	}
	if c.TenantConnectTimeout <= 0 || c.TenantQueryTimeout <= 0 {
		return fmt.Errorf("config: tenant timeouts must be positive")
	}
	return nil
}

type parser struct {
	getenv func(string) string
	errs   []string
}

func (p *parser) str(key, def string) string {
	if v := strings.TrimSpace(p.getenv(key)); v != "" {
		return v
	}
	return def
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(p.getenv(key))
	if raw == "" {
		return def
	}
	// bare integers are milliseconds, matching the old *_MS settings
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return d
}

func (p *parser) integer(key string, def int) int {
	raw := strings.TrimSpace(p.getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return n
}

func (p *parser) int64s(key string, def []int64) []int64 {
	raw := strings.TrimSpace(p.getenv(key))
	if raw == "" {
		return def
	}
	var out []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			p.errs = append(p.errs, fmt.Sprintf("%s: %v", key, err))
			return def
		}
		out = append(out, n)
	}
	return out
}

func (p *parser) err() error {
	if len(p.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config: %s", strings.Join(p.errs, "; "))
}
