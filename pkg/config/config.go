package config

import (
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/platinummonkey/registrar/pkg/audit"
	"github.com/robfig/cron/v3"
)

// EnvPrefix is prepended to every variable name, e.g. REGISTRAR_HTTP_ADDR.
const EnvPrefix = "REGISTRAR"

// Config holds all deployment configuration
type Config struct {
	// Server
	HTTPAddr        string        `envconfig:"HTTP_ADDR" default:":8080"`
	ReadTimeout     time.Duration `envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"10s"`
	PrincipalHeader string        `envconfig:"PRINCIPAL_HEADER" default:"X-Principal-Id"`
	AdminRateLimit  int           `envconfig:"ADMIN_RATE_LIMIT" default:"120"`

	// Storage
	DBDriver     string `envconfig:"DB_DRIVER" default:"postgres"`
	DatabaseURL  string `envconfig:"DATABASE_URL" default:"postgres://localhost/registrar?sslmode=disable"`
	DBMaxConns   int    `envconfig:"DB_MAX_CONNS" default:"20"`
	RedisURL     string `envconfig:"REDIS_URL"`
	SeedPath     string `envconfig:"SEED_PATH"`
	AuditFileDir string `envconfig:"AUDIT_FILE_DIR"`

	// Audit
	AuditMode  string `envconfig:"AUDIT_MODE" default:"strict"`
	AuditAllow string `envconfig:"AUDIT_ALLOW" default:"direct"`

	// Grants and sweep
	GrantRetention  time.Duration `envconfig:"GRANT_RETENTION" default:"168h"`
	GrantMaxRetries int           `envconfig:"GRANT_MAX_RETRIES" default:"3"`
	SweepSchedule   string        `envconfig:"SWEEP_SCHEDULE" default:"@every 10m"`
	SweepLeaseTTL   time.Duration `envconfig:"SWEEP_LEASE_TTL" default:"5m"`
	RefreshSchedule string        `envconfig:"REFRESH_SCHEDULE" default:"@every 5m"`

	// Evaluator cache
	CacheSize int           `envconfig:"CACHE_SIZE" default:"4096"`
	CacheTTL  time.Duration `envconfig:"CACHE_TTL" default:"1m"`
	// TrustInvalidation skips the per-decision version read. Needs REDIS_URL.
	TrustInvalidation bool `envconfig:"TRUST_INVALIDATION" default:"false"`

	// Health thresholds
	MaxAdmins          int `envconfig:"MAX_ADMINS" default:"5"`
	ExpiredBacklogWarn int `envconfig:"EXPIRED_BACKLOG_WARN" default:"100"`
	DirectGrantWarn    int `envconfig:"DIRECT_GRANT_WARN" default:"50"`

	// Coverage
	CoverageExemptions string `envconfig:"COVERAGE_EXEMPTIONS" default:"coverage-exemptions.yaml"`
	CoverageFailFast   bool   `envconfig:"COVERAGE_FAIL_FAST" default:"false"`

	// Observability
	LogLevel        string  `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat       string  `envconfig:"LOG_FORMAT" default:"text"`
	OTelEnabled     bool    `envconfig:"OTEL_ENABLED" default:"false"`
	OTelEndpoint    string  `envconfig:"OTEL_ENDPOINT" default:"localhost:4317"`
	OTelInsecure    bool    `envconfig:"OTEL_INSECURE" default:"true"`
	OTelSampleRatio float64 `envconfig:"OTEL_SAMPLE_RATIO" default:"1"`
	ServiceVersion  string  `envconfig:"SERVICE_VERSION" default:"dev"`
}

// Load reads the configuration from the environment and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Defaults returns the configuration built from the struct tag defaults
// alone, ignoring the environment
func Defaults() *Config {
	var cfg Config
	v := reflect.ValueOf(&cfg).Elem()
	for i := 0; i < v.NumField(); i++ {
		def, ok := v.Type().Field(i).Tag.Lookup("default")
		if !ok {
			continue
		}
		if err := setDefault(v.Field(i), def); err != nil {
			panic(fmt.Sprintf("config: bad default for %s: %v", v.Type().Field(i).Name, err))
		}
	}
	return &cfg
}

func setDefault(f reflect.Value, def string) error {
	if f.Type() == reflect.TypeOf(time.Duration(0)) {
		d, err := time.ParseDuration(def)
		if err != nil {
			return err
		}
		f.SetInt(int64(d))
		return nil
	}
	switch f.Kind() {
	case reflect.String:
		f.SetString(def)
	case reflect.Int:
		n, err := strconv.Atoi(def)
		if err != nil {
			return err
		}
		f.SetInt(int64(n))
	case reflect.Bool:
		b, err := strconv.ParseBool(def)
		if err != nil {
			return err
		}
		f.SetBool(b)
	case reflect.Float64:
		x, err := strconv.ParseFloat(def, 64)
		if err != nil {
			return err
		}
		f.SetFloat(x)
	default:
		return fmt.Errorf("unsupported kind %s", f.Kind())
	}
	return nil
}

// Validate checks cross-field constraints envconfig cannot express
func (c *Config) Validate() error {
	switch c.DBDriver {
	case "postgres", "sqlite3":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q (want postgres or sqlite3)", c.DBDriver)
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if _, err := audit.ParseMode(c.AuditMode); err != nil {
		return err
	}
	switch c.AuditAllow {
	case "none", "direct", "all":
	default:
		return fmt.Errorf("invalid AUDIT_ALLOW %q (want none, direct or all)", c.AuditAllow)
	}
	if c.GrantRetention <= 0 {
		return fmt.Errorf("GRANT_RETENTION must be positive, got %s", c.GrantRetention)
	}
	if c.GrantMaxRetries < 0 {
		return fmt.Errorf("GRANT_MAX_RETRIES must not be negative")
	}
	if _, err := cron.ParseStandard(c.SweepSchedule); err != nil {
		return fmt.Errorf("invalid SWEEP_SCHEDULE %q: %w", c.SweepSchedule, err)
	}
	if _, err := cron.ParseStandard(c.RefreshSchedule); err != nil {
		return fmt.Errorf("invalid REFRESH_SCHEDULE %q: %w", c.RefreshSchedule, err)
	}
	if c.SweepLeaseTTL <= 0 {
		return fmt.Errorf("SWEEP_LEASE_TTL must be positive")
	}
	if c.MaxAdmins < 1 {
		return fmt.Errorf("MAX_ADMINS must be at least 1, got %d", c.MaxAdmins)
	}
	if c.CacheSize < 0 {
		return fmt.Errorf("CACHE_SIZE must not be negative")
	}
	if c.TrustInvalidation && c.RedisURL == "" {
		return fmt.Errorf("TRUST_INVALIDATION requires REDIS_URL")
	}
	if c.PrincipalHeader == "" {
		return fmt.Errorf("PRINCIPAL_HEADER is required")
	}
	return nil
}
