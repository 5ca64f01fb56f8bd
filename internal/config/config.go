package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. SONDE_SMTP_PASSWORD.
const EnvPrefix = "SONDE"

// Config holds service configuration loaded from YAML, secrets and env.
// It is built once at startup and passed by value; nothing reads it globally.
type Config struct {
	TestingMode bool `envconfig:"TESTING_MODE"`

	ServerPort string `envconfig:"SERVER_PORT" validate:"required,numeric"`

	HomeLat         float64 `envconfig:"HOME_LAT" validate:"latitude"`
	HomeLon         float64 `envconfig:"HOME_LON" validate:"longitude"`
	AlertRadiusKm   float64 `envconfig:"ALERT_RADIUS_KM" validate:"gt=0"`
	DisplayRadiusKm float64 `envconfig:"DISPLAY_RADIUS_KM" validate:"omitempty,gtefield=AlertRadiusKm"`

	PollInterval time.Duration `envconfig:"POLL_INTERVAL" validate:"gt=0"`
	CycleTimeout time.Duration `envconfig:"CYCLE_TIMEOUT" validate:"gt=0"`

	FeedURL             string        `envconfig:"FEED_URL" validate:"required,url"`
	FeedUserAgent       string        `envconfig:"FEED_USER_AGENT" validate:"required"`
	FeedTimeout         time.Duration `envconfig:"FEED_TIMEOUT" validate:"gt=0"`
	FeedBreakerFailures uint32        `envconfig:"FEED_BREAKER_FAILURES"`
	FeedBreakerTimeout  time.Duration `envconfig:"FEED_BREAKER_TIMEOUT"`

	SMTPHost        string        `envconfig:"SMTP_HOST" validate:"required"`
	SMTPPort        int           `envconfig:"SMTP_PORT" validate:"min=1,max=65535"`
	SMTPTLSMode     string        `envconfig:"SMTP_TLS_MODE" validate:"oneof=implicit starttls"`
	SMTPUsername    string        `envconfig:"SMTP_USERNAME" validate:"required"`
	SMTPPassword    string        `envconfig:"SMTP_PASSWORD" validate:"required"`
	SMTPFrom        string        `envconfig:"SMTP_FROM" validate:"required,email"`
	SMTPTo          string        `envconfig:"SMTP_TO" validate:"required,email"`
	SMTPTimeout     time.Duration `envconfig:"SMTP_TIMEOUT" validate:"gt=0"`
	NotifyPerMinute int           `envconfig:"NOTIFY_PER_MINUTE" validate:"gte=0"`

	LedgerPath string `envconfig:"LEDGER_PATH" validate:"required"`

	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" validate:"gt=0"`
	RateLimitRPS   int           `envconfig:"RATE_LIMIT_RPS" validate:"gt=0"`
	RateLimitBurst int           `envconfig:"RATE_LIMIT_BURST" validate:"gt=0"`

	CacheBackend          string        `envconfig:"CACHE_BACKEND" validate:"oneof=in_memory memcached"`
	SnapshotTTL           time.Duration `envconfig:"SNAPSHOT_TTL" validate:"gt=0"`
	MemcachedAddrs        string        `envconfig:"MEMCACHED_ADDRS"`
	MemcachedTimeout      time.Duration `envconfig:"MEMCACHED_TIMEOUT"`
	MemcachedMaxIdleConns int           `envconfig:"MEMCACHED_MAX_IDLE_CONNS"`
	ViewerMaxClients      int           `envconfig:"VIEWER_MAX_CLIENTS" validate:"gte=0"`

	ShutdownTimeout  time.Duration `envconfig:"SHUTDOWN_TIMEOUT" validate:"gt=0"`
	DegradedWindow   time.Duration `envconfig:"DEGRADED_WINDOW" validate:"gt=0"`
	DegradedErrorPct int           `envconfig:"DEGRADED_ERROR_PCT" validate:"min=1,max=100"`
}

type fileConfig struct {
	TestingMode *bool `yaml:"testing_mode"`

	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Home struct {
		Latitude        *float64 `yaml:"latitude"`
		Longitude       *float64 `yaml:"longitude"`
		AlertRadiusKm   float64  `yaml:"alert_radius_km"`
		DisplayRadiusKm float64  `yaml:"display_radius_km"`
	} `yaml:"home"`

	Schedule struct {
		PollIntervalSeconds *int   `yaml:"poll_interval_seconds"`
		CycleTimeout        string `yaml:"cycle_timeout"`
	} `yaml:"schedule"`

	Feed struct {
		URL             string `yaml:"url"`
		UserAgent       string `yaml:"user_agent"`
		Timeout         string `yaml:"timeout"`
		BreakerFailures *int   `yaml:"breaker_failures"`
		BreakerTimeout  string `yaml:"breaker_timeout"`
	} `yaml:"feed"`

	SMTP struct {
		Host            string `yaml:"host"`
		Port            int    `yaml:"port"`
		TLSMode         string `yaml:"tls_mode"`
		From            string `yaml:"from"`
		To              string `yaml:"to"`
		Timeout         string `yaml:"timeout"`
		NotifyPerMinute int    `yaml:"notify_per_minute"`
	} `yaml:"smtp"`

	Ledger struct {
		Path string `yaml:"path"`
	} `yaml:"ledger"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Reliability struct {
		RateLimitRPS   int `yaml:"rate_limit_rps"`
		RateLimitBurst int `yaml:"rate_limit_burst"`
	} `yaml:"reliability"`

	Cache struct {
		Backend     string `yaml:"backend"`
		SnapshotTTL string `yaml:"snapshot_ttl"`
		Memcached   struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"cache"`

	Viewer struct {
		MaxClients int `yaml:"max_clients"`
	} `yaml:"viewer"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`

	Lifecycle struct {
		DegradedWindow   string `yaml:"degraded_window"`
		DegradedErrorPct int    `yaml:"degraded_error_pct"`
	} `yaml:"lifecycle"`
}

type secretsFile struct {
	SMTPUsername string `yaml:"smtp_username"`
	SMTPPassword string `yaml:"smtp_password"`
}

// Load reads configuration relative to the working directory. Call from project root.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	return LoadFrom(cwd)
}

// LoadFrom reads root/.env (optional), root/config/{ENV_NAME}.yaml (default dev)
// and root/config/secrets.yaml (optional), applies SONDE_* environment
// overrides and validates the result. Any failure is fatal to startup.
func LoadFrom(root string) (*Config, error) {
	// Existing environment variables win over .env entries.
	_ = godotenv.Load(filepath.Join(root, ".env"))

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	configPath := filepath.Join(root, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := fromFile(&fc)

	secretsPath := filepath.Join(root, "config", "secrets.yaml")
	secretsData, err := os.ReadFile(secretsPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read secrets file: %w", err)
		}
	} else {
		var sec secretsFile
		if err := yaml.Unmarshal(secretsData, &sec); err != nil {
			return nil, fmt.Errorf("parse secrets file: %w", err)
		}
		if sec.SMTPUsername != "" {
			cfg.SMTPUsername = sec.SMTPUsername
		}
		if sec.SMTPPassword != "" {
			cfg.SMTPPassword = sec.SMTPPassword
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("process environment overrides: %w", err)
	}
	if err := requirePresent(&fc); err != nil {
		return nil, err
	}
	normalize(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromFile(fc *fileConfig) *Config {
	cfg := &Config{}
	if fc.TestingMode != nil {
		cfg.TestingMode = *fc.TestingMode
	}

	cfg.ServerPort = fc.Server.Port
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}

	if fc.Home.Latitude != nil {
		cfg.HomeLat = *fc.Home.Latitude
	}
	if fc.Home.Longitude != nil {
		cfg.HomeLon = *fc.Home.Longitude
	}
	cfg.AlertRadiusKm = fc.Home.AlertRadiusKm
	cfg.DisplayRadiusKm = fc.Home.DisplayRadiusKm

	if fc.Schedule.PollIntervalSeconds != nil {
		cfg.PollInterval = time.Duration(*fc.Schedule.PollIntervalSeconds) * time.Second
	}
	cfg.CycleTimeout = parseDuration(fc.Schedule.CycleTimeout, 5*time.Minute)

	cfg.FeedURL = fc.Feed.URL
	if cfg.FeedURL == "" {
		cfg.FeedURL = "https://radiosondy.info/dyn/get_flying.php"
	}
	cfg.FeedUserAgent = fc.Feed.UserAgent
	if cfg.FeedUserAgent == "" {
		cfg.FeedUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"
	}
	cfg.FeedTimeout = parseDurationOrZero(fc.Feed.Timeout, 15*time.Second)
	cfg.FeedBreakerFailures = 5
	if fc.Feed.BreakerFailures != nil && *fc.Feed.BreakerFailures >= 0 {
		cfg.FeedBreakerFailures = uint32(*fc.Feed.BreakerFailures)
	}
	cfg.FeedBreakerTimeout = parseDuration(fc.Feed.BreakerTimeout, 5*time.Minute)

	cfg.SMTPHost = fc.SMTP.Host
	if cfg.SMTPHost == "" {
		cfg.SMTPHost = "smtp.gmail.com"
	}
	cfg.SMTPPort = fc.SMTP.Port
	if cfg.SMTPPort == 0 {
		cfg.SMTPPort = 465
	}
	cfg.SMTPTLSMode = fc.SMTP.TLSMode
	cfg.SMTPFrom = fc.SMTP.From
	cfg.SMTPTo = fc.SMTP.To
	cfg.SMTPTimeout = parseDuration(fc.SMTP.Timeout, 30*time.Second)
	cfg.NotifyPerMinute = fc.SMTP.NotifyPerMinute

	cfg.LedgerPath = fc.Ledger.Path
	if cfg.LedgerPath == "" {
		cfg.LedgerPath = "data/sent_sondes.txt"
	}

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 5*time.Second)
	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 20
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}

	cfg.CacheBackend = fc.Cache.Backend
	cfg.SnapshotTTL = parseDuration(fc.Cache.SnapshotTTL, time.Hour)
	cfg.MemcachedAddrs = strings.TrimSpace(fc.Cache.Memcached.Addrs)
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Cache.Memcached.MaxIdleConns
	cfg.ViewerMaxClients = fc.Viewer.MaxClients

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.DegradedWindow = parseDuration(fc.Lifecycle.DegradedWindow, 30*time.Minute)
	cfg.DegradedErrorPct = fc.Lifecycle.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 50
	}
	return cfg
}

// requirePresent rejects settings with no default that neither the YAML file
// nor the environment supplies. Zero is a valid coordinate, so presence is
// checked on the sources rather than on the parsed value.
func requirePresent(fc *fileConfig) error {
	required := []struct {
		field string
		env   string
		set   bool
	}{
		{"HomeLat", "HOME_LAT", fc.Home.Latitude != nil},
		{"HomeLon", "HOME_LON", fc.Home.Longitude != nil},
		{"PollInterval", "POLL_INTERVAL", fc.Schedule.PollIntervalSeconds != nil},
	}
	var msgs []string
	for _, r := range required {
		if r.set {
			continue
		}
		if _, ok := os.LookupEnv(EnvPrefix + "_" + r.env); ok {
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s failed %q", r.field, "required"))
	}
	if len(msgs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
	}
	return nil
}

// normalize applies defaults that must hold after env overrides.
func normalize(cfg *Config) {
	cfg.SMTPTLSMode = strings.TrimSpace(strings.ToLower(cfg.SMTPTLSMode))
	if cfg.SMTPTLSMode == "" {
		cfg.SMTPTLSMode = "implicit"
	}
	cfg.CacheBackend = strings.TrimSpace(strings.ToLower(cfg.CacheBackend))
	if cfg.CacheBackend == "" {
		cfg.CacheBackend = "in_memory"
	}
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = "localhost:11211"
	}
	if cfg.MemcachedTimeout <= 0 {
		cfg.MemcachedTimeout = 500 * time.Millisecond
	}
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}
	// A cycle may fetch and then send; it must outlive either alone.
	if floor := cfg.FeedTimeout + cfg.SMTPTimeout; cfg.CycleTimeout < floor {
		cfg.CycleTimeout = floor
	}
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate runs struct-tag validation and reports every failing field.
func validate(cfg *Config) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
