package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalEnvYAML = `
server:
  port: "8080"
home:
  latitude: 45.815
  longitude: 15.982
  alert_radius_km: 50
schedule:
  poll_interval_seconds: 60
smtp:
  from: "alerts@example.com"
  to: "me@example.com"
`

const validSecretsYAML = `
smtp_username: "alerts@example.com"
smtp_password: "app-password"
`

func writeEnvFile(t *testing.T, dir, content string) {
	t.Helper()
	cfgDir := filepath.Join(dir, "config")
	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(cfgDir, "dev.yaml"), []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func writeSecretsFile(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "config", "secrets.yaml"), []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func loadValid(t *testing.T, yaml string) *Config {
	t.Helper()
	dir := t.TempDir()
	writeEnvFile(t, dir, yaml)
	writeSecretsFile(t, dir, validSecretsYAML)
	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	return cfg
}

func TestLoad_FailsWithoutSMTPCredentials(t *testing.T) {
	dir := t.TempDir()
	writeEnvFile(t, dir, minimalEnvYAML)

	cfg, err := LoadFrom(dir)
	if err == nil {
		t.Fatal("LoadFrom() expected error without smtp credentials, got nil")
	}
	if cfg != nil {
		t.Fatalf("LoadFrom() expected nil config on error, got %+v", cfg)
	}
	if !strings.Contains(err.Error(), "SMTPPassword") {
		t.Errorf("LoadFrom() error = %v, want message naming SMTPPassword", err)
	}
}

func TestLoad_SucceedsWithSecretsFile(t *testing.T) {
	cfg := loadValid(t, minimalEnvYAML)

	if cfg.SMTPUsername != "alerts@example.com" || cfg.SMTPPassword != "app-password" {
		t.Errorf("SMTP credentials = %q/%q, want values from secrets file", cfg.SMTPUsername, cfg.SMTPPassword)
	}
	if cfg.HomeLat != 45.815 || cfg.HomeLon != 15.982 {
		t.Errorf("home = (%v, %v), want (45.815, 15.982)", cfg.HomeLat, cfg.HomeLon)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg := loadValid(t, minimalEnvYAML)

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"PollInterval", cfg.PollInterval, 60 * time.Second},
		{"FeedURL", cfg.FeedURL, "https://radiosondy.info/dyn/get_flying.php"},
		{"FeedTimeout", cfg.FeedTimeout, 15 * time.Second},
		{"FeedBreakerFailures", cfg.FeedBreakerFailures, uint32(5)},
		{"SMTPHost", cfg.SMTPHost, "smtp.gmail.com"},
		{"SMTPPort", cfg.SMTPPort, 465},
		{"SMTPTLSMode", cfg.SMTPTLSMode, "implicit"},
		{"SMTPTimeout", cfg.SMTPTimeout, 30 * time.Second},
		{"LedgerPath", cfg.LedgerPath, "data/sent_sondes.txt"},
		{"CacheBackend", cfg.CacheBackend, "in_memory"},
		{"MemcachedAddrs", cfg.MemcachedAddrs, "localhost:11211"},
		{"DisplayRadiusKm", cfg.DisplayRadiusKm, 0.0},
		{"CycleTimeout", cfg.CycleTimeout, 5 * time.Minute},
		{"DegradedErrorPct", cfg.DegradedErrorPct, 50},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
	if !strings.HasPrefix(cfg.FeedUserAgent, "Mozilla/5.0") {
		t.Errorf("FeedUserAgent = %q, want browser agent", cfg.FeedUserAgent)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SONDE_SMTP_PASSWORD", "from-env")
	t.Setenv("SONDE_HOME_LAT", "46.5")
	t.Setenv("SONDE_POLL_INTERVAL", "90s")
	t.Setenv("SONDE_CACHE_BACKEND", "Memcached")

	cfg := loadValid(t, minimalEnvYAML)

	if cfg.SMTPPassword != "from-env" {
		t.Errorf("SMTPPassword = %q, want env override", cfg.SMTPPassword)
	}
	if cfg.HomeLat != 46.5 {
		t.Errorf("HomeLat = %v, want 46.5", cfg.HomeLat)
	}
	if cfg.PollInterval != 90*time.Second {
		t.Errorf("PollInterval = %v, want 90s", cfg.PollInterval)
	}
	if cfg.CacheBackend != "memcached" {
		t.Errorf("CacheBackend = %q, want memcached", cfg.CacheBackend)
	}
}

func TestLoad_DotEnvFile(t *testing.T) {
	dir := t.TempDir()
	writeEnvFile(t, dir, minimalEnvYAML)
	writeSecretsFile(t, dir, validSecretsYAML)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("SONDE_SMTP_TO=dotenv@example.com\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("SONDE_SMTP_TO") })

	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if cfg.SMTPTo != "dotenv@example.com" {
		t.Errorf("SMTPTo = %q, want value from .env", cfg.SMTPTo)
	}
}

func TestLoad_EnvFileNotFound(t *testing.T) {
	t.Setenv("ENV_NAME", "nonexistent")

	cfg, err := LoadFrom(t.TempDir())
	if err == nil {
		t.Fatal("LoadFrom() expected error for missing env file, got nil")
	}
	if cfg != nil {
		t.Fatalf("LoadFrom() expected nil config on error, got %+v", cfg)
	}
	if !strings.Contains(err.Error(), "config file not found") {
		t.Errorf("LoadFrom() error = %v, want message about config file not found", err)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	writeEnvFile(t, dir, "home: [unterminated")
	if _, err := LoadFrom(dir); err == nil || !strings.Contains(err.Error(), "parse config file") {
		t.Errorf("LoadFrom() error = %v, want parse error", err)
	}
}

func TestLoad_ValidationFailures(t *testing.T) {
	tests := []struct {
		name      string
		yaml      string
		wantField string
	}{
		{
			name: "missing alert radius",
			yaml: `
home:
  latitude: 45
  longitude: 15
schedule:
  poll_interval_seconds: 60
smtp:
  from: "alerts@example.com"
  to: "me@example.com"
`,
			wantField: "AlertRadiusKm",
		},
		{
			name: "latitude out of range",
			yaml: `
home:
  latitude: 95
  longitude: 15
  alert_radius_km: 10
schedule:
  poll_interval_seconds: 60
smtp:
  from: "alerts@example.com"
  to: "me@example.com"
`,
			wantField: "HomeLat",
		},
		{
			name: "bad recipient",
			yaml: `
home:
  latitude: 45
  longitude: 15
  alert_radius_km: 10
schedule:
  poll_interval_seconds: 60
smtp:
  from: "alerts@example.com"
  to: "not-an-address"
`,
			wantField: "SMTPTo",
		},
		{
			name: "missing latitude",
			yaml: `
home:
  longitude: 15
  alert_radius_km: 10
schedule:
  poll_interval_seconds: 60
smtp:
  from: "alerts@example.com"
  to: "me@example.com"
`,
			wantField: "HomeLat",
		},
		{
			name: "missing longitude",
			yaml: `
home:
  latitude: 45
  alert_radius_km: 10
schedule:
  poll_interval_seconds: 60
smtp:
  from: "alerts@example.com"
  to: "me@example.com"
`,
			wantField: "HomeLon",
		},
		{
			name: "missing poll interval",
			yaml: `
home:
  latitude: 45
  longitude: 15
  alert_radius_km: 10
smtp:
  from: "alerts@example.com"
  to: "me@example.com"
`,
			wantField: "PollInterval",
		},
		{
			name: "negative poll interval",
			yaml: `
home:
  latitude: 45
  longitude: 15
  alert_radius_km: 10
schedule:
  poll_interval_seconds: -5
smtp:
  from: "alerts@example.com"
  to: "me@example.com"
`,
			wantField: "PollInterval",
		},
		{
			name: "unknown tls mode",
			yaml: minimalEnvYAML + `  tls_mode: "plaintext"
`,
			wantField: "SMTPTLSMode",
		},
		{
			name: "unknown cache backend",
			yaml: minimalEnvYAML + `cache:
  backend: "redis"
`,
			wantField: "CacheBackend",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeEnvFile(t, dir, tt.yaml)
			writeSecretsFile(t, dir, validSecretsYAML)

			_, err := LoadFrom(dir)
			if err == nil {
				t.Fatal("LoadFrom() expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantField) {
				t.Errorf("LoadFrom() error = %v, want field %s", err, tt.wantField)
			}
		})
	}
}

func TestLoad_RequiredFieldsFromEnvironment(t *testing.T) {
	t.Setenv("SONDE_HOME_LAT", "0")
	t.Setenv("SONDE_HOME_LON", "0")
	t.Setenv("SONDE_POLL_INTERVAL", "2m")

	cfg := loadValid(t, `
home:
  alert_radius_km: 10
smtp:
  from: "alerts@example.com"
  to: "me@example.com"
`)
	if cfg.HomeLat != 0 || cfg.HomeLon != 0 {
		t.Errorf("home = (%v, %v), want (0, 0) from env", cfg.HomeLat, cfg.HomeLon)
	}
	if cfg.PollInterval != 2*time.Minute {
		t.Errorf("PollInterval = %v, want 2m", cfg.PollInterval)
	}
}

func TestLoad_MissingRequiredFieldsAllReported(t *testing.T) {
	dir := t.TempDir()
	writeEnvFile(t, dir, `
home:
  alert_radius_km: 10
smtp:
  from: "alerts@example.com"
  to: "me@example.com"
`)
	writeSecretsFile(t, dir, validSecretsYAML)

	cfg, err := LoadFrom(dir)
	if err == nil {
		t.Fatalf("LoadFrom() = %+v, want error for missing home position and poll interval", cfg)
	}
	for _, field := range []string{"HomeLat", "HomeLon", "PollInterval"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("LoadFrom() error = %v, want field %s", err, field)
		}
	}
}

func TestLoad_DisplayRadiusMustCoverAlertRadius(t *testing.T) {
	dir := t.TempDir()
	writeEnvFile(t, dir, `
home:
  latitude: 45
  longitude: 15
  alert_radius_km: 50
  display_radius_km: 20
schedule:
  poll_interval_seconds: 60
smtp:
  from: "alerts@example.com"
  to: "me@example.com"
`)
	writeSecretsFile(t, dir, validSecretsYAML)

	_, err := LoadFrom(dir)
	if err == nil || !strings.Contains(err.Error(), "DisplayRadiusKm") {
		t.Fatalf("LoadFrom() error = %v, want DisplayRadiusKm failure", err)
	}
}

func TestLoad_CycleTimeoutCoversFeedAndSMTP(t *testing.T) {
	cfg := loadValid(t, `
home:
  latitude: 45
  longitude: 15
  alert_radius_km: 50
schedule:
  poll_interval_seconds: 60
  cycle_timeout: "1s"
feed:
  timeout: "20s"
smtp:
  from: "alerts@example.com"
  to: "me@example.com"
`)
	if want := 20*time.Second + cfg.SMTPTimeout; cfg.CycleTimeout != want {
		t.Errorf("CycleTimeout = %v, want %v", cfg.CycleTimeout, want)
	}
}

func TestLoad_BreakerCanBeDisabled(t *testing.T) {
	cfg := loadValid(t, minimalEnvYAML+`feed:
  breaker_failures: 0
`)
	if cfg.FeedBreakerFailures != 0 {
		t.Errorf("FeedBreakerFailures = %d, want 0", cfg.FeedBreakerFailures)
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		def  time.Duration
		want time.Duration
	}{
		{"", time.Second, time.Second},
		{"2m", time.Second, 2 * time.Minute},
		{"garbage", time.Second, time.Second},
		{"0s", time.Second, time.Second},
		{"-5s", time.Second, time.Second},
	}
	for _, tt := range tests {
		if got := parseDuration(tt.in, tt.def); got != tt.want {
			t.Errorf("parseDuration(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if got := parseDurationOrZero("0s", time.Second); got != 0 {
		t.Errorf("parseDurationOrZero(0s) = %v, want 0", got)
	}
}
