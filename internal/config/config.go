package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// ConfigFileName is the TOML config file for supervisor settings.
const ConfigFileName = "botwarden.toml"

// Config is the single configuration object constructed at startup and passed
// by reference into every component. The credential is carried here and must
// never be written to logs, audit lines, or HTTP responses.
type Config struct {
	// Token is the bot credential. Loaded from BOTWARDEN_TOKEN (preferred)
	// or the [bot] section of the config file.
	Token string `toml:"-"`

	Bot      BotSettings      `toml:"bot"`
	Poller   PollerSettings   `toml:"poller"`
	Conflict ConflictSettings `toml:"conflict"`
	Health   HealthSettings   `toml:"health"`
	Audit    AuditSettings    `toml:"audit"`
	Logs     LogSettings      `toml:"logs"`
	Status   StatusSettings   `toml:"status"`
}

// BotSettings configures the remote platform client.
type BotSettings struct {
	// APIBaseURL is the platform endpoint prefix. The token is appended per
	// request. Overridable for tests and self-hosted API gateways.
	APIBaseURL string `toml:"api_base_url"`

	// Token may be set in the file, but the environment wins.
	Token string `toml:"token"`

	// ProbeTimeoutSecs bounds each conflict probe call (default: 3).
	// Kept short so a single resolution attempt completes quickly.
	ProbeTimeoutSecs int `toml:"probe_timeout_secs"`

	// ProbeRateLimit is probes per second allowed against the platform
	// (default: 2, burst 4).
	ProbeRateLimit float64 `toml:"probe_rate_limit"`
}

// PollerSettings describes the supervised poller process.
type PollerSettings struct {
	// Command is the poller invocation, argv style. Required for `run`.
	Command []string `toml:"command"`

	// Signature is the substring matched against process-table entries when
	// looking for an already-running poller bound to the same credential.
	// Defaults to the basename of Command[0].
	Signature string `toml:"signature"`

	// LogFile is the poller's own log file; stdout/stderr are appended here
	// and the health evaluator scans its tail for conflict errors.
	LogFile string `toml:"log_file"`

	// StopGraceSecs is how long to wait after SIGTERM before SIGKILL
	// (default: 10).
	StopGraceSecs int `toml:"stop_grace_secs"`
}

// ConflictSettings tunes conflict detection and resolution.
type ConflictSettings struct {
	// MaxAttempts bounds the resolution loop (default: 3).
	MaxAttempts int `toml:"max_attempts"`

	// DrainPeriodSecs is the base drain sleep after terminating a local
	// instance; attempt N waits N*drain (default: 5).
	DrainPeriodSecs int `toml:"drain_period_secs"`
}

// HealthSettings tunes the liveness supervisor and the evaluator.
type HealthSettings struct {
	// MarkerPath is the heartbeat marker file (default: <state_dir>/heartbeat).
	MarkerPath string `toml:"marker_path"`

	// TickSecs is the supervisor tick interval (default: 20).
	TickSecs int `toml:"tick_secs"`

	// InitialDelaySecs delays the first tick after poller start (default: 10).
	InitialDelaySecs int `toml:"initial_delay_secs"`

	// StaleAfterSecs is the marker staleness threshold (default: 300).
	StaleAfterSecs int `toml:"stale_after_secs"`

	// LogScanLines is the tail window scanned for conflict errors (default: 50).
	LogScanLines int `toml:"log_scan_lines"`

	// LogScanThreshold is how many conflict lines raise the warning flag
	// (default: 3).
	LogScanThreshold int `toml:"log_scan_threshold"`
}

// AuditSettings configures the append-only action trail.
type AuditSettings struct {
	// Path is the audit log file (default: <state_dir>/actions.log).
	Path string `toml:"path"`

	// MaxSizeMB trims the trail once exceeded (default: 5).
	MaxSizeMB int `toml:"max_size_mb"`

	// MaxBackups is trimmed generations to keep (default: 2).
	MaxBackups int `toml:"max_backups"`
}

// LogSettings configures structured logging.
type LogSettings struct {
	Dir        string `toml:"dir"`
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// StatusSettings configures the optional embedded status server.
type StatusSettings struct {
	// Addr is the listen address, e.g. "127.0.0.1:8642". Empty disables it.
	Addr string `toml:"addr"`
}

// ErrTokenMissing is returned by Validate when no credential is configured.
var ErrTokenMissing = errors.New("bot token is not configured (set BOTWARDEN_TOKEN)")

// DefaultStateDir returns the directory for markers and audit logs.
func DefaultStateDir() string {
	if dir := os.Getenv("BOTWARDEN_STATE_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "/var/lib/botwarden"
	}
	return filepath.Join(home, ".botwarden")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(DefaultStateDir(), ConfigFileName)
}

// Load reads the config file at path (or the default location when path is
// empty), applies environment overrides and defaults. A missing file is not an
// error: defaults plus environment are enough to run.
func Load(path string) (*Config, error) {
	var cfg Config

	if path == "" {
		path = DefaultPath()
	}

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat config %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg, nil
}

// applyEnv overlays environment variables onto file values.
func (c *Config) applyEnv() {
	if tok := os.Getenv("BOTWARDEN_TOKEN"); tok != "" {
		c.Token = tok
	} else if tok := os.Getenv("BOT_TOKEN"); tok != "" {
		c.Token = tok
	} else {
		c.Token = c.Bot.Token
	}
	// Never keep the credential in the file-backed struct field.
	c.Bot.Token = ""

	if v := os.Getenv("BOTWARDEN_API_URL"); v != "" {
		c.Bot.APIBaseURL = v
	}
	if v := os.Getenv("BOTWARDEN_MARKER_PATH"); v != "" {
		c.Health.MarkerPath = v
	}
	if v := os.Getenv("BOTWARDEN_STATUS_ADDR"); v != "" {
		c.Status.Addr = v
	}
	if v := os.Getenv("BOTWARDEN_POLLER_COMMAND"); v != "" {
		c.Poller.Command = strings.Fields(v)
	}
	if v := os.Getenv("BOTWARDEN_LOG_LEVEL"); v != "" {
		c.Logs.Level = v
	}
	if v := os.Getenv("BOTWARDEN_DRAIN_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Conflict.DrainPeriodSecs = n
		}
	}
}

func (c *Config) applyDefaults() {
	stateDir := DefaultStateDir()

	if c.Bot.APIBaseURL == "" {
		c.Bot.APIBaseURL = "https://api.telegram.org"
	}
	if c.Bot.ProbeTimeoutSecs <= 0 {
		c.Bot.ProbeTimeoutSecs = 3
	}
	if c.Bot.ProbeRateLimit <= 0 {
		c.Bot.ProbeRateLimit = 2
	}

	if c.Poller.Signature == "" && len(c.Poller.Command) > 0 {
		c.Poller.Signature = filepath.Base(c.Poller.Command[0])
	}
	if c.Poller.LogFile == "" {
		c.Poller.LogFile = filepath.Join(stateDir, "poller.log")
	}
	if c.Poller.StopGraceSecs <= 0 {
		c.Poller.StopGraceSecs = 10
	}

	if c.Conflict.MaxAttempts <= 0 {
		c.Conflict.MaxAttempts = 3
	}
	if c.Conflict.DrainPeriodSecs <= 0 {
		c.Conflict.DrainPeriodSecs = 5
	}

	if c.Health.MarkerPath == "" {
		c.Health.MarkerPath = filepath.Join(stateDir, "heartbeat")
	}
	if c.Health.TickSecs <= 0 {
		c.Health.TickSecs = 20
	}
	if c.Health.InitialDelaySecs <= 0 {
		c.Health.InitialDelaySecs = 10
	}
	if c.Health.StaleAfterSecs <= 0 {
		c.Health.StaleAfterSecs = 300
	}
	if c.Health.LogScanLines <= 0 {
		c.Health.LogScanLines = 50
	}
	if c.Health.LogScanThreshold <= 0 {
		c.Health.LogScanThreshold = 3
	}

	if c.Audit.Path == "" {
		c.Audit.Path = filepath.Join(stateDir, "actions.log")
	}
	if c.Audit.MaxSizeMB <= 0 {
		c.Audit.MaxSizeMB = 5
	}
	if c.Audit.MaxBackups <= 0 {
		c.Audit.MaxBackups = 2
	}

	if c.Logs.Dir == "" {
		c.Logs.Dir = filepath.Join(stateDir, "logs")
	}
}

// Validate checks the fields required to talk to the platform.
func (c *Config) Validate() error {
	if c.Token == "" {
		return ErrTokenMissing
	}
	return nil
}

// ValidateRun checks the additional fields required to spawn the poller.
func (c *Config) ValidateRun() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if len(c.Poller.Command) == 0 {
		return errors.New("poller command is not configured (set [poller] command or BOTWARDEN_POLLER_COMMAND)")
	}
	return nil
}

// ProbeTimeout returns the per-probe deadline.
func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Bot.ProbeTimeoutSecs) * time.Second
}

// DrainPeriod returns the base drain sleep.
func (c *Config) DrainPeriod() time.Duration {
	return time.Duration(c.Conflict.DrainPeriodSecs) * time.Second
}

// Tick returns the supervisor tick interval.
func (c *Config) Tick() time.Duration {
	return time.Duration(c.Health.TickSecs) * time.Second
}

// InitialDelay returns the delay before the first supervisor tick.
func (c *Config) InitialDelay() time.Duration {
	return time.Duration(c.Health.InitialDelaySecs) * time.Second
}

// StaleAfter returns the marker staleness threshold.
func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.Health.StaleAfterSecs) * time.Second
}

// StopGrace returns the SIGTERM-to-SIGKILL window.
func (c *Config) StopGrace() time.Duration {
	return time.Duration(c.Poller.StopGraceSecs) * time.Second
}
