// Package config handles configuration loading, validation, and management for adaptd.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"

	"github.com/BurntSushi/toml"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// DataDir is the base directory for all daemon state.
	DataDir string `toml:"data_dir" json:"data_dir" yaml:"data_dir"`

	// EventLog configuration for the encrypted context event log.
	EventLog EventLogConfig `toml:"event_log" json:"event_log" yaml:"event_log"`

	// Federated configuration for the learning server and round execution.
	Federated FederatedConfig `toml:"federated" json:"federated" yaml:"federated"`

	// Conditions configuration gating when training may start.
	Conditions ConditionsConfig `toml:"conditions" json:"conditions" yaml:"conditions"`

	// Trainer configuration for local adapter training.
	Trainer TrainerConfig `toml:"trainer" json:"trainer" yaml:"trainer"`

	// Proof configuration for proof generation and verification.
	Proof ProofConfig `toml:"proof" json:"proof" yaml:"proof"`

	// Keystore configuration for encryption key storage.
	Keystore KeystoreConfig `toml:"keystore" json:"keystore" yaml:"keystore"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Metrics configuration for the local metrics endpoint.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	// mu protects concurrent access to the config.
	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// EventLogConfig holds encrypted event log configuration.
type EventLogConfig struct {
	// Path is the path to the encrypted log blob.
	Path string `toml:"path" json:"path" yaml:"path"`

	// MaxEvents caps the in-memory log; oldest events are dropped beyond it.
	MaxEvents int `toml:"max_events" json:"max_events" yaml:"max_events"`

	// FlushIntervalSec is the background flush interval in seconds.
	// Set to 0 to flush only on demand and at shutdown.
	FlushIntervalSec int `toml:"flush_interval_sec" json:"flush_interval_sec" yaml:"flush_interval_sec"`
}

// FederatedConfig holds federated learning client configuration.
type FederatedConfig struct {
	// ServerURL is the base URL of the aggregation server.
	ServerURL string `toml:"server_url" json:"server_url" yaml:"server_url"`

	// RoundTimeoutSec bounds a full training round end to end.
	RoundTimeoutSec int `toml:"round_timeout_sec" json:"round_timeout_sec" yaml:"round_timeout_sec"`

	// UploadTimeoutSec bounds the HTTP upload request.
	UploadTimeoutSec int `toml:"upload_timeout_sec" json:"upload_timeout_sec" yaml:"upload_timeout_sec"`

	// AutoIntervalSec is the interval between automatic round attempts.
	// Set to 0 to disable automatic scheduling.
	AutoIntervalSec int `toml:"auto_interval_sec" json:"auto_interval_sec" yaml:"auto_interval_sec"`

	// IdentityPath is the path to the persisted device identity.
	IdentityPath string `toml:"identity_path" json:"identity_path" yaml:"identity_path"`

	// HistoryPath is the path to the round history database.
	HistoryPath string `toml:"history_path" json:"history_path" yaml:"history_path"`
}

// ConditionsConfig holds training precondition configuration.
type ConditionsConfig struct {
	// OptIn records the user's consent to participate in training.
	OptIn bool `toml:"opt_in" json:"opt_in" yaml:"opt_in"`

	// RequireCharging requires the device to be on external power.
	RequireCharging bool `toml:"require_charging" json:"require_charging" yaml:"require_charging"`

	// RequireUnmetered requires an unmetered network connection.
	RequireUnmetered bool `toml:"require_unmetered" json:"require_unmetered" yaml:"require_unmetered"`

	// MinBatteryLevel is the minimum battery fraction (0.0-1.0).
	MinBatteryLevel float64 `toml:"min_battery_level" json:"min_battery_level" yaml:"min_battery_level"`
}

// TrainerConfig holds local training configuration.
type TrainerConfig struct {
	// LatencyMs is the simulated training latency in milliseconds.
	LatencyMs int `toml:"latency_ms" json:"latency_ms" yaml:"latency_ms"`
}

// ProofConfig holds proof engine configuration.
type ProofConfig struct {
	// GenerateLatencyMs is the simulated proof generation latency.
	GenerateLatencyMs int `toml:"generate_latency_ms" json:"generate_latency_ms" yaml:"generate_latency_ms"`

	// VerifyLatencyMs is the simulated proof verification latency.
	VerifyLatencyMs int `toml:"verify_latency_ms" json:"verify_latency_ms" yaml:"verify_latency_ms"`
}

// KeystoreConfig holds key storage configuration.
type KeystoreConfig struct {
	// Provider selects the key provider: "auto", "tpm", "file", or "memory".
	Provider string `toml:"provider" json:"provider" yaml:"provider"`

	// TPMPath is the path to the TPM device (Linux: /dev/tpmrm0, /dev/tpm0).
	TPMPath string `toml:"tpm_path" json:"tpm_path" yaml:"tpm_path"`

	// Directory is where the file provider stores sealed key material.
	Directory string `toml:"directory" json:"directory" yaml:"directory"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log output: "stdout", "stderr", or "file".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file (when Output is "file").
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of rotated log files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// RedactPatterns are extra regexes whose matches are masked in log output.
	RedactPatterns []string `toml:"redact_patterns" json:"redact_patterns" yaml:"redact_patterns"`
}

// MetricsConfig holds metrics endpoint configuration.
type MetricsConfig struct {
	// Enabled determines whether the metrics HTTP endpoint is served.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// ListenAddr is the address for the metrics endpoint.
	ListenAddr string `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := AdaptdDir()

	return &Config{
		Version: Version,
		DataDir: dir,
		EventLog: EventLogConfig{
			Path:             filepath.Join(dir, "events.ael"),
			MaxEvents:        10000,
			FlushIntervalSec: 30,
		},
		Federated: FederatedConfig{
			ServerURL:        "",
			RoundTimeoutSec:  300,
			UploadTimeoutSec: 30,
			AutoIntervalSec:  0,
			IdentityPath:     filepath.Join(dir, "identity.json"),
			HistoryPath:      filepath.Join(dir, "history.db"),
		},
		Conditions: ConditionsConfig{
			OptIn:            false,
			RequireCharging:  true,
			RequireUnmetered: true,
			MinBatteryLevel:  0.2,
		},
		Trainer: TrainerConfig{
			LatencyMs: 500,
		},
		Proof: ProofConfig{
			GenerateLatencyMs: 250,
			VerifyLatencyMs:   25,
		},
		Keystore: KeystoreConfig{
			Provider:  "auto",
			TPMPath:   defaultTPMPath(),
			Directory: filepath.Join(dir, "keys"),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "file",
			FilePath:   filepath.Join(dir, "adaptd.log"),
			MaxSizeMB:  50,
			MaxBackups: 3,
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:9320",
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(AdaptdDir(), "config.toml")
}

// Load reads configuration from the specified path. An empty path means
// search the standard locations (ResolvePath). If the file doesn't
// exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	path = ResolvePath(path)

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}

	cfg.ApplyEnvOverrides()
	cfg.expandUserPaths()
	return cfg, nil
}

// expandUserPaths expands leading ~ in all configured file paths.
func (c *Config) expandUserPaths() {
	c.DataDir = expandPath(c.DataDir)
	c.EventLog.Path = expandPath(c.EventLog.Path)
	c.Federated.IdentityPath = expandPath(c.Federated.IdentityPath)
	c.Federated.HistoryPath = expandPath(c.Federated.HistoryPath)
	c.Keystore.Directory = expandPath(c.Keystore.Directory)
	c.Logging.FilePath = expandPath(c.Logging.FilePath)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates all necessary directories for the daemon.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		filepath.Dir(c.EventLog.Path),
		filepath.Dir(c.Federated.IdentityPath),
		filepath.Dir(c.Federated.HistoryPath),
		filepath.Dir(c.Logging.FilePath),
		c.Keystore.Directory,
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// AdaptdDir returns the base adaptd data directory.
// Uses platform-specific paths or the ADAPTD_DATA_DIR environment override.
func AdaptdDir() string {
	if envDir := os.Getenv("ADAPTD_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with ADAPTD_ and use underscores.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Federated overrides
	if v := os.Getenv("ADAPTD_SERVER_URL"); v != "" {
		c.Federated.ServerURL = v
	}
	if v := os.Getenv("ADAPTD_IDENTITY_PATH"); v != "" {
		c.Federated.IdentityPath = v
	}
	if v := os.Getenv("ADAPTD_HISTORY_PATH"); v != "" {
		c.Federated.HistoryPath = v
	}

	// Event log overrides
	if v := os.Getenv("ADAPTD_EVENTLOG_PATH"); v != "" {
		c.EventLog.Path = v
	}

	// Consent override, e.g. ADAPTD_OPT_IN=true
	if v := os.Getenv("ADAPTD_OPT_IN"); v != "" {
		if optIn, err := strconv.ParseBool(v); err == nil {
			c.Conditions.OptIn = optIn
		}
	}

	// Keystore overrides
	if v := os.Getenv("ADAPTD_KEYSTORE_PROVIDER"); v != "" {
		c.Keystore.Provider = v
	}
	if v := os.Getenv("ADAPTD_TPM_PATH"); v != "" {
		c.Keystore.TPMPath = v
	}

	// Logging overrides
	if v := os.Getenv("ADAPTD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("ADAPTD_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}

	// Metrics overrides
	if v := os.Getenv("ADAPTD_METRICS_ADDR"); v != "" {
		c.Metrics.Enabled = true
		c.Metrics.ListenAddr = v
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := Config{
		Version:    c.Version,
		DataDir:    c.DataDir,
		EventLog:   c.EventLog,
		Federated:  c.Federated,
		Conditions: c.Conditions,
		Trainer:    c.Trainer,
		Proof:      c.Proof,
		Keystore:   c.Keystore,
		Logging:    c.Logging,
		Metrics:    c.Metrics,
	}
	clone.Logging.RedactPatterns = append([]string{}, c.Logging.RedactPatterns...)
	return &clone
}

// Helper functions

func defaultTPMPath() string {
	switch runtime.GOOS {
	case "linux":
		// Prefer the resource manager path
		if _, err := os.Stat("/dev/tpmrm0"); err == nil {
			return "/dev/tpmrm0"
		}
		return "/dev/tpm0"
	case "windows":
		return "" // Windows uses the TBS API
	default:
		return ""
	}
}

// ToTOML serializes the configuration as TOML.
func (c *Config) ToTOML() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return nil, fmt.Errorf("encode TOML: %w", err)
	}
	return buf.Bytes(), nil
}
