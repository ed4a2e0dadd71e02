// Package config handles configuration loading and validation for adaptd.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateEventLog(&c.EventLog)...)
	errs = append(errs, validateFederated(&c.Federated)...)
	errs = append(errs, validateConditions(&c.Conditions)...)
	errs = append(errs, validateTrainer(&c.Trainer)...)
	errs = append(errs, validateProof(&c.Proof)...)
	errs = append(errs, validateKeystore(&c.Keystore)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateMetrics(&c.Metrics)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateEventLog(e *EventLogConfig) ValidationErrors {
	var errs ValidationErrors

	if e.Path == "" {
		errs = append(errs, ValidationError{
			Field:   "event_log.path",
			Message: "event log path is required",
		})
	}

	if e.MaxEvents < 100 {
		errs = append(errs, ValidationError{
			Field:   "event_log.max_events",
			Message: "max events must be at least 100",
		})
	}
	if e.MaxEvents > 1000000 {
		errs = append(errs, ValidationError{
			Field:   "event_log.max_events",
			Message: "max events cannot exceed 1000000",
		})
	}

	if e.FlushIntervalSec < 0 {
		errs = append(errs, ValidationError{
			Field:   "event_log.flush_interval_sec",
			Message: "flush interval cannot be negative",
		})
	}

	return errs
}

func validateFederated(f *FederatedConfig) ValidationErrors {
	var errs ValidationErrors

	// Empty server URL is allowed: the daemon can collect events and
	// serve preference queries without ever contacting a server.
	if f.ServerURL != "" {
		u, err := url.Parse(f.ServerURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, ValidationError{
				Field:   "federated.server_url",
				Message: fmt.Sprintf("invalid server URL: %s", f.ServerURL),
			})
		}
	}

	if f.RoundTimeoutSec < 10 {
		errs = append(errs, ValidationError{
			Field:   "federated.round_timeout_sec",
			Message: "round timeout must be at least 10 seconds",
		})
	}
	if f.RoundTimeoutSec > 3600 {
		errs = append(errs, ValidationError{
			Field:   "federated.round_timeout_sec",
			Message: "round timeout cannot exceed 3600 seconds",
		})
	}

	if f.UploadTimeoutSec < 1 || f.UploadTimeoutSec > 600 {
		errs = append(errs, ValidationError{
			Field:   "federated.upload_timeout_sec",
			Message: "upload timeout must be between 1 and 600 seconds",
		})
	}

	if f.AutoIntervalSec < 0 {
		errs = append(errs, ValidationError{
			Field:   "federated.auto_interval_sec",
			Message: "auto interval cannot be negative",
		})
	}

	if f.IdentityPath == "" {
		errs = append(errs, ValidationError{
			Field:   "federated.identity_path",
			Message: "identity path is required",
		})
	}
	if f.HistoryPath == "" {
		errs = append(errs, ValidationError{
			Field:   "federated.history_path",
			Message: "history path is required",
		})
	}

	return errs
}

func validateConditions(c *ConditionsConfig) ValidationErrors {
	var errs ValidationErrors

	if c.MinBatteryLevel < 0 || c.MinBatteryLevel > 1 {
		errs = append(errs, ValidationError{
			Field:   "conditions.min_battery_level",
			Message: fmt.Sprintf("battery level must be between 0.0 and 1.0, got %g", c.MinBatteryLevel),
		})
	}

	return errs
}

func validateTrainer(t *TrainerConfig) ValidationErrors {
	var errs ValidationErrors

	if t.LatencyMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "trainer.latency_ms",
			Message: "latency cannot be negative",
		})
	}

	return errs
}

func validateProof(p *ProofConfig) ValidationErrors {
	var errs ValidationErrors

	if p.GenerateLatencyMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "proof.generate_latency_ms",
			Message: "latency cannot be negative",
		})
	}
	if p.VerifyLatencyMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "proof.verify_latency_ms",
			Message: "latency cannot be negative",
		})
	}

	return errs
}

func validateKeystore(k *KeystoreConfig) ValidationErrors {
	var errs ValidationErrors

	switch k.Provider {
	case "auto", "tpm", "file", "memory":
		// Valid providers
	default:
		errs = append(errs, ValidationError{
			Field:   "keystore.provider",
			Message: fmt.Sprintf("invalid provider: %s (valid: auto, tpm, file, memory)", k.Provider),
		})
	}

	if k.Provider == "file" && k.Directory == "" {
		errs = append(errs, ValidationError{
			Field:   "keystore.directory",
			Message: "directory is required for the file provider",
		})
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
		// Valid levels
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
		// Valid formats
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr", "file":
		// Valid outputs
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid output: %s (valid: stdout, stderr, file)", l.Output),
		})
	}

	if l.Output == "file" && l.FilePath == "" {
		errs = append(errs, ValidationError{
			Field:   "logging.file_path",
			Message: "file path is required when output is file",
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}

	for i, pattern := range l.RedactPatterns {
		if _, err := regexp.Compile(pattern); err != nil {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("logging.redact_patterns[%d]", i),
				Message: fmt.Sprintf("invalid regex: %v", err),
			})
		}
	}

	return errs
}

func validateMetrics(m *MetricsConfig) ValidationErrors {
	var errs ValidationErrors

	if m.Enabled {
		if m.ListenAddr == "" || !strings.Contains(m.ListenAddr, ":") {
			errs = append(errs, ValidationError{
				Field:   "metrics.listen_addr",
				Message: fmt.Sprintf("invalid listen address: %q", m.ListenAddr),
			})
		}
	}

	return errs
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if path == "" {
		return ""
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}
