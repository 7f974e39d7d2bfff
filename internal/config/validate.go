package config

import (
	"fmt"
	"log/slog"
	"mime"
	"net/url"
	"strings"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// ValidationResult separates problems that prevent startup from values that
// were corrected in place.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

// HasFatals reports whether any fatal problem was found.
func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// AllErrors returns fatals followed by warnings.
func (r ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	return append(all, r.Warnings...)
}

// Validate checks the config and returns all errors found. Out-of-range
// numbers are clamped to safe values. Warnings are logged.
func (c *Config) Validate() []error {
	return c.ValidateTiered().AllErrors()
}

// ValidateTiered is Validate with fatals and warnings kept apart.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	if c.ServerURL == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("server_url is required"))
	} else {
		u, err := url.Parse(c.ServerURL)
		if err != nil {
			r.Fatals = append(r.Fatals, fmt.Errorf("server_url %q is not a valid URL: %w", c.ServerURL, err))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			r.Fatals = append(r.Fatals, fmt.Errorf("server_url scheme must be http or https, got %q", u.Scheme))
		} else if u.Host == "" {
			r.Fatals = append(r.Fatals, fmt.Errorf("server_url %q has no host", c.ServerURL))
		}
	}

	if c.SocketPath == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("socket_path is required"))
	}

	if c.ContentType == "" {
		r.Warnings = append(r.Warnings, fmt.Errorf("content_type is empty, using audio/webm"))
		c.ContentType = "audio/webm"
	} else if mt, _, err := mime.ParseMediaType(c.ContentType); err != nil || !strings.HasPrefix(mt, "audio/") {
		r.Fatals = append(r.Fatals, fmt.Errorf("content_type %q is not an audio media type", c.ContentType))
	}

	r.Warnings = clampInt(r.Warnings, "chunk_interval_ms", &c.ChunkIntervalMs, 100, 10000)
	r.Warnings = clampInt(r.Warnings, "request_timeout_seconds", &c.RequestTimeoutSeconds, 5, 900)
	r.Warnings = clampInt(r.Warnings, "probe_attempts", &c.ProbeAttempts, 1, 10)
	r.Warnings = clampInt(r.Warnings, "capture_stop_timeout_ms", &c.CaptureStopTimeoutMs, 100, 30000)
	r.Warnings = clampInt(r.Warnings, "relay_workers", &c.RelayWorkers, 1, 16)
	r.Warnings = clampInt(r.Warnings, "relay_queue_size", &c.RelayQueueSize, 1, 256)
	r.Warnings = clampInt(r.Warnings, "log_max_size_mb", &c.LogMaxSizeMB, 1, 500)
	r.Warnings = clampInt(r.Warnings, "log_max_backups", &c.LogMaxBackups, 1, 20)

	if strings.TrimSpace(c.CaptureCommand) == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("capture_command is required"))
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	for _, err := range r.Warnings {
		slog.Warn("config validation", "error", err)
	}

	return r
}

func clampInt(warnings []error, name string, v *int, lo, hi int) []error {
	switch {
	case *v < lo:
		warnings = append(warnings, fmt.Errorf("%s %d is below minimum %d, clamping", name, *v, lo))
		*v = lo
	case *v > hi:
		warnings = append(warnings, fmt.Errorf("%s %d exceeds maximum %d, clamping", name, *v, hi))
		*v = hi
	}
	return warnings
}
