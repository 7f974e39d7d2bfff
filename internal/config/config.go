package config

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/factlens/desktop/internal/ipc"
	"github.com/factlens/desktop/pkg/models"
)

// EnvServerURL is the only setting read from the environment.
const EnvServerURL = "FACTLENS_SERVER_URL"

type Config struct {
	ServerURL             string `mapstructure:"server_url" yaml:"server_url"`
	SocketPath            string `mapstructure:"socket_path" yaml:"socket_path"`
	ContentType           string `mapstructure:"content_type" yaml:"content_type"`
	ChunkIntervalMs       int    `mapstructure:"chunk_interval_ms" yaml:"chunk_interval_ms"`
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds" yaml:"request_timeout_seconds"`
	ProbeAttempts         int    `mapstructure:"probe_attempts" yaml:"probe_attempts"`

	CaptureCommand       string   `mapstructure:"capture_command" yaml:"capture_command"`
	CaptureArgs          []string `mapstructure:"capture_args" yaml:"capture_args,omitempty"`
	CaptureStopTimeoutMs int      `mapstructure:"capture_stop_timeout_ms" yaml:"capture_stop_timeout_ms"`

	RelayWorkers   int  `mapstructure:"relay_workers" yaml:"relay_workers"`
	RelayQueueSize int  `mapstructure:"relay_queue_size" yaml:"relay_queue_size"`
	VerifyPeer     bool `mapstructure:"verify_peer" yaml:"verify_peer"`
	SpawnRelay     bool `mapstructure:"spawn_relay" yaml:"spawn_relay"`

	LogLevel      string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat     string `mapstructure:"log_format" yaml:"log_format"`
	LogFile       string `mapstructure:"log_file" yaml:"log_file,omitempty"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb" yaml:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups" yaml:"log_max_backups"`
}

func Default() *Config {
	return &Config{
		ServerURL:             "http://localhost:5000",
		SocketPath:            ipc.DefaultSocketPath(),
		ContentType:           models.DefaultContentType,
		ChunkIntervalMs:       1000,
		RequestTimeoutSeconds: 120,
		ProbeAttempts:         3,
		CaptureCommand:        "ffmpeg",
		CaptureStopTimeoutMs:  3000,
		RelayWorkers:          2,
		RelayQueueSize:        8,
		VerifyPeer:            true,
		SpawnRelay:            true,
		LogLevel:              "info",
		LogFormat:             "text",
		LogMaxSizeMB:          10,
		LogMaxBackups:         3,
	}
}

// ChunkInterval returns the capture timeslice.
func (c *Config) ChunkInterval() time.Duration {
	return time.Duration(c.ChunkIntervalMs) * time.Millisecond
}

// RequestTimeout bounds one analysis round trip.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// CaptureStopTimeout bounds how long the recorder may take to finalize.
func (c *Config) CaptureStopTimeout() time.Duration {
	return time.Duration(c.CaptureStopTimeoutMs) * time.Millisecond
}

// Load reads factlens.yaml from cfgFile or the default search path. A missing
// file is not an error. FACTLENS_SERVER_URL overrides server_url.
func Load(cfgFile string) (*Config, error) {
	v := newViper()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("factlens")
		v.SetConfigType("yaml")
		v.AddConfigPath(ConfigDir())
		v.AddConfigPath(".")
	}

	if err := v.BindEnv("server_url", EnvServerURL); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveTo writes cfg as YAML. An empty cfgFile writes to the default location.
func SaveTo(cfg *Config, cfgFile string) (string, error) {
	v := viper.New()
	v.Set("server_url", cfg.ServerURL)
	v.Set("socket_path", cfg.SocketPath)
	v.Set("content_type", cfg.ContentType)
	v.Set("chunk_interval_ms", cfg.ChunkIntervalMs)
	v.Set("request_timeout_seconds", cfg.RequestTimeoutSeconds)
	v.Set("probe_attempts", cfg.ProbeAttempts)
	v.Set("capture_command", cfg.CaptureCommand)
	v.Set("capture_args", cfg.CaptureArgs)
	v.Set("capture_stop_timeout_ms", cfg.CaptureStopTimeoutMs)
	v.Set("relay_workers", cfg.RelayWorkers)
	v.Set("relay_queue_size", cfg.RelayQueueSize)
	v.Set("verify_peer", cfg.VerifyPeer)
	v.Set("spawn_relay", cfg.SpawnRelay)
	v.Set("log_level", cfg.LogLevel)
	v.Set("log_format", cfg.LogFormat)
	v.Set("log_file", cfg.LogFile)
	v.Set("log_max_size_mb", cfg.LogMaxSizeMB)
	v.Set("log_max_backups", cfg.LogMaxBackups)

	cfgPath := cfgFile
	if cfgPath == "" {
		cfgPath = filepath.Join(ConfigDir(), "factlens.yaml")
	}
	if dir := filepath.Dir(cfgPath); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return "", err
		}
	}

	if err := v.WriteConfigAs(cfgPath); err != nil {
		return "", err
	}
	return cfgPath, os.Chmod(cfgPath, 0600)
}

func newViper() *viper.Viper {
	v := viper.New()
	d := Default()
	v.SetDefault("server_url", d.ServerURL)
	v.SetDefault("socket_path", d.SocketPath)
	v.SetDefault("content_type", d.ContentType)
	v.SetDefault("chunk_interval_ms", d.ChunkIntervalMs)
	v.SetDefault("request_timeout_seconds", d.RequestTimeoutSeconds)
	v.SetDefault("probe_attempts", d.ProbeAttempts)
	v.SetDefault("capture_command", d.CaptureCommand)
	v.SetDefault("capture_args", d.CaptureArgs)
	v.SetDefault("capture_stop_timeout_ms", d.CaptureStopTimeoutMs)
	v.SetDefault("relay_workers", d.RelayWorkers)
	v.SetDefault("relay_queue_size", d.RelayQueueSize)
	v.SetDefault("verify_peer", d.VerifyPeer)
	v.SetDefault("spawn_relay", d.SpawnRelay)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)
	v.SetDefault("log_file", d.LogFile)
	v.SetDefault("log_max_size_mb", d.LogMaxSizeMB)
	v.SetDefault("log_max_backups", d.LogMaxBackups)
	return v
}

// ConfigDir is the per-user directory holding factlens.yaml.
func ConfigDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "."
	}
	return filepath.Join(dir, "factlens")
}
