package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/factlens/desktop/internal/config"
	"github.com/factlens/desktop/internal/logging"
)

var log = logging.L("main")

var (
	version   = "0.1.0"
	cfgFile   string
	serverURL string
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "factlens",
	Short: "Record speech and fact-check it",
	Long: `factlens records microphone audio, sends it to an analysis service
through a background relay and shows the statements it found together with
supporting and challenging arguments.`,
	Run: func(cmd *cobra.Command, args []string) {
		runUI()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("factlens v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is <user config dir>/factlens/factlens.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "analysis service URL (overrides config and "+config.EnvServerURL+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: text or json")

	rootCmd.AddCommand(uiCmd)
	rootCmd.AddCommand(relayCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(devserverCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	// .env is optional; FACTLENS_SERVER_URL may come from it.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Warning: .env: %v\n", err)
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, applies flag overrides and validates.
// Fatal problems exit; warnings are printed and the clamped values kept.
func loadConfig() *config.Config {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if serverURL != "" {
		cfg.ServerURL = serverURL
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.LogFormat = logFormat
	}

	result := cfg.ValidateTiered()
	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "Config warning: %v\n", w)
	}
	if result.HasFatals() {
		for _, f := range result.Fatals {
			fmt.Fprintf(os.Stderr, "Config error: %v\n", f)
		}
		os.Exit(1)
	}
	return cfg
}

// initLogging points the global logger at stderr, a rotating file, or both.
// The returned function closes the file.
func initLogging(cfg *config.Config, name string, toStderr bool) func() {
	path := cfg.LogFile
	if path == "" {
		path = logging.DefaultLogPath(name)
	}

	rw, err := logging.NewRotatingWriter(path, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
	if err != nil {
		if toStderr {
			logging.Init(cfg.LogFormat, cfg.LogLevel, os.Stderr)
			log.Warn("log file unavailable, logging to stderr only", "path", path, logging.KeyError, err)
		} else {
			logging.Init(cfg.LogFormat, cfg.LogLevel, io.Discard)
		}
		return func() {}
	}

	var out io.Writer = rw
	if toStderr {
		out = io.MultiWriter(os.Stderr, rw)
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, out)
	return func() { rw.Close() }
}

// shutdownTimeout bounds draining background work on exit.
const shutdownTimeout = 5 * time.Second
