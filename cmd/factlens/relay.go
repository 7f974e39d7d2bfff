package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/factlens/desktop/internal/config"
	"github.com/factlens/desktop/internal/httputil"
	"github.com/factlens/desktop/internal/relay"
	"github.com/factlens/desktop/internal/relayclient"
	"github.com/factlens/desktop/pkg/api"
)

var relayLinger time.Duration

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the analysis relay",
	Long: `Run the background relay that accepts recordings from factlens
front ends over local IPC and forwards them to the analysis service.
The UI starts one automatically when none is running.`,
	Run: func(cmd *cobra.Command, args []string) {
		runRelay()
	},
}

func init() {
	relayCmd.Flags().DurationVar(&relayLinger, "linger", 0, "exit after this long with no connected clients (0 runs until stopped)")
}

// newAPIClient builds the HTTP client for the analysis service.
func newAPIClient(cfg *config.Config) *api.Client {
	c := api.NewClient(cfg.ServerURL, cfg.RequestTimeout())
	retry := httputil.DefaultRetryConfig()
	retry.MaxRetries = cfg.ProbeAttempts - 1
	c.SetProbeRetry(retry)
	return c
}

func runRelay() {
	cfg := loadConfig()
	closeLog := initLogging(cfg, "relay", true)
	defer closeLog()

	log.Info("starting relay",
		"version", version,
		"server", cfg.ServerURL,
		"socket", cfg.SocketPath,
		"workers", cfg.RelayWorkers,
		"linger", relayLinger,
	)

	broker := relay.New(newAPIClient(cfg), relay.Options{
		SocketPath:     cfg.SocketPath,
		ServerURL:      cfg.ServerURL,
		Workers:        cfg.RelayWorkers,
		QueueSize:      cfg.RelayQueueSize,
		RequestTimeout: cfg.RequestTimeout(),
		VerifyPeer:     cfg.VerifyPeer,
		Linger:         relayLinger,
	})
	defer broker.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := broker.Listen(ctx); err != nil && !errors.Is(err, relay.ErrBrokerClosed) {
		if errors.Is(err, relay.ErrAlreadyRunning) {
			fmt.Fprintln(os.Stderr, "A relay is already running on", cfg.SocketPath)
			return
		}
		log.Error("relay stopped", "error", err)
		fmt.Fprintf(os.Stderr, "Relay failed: %v\n", err)
		os.Exit(1)
	}
	log.Info("relay stopped")
}

// connectRelay attaches to the relay, starting one in the background when
// the config allows it.
func connectRelay(ctx context.Context, cfg *config.Config) (*relayclient.Client, error) {
	args := []string{"relay", "--linger", "5m"}
	if cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}
	if serverURL != "" {
		args = append(args, "--server", serverURL)
	}
	if logLevel != "" {
		args = append(args, "--log-level", logLevel)
	}
	return relayclient.EnsureRelay(ctx, relayclient.SpawnOptions{
		SocketPath: cfg.SocketPath,
		Version:    version,
		Spawn:      cfg.SpawnRelay,
		Args:       args,
	})
}
