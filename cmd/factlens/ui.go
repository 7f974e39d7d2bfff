package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/factlens/desktop/internal/capture"
	"github.com/factlens/desktop/internal/config"
	"github.com/factlens/desktop/internal/recorder"
	"github.com/factlens/desktop/internal/relayclient"
	"github.com/factlens/desktop/internal/tui"
	"github.com/factlens/desktop/pkg/models"
)

var uiCmd = &cobra.Command{
	Use:   "ui",
	Short: "Open the interactive recorder (default)",
	Run: func(cmd *cobra.Command, args []string) {
		runUI()
	},
}

func newCaptureDevice(cfg *config.Config) *capture.CommandDevice {
	return capture.NewCommandDevice(capture.CommandOptions{
		Program:     cfg.CaptureCommand,
		Args:        cfg.CaptureArgs,
		ContentType: cfg.ContentType,
		Interval:    cfg.ChunkInterval(),
		StopTimeout: cfg.CaptureStopTimeout(),
	})
}

// relayProbe adapts the relay's liveness check for the UI.
func relayProbe(c *relayclient.Client) tui.ProbeFunc {
	return func(ctx context.Context) tui.ProbeStatus {
		res, err := c.Probe(ctx)
		if err != nil {
			st := tui.ProbeStatus{ServerURL: c.ServerURL(), Message: err.Error()}
			var te *models.TransportError
			if errors.As(err, &te) {
				st.Message = te.UserMessage()
			}
			return st
		}
		return tui.ProbeStatus{
			Reachable: res.Reachable,
			ServerURL: res.ServerURL,
			Message:   res.Message,
			Latency:   time.Duration(res.LatencyMs) * time.Millisecond,
			Health:    res.Health,
		}
	}
}

func runUI() {
	cfg := loadConfig()
	closeLog := initLogging(cfg, "ui", false)
	defer closeLog()

	log.Info("starting ui", "version", version, "server", cfg.ServerURL)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	client, err := connectRelay(ctx, cfg)
	cancel()
	if err != nil {
		log.Error("relay unavailable", "error", err)
		fmt.Fprintf(os.Stderr, "Cannot reach the factlens relay: %v\n", err)
		fmt.Fprintln(os.Stderr, "Start one with 'factlens relay' or set spawn_relay: true.")
		os.Exit(1)
	}
	defer client.Close()

	events := make(chan recorder.Event, 64)
	quit := make(chan struct{})
	ctrl := recorder.New(newCaptureDevice(cfg), client, recorder.Options{
		Timeout: cfg.RequestTimeout(),
		Listener: func(ev recorder.Event) {
			select {
			case events <- ev:
			case <-quit:
			}
		},
	})

	model := tui.New(tui.Options{
		Recorder:  ctrl,
		Events:    events,
		Probe:     relayProbe(client),
		ServerURL: client.ServerURL(),
		Version:   "v" + version,
		RelayDone: client.Done(),
	})

	_, runErr := tea.NewProgram(model, tea.WithAltScreen()).Run()
	close(quit)

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if err := ctrl.Close(shutdownCtx); err != nil {
		log.Warn("recorder did not shut down cleanly", "error", err)
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "UI error: %v\n", runErr)
		os.Exit(1)
	}
}
