package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/factlens/desktop/internal/capture"
	"github.com/factlens/desktop/internal/config"
	"github.com/factlens/desktop/internal/recorder"
	"github.com/factlens/desktop/internal/render"
	"github.com/factlens/desktop/pkg/models"
)

var (
	directMode     bool
	jsonOutput     bool
	recordDuration time.Duration
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <file>",
	Short: "Fact-check a recorded audio file",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		closeLog := initLogging(cfg, "cli", false)
		defer closeLog()

		if _, err := os.Stat(args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "Cannot read %s: %v\n", args[0], err)
			os.Exit(1)
		}
		dev := &capture.FileDevice{
			Path:      args[0],
			Type:      cfg.ContentType,
			Interval:  cfg.ChunkInterval(),
			ChunkSize: 256 * 1024,
		}
		runSession(cfg, dev, dev.Done())
	},
}

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record from the microphone and fact-check it",
	Long: `Record from the default microphone for --duration (or until Ctrl-C)
and print the analysis.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		closeLog := initLogging(cfg, "cli", false)
		defer closeLog()

		stop := make(chan struct{})
		if recordDuration > 0 {
			time.AfterFunc(recordDuration, func() { close(stop) })
		}
		fmt.Fprintln(os.Stderr, "Recording... press Ctrl-C to stop.")
		runSession(cfg, newCaptureDevice(cfg), stop)
	},
}

func init() {
	for _, c := range []*cobra.Command{analyzeCmd, recordCmd} {
		c.Flags().BoolVar(&directMode, "direct", false, "call the analysis service directly instead of through the relay")
		c.Flags().BoolVar(&jsonOutput, "json", false, "print the raw analysis result as JSON")
	}
	recordCmd.Flags().DurationVar(&recordDuration, "duration", 10*time.Second, "how long to record (0 records until Ctrl-C)")
}

// runSession records one session from dev, stops it when stop fires or on
// Ctrl-C, and prints the outcome. It exits non-zero on failure.
func runSession(cfg *config.Config, dev capture.Device, stop <-chan struct{}) {
	var relay recorder.Relay
	if directMode {
		relay = newAPIClient(cfg)
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		client, err := connectRelay(ctx, cfg)
		cancel()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Cannot reach the factlens relay: %v\n", err)
			os.Exit(1)
		}
		defer client.Close()
		relay = client
	}

	events := make(chan recorder.Event, 64)
	ctrl := recorder.New(dev, relay, recorder.Options{
		Timeout:  cfg.RequestTimeout(),
		Listener: func(ev recorder.Event) { events <- ev },
	})

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer func() { stopSignals() }()

	if _, err := ctrl.Start(sigCtx); err != nil {
		// Device failures are reported through the event loop.
		var te *models.TransportError
		if !errors.As(err, &te) {
			fmt.Fprintf(os.Stderr, "Cannot start recording: %v\n", err)
			os.Exit(1)
		}
	}

	stopped := false
	for {
		var stopCh <-chan struct{}
		if !stopped {
			stopCh = stop
		}
		select {
		case <-stopCh:
			stopped = true
			ctrl.Stop()
		case <-sigCtx.Done():
			if !stopped {
				stopped = true
				ctrl.Stop()
			} else {
				ctrl.Cancel()
			}
			// A second Ctrl-C cancels the analysis.
			stopSignals()
			sigCtx, stopSignals = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		case ev := <-events:
			if done := report(ev); done {
				ctrl.Close(context.Background())
				if ev.Type != recorder.EventResult {
					os.Exit(1)
				}
				return
			}
		}
	}
}

// report prints progress and the final outcome. It returns true once the
// session has ended.
func report(ev recorder.Event) bool {
	switch ev.Type {
	case recorder.EventStatus:
		if ev.Status.State == recorder.StateProcessing {
			fmt.Fprintf(os.Stderr, "Analyzing %d bytes...\n", ev.Status.Bytes)
		}
		return false
	case recorder.EventResult:
		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			enc.Encode(ev.Result)
			return true
		}
		v := render.New()
		v.Render(ev.Result)
		fmt.Print(render.Plain(v.Document()))
		return true
	case recorder.EventFailure:
		v := render.New()
		msg := ev.Status.Message
		if ev.Err != nil {
			msg = ev.Err.UserMessage()
		}
		v.RenderError(msg)
		fmt.Fprint(os.Stderr, render.Plain(v.Document()))
		return true
	case recorder.EventCancelled:
		fmt.Fprintln(os.Stderr, "Cancelled.")
		return true
	}
	return false
}
