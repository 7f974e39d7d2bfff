package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/factlens/desktop/pkg/models"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Check that the analysis service is reachable",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		closeLog := initLogging(cfg, "cli", false)
		defer closeLog()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		var (
			reachable bool
			message   string
			latency   time.Duration
			target    = cfg.ServerURL
		)
		if directMode {
			start := time.Now()
			err := newAPIClient(cfg).Probe(ctx)
			latency = time.Since(start)
			reachable = err == nil
			if err != nil {
				message = err.Error()
				var te *models.TransportError
				if errors.As(err, &te) {
					message = te.UserMessage()
				}
			}
		} else {
			client, err := connectRelay(ctx, cfg)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Cannot reach the factlens relay: %v\n", err)
				os.Exit(1)
			}
			defer client.Close()
			st := relayProbe(client)(ctx)
			reachable, message, latency = st.Reachable, st.Message, st.Latency
			if st.ServerURL != "" {
				target = st.ServerURL
			}
		}

		if !reachable {
			fmt.Printf("%s: unreachable: %s\n", target, message)
			os.Exit(1)
		}
		fmt.Printf("%s: ok (%dms)\n", target, latency.Milliseconds())
	},
}

func init() {
	probeCmd.Flags().BoolVar(&directMode, "direct", false, "probe the analysis service directly instead of through the relay")
}
