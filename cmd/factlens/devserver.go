package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/factlens/desktop/internal/devserver"
	"github.com/factlens/desktop/internal/logging"
)

var (
	devAddr       string
	devDelay      time.Duration
	devFailStatus int
	devStatements []string
)

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Run a local stand-in for the analysis service",
	Long: `Run a canned analysis service on --addr for local testing. It answers
POST /analyze like the real service, without doing any analysis.`,
	Run: func(cmd *cobra.Command, args []string) {
		level := logLevel
		if level == "" {
			level = "info"
		}
		logging.Init(logFormat, level, os.Stderr)

		srv := devserver.New(devserver.Options{
			Delay:      devDelay,
			FailStatus: devFailStatus,
			Statements: devStatements,
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log.Info("dev analysis service listening", "addr", devAddr)
		if err := srv.ListenAndServe(ctx, devAddr); err != nil {
			fmt.Fprintf(os.Stderr, "Dev server failed: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	devserverCmd.Flags().StringVar(&devAddr, "addr", "127.0.0.1:5000", "listen address")
	devserverCmd.Flags().DurationVar(&devDelay, "delay", 0, "artificial delay before each analysis reply")
	devserverCmd.Flags().IntVar(&devFailStatus, "fail", 0, "answer every analysis with this HTTP status")
	devserverCmd.Flags().StringSliceVar(&devStatements, "statement", nil, "statement to return (repeatable)")
}
