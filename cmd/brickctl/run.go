package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"brickctl/internal/app"
)

var cmdRun = &cobra.Command{
	Use:   "run",
	Short: "Keep a session open: telemetry, journal, /metrics and config hot reload",
	RunE:  runRun,
}

var flagStopTimeout time.Duration

func init() {
	rootCmd.AddCommand(cmdRun)
	cmdRun.Flags().DurationVar(&flagStopTimeout, "stop-timeout", 10*time.Second, "graceful shutdown bound")
}

func runRun(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp()
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Close()
		return err
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), flagStopTimeout)
	defer stopCancel()
	fatal := a.Err()
	if err := a.Stop(stopCtx, reason); err != nil {
		return err
	}
	return fatal
}
