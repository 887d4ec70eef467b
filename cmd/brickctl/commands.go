package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"brickctl/internal/app"
)

var (
	rootCmd = &cobra.Command{
		Use:           "brickctl",
		Short:         "Talk to a programmable brick over its command protocol.",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	flagConfig    string
	flagTransport string
	flagAddr      string
	flagLogLevel  string
	flagTimeout   time.Duration
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flagConfig, "config", "c", "", "config file (json or yaml)")
	pf.StringVarP(&flagTransport, "transport", "t", "", "transport kind override: tcp or sim")
	pf.StringVarP(&flagAddr, "addr", "a", "", "brick address override (host:port)")
	pf.StringVar(&flagLogLevel, "log-level", "", "log level override")
	pf.DurationVar(&flagTimeout, "timeout", 0, "per-attempt timeout override")
}

func Execute() error {
	return rootCmd.Execute()
}

// newApp builds the app from --config plus flag overrides.
func newApp() (*app.App, error) {
	return app.NewApp(flagConfig, app.Options{Override: applyFlags})
}

func applyFlags(cfg *app.Config) {
	if flagTransport != "" {
		cfg.Transport.Kind = flagTransport
	}
	if flagAddr != "" {
		cfg.Transport.Addr = flagAddr
	}
	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}
	if flagConfig == "" {
		// Flag-only runs still want errors on the console.
		cfg.Logging.Console = true
		if cfg.Logging.Level == "" {
			cfg.Logging.Level = "warn"
		}
	}
	if flagTimeout > 0 {
		cfg.Scheduler.DefaultTimeout = flagTimeout.String()
	}
}

// oneShot connects, runs fn and tears everything down.
func oneShot(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(stopCtx, app.StopOneShot)
	}()
	if err := a.Connect(ctx); err != nil {
		return err
	}
	return fn(ctx, a)
}
