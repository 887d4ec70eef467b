package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"brickctl/internal/app"
)

var cmdBattery = &cobra.Command{
	Use:   "battery",
	Short: "Read battery voltage and level once",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return oneShot(cmd.Context(), func(ctx context.Context, a *app.App) error {
			r, err := a.Telemetry().Poll(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "voltage=%.2fV level=%d%%\n", r.Voltage, r.Level)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(cmdBattery)
}
