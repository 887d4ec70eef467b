package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"brickctl/internal/app"
	"brickctl/internal/command/client"
	"brickctl/internal/command/scheduler"
	"brickctl/internal/protocol/bytecode"
	"brickctl/internal/protocol/packet"
)

var cmdProbe = &cobra.Command{
	Use:   "probe",
	Short: "Round-trip no-op commands and report latency",
	RunE:  runProbe,
}

var (
	probeCount    int
	probeParallel int
)

func init() {
	rootCmd.AddCommand(cmdProbe)
	cmdProbe.Flags().IntVarP(&probeCount, "count", "n", 1, "number of probes")
	cmdProbe.Flags().IntVarP(&probeParallel, "parallel", "p", 1, "probes queued at once")
}

func runProbe(cmd *cobra.Command, _ []string) error {
	if probeCount < 1 {
		return fmt.Errorf("--count must be >= 1")
	}
	return oneShot(cmd.Context(), func(ctx context.Context, a *app.App) error {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(max(probeParallel, 1))

		took := make([]time.Duration, probeCount)
		start := time.Now()
		for i := 0; i < probeCount; i++ {
			g.Go(func() error {
				res, err := a.Client().Send(gctx, client.Request{
					Name:       "probe",
					Lane:       scheduler.LaneHigh,
					Type:       packet.DirectCommandReply,
					Payload:    bytecode.Probe(),
					Idempotent: true,
				})
				if err != nil {
					return fmt.Errorf("probe %d: %w", i, err)
				}
				took[i] = res.Duration
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		var total, worst time.Duration
		for _, d := range took {
			total += d
			worst = max(worst, d)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d probes ok in %s: avg=%s max=%s\n",
			probeCount, time.Since(start).Round(time.Millisecond), total/time.Duration(probeCount), worst)
		return nil
	})
}
