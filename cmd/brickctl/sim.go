package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"brickctl/internal/transport/sim"
	logx "brickctl/pkg/logx"
)

var cmdSim = &cobra.Command{
	Use:   "sim",
	Short: "Serve a simulated brick on TCP for local testing",
	RunE:  runSim,
}

var (
	simListen  []string
	simVoltage float32
	simLevel   uint8
)

func init() {
	rootCmd.AddCommand(cmdSim)
	f := cmdSim.Flags()
	f.StringSliceVarP(&simListen, "listen", "l", []string{"127.0.0.1:5555"}, "listen addresses")
	f.Float32Var(&simVoltage, "voltage", 7.8, "reported battery voltage")
	f.Uint8Var(&simLevel, "level", 90, "reported battery level")
}

func runSim(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	level := flagLogLevel
	if level == "" {
		level = "info"
	}
	log := logx.NewConsole(level).With(logx.String("comp", "sim"))

	brick := sim.NewBrick()
	brick.SetBattery(simVoltage, simLevel)

	g, gctx := errgroup.WithContext(ctx)
	for _, addr := range simListen {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			cancel()
			_ = g.Wait()
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		log.Info("simulated brick listening", logx.String("addr", ln.Addr().String()))
		g.Go(func() error { return brick.Serve(gctx, ln, log) })
	}
	return g.Wait()
}
