package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"brickctl/internal/app"
	"brickctl/internal/command/client"
	"brickctl/internal/command/scheduler"
	"brickctl/internal/protocol/bytecode"
	"brickctl/internal/protocol/packet"
)

var cmdStop = &cobra.Command{
	Use:   "stop",
	Short: "Stop all motors and the running program (emergency lane)",
	RunE:  runStop,
}

var stopCoast bool

func init() {
	rootCmd.AddCommand(cmdStop)
	cmdStop.Flags().BoolVar(&stopCoast, "coast", false, "let motors coast instead of braking")
}

func runStop(cmd *cobra.Command, _ []string) error {
	return oneShot(cmd.Context(), func(ctx context.Context, a *app.App) error {
		res, err := a.Client().Send(ctx, client.Request{
			Name:       "stop",
			Lane:       scheduler.LaneEmergency,
			Type:       packet.DirectCommandReply,
			Payload:    bytecode.StopAll(!stopCoast),
			Idempotent: true,
		})
		if err != nil {
			return err
		}
		if res.Reply.IsError() {
			return fmt.Errorf("brick refused stop (%s)", packet.TypeString(res.Reply.Type))
		}
		fmt.Fprintln(cmd.OutOrStdout(), "stopped")
		return nil
	})
}
