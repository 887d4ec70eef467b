package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"brickctl/internal/app"
	"brickctl/internal/command/client"
	"brickctl/internal/command/scheduler"
	"brickctl/internal/protocol/packet"
)

var cmdSend = &cobra.Command{
	Use:   "send <hex payload>",
	Short: "Send one raw command and print the reply",
	Args:  cobra.ExactArgs(1),
	RunE:  runSend,
}

var (
	sendType       string
	sendLane       string
	sendIdempotent bool
)

func init() {
	rootCmd.AddCommand(cmdSend)
	f := cmdSend.Flags()
	f.StringVar(&sendType, "type", "direct", "direct, system, direct-noreply or system-noreply")
	f.StringVar(&sendLane, "lane", "normal", "low, normal, high or emergency")
	f.BoolVar(&sendIdempotent, "idempotent", false, "allow retries")
}

func parseRequestType(s string) (byte, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "direct":
		return packet.DirectCommandReply, nil
	case "system":
		return packet.SystemCommandReply, nil
	case "direct-noreply":
		return packet.DirectCommandNoReply, nil
	case "system-noreply":
		return packet.SystemCommandNoReply, nil
	}
	return 0, fmt.Errorf("unknown request type %q", s)
}

func runSend(cmd *cobra.Command, args []string) error {
	typ, err := parseRequestType(sendType)
	if err != nil {
		return err
	}
	lane, err := scheduler.ParseLane(sendLane)
	if err != nil {
		return err
	}
	payload, err := hex.DecodeString(strings.ReplaceAll(args[0], " ", ""))
	if err != nil {
		return fmt.Errorf("payload: %w", err)
	}

	return oneShot(cmd.Context(), func(ctx context.Context, a *app.App) error {
		res, err := a.Client().Send(ctx, client.Request{
			Name:       "send",
			Lane:       lane,
			Type:       typ,
			Payload:    payload,
			Idempotent: sendIdempotent,
		})
		if err != nil {
			return err
		}
		printResult(cmd, typ, res)
		if res.Reply.IsError() {
			return fmt.Errorf("brick answered %s", packet.TypeString(res.Reply.Type))
		}
		return nil
	})
}

func printResult(cmd *cobra.Command, typ byte, res *client.Result) {
	out := cmd.OutOrStdout()
	if !packet.ExpectsReply(typ) {
		fmt.Fprintf(out, "sent (no reply) corr=%d attempts=%d\n", res.CorrelationID, res.Attempts)
		return
	}
	fmt.Fprintf(out, "%s corr=%d attempts=%d took=%s payload=%s\n",
		packet.TypeString(res.Reply.Type), res.CorrelationID, res.Attempts, res.Duration, hex.EncodeToString(res.Reply.Payload))
}
