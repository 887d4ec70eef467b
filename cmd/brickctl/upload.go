package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"brickctl/internal/app"
	"brickctl/internal/command/scheduler"
	"brickctl/internal/transfer"
)

var cmdUpload = &cobra.Command{
	Use:   "upload <local file> <brick path>",
	Short: "Copy a file onto the brick in chunks",
	Args:  cobra.ExactArgs(2),
	RunE:  runUpload,
}

var (
	uploadChunk int
	uploadLane  string
)

func init() {
	rootCmd.AddCommand(cmdUpload)
	cmdUpload.Flags().IntVar(&uploadChunk, "chunk", transfer.DefaultChunkSize, "bytes per frame")
	cmdUpload.Flags().StringVar(&uploadLane, "lane", "normal", "scheduling lane")
}

func runUpload(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	lane, err := scheduler.ParseLane(uploadLane)
	if err != nil {
		return err
	}
	return oneShot(cmd.Context(), func(ctx context.Context, a *app.App) error {
		res, err := transfer.Upload(ctx, a.Client(), args[1], data, transfer.Options{
			Lane:      lane,
			ChunkSize: uploadChunk,
			Log:       a.Logger(),
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "uploaded %d bytes to %s in %s\n", len(data), args[1], res.FinishedAt.Sub(res.StartedAt))
		return nil
	})
}
