package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"brickctl/internal/app"
	"brickctl/internal/command/scheduler"
	"brickctl/internal/transfer"
)

var cmdList = &cobra.Command{
	Use:   "ls <brick dir>",
	Short: "List a directory on the brick",
	Args:  cobra.ExactArgs(1),
	RunE:  runList,
}

var cmdRemove = &cobra.Command{
	Use:   "rm <brick path>...",
	Short: "Delete files on the brick",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRemove,
}

func init() {
	rootCmd.AddCommand(cmdList, cmdRemove)
}

func runList(cmd *cobra.Command, args []string) error {
	return oneShot(cmd.Context(), func(ctx context.Context, a *app.App) error {
		entries, err := transfer.List(ctx, a.Client(), args[0], scheduler.LaneNormal)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		for _, e := range entries {
			if e.Dir {
				fmt.Fprintf(w, "%s/\t-\t\n", e.Name)
				continue
			}
			fmt.Fprintf(w, "%s\t%d\t%s\n", e.Name, e.Size, e.MD5)
		}
		return w.Flush()
	})
}

func runRemove(cmd *cobra.Command, args []string) error {
	return oneShot(cmd.Context(), func(ctx context.Context, a *app.App) error {
		for _, p := range args {
			if err := transfer.Delete(ctx, a.Client(), p, scheduler.LaneNormal); err != nil {
				return fmt.Errorf("%s: %w", p, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", p)
		}
		return nil
	})
}
