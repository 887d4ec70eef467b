package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"brickctl/internal/app"
)

var cmdJournal = &cobra.Command{
	Use:   "journal",
	Short: "Show the most recent journaled commands",
	RunE:  runJournal,
}

var journalLimit int

func init() {
	rootCmd.AddCommand(cmdJournal)
	cmdJournal.Flags().IntVarP(&journalLimit, "limit", "n", 20, "entries to show")
}

func runJournal(cmd *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer func() { _ = a.Stop(context.Background(), app.StopOneShot) }()

	st := a.Journal()
	if st == nil {
		return errors.New("journal is disabled (set journal.driver)")
	}
	entries, err := st.Recent(cmd.Context(), journalLimit)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "AT\tLANE\tNAME\tOUTCOME\tATTEMPTS\tTOOK\tERROR")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			e.At.Local().Format(time.DateTime), e.Lane, e.Name, e.Outcome, e.Attempts,
			time.Duration(e.TookMS)*time.Millisecond, e.Error)
	}
	return w.Flush()
}
