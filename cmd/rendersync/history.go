package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"rendersync/internal/journal"

	"github.com/spf13/cobra"
)

var (
	historyStatus string
	historyPeer   string
	historyLimit  int
	historyJSON   bool
	historyPrune  time.Duration
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List the transfers recorded in the journal",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		if cfg.JournalPath == "" {
			return errors.New("no journal configured (--journal)")
		}
		status := journal.Status(strings.ToUpper(historyStatus))
		switch status {
		case "", journal.StatusRunning, journal.StatusComplete, journal.StatusFailed,
			journal.StatusCancelled, journal.StatusInterrupted:
		default:
			return fmt.Errorf("unknown --status %q", historyStatus)
		}

		ledger, err := journal.Open(journal.Config{Path: cfg.JournalPath, Logger: logger.With("component", "journal")})
		if err != nil {
			return err
		}
		defer ledger.Close()

		if historyPrune > 0 {
			n, err := ledger.Prune(time.Now().Add(-historyPrune))
			if err != nil {
				return err
			}
			logger.Info("Journal pruned", "removed", n, "older_than", historyPrune)
		}

		entries, err := ledger.List(journal.Filter{Status: status, PeerID: historyPeer, Limit: historyLimit})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if historyJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		}
		return printEntries(out, entries)
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().StringVar(&historyStatus, "status", "", "only entries with this status (complete, failed, cancelled, interrupted, running)")
	historyCmd.Flags().StringVar(&historyPeer, "peer", "", "only entries fetched from this peer")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "maximum number of entries, 0 for all")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "print the entries as JSON")
	historyCmd.Flags().DurationVar(&historyPrune, "prune", 0, "first remove finished entries older than this")
}

func printEntries(w io.Writer, entries []journal.Entry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tSTATUS\tPEER\tFILE\tBYTES\tDURATION\tREASON")
	for _, e := range entries {
		bytes, dur := "-", "-"
		if e.Stats != nil {
			bytes = fmt.Sprint(e.Stats.Bytes)
			dur = e.Stats.Duration.Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", e.Started.Local().Format(time.DateTime),
			e.Status, e.PeerID, e.FileID, bytes, dur, e.Reason)
	}
	return tw.Flush()
}
