package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dray-io/archivist/internal/archiver"
	"github.com/dray-io/archivist/internal/pidlock"
	"github.com/dray-io/archivist/internal/state"
	"github.com/spf13/cobra"
)

func newStatusCmd(f *cliFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show tracked locked threads and the lock holder of each board",
		Long: `status reads each board's state file and prints the tracked locked
threads with their purge time, and whether the recorded lock holder is alive.
It never contacts the platform and never modifies state.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.load(cmd)
			if err != nil {
				return err
			}
			now := time.Now()
			out := cmd.OutOrStdout()

			statuses := make([]archiver.Status, 0, len(cfg.Boards))
			for _, board := range cfg.Boards {
				s := state.Load(cfg.StatePath(board))
				statuses = append(statuses, archiver.Inspect(board, s, cfg.Archive.PurgeAfterSeconds, now, pidlock.ProcessAlive))
			}

			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(statuses)
			}
			for i, st := range statuses {
				if i > 0 {
					fmt.Fprintln(out)
				}
				printStatus(out, st, now)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func printStatus(w io.Writer, st archiver.Status, now time.Time) {
	fmt.Fprintf(w, "board:   %s\n", st.Board)
	signer := st.Signer
	if signer == "" {
		signer = "(none)"
	}
	fmt.Fprintf(w, "signer:  %s\n", signer)

	switch {
	case st.Lock == nil:
		fmt.Fprintln(w, "lock:    free")
	case st.Lock.Alive:
		fmt.Fprintf(w, "lock:    held by pid %d (running)\n", st.Lock.PID)
	default:
		fmt.Fprintf(w, "lock:    stale record for pid %d (not running)\n", st.Lock.PID)
	}

	fmt.Fprintf(w, "tracked: %d\n", len(st.Threads))
	if len(st.Threads) == 0 {
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "THREAD\tLOCKED\tPURGE")
	for _, t := range st.Threads {
		purge := "in " + t.PurgeAt.Sub(now).Truncate(time.Second).String()
		if t.Due {
			purge = "due"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", t.ID, t.LockedAt.UTC().Format(time.RFC3339), purge)
	}
	tw.Flush()
}
