package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/kioskfsm/internal/fsm"
	"github.com/roach88/kioskfsm/internal/store"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database string
	Runtime  string // optional - one runtime only
}

// ReplayRuntimeResult holds the replay result for a single runtime.
type ReplayRuntimeResult struct {
	RuntimeID     string    `json:"runtime_id"`
	StoredState   fsm.State `json:"stored_state"`
	ReplayedState fsm.State `json:"replayed_state"`
	Applied       int       `json:"applied"`
	Rejected      int       `json:"rejected"`
	LastSeq       int64     `json:"last_seq"`
	Consistent    bool      `json:"consistent"`
	Problems      []string  `json:"problems,omitempty"`
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Runtimes      []ReplayRuntimeResult `json:"runtimes"`
	TotalRuntimes int                   `json:"total_runtimes"`
	AllConsistent bool                  `json:"all_consistent"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay lifecycle logs and verify stored states",
		Long: `Rebuild every runtime's state from its lifecycle log and compare it
with the stored runtime row.

Applied entries are folded through the transition table from INIT; each
must be a legal transition continuing from the previous one, and rejected
entries must leave the state unchanged.

Exit codes:
  0 - Every runtime replays to its stored state
  1 - One or more runtimes are inconsistent
  2 - Command error (database not found, etc.)

Examples:
  kioskfsm replay --db ./kioskfsm.db
  kioskfsm replay --db ./kioskfsm.db --runtime 0193...
  kioskfsm replay --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default from config)")
	cmd.Flags().StringVar(&opts.Runtime, "runtime", "", "replay one runtime only")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	st, err := openExistingStore(opts.RootOptions, opts.Database)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeNotFound, err)
	}
	defer st.Close()

	ctx := context.Background()
	var ids []string
	if opts.Runtime != "" {
		ids = []string{opts.Runtime}
	} else {
		rts, err := st.ListRuntimes(ctx, 0)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list runtimes", err)
		}
		for i := len(rts) - 1; i >= 0; i-- {
			ids = append(ids, rts[i].ID)
		}
	}

	result := ReplayResult{
		Runtimes:      make([]ReplayRuntimeResult, 0, len(ids)),
		TotalRuntimes: len(ids),
		AllConsistent: true,
	}
	for _, id := range ids {
		f.VerboseLog("Replaying runtime %s", id)
		r, err := st.ReplayRuntime(ctx, id)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to replay runtime %s", id), err)
		}
		result.Runtimes = append(result.Runtimes, replayRuntimeResult(r))
		if !r.Consistent {
			result.AllConsistent = false
		}
	}

	if opts.Format == "json" {
		if result.AllConsistent {
			return f.Success(result)
		}
		if err := f.Error(ErrCodeInconsistent, "log replay does not match stored state", result); err != nil {
			return err
		}
		return NewExitError(ExitFailure, "log replay does not match stored state")
	}
	return outputReplayText(f.Writer, result, opts.Verbose)
}

func replayRuntimeResult(r store.ReplayResult) ReplayRuntimeResult {
	return ReplayRuntimeResult{
		RuntimeID:     r.RuntimeID,
		StoredState:   r.StoredState,
		ReplayedState: r.ReplayedState,
		Applied:       r.Applied,
		Rejected:      r.Rejected,
		LastSeq:       r.LastSeq,
		Consistent:    r.Consistent,
		Problems:      r.Problems,
	}
}

// outputReplayText outputs the replay result as text.
func outputReplayText(w io.Writer, result ReplayResult, verbose bool) error {
	if result.TotalRuntimes == 0 {
		fmt.Fprintln(w, "No runtimes found in database.")
		return nil
	}

	fmt.Fprintf(w, "Replay Summary: %d runtime(s)\n", result.TotalRuntimes)
	fmt.Fprintln(w)

	for _, r := range result.Runtimes {
		status := "✓"
		if !r.Consistent {
			status = "✗"
		}
		fmt.Fprintf(w, "%s %s %s\n", status, r.RuntimeID, r.StoredState)
		if verbose || !r.Consistent {
			fmt.Fprintf(w, "  Entries: %d applied, %d rejected, last seq %d\n", r.Applied, r.Rejected, r.LastSeq)
			fmt.Fprintf(w, "  Replayed: %s\n", r.ReplayedState)
		}
		for _, p := range r.Problems {
			fmt.Fprintf(w, "  %s\n", p)
		}
	}
	fmt.Fprintln(w)

	if result.AllConsistent {
		fmt.Fprintln(w, "✓ All runtimes replay to their stored state")
		return nil
	}

	fmt.Fprintln(w, "✗ Replay verification failed")
	return NewExitError(ExitFailure, "log replay does not match stored state")
}
