package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/kioskfsm/internal/fsm"
	"github.com/roach88/kioskfsm/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	Runtime  string
	Order    string
	Rejected bool // only rejected entries
}

// TraceResult holds the trace output.
type TraceResult struct {
	Runtime  string                `json:"runtime_id,omitempty"`
	Order    string                `json:"order_id,omitempty"`
	Timeline []fsm.TransitionEntry `json:"timeline"`
	Stats    TraceStats            `json:"stats"`
}

// TraceStats summarises a timeline.
type TraceStats struct {
	Total    int       `json:"total"`
	Applied  int       `json:"applied"`
	Rejected int       `json:"rejected"`
	Final    fsm.State `json:"final_state,omitempty"`
	Terminal bool      `json:"terminal"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Show the lifecycle log of a runtime or order",
		Long: `Read the append-only lifecycle log straight from the database.

Every transition attempt is listed in seq order, applied and rejected
alike. With --order the log of every runtime the order ever had is shown.

Examples:
  kioskfsm trace --db ./kioskfsm.db --order o-17
  kioskfsm trace --db ./kioskfsm.db --runtime 0193... --rejected
  kioskfsm trace --order o-17 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default from config)")
	cmd.Flags().StringVar(&opts.Runtime, "runtime", "", "runtime id")
	cmd.Flags().StringVar(&opts.Order, "order", "", "order id")
	cmd.Flags().BoolVar(&opts.Rejected, "rejected", false, "show only rejected entries")
	cmd.MarkFlagsMutuallyExclusive("runtime", "order")

	return cmd
}

// openExistingStore opens the database named by dbFlag, or by the config
// when dbFlag is empty. A missing file is an error rather than a fresh
// database.
func openExistingStore(opts *RootOptions, dbFlag string) (*store.Store, error) {
	path := dbFlag
	if path == "" {
		cfg, err := loadConfig(opts.Config)
		if err != nil {
			return nil, err
		}
		path = cfg.Database
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("database %s: %w", path, err)
	}
	return store.Open(path)
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	if opts.Runtime == "" && opts.Order == "" {
		return f.Fail(ExitCommandError, ErrCodeGeneric, errors.New("one of --runtime or --order is required"))
	}

	st, err := openExistingStore(opts.RootOptions, opts.Database)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeNotFound, err)
	}
	defer st.Close()

	ctx := context.Background()
	var entries []fsm.TransitionEntry
	if opts.Runtime != "" {
		entries, err = st.ListTransitions(ctx, opts.Runtime)
	} else {
		entries, err = st.ListOrderTransitions(ctx, opts.Order)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read log", err)
	}

	result := TraceResult{
		Runtime:  opts.Runtime,
		Order:    opts.Order,
		Timeline: filterTimeline(entries, opts.Rejected),
		Stats:    traceStats(entries),
	}

	return f.Emit(result, func(w io.Writer) {
		if len(entries) == 0 {
			fmt.Fprintln(w, "No log entries found.")
			return
		}
		writeTimeline(w, result.Timeline)
		fmt.Fprintln(w)
		fmt.Fprintf(w, "%d entries: %d applied, %d rejected", result.Stats.Total, result.Stats.Applied, result.Stats.Rejected)
		if result.Stats.Final != "" {
			fmt.Fprintf(w, "; final state %s", result.Stats.Final)
		}
		fmt.Fprintln(w)
	})
}

func filterTimeline(entries []fsm.TransitionEntry, rejectedOnly bool) []fsm.TransitionEntry {
	out := make([]fsm.TransitionEntry, 0, len(entries))
	for _, e := range entries {
		if rejectedOnly && e.Outcome != fsm.OutcomeRejected {
			continue
		}
		out = append(out, e)
	}
	return out
}

// traceStats counts outcomes. Final is the destination of the last
// applied entry.
func traceStats(entries []fsm.TransitionEntry) TraceStats {
	s := TraceStats{Total: len(entries)}
	for _, e := range entries {
		switch e.Outcome {
		case fsm.OutcomeApplied:
			s.Applied++
			s.Final = e.To
		case fsm.OutcomeRejected:
			s.Rejected++
		}
	}
	s.Terminal = s.Final.IsTerminal()
	return s
}
