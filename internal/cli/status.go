package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/kioskfsm/internal/engine"
	"github.com/roach88/kioskfsm/internal/fsm"
	"github.com/roach88/kioskfsm/internal/ledger"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Order string
	Log   bool
}

// RuntimeStatus is the status command's JSON payload.
type RuntimeStatus struct {
	Runtime *fsm.Runtime          `json:"runtime"`
	Log     []fsm.TransitionEntry `json:"log,omitempty"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status [runtime-id]",
		Short: "Show a runtime, or server health",
		Long: `Show a runtime's current state from a running server.

Without a runtime id or --order the server's readiness is shown instead.

Examples:
  kioskfsm status
  kioskfsm status --order o-17 --log
  kioskfsm status 0193... --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			runtimeID := ""
			if len(args) == 1 {
				runtimeID = args[0]
			}
			return runStatus(opts, runtimeID, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Order, "order", "", "order id, resolves to its latest runtime")
	cmd.Flags().BoolVar(&opts.Log, "log", false, "include the lifecycle log")

	return cmd
}

func runStatus(opts *StatusOptions, runtimeID string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	client := newAPIClient(opts.Server)

	if runtimeID == "" && opts.Order == "" {
		h, err := client.Health(ctx)
		if err != nil {
			return clientFailure(f, err)
		}
		if err := f.Emit(h, func(w io.Writer) { writeHealth(w, opts.Server, h) }); err != nil {
			return err
		}
		if !h.Store {
			return NewExitError(ExitFailure, "store unavailable")
		}
		return nil
	}

	var (
		rt  *fsm.Runtime
		err error
	)
	if runtimeID != "" {
		rt, err = client.Runtime(ctx, runtimeID)
	} else {
		rt, err = client.OrderRuntime(ctx, opts.Order)
	}
	if err != nil {
		return clientFailure(f, err)
	}

	out := RuntimeStatus{Runtime: rt}
	if opts.Log {
		if out.Log, err = client.Log(ctx, rt.ID); err != nil {
			return clientFailure(f, err)
		}
	}
	return f.Emit(out, func(w io.Writer) {
		writeRuntime(w, rt)
		if opts.Log {
			fmt.Fprintln(w, "Log:")
			writeTimeline(w, out.Log)
		}
	})
}

func writeHealth(w io.Writer, server string, h engine.Health) {
	store := "ok"
	if !h.Store {
		store = "DOWN " + h.StoreError
	}
	fmt.Fprintf(w, "Server:   %s\n", server)
	fmt.Fprintf(w, "Store:    %s\n", store)
	fmt.Fprintf(w, "Devices:  %t\n", h.DevicesConfigured)
	fmt.Fprintf(w, "Pending:  %d\n", h.Pending)
	fmt.Fprintf(w, "Timers:   %d\n", h.Armed)
}

// StockOptions holds flags for the stock command.
type StockOptions struct {
	*RootOptions
	Add int
}

// NewStockCommand creates the stock command.
func NewStockCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StockOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "stock <item-id>",
		Short: "Show or adjust an item's stock",
		Long: `Show an item's available and reserved quantity, or adjust available
stock with --add. A negative --add removes stock and fails rather than
driving available below zero.

Examples:
  kioskfsm stock burger
  kioskfsm stock burger --add 20
  kioskfsm stock burger --add -3`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStock(opts, args[0], cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Add, "add", 0, "quantity to add to available (negative removes)")

	return cmd
}

func runStock(opts *StockOptions, itemID string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	client := newAPIClient(opts.Server)

	var (
		entry ledger.StockEntry
		err   error
	)
	if cmd.Flags().Changed("add") {
		entry, err = client.Replenish(ctx, itemID, opts.Add)
	} else {
		entry, err = client.Stock(ctx, itemID)
	}
	if err != nil {
		return clientFailure(f, err)
	}
	return f.Emit(entry, func(w io.Writer) {
		fmt.Fprintf(w, "%s: available %d, reserved %d\n", entry.ItemID, entry.Available, entry.Reserved)
	})
}
