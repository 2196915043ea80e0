package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/kioskfsm/internal/engine"
	"github.com/roach88/kioskfsm/internal/ledger"
)

// CheckoutOptions holds flags for the checkout command.
type CheckoutOptions struct {
	*RootOptions
	Items  []string // item=quantity
	Amount int64
	Actor  string
}

// NewCheckoutCommand creates the checkout command.
func NewCheckoutCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CheckoutOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "checkout <order-id>",
		Short: "Start fulfillment of an order",
		Long: `Hold stock for an order and start its runtime on a running server.

If any line cannot be held nothing is reserved and no runtime is created.

Examples:
  kioskfsm checkout o-17 --item burger=2 --item fries=1 --amount 1500
  kioskfsm checkout o-17 --item burger=1 --actor customer:kiosk-3 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheckout(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringArrayVar(&opts.Items, "item", nil, "cart line as item=quantity (repeatable, required)")
	_ = cmd.MarkFlagRequired("item")
	cmd.Flags().Int64Var(&opts.Amount, "amount", 0, "order total in minor currency units")
	cmd.Flags().StringVar(&opts.Actor, "actor", "", "submitting actor as type:id (default customer:<order-id>)")

	return cmd
}

func runCheckout(opts *CheckoutOptions, orderID string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	lines, err := parseLines(opts.Items)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeGeneric, err)
	}
	actor, err := parseActor(opts.Actor, "")
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeGeneric, err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	f.VerboseLog("POST %s/api/checkout order=%s lines=%d", opts.Server, orderID, len(lines))

	rt, err := newAPIClient(opts.Server).Checkout(ctx, engine.CheckoutRequest{
		OrderID: orderID,
		Lines:   lines,
		Amount:  opts.Amount,
		Actor:   actor,
	})
	if err != nil {
		return clientFailure(f, err)
	}
	return f.Emit(rt, func(w io.Writer) {
		fmt.Fprintf(w, "✓ Order %s started\n", rt.OrderID)
		writeRuntime(w, rt)
	})
}

// parseLines parses item=quantity pairs.
func parseLines(items []string) ([]ledger.Line, error) {
	lines := make([]ledger.Line, 0, len(items))
	for _, item := range items {
		id, qty, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("invalid item %q: want item=quantity", item)
		}
		n, err := strconv.Atoi(qty)
		if err != nil {
			return nil, fmt.Errorf("invalid quantity in %q: %w", item, err)
		}
		lines = append(lines, ledger.Line{ItemID: strings.TrimSpace(id), Quantity: n})
	}
	return lines, nil
}

// eventTarget resolves the runtime an event or status command addresses.
func eventTarget(ctx context.Context, c *apiClient, runtimeID, orderID string) (string, error) {
	if runtimeID != "" {
		return runtimeID, nil
	}
	rt, err := c.OrderRuntime(ctx, orderID)
	if err != nil {
		return "", err
	}
	return rt.ID, nil
}
