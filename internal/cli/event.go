package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/kioskfsm/internal/api"
	"github.com/roach88/kioskfsm/internal/fsm"
)

// EventOptions holds flags for the event command.
type EventOptions struct {
	*RootOptions
	Runtime string
	Order   string
	Actor   string
	Comment string
}

// NewEventCommand creates the event command.
func NewEventCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EventOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "event <event>",
		Short: "Submit an event to an order runtime",
		Long: `Submit an event to a runtime on a running server.

The runtime is named directly with --runtime or found through its order
with --order. Illegal events are rejected, recorded in the log and exit
with code 1.

Examples:
  kioskfsm event execution_confirmed --order o-17 --actor operator:staff-1
  kioskfsm event fallback_accepted --runtime 0193... --actor customer:o-17
  kioskfsm event cancel_by_operator --order o-17 --actor operator:staff-1 --comment "customer left"`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvent(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Runtime, "runtime", "", "runtime id")
	cmd.Flags().StringVar(&opts.Order, "order", "", "order id, resolves to its latest runtime")
	cmd.Flags().StringVar(&opts.Actor, "actor", "", "submitting actor as type:id (default operator:api)")
	cmd.Flags().StringVar(&opts.Comment, "comment", "", "free-text note for the audit log")
	cmd.MarkFlagsMutuallyExclusive("runtime", "order")

	return cmd
}

func runEvent(opts *EventOptions, name string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	if opts.Runtime == "" && opts.Order == "" {
		return f.Fail(ExitCommandError, ErrCodeGeneric, errors.New("one of --runtime or --order is required"))
	}
	if _, err := fsm.ParseEvent(name); err != nil {
		return f.Fail(ExitCommandError, ErrCodeGeneric, err)
	}
	actor, err := parseActor(opts.Actor, opts.Comment)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeGeneric, err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	client := newAPIClient(opts.Server)

	runtimeID, err := eventTarget(ctx, client, opts.Runtime, opts.Order)
	if err != nil {
		return clientFailure(f, err)
	}
	f.VerboseLog("POST %s/api/runtimes/%s/events event=%s", opts.Server, runtimeID, name)

	res, err := client.PostEvent(ctx, runtimeID, api.EventRequest{Event: name, Actor: actor})
	if err != nil {
		return clientFailure(f, err)
	}
	return f.Emit(res, func(w io.Writer) {
		fmt.Fprintf(w, "✓ %s applied to %s, now %s\n", name, res.RuntimeID, res.State)
	})
}
