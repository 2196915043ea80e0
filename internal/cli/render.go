package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/roach88/kioskfsm/internal/fsm"
)

// parseActor parses "type:id". An empty string returns the zero actor.
func parseActor(v, comment string) (fsm.Actor, error) {
	if v == "" {
		return fsm.Actor{Comment: comment}, nil
	}
	typ, id, ok := strings.Cut(v, ":")
	if !ok || id == "" {
		return fsm.Actor{}, fmt.Errorf("invalid actor %q: want type:id", v)
	}
	at, err := fsm.ParseActorType(typ)
	if err != nil {
		return fsm.Actor{}, err
	}
	return fsm.Actor{Type: at, ID: id, Comment: comment}, nil
}

func actorString(a fsm.Actor) string {
	return fmt.Sprintf("%s:%s", a.Type, a.ID)
}

func writeRuntime(w io.Writer, rt *fsm.Runtime) {
	fmt.Fprintf(w, "Runtime:  %s\n", rt.ID)
	fmt.Fprintf(w, "Order:    %s\n", rt.OrderID)
	fmt.Fprintf(w, "State:    %s (v%d)", rt.State, rt.Version)
	if rt.State.IsTerminal() {
		fmt.Fprint(w, " terminal")
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Entered:  %s\n", rt.StateEnteredAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Amount:   %d\n", rt.Amount)
	fmt.Fprintf(w, "Pickup:   %s  PIN: %s\n", rt.PickupCode, rt.PINCode)
	if rt.FallbackQR != "" {
		fmt.Fprintf(w, "QR:       %s\n", rt.FallbackQR)
	}

	if len(rt.Attempts) > 0 {
		phases := make([]string, 0, len(rt.Attempts))
		for p := range rt.Attempts {
			phases = append(phases, string(p))
		}
		sort.Strings(phases)
		parts := make([]string, len(phases))
		for i, p := range phases {
			parts[i] = fmt.Sprintf("%s=%d", p, rt.Attempts[fsm.Phase(p)])
		}
		fmt.Fprintf(w, "Retries:  %s\n", strings.Join(parts, " "))
	}

	if len(rt.Sessions) > 0 {
		fmt.Fprintln(w, "Devices:")
		for _, p := range []fsm.Phase{fsm.PhasePayment, fsm.PhaseFiscal, fsm.PhasePrint, fsm.PhaseKitchen} {
			s, ok := rt.Session(p)
			if !ok {
				continue
			}
			fmt.Fprintf(w, "  %-8s %s %s", p, s.SessionID, s.ResultCode)
			if s.ExternalRef != "" {
				fmt.Fprintf(w, " ref=%s", s.ExternalRef)
			}
			fmt.Fprintln(w)
		}
	}
}

// writeTimeline prints log entries one per line.
func writeTimeline(w io.Writer, entries []fsm.TransitionEntry) {
	for _, e := range entries {
		mark := "→"
		if e.Outcome == fsm.OutcomeRejected {
			mark = "✗"
		}
		fmt.Fprintf(w, "[%d] %s %s %s --%s--> %s  by %s",
			e.Seq, e.At.Format(time.RFC3339), e.RuntimeID, e.From, e.Event, e.To, actorString(e.Actor))
		if e.ErrorCode != "" {
			fmt.Fprintf(w, "  %s %s", mark, e.ErrorCode)
		}
		fmt.Fprintln(w)
	}
}
