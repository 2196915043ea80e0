package store

import (
	"context"
	"fmt"

	"github.com/roach88/kioskfsm/internal/fsm"
)

// ReplayResult is the outcome of rebuilding a runtime from its log.
type ReplayResult struct {
	RuntimeID     string
	ReplayedState fsm.State
	StoredState   fsm.State
	Applied       int
	Rejected      int
	LastSeq       int64
	Consistent    bool
	Problems      []string
}

// ReplayRuntime rebuilds a runtime's state by folding its applied log
// entries through the transition table from INIT, and compares the result
// with the stored row. Every applied entry must be a legal table transition
// continuing from the previous one; rejected entries must leave state
// unchanged.
func (s *Store) ReplayRuntime(ctx context.Context, runtimeID string) (ReplayResult, error) {
	rt, err := s.GetRuntime(ctx, runtimeID)
	if err != nil {
		return ReplayResult{}, fmt.Errorf("replay runtime: %w", err)
	}
	entries, err := s.ListTransitions(ctx, runtimeID)
	if err != nil {
		return ReplayResult{}, fmt.Errorf("replay runtime: %w", err)
	}

	res := ReplayResult{
		RuntimeID:     runtimeID,
		ReplayedState: fsm.StateInit,
		StoredState:   rt.State,
	}
	for _, e := range entries {
		res.LastSeq = e.Seq
		switch e.Outcome {
		case fsm.OutcomeRejected:
			res.Rejected++
			if e.From != e.To {
				res.Problems = append(res.Problems, fmt.Sprintf("seq %d: rejected entry changes state %s -> %s", e.Seq, e.From, e.To))
			}
		case fsm.OutcomeApplied:
			res.Applied++
			if e.From != res.ReplayedState {
				res.Problems = append(res.Problems, fmt.Sprintf("seq %d: entry from %s but replay is at %s", e.Seq, e.From, res.ReplayedState))
			}
			to, ok := fsm.Next(e.From, e.Event)
			if !ok || to != e.To {
				res.Problems = append(res.Problems, fmt.Sprintf("seq %d: %s --%s--> %s is not in the transition table", e.Seq, e.From, e.Event, e.To))
			}
			res.ReplayedState = e.To
		default:
			res.Problems = append(res.Problems, fmt.Sprintf("seq %d: unknown outcome %q", e.Seq, e.Outcome))
		}
	}

	if res.ReplayedState != rt.State {
		res.Problems = append(res.Problems, fmt.Sprintf("replayed state %s differs from stored %s", res.ReplayedState, rt.State))
	}
	if int64(res.Applied) != rt.Version {
		res.Problems = append(res.Problems, fmt.Sprintf("%d applied entries but runtime version is %d", res.Applied, rt.Version))
	}
	res.Consistent = len(res.Problems) == 0
	return res, nil
}
