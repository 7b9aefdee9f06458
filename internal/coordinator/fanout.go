package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jcmexdev/diagnosis-sagas/internal/capability"
	"github.com/jcmexdev/diagnosis-sagas/internal/coordinator/checkpoint"
)

// FanOut runs a set of enabled analyzer branches concurrently and collects
// their outcomes under a global deadline.
//
// Branches are independent: no branch observes another's outcome, and every
// capability failure is converted into a BranchOutcome — Execute never
// fails. Branches still running when the global deadline fires are recorded
// as TIMEOUT and abandoned; a late result from an abandoned branch is
// discarded, never applied, preserving the one-committed-outcome-per-
// capability invariant.
type FanOut struct {
	registry         *capability.Registry
	perBranchTimeout time.Duration
	totalTimeout     time.Duration
	minSuccessful    int
}

func NewFanOut(reg *capability.Registry, perBranchTimeout, totalTimeout time.Duration, minSuccessful int) *FanOut {
	return &FanOut{
		registry:         reg,
		perBranchTimeout: perBranchTimeout,
		totalTimeout:     totalTimeout,
		minSuccessful:    minSuccessful,
	}
}

// Execute launches one goroutine per branch and waits for all of them or
// for the total timeout, whichever comes first. It returns the full outcome
// map plus whether the minimum-success policy was met; the caller decides
// what a shortfall means (by design: an INCONCLUSIVE aggregate, not a saga
// failure).
func (f *FanOut) Execute(ctx context.Context, branches []string, in *checkpoint.Context) (map[string]checkpoint.BranchOutcome, bool) {
	outcomes := make(map[string]checkpoint.BranchOutcome, len(branches))
	if len(branches) == 0 {
		return outcomes, f.minSuccessful <= 0
	}

	// Buffered to branch count so an abandoned goroutine can always
	// deliver its (discarded) result and exit instead of leaking.
	results := make(chan checkpoint.BranchOutcome, len(branches))

	pending := make(map[string]struct{}, len(branches))
	started := time.Now()
	for _, name := range branches {
		pending[name] = struct{}{}
		go func(name string) {
			results <- f.runBranch(ctx, name, in)
		}(name)
	}

	deadline := time.NewTimer(f.totalTimeout)
	defer deadline.Stop()

collect:
	for len(pending) > 0 {
		select {
		case o := <-results:
			outcomes[o.Capability] = o
			delete(pending, o.Capability)
		case <-deadline.C:
			slog.WarnContext(ctx, "fan-out deadline elapsed, abandoning unfinished branches",
				"pending", len(pending), "total_timeout", f.totalTimeout)
			break collect
		case <-ctx.Done():
			break collect
		}
	}

	// Whatever is still pending was overtaken by the global deadline (or
	// caller cancellation): record TIMEOUT and move on.
	elapsed := time.Since(started).Milliseconds()
	for name := range pending {
		outcomes[name] = checkpoint.BranchOutcome{
			Capability: name,
			Status:     checkpoint.BranchTimeout,
			Error:      "abandoned at fan-out deadline",
			DurationMS: elapsed,
		}
	}

	successes := 0
	for _, o := range outcomes {
		if o.Status == checkpoint.BranchSuccess {
			successes++
		}
	}
	return outcomes, successes >= f.minSuccessful
}

// runBranch executes one analyzer capability to completion under its
// per-branch timeout. All failure modes become outcomes; the only error it
// cannot absorb — an unregistered name — is a programmer error upstream in
// the decision step, and is still reported as a FAILURE outcome rather than
// a panic.
func (f *FanOut) runBranch(ctx context.Context, name string, in *checkpoint.Context) checkpoint.BranchOutcome {
	entry, err := f.registry.Lookup(name)
	if err != nil {
		return checkpoint.BranchOutcome{Capability: name, Status: checkpoint.BranchFailure, Error: err.Error()}
	}

	timeout := f.perBranchTimeout
	if entry.Timeout > 0 {
		timeout = entry.Timeout
	}
	branchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	raw, err := entry.Capability.Invoke(branchCtx, in)
	duration := time.Since(start).Milliseconds()

	if err != nil {
		status := checkpoint.BranchFailure
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(branchCtx.Err(), context.DeadlineExceeded) {
			status = checkpoint.BranchTimeout
		}
		return checkpoint.BranchOutcome{
			Capability: name,
			Status:     status,
			Error:      err.Error(),
			DurationMS: duration,
		}
	}

	diag, err := capability.ParseDiagnosis(raw)
	if err != nil {
		return checkpoint.BranchOutcome{
			Capability: name,
			Status:     checkpoint.BranchFailure,
			Error:      err.Error(),
			DurationMS: duration,
		}
	}

	return checkpoint.BranchOutcome{
		Capability: name,
		Status:     checkpoint.BranchSuccess,
		Diagnosis:  diag,
		DurationMS: duration,
	}
}
