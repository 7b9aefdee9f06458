// Package coordinator implements the diagnosis saga: a checkpointed state
// machine that turns one quality-issue trigger into a finished diagnosis.
//
// Each saga advances Context Fetch → Classify → Decide → Execute →
// Aggregate → Emit, committing a checkpoint before the next step begins. A
// crash between steps therefore resumes at the last committed phase instead
// of re-running completed work, which bounds duplicate expensive capability
// calls (LLM-style invocations) to the single step that was in flight.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/jcmexdev/diagnosis-sagas/internal/capability"
	"github.com/jcmexdev/diagnosis-sagas/internal/coordinator/checkpoint"
	"github.com/jcmexdev/diagnosis-sagas/internal/pkg/config"
)

// Orchestrator drives diagnosis sagas through their phase transitions.
// One orchestrator serves many concurrent sagas; the only shared mutable
// state between them is the checkpoint store.
type Orchestrator struct {
	store    checkpoint.Store
	registry *capability.Registry
	provider ContextProvider
	sink     ResultSink
	cfg      config.Config
	fanout   *FanOut
	tracer   trace.Tracer

	// group collapses concurrent Run calls for the same saga ID into one
	// in-process execution; the store's version check covers the
	// cross-process case.
	group singleflight.Group
}

func NewOrchestrator(
	store checkpoint.Store,
	registry *capability.Registry,
	provider ContextProvider,
	sink ResultSink,
	cfg config.Config,
) *Orchestrator {
	return &Orchestrator{
		store:    store,
		registry: registry,
		provider: provider,
		sink:     sink,
		cfg:      cfg,
		fanout:   NewFanOut(registry, cfg.PerBranchTimeout(), cfg.TotalTimeout(), cfg.MinSuccessful),
		tracer:   otel.Tracer("coordinator"),
	}
}

// StartOrResume is the idempotent trigger entry point. The saga ID is
// derived deterministically from the trigger, so a redelivered trigger maps
// to the existing saga: in-flight sagas are returned as-is and terminal
// sagas are never re-executed. The caller decides whether to drive the saga
// with Run (the HTTP handler detaches it on a goroutine).
func (o *Orchestrator) StartOrResume(ctx context.Context, t checkpoint.Trigger) (*checkpoint.SagaState, error) {
	sagaID := checkpoint.DeriveSagaID(t)

	st, err := o.store.Load(ctx, sagaID)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, checkpoint.ErrNotFound) {
		return nil, fmt.Errorf("coordinator: load saga %q: %w", sagaID, err)
	}

	st = checkpoint.New(t, time.Now().UTC())
	if err := o.store.Save(ctx, st); err != nil {
		if errors.Is(err, checkpoint.ErrConflict) {
			// Lost the creation race to a concurrent trigger delivery;
			// the winner's state is the saga.
			return o.store.Load(ctx, sagaID)
		}
		return nil, fmt.Errorf("coordinator: create saga %q: %w", sagaID, err)
	}
	if err := o.store.AppendTransition(ctx, checkpoint.NewTransition(ctx, sagaID, checkpoint.PhaseCreated, checkpoint.PhaseCreated, "saga created")); err != nil {
		slog.WarnContext(ctx, "failed to append transition row", "saga_id", sagaID, "error", err)
	}

	slog.InfoContext(ctx, "saga created",
		"saga_id", sagaID, "document_id", t.DocumentID, "farmer_id", t.FarmerID)
	return st, nil
}

// Run drives the saga to a terminal phase (or parks it at AGGREGATED when
// emission keeps failing). Concurrent Run calls for the same saga share one
// execution.
func (o *Orchestrator) Run(ctx context.Context, sagaID string) error {
	_, err, _ := o.group.Do(sagaID, func() (any, error) {
		return nil, o.run(ctx, sagaID)
	})
	return err
}

// ResumeAll scans the store for unfinished sagas and drives each one from
// its recorded phase — the process-start recovery path. Every resume bumps
// the attempt counter; sagas past the ceiling fail permanently rather than
// crash-looping. Sagas parked at AGGREGATED are exempt: their aggregate is
// durable and emission is always safe to retry.
func (o *Orchestrator) ResumeAll(ctx context.Context) error {
	sagas, err := o.store.ListUnfinished(ctx)
	if err != nil {
		return fmt.Errorf("coordinator: list unfinished sagas: %w", err)
	}

	for _, st := range sagas {
		st.AttemptCount++
		if st.AttemptCount > o.cfg.AttemptCeiling && st.Phase != checkpoint.PhaseAggregated {
			if err := o.failSaga(ctx, st, fmt.Errorf("coordinator: resumed %d times, giving up", st.AttemptCount)); err != nil {
				slog.ErrorContext(ctx, "failed to mark crash-looping saga as failed",
					"saga_id", st.SagaID, "error", err)
			}
			continue
		}
		if err := o.store.Save(ctx, st); err != nil {
			if errors.Is(err, checkpoint.ErrConflict) {
				// Another instance picked this saga up first.
				continue
			}
			return fmt.Errorf("coordinator: checkpoint resume of %q: %w", st.SagaID, err)
		}

		slog.InfoContext(ctx, "resuming saga", "saga_id", st.SagaID, "phase", st.Phase, "attempt", st.AttemptCount)
		if err := o.Run(ctx, st.SagaID); err != nil {
			slog.ErrorContext(ctx, "saga resume failed", "saga_id", st.SagaID, "error", err)
		}
	}
	return nil
}

func (o *Orchestrator) run(ctx context.Context, sagaID string) error {
	st, err := o.store.Load(ctx, sagaID)
	if err != nil {
		return fmt.Errorf("coordinator: load saga %q: %w", sagaID, err)
	}

	for !st.Phase.Terminal() {
		var stepErr error
		switch st.Phase {
		case checkpoint.PhaseCreated:
			stepErr = o.stepFetchContext(ctx, st)
		case checkpoint.PhaseContextFetched:
			stepErr = o.stepClassify(ctx, st)
		case checkpoint.PhaseClassified:
			stepErr = o.stepBeginExecute(ctx, st)
		case checkpoint.PhaseExecuting:
			stepErr = o.stepExecuteAndAggregate(ctx, st)
		case checkpoint.PhaseAggregated:
			stepErr = o.stepEmit(ctx, st)
		default:
			return fmt.Errorf("coordinator: saga %q in unknown phase %q", sagaID, st.Phase)
		}

		if errors.Is(stepErr, checkpoint.ErrConflict) {
			// Another orchestrator instance committed first. Abort the
			// step without side effects and re-decide from its state.
			slog.WarnContext(ctx, "checkpoint conflict, reloading saga", "saga_id", sagaID)
			st, err = o.store.Load(ctx, sagaID)
			if err != nil {
				return fmt.Errorf("coordinator: reload saga %q after conflict: %w", sagaID, err)
			}
			continue
		}
		if stepErr != nil {
			return stepErr
		}
	}
	return nil
}

// stepFetchContext: CREATED → CONTEXT_FETCHED. The provider is idempotent,
// so retrying after a crash that predates the checkpoint is safe.
func (o *Orchestrator) stepFetchContext(ctx context.Context, st *checkpoint.SagaState) error {
	ctx, span := o.tracer.Start(ctx, "saga.fetch_context",
		trace.WithAttributes(attribute.String("saga_id", st.SagaID)))
	defer span.End()

	bundle, err := o.provider.Fetch(ctx, st.Trigger)
	if err != nil {
		return o.retryable(ctx, st, "fetch context", err)
	}

	st.Context = bundle
	return o.commit(ctx, st, checkpoint.PhaseContextFetched, "context fetched")
}

// stepClassify: CONTEXT_FETCHED → CLASSIFIED. Capability errors are
// transient; a classification referencing unregistered analyzer names is a
// static misconfiguration and fails the saga immediately.
func (o *Orchestrator) stepClassify(ctx context.Context, st *checkpoint.SagaState) error {
	ctx, span := o.tracer.Start(ctx, "saga.classify",
		trace.WithAttributes(attribute.String("saga_id", st.SagaID)))
	defer span.End()

	entry, err := o.registry.Lookup(o.cfg.ClassifierName)
	if err != nil {
		return o.failSaga(ctx, st, err)
	}

	timeout := o.cfg.PerBranchTimeout()
	if entry.Timeout > 0 {
		timeout = entry.Timeout
	}
	classifyCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	raw, err := entry.Capability.Invoke(classifyCtx, st.Context)
	if err != nil {
		return o.retryable(ctx, st, "classify", err)
	}
	cls, err := capability.ParseClassification(raw)
	if err != nil {
		return o.retryable(ctx, st, "classify", err)
	}

	for _, name := range append(append([]string(nil), cls.RouteTo...), cls.AlsoCheck...) {
		if _, err := o.registry.Lookup(name); err != nil {
			return o.failSaga(ctx, st, err)
		}
	}

	st.Classification = cls
	return o.commit(ctx, st, checkpoint.PhaseClassified,
		fmt.Sprintf("classified (confidence %.2f, route_to %s)", cls.Confidence, strings.Join(cls.RouteTo, ",")))
}

// stepBeginExecute: CLASSIFIED → EXECUTING. The decision itself is pure and
// re-derivable, so only the phase advance is committed here; the enabled
// set is recorded on the transition row for operators.
func (o *Orchestrator) stepBeginExecute(ctx context.Context, st *checkpoint.SagaState) error {
	enabled, _, err := DecideBranches(st.Classification, o.registry, o.cfg.RouteThreshold)
	if err != nil {
		return o.failSaga(ctx, st, err)
	}

	note := "branches: " + strings.Join(enabled, ",")
	if len(enabled) == 0 {
		// Misconfigured-but-legal: the saga still terminates normally,
		// aggregating to INCONCLUSIVE instead of hanging.
		note = "no branches enabled"
	}
	return o.commit(ctx, st, checkpoint.PhaseExecuting, note)
}

// stepExecuteAndAggregate: EXECUTING → AGGREGATED. Branches with an already
// committed outcome (a previous run got that far before crashing) are not
// re-invoked. The fan-out never raises and the aggregator is pure, so the
// only failure mode here is the checkpoint write itself.
func (o *Orchestrator) stepExecuteAndAggregate(ctx context.Context, st *checkpoint.SagaState) error {
	ctx, span := o.tracer.Start(ctx, "saga.execute",
		trace.WithAttributes(attribute.String("saga_id", st.SagaID)))
	defer span.End()

	enabled, skipped, err := DecideBranches(st.Classification, o.registry, o.cfg.RouteThreshold)
	if err != nil {
		return o.failSaga(ctx, st, err)
	}

	for _, name := range skipped {
		st.RecordOutcome(checkpoint.BranchOutcome{Capability: name, Status: checkpoint.BranchSkipped})
	}

	var remaining []string
	for _, name := range enabled {
		if _, done := st.BranchResults[name]; !done {
			remaining = append(remaining, name)
		}
	}

	outcomes, metMinimum := o.fanout.Execute(ctx, remaining, st.Context)
	for _, name := range sortedKeys(outcomes) {
		st.RecordOutcome(outcomes[name])
	}
	if !metMinimum {
		// By design this degrades to an INCONCLUSIVE (or partial)
		// aggregate rather than a saga failure.
		slog.WarnContext(ctx, "fan-out below minimum successful branches",
			"saga_id", st.SagaID, "min_successful", o.cfg.MinSuccessful)
	}

	st.Aggregate = Aggregate(st.BranchResults, o.cfg.MinConfidence, o.cfg.MaxSecondary)
	return o.commit(ctx, st, checkpoint.PhaseAggregated,
		fmt.Sprintf("aggregated (%d/%d branches succeeded)",
			len(st.Aggregate.AnalyzersCompleted), len(st.Aggregate.AnalyzersInvoked)))
}

// stepEmit: AGGREGATED → EMITTED. Emission is retried within the attempt
// ceiling; exhaustion parks the saga at AGGREGATED instead of failing it,
// because the aggregate is already durable and emitting is independently
// retryable on the next resume.
func (o *Orchestrator) stepEmit(ctx context.Context, st *checkpoint.SagaState) error {
	ctx, span := o.tracer.Start(ctx, "saga.emit",
		trace.WithAttributes(attribute.String("saga_id", st.SagaID)))
	defer span.End()

	if err := o.sink.Emit(ctx, st.SagaID, st.Aggregate); err != nil {
		st.AttemptCount++
		st.LastError = err.Error()
		if commitErr := o.commit(ctx, st, st.Phase,
			fmt.Sprintf("emit failed (attempt %d): %v", st.AttemptCount, err)); commitErr != nil {
			return commitErr
		}
		if st.AttemptCount >= o.cfg.AttemptCeiling {
			return fmt.Errorf("coordinator: saga %q parked at %s, emit keeps failing: %w",
				st.SagaID, checkpoint.PhaseAggregated, err)
		}
		slog.WarnContext(ctx, "emit failed, retrying",
			"saga_id", st.SagaID, "attempt", st.AttemptCount, "error", err)
		return nil
	}

	st.LastError = ""
	if err := o.commit(ctx, st, checkpoint.PhaseEmitted, "result emitted"); err != nil {
		return err
	}
	slog.InfoContext(ctx, "saga completed",
		"saga_id", st.SagaID,
		"inconclusive", st.Aggregate.Inconclusive,
		"combined_confidence", st.Aggregate.CombinedConfidence)
	return nil
}

// retryable records a transient step failure: bump the attempt counter,
// re-checkpoint in place, and fail permanently once the ceiling is reached.
// Returning nil lets the run loop retry the phase.
func (o *Orchestrator) retryable(ctx context.Context, st *checkpoint.SagaState, step string, cause error) error {
	st.AttemptCount++
	st.LastError = cause.Error()
	if st.AttemptCount >= o.cfg.AttemptCeiling {
		return o.failSaga(ctx, st, fmt.Errorf("%s: attempt ceiling reached: %w", step, cause))
	}
	if err := o.commit(ctx, st, st.Phase,
		fmt.Sprintf("%s failed (attempt %d): %v", step, st.AttemptCount, cause)); err != nil {
		return err
	}
	slog.WarnContext(ctx, "step failed, will retry",
		"saga_id", st.SagaID, "step", step, "attempt", st.AttemptCount, "error", cause)
	return nil
}

// failSaga moves the saga to FAILED, the only terminal failure state. Used
// for exhausted retries and for configuration errors, where retrying cannot
// help.
func (o *Orchestrator) failSaga(ctx context.Context, st *checkpoint.SagaState, cause error) error {
	st.LastError = cause.Error()
	if err := o.commit(ctx, st, checkpoint.PhaseFailed, cause.Error()); err != nil {
		return err
	}
	slog.ErrorContext(ctx, "saga failed permanently", "saga_id", st.SagaID, "error", cause)
	return nil
}

// commit writes the transition to the checkpoint store before the next step
// may begin, then appends the audit row (best-effort). On ErrConflict the
// in-memory phase is rolled back so the caller can reload cleanly.
func (o *Orchestrator) commit(ctx context.Context, st *checkpoint.SagaState, next checkpoint.Phase, note string) error {
	from := st.Phase
	if !from.CanAdvanceTo(next) {
		return fmt.Errorf("coordinator: illegal transition %s -> %s for saga %q", from, next, st.SagaID)
	}

	st.Phase = next
	if err := o.store.Save(ctx, st); err != nil {
		st.Phase = from
		return err
	}

	if err := o.store.AppendTransition(ctx, checkpoint.NewTransition(ctx, st.SagaID, from, next, note)); err != nil {
		slog.WarnContext(ctx, "failed to append transition row", "saga_id", st.SagaID, "error", err)
	}
	return nil
}

func sortedKeys(m map[string]checkpoint.BranchOutcome) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
