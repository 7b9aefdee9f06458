// Package checkpoint defines the durable state model for diagnosis sagas.
//
// A checkpoint is a full snapshot of one saga, written after every state
// transition. It serves two purposes:
//
//  1. Recovery: on restart, the orchestrator reloads each unfinished saga
//     and re-enters the state machine at the recorded phase, so capability
//     calls that already completed (context fetch, classification, finished
//     branches) are never re-invoked.
//
//  2. Idempotency: the saga ID is derived deterministically from the
//     trigger payload, so a redelivered trigger maps to the same snapshot
//     and a saga that reached EMITTED is never re-executed.
package checkpoint

import (
	"time"

	"github.com/google/uuid"
)

// Phase is the lifecycle state of a saga. It advances monotonically through
// the happy path; FAILED is terminal and reachable from any phase.
type Phase string

const (
	PhaseCreated        Phase = "CREATED"
	PhaseContextFetched Phase = "CONTEXT_FETCHED"
	PhaseClassified     Phase = "CLASSIFIED"
	PhaseExecuting      Phase = "EXECUTING"
	PhaseAggregated     Phase = "AGGREGATED"
	PhaseEmitted        Phase = "EMITTED"
	PhaseFailed         Phase = "FAILED"
)

// phaseRank orders the happy-path phases so regressions can be rejected.
var phaseRank = map[Phase]int{
	PhaseCreated:        0,
	PhaseContextFetched: 1,
	PhaseClassified:     2,
	PhaseExecuting:      3,
	PhaseAggregated:     4,
	PhaseEmitted:        5,
}

// Terminal reports whether the saga is finished and will never run again.
func (p Phase) Terminal() bool {
	return p == PhaseEmitted || p == PhaseFailed
}

// CanAdvanceTo reports whether a transition from p to next is legal:
// forward along the happy path, or to FAILED from anywhere. A transition to
// the same phase is allowed so a step can re-checkpoint without advancing
// (e.g. bumping AttemptCount before a retry).
func (p Phase) CanAdvanceTo(next Phase) bool {
	if next == PhaseFailed {
		return p != PhaseEmitted
	}
	from, ok := phaseRank[p]
	if !ok {
		return false
	}
	to, ok := phaseRank[next]
	if !ok {
		return false
	}
	return to >= from
}

// sagaNamespace is the fixed UUIDv5 namespace for saga IDs. Changing it
// would break idempotency across deployments, so it is a constant.
var sagaNamespace = uuid.MustParse("6f1c9a1e-8a4d-4f0b-9f2e-d0c5a7b3e1a2")

// Trigger is the opaque payload that starts a saga. Immutable after
// creation; its fields identify the document under diagnosis.
type Trigger struct {
	DocumentID string `json:"document_id"`
	FarmerID   string `json:"farmer_id"`
	Channel    string `json:"channel,omitempty"`
}

// DeriveSagaID maps a trigger to a stable saga ID (UUIDv5 over the document
// and farmer identifiers). Redelivery of the same trigger yields the same
// ID, which is the basis of the idempotent entry point.
func DeriveSagaID(t Trigger) string {
	return uuid.NewSHA1(sagaNamespace, []byte(t.DocumentID+"|"+t.FarmerID)).String()
}

// Context is the input bundle gathered before classification: the document
// under diagnosis plus farmer history and regional data. Set once, never
// mutated after CONTEXT_FETCHED.
type Context struct {
	Document  map[string]any `json:"document,omitempty"`
	Farmer    map[string]any `json:"farmer,omitempty"`
	Regional  map[string]any `json:"regional,omitempty"`
	FetchedAt time.Time      `json:"fetched_at"`
}

// Classification is the parsed output of the triage capability.
type Classification struct {
	// RouteTo are the analyzer names the classifier is confident about.
	RouteTo []string `json:"route_to"`
	// AlsoCheck are additional analyzers worth running when the
	// classifier's own confidence is below the routing threshold.
	AlsoCheck  []string `json:"also_check,omitempty"`
	Confidence float64  `json:"confidence"`
	Reasoning  string   `json:"reasoning,omitempty"`
}

// Severity grades how serious a diagnosed condition is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityModerate Severity = "moderate"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns the ordering used by aggregation tie-breaks
// (critical > high > moderate > low). Unknown severities rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityModerate:
		return 1
	case SeverityLow:
		return 0
	}
	return -1
}

// BranchStatus is the uniform result classification of one analyzer branch.
type BranchStatus string

const (
	BranchSuccess BranchStatus = "SUCCESS"
	BranchFailure BranchStatus = "FAILURE"
	BranchTimeout BranchStatus = "TIMEOUT"
	BranchSkipped BranchStatus = "SKIPPED"
)

// Diagnosis is one analyzer's judgment about the document.
type Diagnosis struct {
	Condition       string         `json:"condition"`
	SubType         string         `json:"sub_type,omitempty"`
	Confidence      float64        `json:"confidence"`
	Severity        Severity       `json:"severity"`
	Details         map[string]any `json:"details,omitempty"`
	Recommendations []string       `json:"recommendations,omitempty"`
}

// BranchOutcome is the recorded result of one analyzer branch. Diagnosis is
// set only on SUCCESS; Error only on FAILURE or TIMEOUT.
type BranchOutcome struct {
	Capability string       `json:"capability"`
	Status     BranchStatus `json:"status"`
	Diagnosis  *Diagnosis   `json:"diagnosis,omitempty"`
	Error      string       `json:"error,omitempty"`
	DurationMS int64        `json:"duration_ms"`
}

// DiagnosisResult is the saga's final output. A nil Primary with
// Inconclusive set means no branch produced a usable diagnosis.
type DiagnosisResult struct {
	Primary            *Diagnosis  `json:"primary,omitempty"`
	Inconclusive       bool        `json:"inconclusive,omitempty"`
	Secondary          []Diagnosis `json:"secondary,omitempty"`
	CombinedConfidence float64     `json:"combined_confidence"`
	// LowConfidence flags a primary below the minimum confidence floor.
	// The diagnosis is still returned — a weak concrete answer is more
	// actionable than none — but consumers must surface the flag.
	LowConfidence      bool     `json:"low_confidence,omitempty"`
	AnalyzersInvoked   []string `json:"analyzers_invoked"`
	AnalyzersCompleted []string `json:"analyzers_completed"`
	AnalyzersFailed    []string `json:"analyzers_failed"`
}

// SagaState is the unit of persistence and recovery: everything needed to
// resume a saga from its last committed transition.
type SagaState struct {
	SagaID         string                   `json:"saga_id"`
	Trigger        Trigger                  `json:"trigger"`
	Phase          Phase                    `json:"phase"`
	Context        *Context                 `json:"context,omitempty"`
	Classification *Classification          `json:"classification,omitempty"`
	BranchResults  map[string]BranchOutcome `json:"branch_results,omitempty"`
	Aggregate      *DiagnosisResult         `json:"aggregate,omitempty"`
	LastError      string                   `json:"last_error,omitempty"`

	// AttemptCount increments on every crash resume and on every in-band
	// retry of a retryable step. Past the configured ceiling the saga
	// fails permanently instead of looping.
	AttemptCount int `json:"attempt_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Version is the optimistic-concurrency token managed by the Store.
	// Save commits only when the caller holds the current version, which
	// defends against duplicate orchestrator instances racing after a
	// crash-and-restart.
	Version int64 `json:"version"`
}

// New creates a fresh saga in CREATED with its ID derived from the trigger.
func New(t Trigger, now time.Time) *SagaState {
	return &SagaState{
		SagaID:        DeriveSagaID(t),
		Trigger:       t,
		Phase:         PhaseCreated,
		BranchResults: make(map[string]BranchOutcome),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// RecordOutcome appends a branch outcome, enforcing the one-committed-
// outcome-per-capability invariant: the first recorded outcome wins and
// later writes for the same capability are ignored. Returns whether the
// outcome was recorded.
func (s *SagaState) RecordOutcome(o BranchOutcome) bool {
	if s.BranchResults == nil {
		s.BranchResults = make(map[string]BranchOutcome)
	}
	if _, exists := s.BranchResults[o.Capability]; exists {
		return false
	}
	s.BranchResults[o.Capability] = o
	return true
}

// Clone returns a deep copy so store implementations can hand out snapshots
// without aliasing internal state.
func (s *SagaState) Clone() *SagaState {
	cp := *s
	if s.Context != nil {
		c := *s.Context
		c.Document = cloneMap(s.Context.Document)
		c.Farmer = cloneMap(s.Context.Farmer)
		c.Regional = cloneMap(s.Context.Regional)
		cp.Context = &c
	}
	if s.Classification != nil {
		cl := *s.Classification
		cl.RouteTo = append([]string(nil), s.Classification.RouteTo...)
		cl.AlsoCheck = append([]string(nil), s.Classification.AlsoCheck...)
		cp.Classification = &cl
	}
	if s.BranchResults != nil {
		cp.BranchResults = make(map[string]BranchOutcome, len(s.BranchResults))
		for k, v := range s.BranchResults {
			if v.Diagnosis != nil {
				d := *v.Diagnosis
				d.Details = cloneMap(v.Diagnosis.Details)
				d.Recommendations = append([]string(nil), v.Diagnosis.Recommendations...)
				v.Diagnosis = &d
			}
			cp.BranchResults[k] = v
		}
	}
	if s.Aggregate != nil {
		a := *s.Aggregate
		if s.Aggregate.Primary != nil {
			p := *s.Aggregate.Primary
			p.Details = cloneMap(s.Aggregate.Primary.Details)
			a.Primary = &p
		}
		a.Secondary = append([]Diagnosis(nil), s.Aggregate.Secondary...)
		a.AnalyzersInvoked = append([]string(nil), s.Aggregate.AnalyzersInvoked...)
		a.AnalyzersCompleted = append([]string(nil), s.Aggregate.AnalyzersCompleted...)
		a.AnalyzersFailed = append([]string(nil), s.Aggregate.AnalyzersFailed...)
		cp.Aggregate = &a
	}
	return &cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
