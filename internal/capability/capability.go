// Package capability defines the invocable-capability abstraction and the
// registry that maps capability names to implementations.
//
// Both the triage classifier and every specialist analyzer are capabilities:
// opaque asynchronous calls that take the saga's context bundle and return a
// raw JSON result. The coordinator parses the raw result into either a
// classification (for triage) or a diagnosis (for analyzers); how the
// capability produced its judgment — model choice, prompts, vision
// processing — is not this service's concern.
package capability

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jcmexdev/diagnosis-sagas/internal/coordinator/checkpoint"
)

// RawResult is the unparsed JSON payload returned by a capability call.
type RawResult json.RawMessage

// Capability is one invocable analysis step. Implementations must honor
// context cancellation: the branch runner cancels the call on timeout.
type Capability interface {
	Invoke(ctx context.Context, in *checkpoint.Context) (RawResult, error)
}

// Func adapts a plain function to the Capability interface. Used heavily in
// tests and for in-process capabilities.
type Func func(ctx context.Context, in *checkpoint.Context) (RawResult, error)

func (f Func) Invoke(ctx context.Context, in *checkpoint.Context) (RawResult, error) {
	return f(ctx, in)
}

// ParseClassification decodes and validates a triage result.
func ParseClassification(raw RawResult) (*checkpoint.Classification, error) {
	var cls checkpoint.Classification
	if err := json.Unmarshal(raw, &cls); err != nil {
		return nil, fmt.Errorf("capability: decode classification: %w", err)
	}
	if cls.Confidence < 0 || cls.Confidence > 1 {
		return nil, fmt.Errorf("capability: classification confidence %v out of [0,1]", cls.Confidence)
	}
	return &cls, nil
}

// ParseDiagnosis decodes and validates an analyzer result.
func ParseDiagnosis(raw RawResult) (*checkpoint.Diagnosis, error) {
	var d checkpoint.Diagnosis
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("capability: decode diagnosis: %w", err)
	}
	if d.Condition == "" {
		return nil, fmt.Errorf("capability: diagnosis missing condition")
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return nil, fmt.Errorf("capability: diagnosis confidence %v out of [0,1]", d.Confidence)
	}
	if d.Severity.Rank() < 0 {
		return nil, fmt.Errorf("capability: unknown severity %q", d.Severity)
	}
	return &d, nil
}
