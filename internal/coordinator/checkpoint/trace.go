package checkpoint

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Transition is one row in the saga audit trail: a committed phase change,
// stamped with the OpenTelemetry identifiers active at commit time so a
// stored row can be correlated with the full distributed trace.
type Transition struct {
	SagaID string
	From   Phase
	To     Phase

	// Note carries step-specific detail: the enabled branch set, a retry
	// reason, the failure message. Free-form, for operators.
	Note string

	// TraceID is the W3C trace ID (32 hex chars); empty when no span was
	// active, e.g. in unit tests.
	TraceID string
	// SpanID is the W3C span ID (16 hex chars).
	SpanID string

	At time.Time
}

// NewTransition builds a Transition with trace identifiers extracted from
// the active span in ctx. If the context carries no valid span both IDs are
// left empty and the row is still usable.
func NewTransition(ctx context.Context, sagaID string, from, to Phase, note string) *Transition {
	tr := &Transition{
		SagaID: sagaID,
		From:   from,
		To:     to,
		Note:   note,
		At:     time.Now().UTC(),
	}
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		tr.TraceID = sc.TraceID().String()
		tr.SpanID = sc.SpanID().String()
	}
	return tr
}
