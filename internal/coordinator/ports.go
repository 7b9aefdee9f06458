package coordinator

import (
	"context"

	"github.com/jcmexdev/diagnosis-sagas/internal/coordinator/checkpoint"
)

// ContextProvider gathers the input bundle needed before classification.
// Fetch must be idempotent: the orchestrator may call it again for the same
// saga after a crash that happened before the CONTEXT_FETCHED checkpoint.
type ContextProvider interface {
	Fetch(ctx context.Context, t checkpoint.Trigger) (*checkpoint.Context, error)
}

// ResultSink receives the aggregated diagnosis for persistence and
// downstream event emission. Emit should be idempotent per saga ID — the
// orchestrator retries it and a crash between emit and the EMITTED
// checkpoint replays it once.
type ResultSink interface {
	Emit(ctx context.Context, sagaID string, result *checkpoint.DiagnosisResult) error
}
