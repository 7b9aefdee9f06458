// Package sink implements the Result Sink collaborator: persistence and
// downstream publication of finished diagnoses.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jcmexdev/diagnosis-sagas/internal/coordinator/checkpoint"
)

// completedChannel is the pub/sub channel downstream consumers (notifier,
// dashboard) subscribe to.
const completedChannel = "diagnosis.completed"

// completedEvent is the published payload.
type completedEvent struct {
	SagaID string                      `json:"saga_id"`
	Result *checkpoint.DiagnosisResult `json:"result"`
}

// Redis stores each final result under diagnosis:result:<saga_id> with the
// retention TTL and publishes a completion event. SET is idempotent per
// saga ID and subscribers must tolerate a replayed event, which makes Emit
// safe for the orchestrator to retry.
type Redis struct {
	client    *redis.Client
	retention time.Duration
}

func NewRedis(addr string, retention time.Duration) *Redis {
	return &Redis{
		client:    redis.NewClient(&redis.Options{Addr: addr}),
		retention: retention,
	}
}

func (s *Redis) Emit(ctx context.Context, sagaID string, result *checkpoint.DiagnosisResult) error {
	payload, err := json.Marshal(completedEvent{SagaID: sagaID, Result: result})
	if err != nil {
		return fmt.Errorf("sink: marshal result for %q: %w", sagaID, err)
	}

	key := "diagnosis:result:" + sagaID
	if err := s.client.Set(ctx, key, payload, s.retention).Err(); err != nil {
		return fmt.Errorf("sink: store result for %q: %w", sagaID, err)
	}

	if err := s.client.Publish(ctx, completedChannel, payload).Err(); err != nil {
		return fmt.Errorf("sink: publish completion for %q: %w", sagaID, err)
	}

	slog.InfoContext(ctx, "diagnosis emitted", "saga_id", sagaID, "channel", completedChannel)
	return nil
}

func (s *Redis) Close() error {
	return s.client.Close()
}
