package checkpoint

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the reference Store implementation: a mutex-guarded map
// with the same compare-and-swap semantics as the SQLite repository. Used
// in tests and as the executable specification of the port.
type MemoryStore struct {
	mu          sync.Mutex
	sagas       map[string]*SagaState
	transitions map[string][]*Transition
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sagas:       make(map[string]*SagaState),
		transitions: make(map[string][]*Transition),
	}
}

func (m *MemoryStore) Load(_ context.Context, sagaID string) (*SagaState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.sagas[sagaID]
	if !ok {
		return nil, ErrNotFound
	}
	return st.Clone(), nil
}

func (m *MemoryStore) Save(_ context.Context, state *SagaState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.sagas[state.SagaID]
	if exists && current.Version != state.Version {
		return ErrConflict
	}
	if !exists && state.Version != 0 {
		return ErrConflict
	}

	state.Version++
	state.UpdatedAt = time.Now().UTC()
	m.sagas[state.SagaID] = state.Clone()
	return nil
}

func (m *MemoryStore) ListUnfinished(_ context.Context) ([]*SagaState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*SagaState
	for _, st := range m.sagas {
		if !st.Phase.Terminal() {
			out = append(out, st.Clone())
		}
	}
	return out, nil
}

func (m *MemoryStore) PurgeTerminal(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	purged := 0
	for id, st := range m.sagas {
		if st.Phase.Terminal() && st.UpdatedAt.Before(olderThan) {
			delete(m.sagas, id)
			delete(m.transitions, id)
			purged++
		}
	}
	return purged, nil
}

func (m *MemoryStore) AppendTransition(_ context.Context, tr *Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *tr
	m.transitions[tr.SagaID] = append(m.transitions[tr.SagaID], &cp)
	return nil
}

// Transitions returns the recorded audit trail for a saga. Test helper.
func (m *MemoryStore) Transitions(sagaID string) []*Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Transition, len(m.transitions[sagaID]))
	copy(out, m.transitions[sagaID])
	return out
}
