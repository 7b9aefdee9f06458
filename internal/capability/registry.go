package capability

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jcmexdev/diagnosis-sagas/internal/coordinator/checkpoint"
)

// ErrUnknownCapability is returned by Lookup for names the registry has
// never seen. The coordinator treats this as a configuration error and
// fails the saga immediately — retrying cannot fix a static misconfiguration.
var ErrUnknownCapability = errors.New("registry: unknown capability")

// Predicate decides, once per saga, whether a registered capability should
// run given the classification. A nil predicate means always enabled.
type Predicate func(cls *checkpoint.Classification) bool

// Entry is one registered capability with its execution policy.
type Entry struct {
	Name       string
	Capability Capability

	// Timeout overrides the global per-branch timeout when > 0.
	Timeout time.Duration

	Enabled Predicate
}

// Registry maps capability names to entries. Registration happens once at
// startup; lookups are concurrent.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register adds an entry. Names must be unique.
func (r *Registry) Register(e Entry) error {
	if e.Name == "" {
		return fmt.Errorf("registry: entry without name")
	}
	if e.Capability == nil {
		return fmt.Errorf("registry: capability %q has no implementation", e.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[e.Name]; exists {
		return fmt.Errorf("registry: capability %q already registered", e.Name)
	}
	r.entries[e.Name] = e
	return nil
}

// Lookup resolves a capability name, or ErrUnknownCapability.
func (r *Registry) Lookup(name string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %q", ErrUnknownCapability, name)
	}
	return e, nil
}

// Names returns all registered capability names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
