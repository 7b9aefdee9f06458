package coordinator

import (
	"sort"

	"github.com/jcmexdev/diagnosis-sagas/internal/capability"
	"github.com/jcmexdev/diagnosis-sagas/internal/coordinator/checkpoint"
)

// DecideBranches is the pure decision step between classification and
// fan-out. When the classifier's confidence meets routeThreshold the
// enabled set is exactly RouteTo; below it, AlsoCheck is added as a hedge.
//
// Every referenced name must resolve in the registry — an unknown name is a
// static misconfiguration, returned as an error so the saga fails fast.
// Names whose registry predicate rejects the classification land in
// skipped instead of enabled, so the outcome map still accounts for them.
//
// Both returned slices are deduplicated and sorted; the decision is a pure
// function of its inputs.
func DecideBranches(cls *checkpoint.Classification, reg *capability.Registry, routeThreshold float64) (enabled, skipped []string, err error) {
	requested := append([]string(nil), cls.RouteTo...)
	if cls.Confidence < routeThreshold {
		requested = append(requested, cls.AlsoCheck...)
	}

	seen := make(map[string]struct{}, len(requested))
	for _, name := range requested {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}

		entry, lookupErr := reg.Lookup(name)
		if lookupErr != nil {
			return nil, nil, lookupErr
		}
		if entry.Enabled != nil && !entry.Enabled(cls) {
			skipped = append(skipped, name)
			continue
		}
		enabled = append(enabled, name)
	}

	sort.Strings(enabled)
	sort.Strings(skipped)
	return enabled, skipped, nil
}
