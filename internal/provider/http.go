// Package provider implements the Context Provider collaborator: it gathers
// the input bundle (document, farmer history, regional data) a saga needs
// before classification.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jcmexdev/diagnosis-sagas/internal/coordinator/checkpoint"
	"github.com/jcmexdev/diagnosis-sagas/internal/pkg/cache"
)

// HTTP fetches the context bundle from the internal context service and
// memoises it in Redis keyed by document ID. Fetch is read-only and
// idempotent, so the orchestrator may safely call it again for the same
// saga after a crash.
type HTTP struct {
	baseURL string
	client  *http.Client
	cache   cache.Cache
	ttl     time.Duration
}

// NewHTTP builds a provider against the context service at baseURL. c may
// be nil to disable caching (tests, local runs without Redis).
func NewHTTP(baseURL string, c cache.Cache, ttl time.Duration) *HTTP {
	return &HTTP{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
		cache:   c,
		ttl:     ttl,
	}
}

func (p *HTTP) Fetch(ctx context.Context, t checkpoint.Trigger) (*checkpoint.Context, error) {
	if p.cache != nil {
		key := p.cache.Key("context", t.DocumentID)
		if raw, ok, err := p.cache.Get(ctx, key); err == nil && ok {
			var bundle checkpoint.Context
			if err := json.Unmarshal([]byte(raw), &bundle); err == nil {
				return &bundle, nil
			}
			// A corrupt cache entry falls through to a fresh fetch.
		}
	}

	url := fmt.Sprintf("%s/context?document_id=%s&farmer_id=%s", p.baseURL, t.DocumentID, t.FarmerID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("provider: build request: %w", err)
	}

	res, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider: fetch context for document %q: %w", t.DocumentID, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("provider: read context response: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider: context service returned %d for document %q", res.StatusCode, t.DocumentID)
	}

	var bundle checkpoint.Context
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return nil, fmt.Errorf("provider: decode context bundle: %w", err)
	}
	if bundle.FetchedAt.IsZero() {
		bundle.FetchedAt = time.Now().UTC()
	}

	if p.cache != nil {
		// Best-effort: a cache write failure never fails the fetch.
		_ = p.cache.Set(ctx, p.cache.Key("context", t.DocumentID), string(raw), p.ttl)
	}
	return &bundle, nil
}
