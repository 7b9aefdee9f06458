package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/jcmexdev/diagnosis-sagas/internal/coordinator/checkpoint"
)

// HTTPClient invokes a capability exposed as a JSON-over-HTTP endpoint: the
// saga's context bundle is POSTed and the response body is returned raw.
// This is how the classifier and analyzer model services are deployed.
type HTTPClient struct {
	endpoint string
	client   *http.Client
}

var _ Capability = (*HTTPClient)(nil)

// NewHTTPClient builds a client for one capability endpoint. The inner
// http.Client carries no timeout of its own — deadlines come from the
// branch runner's context so a single knob governs cancellation.
func NewHTTPClient(endpoint string) *HTTPClient {
	return &HTTPClient{
		endpoint: endpoint,
		client:   &http.Client{},
	}
}

func (c *HTTPClient) Invoke(ctx context.Context, in *checkpoint.Context) (RawResult, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("capability: marshal context for %s: %w", c.endpoint, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("capability: build request for %s: %w", c.endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("capability: call %s: %w", c.endpoint, err)
	}
	defer res.Body.Close()

	// Cap the body read so a misbehaving endpoint cannot exhaust memory.
	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("capability: read response from %s: %w", c.endpoint, err)
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("capability: %s returned %d: %s", c.endpoint, res.StatusCode, truncate(raw, 256))
	}
	return RawResult(raw), nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
