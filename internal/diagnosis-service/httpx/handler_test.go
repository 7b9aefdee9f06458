package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/diagnosis-sagas/internal/capability"
	"github.com/jcmexdev/diagnosis-sagas/internal/coordinator"
	"github.com/jcmexdev/diagnosis-sagas/internal/coordinator/checkpoint"
	"github.com/jcmexdev/diagnosis-sagas/internal/pkg/config"
)

type stubProvider struct{}

func (stubProvider) Fetch(context.Context, checkpoint.Trigger) (*checkpoint.Context, error) {
	return &checkpoint.Context{Document: map[string]any{"crop": "tomato"}}, nil
}

type stubSink struct{}

func (stubSink) Emit(context.Context, string, *checkpoint.DiagnosisResult) error { return nil }

func newTestServer(t *testing.T) (*httptest.Server, *checkpoint.MemoryStore) {
	t.Helper()

	reg := capability.NewRegistry()
	require.NoError(t, reg.Register(capability.Entry{
		Name: "triage",
		Capability: capability.Func(func(context.Context, *checkpoint.Context) (capability.RawResult, error) {
			return capability.RawResult(`{"route_to": ["disease"], "confidence": 0.9}`), nil
		}),
	}))
	require.NoError(t, reg.Register(capability.Entry{
		Name: "disease",
		Capability: capability.Func(func(context.Context, *checkpoint.Context) (capability.RawResult, error) {
			return capability.RawResult(`{"condition": "fungal_infection", "confidence": 0.87, "severity": "high"}`), nil
		}),
	}))

	store := checkpoint.NewMemoryStore()
	cfg := config.Default()
	cfg.PerBranchTimeoutMS = 500
	cfg.TotalTimeoutMS = 1000

	orch := coordinator.NewOrchestrator(store, reg, stubProvider{}, stubSink{}, cfg)
	srv := httptest.NewServer(NewRouter(NewHandler(orch, store)))
	t.Cleanup(srv.Close)
	return srv, store
}

func postTrigger(t *testing.T, srv *httptest.Server, body string) *http.Response {
	t.Helper()
	res, err := http.Post(srv.URL+"/diagnoses", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func TestTriggerAcceptsAndCompletesSaga(t *testing.T) {
	srv, store := newTestServer(t)

	res := postTrigger(t, srv, `{"document_id": "doc-1", "farmer_id": "farmer-1"}`)
	require.Equal(t, http.StatusAccepted, res.StatusCode)

	var accepted SagaResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&accepted))
	assert.NotEmpty(t, accepted.SagaID)
	assert.Equal(t, string(checkpoint.PhaseCreated), accepted.Phase)

	// The saga runs on a detached goroutine; wait for it to finish.
	require.Eventually(t, func() bool {
		st, err := store.Load(context.Background(), accepted.SagaID)
		return err == nil && st.Phase == checkpoint.PhaseEmitted
	}, 5*time.Second, 10*time.Millisecond)

	get, err := http.Get(srv.URL + "/diagnoses/" + accepted.SagaID)
	require.NoError(t, err)
	defer get.Body.Close()
	require.Equal(t, http.StatusOK, get.StatusCode)

	var final SagaResponse
	require.NoError(t, json.NewDecoder(get.Body).Decode(&final))
	assert.Equal(t, string(checkpoint.PhaseEmitted), final.Phase)
	require.NotNil(t, final.Result)
	require.NotNil(t, final.Result.Primary)
	assert.Equal(t, "fungal_infection", final.Result.Primary.Condition)
}

func TestTriggerRedeliveryOfFinishedSagaReturnsResult(t *testing.T) {
	srv, store := newTestServer(t)
	body := `{"document_id": "doc-2", "farmer_id": "farmer-1"}`

	first := postTrigger(t, srv, body)
	require.Equal(t, http.StatusAccepted, first.StatusCode)

	var accepted SagaResponse
	require.NoError(t, json.NewDecoder(first.Body).Decode(&accepted))
	require.Eventually(t, func() bool {
		st, err := store.Load(context.Background(), accepted.SagaID)
		return err == nil && st.Phase.Terminal()
	}, 5*time.Second, 10*time.Millisecond)

	// The same trigger again: 200 with the finished saga, not a new one.
	second := postTrigger(t, srv, body)
	require.Equal(t, http.StatusOK, second.StatusCode)

	var redelivered SagaResponse
	require.NoError(t, json.NewDecoder(second.Body).Decode(&redelivered))
	assert.Equal(t, accepted.SagaID, redelivered.SagaID)
	assert.Equal(t, string(checkpoint.PhaseEmitted), redelivered.Phase)
	require.NotNil(t, redelivered.Result)
}

func TestTriggerRejectsMalformedJSON(t *testing.T) {
	srv, _ := newTestServer(t)

	res := postTrigger(t, srv, `{"document_id":`)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)

	var errRes ErrorResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&errRes))
	assert.Equal(t, "invalid_json", errRes.Error)
}

func TestTriggerRejectsMissingFields(t *testing.T) {
	srv, _ := newTestServer(t)

	res := postTrigger(t, srv, `{"document_id": "doc-1"}`)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)

	var errRes ErrorResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&errRes))
	assert.Equal(t, "invalid_request", errRes.Error)
}

func TestGetSagaUnknownIDReturns404(t *testing.T) {
	srv, _ := newTestServer(t)

	res, err := http.Get(srv.URL + "/diagnoses/00000000-0000-0000-0000-000000000000")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusNotFound, res.StatusCode)

	var errRes ErrorResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&errRes))
	assert.Equal(t, "saga_not_found", errRes.Error)
}
