package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/diagnosis-sagas/internal/capability"
	"github.com/jcmexdev/diagnosis-sagas/internal/coordinator/checkpoint"
	"github.com/jcmexdev/diagnosis-sagas/internal/pkg/config"
)

type fakeProvider struct {
	mu           sync.Mutex
	calls        int
	failuresLeft int
}

func (p *fakeProvider) Fetch(context.Context, checkpoint.Trigger) (*checkpoint.Context, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.failuresLeft > 0 {
		p.failuresLeft--
		return nil, errors.New("context service unavailable")
	}
	return &checkpoint.Context{
		Document:  map[string]any{"crop": "tomato"},
		FetchedAt: time.Now().UTC(),
	}, nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fakeSink struct {
	mu         sync.Mutex
	calls      int
	failAlways bool
	emitted    map[string]*checkpoint.DiagnosisResult
}

func newFakeSink() *fakeSink {
	return &fakeSink{emitted: make(map[string]*checkpoint.DiagnosisResult)}
}

func (s *fakeSink) Emit(_ context.Context, sagaID string, result *checkpoint.DiagnosisResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failAlways {
		return errors.New("downstream broker unavailable")
	}
	s.emitted[sagaID] = result
	return nil
}

func (s *fakeSink) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// countingCapability wraps a capability and counts invocations.
type countingCapability struct {
	calls int32
	inner capability.Capability
}

func (c *countingCapability) Invoke(ctx context.Context, in *checkpoint.Context) (capability.RawResult, error) {
	atomic.AddInt32(&c.calls, 1)
	return c.inner.Invoke(ctx, in)
}

func (c *countingCapability) callCount() int32 {
	return atomic.LoadInt32(&c.calls)
}

func classifierReturning(t *testing.T, cls checkpoint.Classification) *countingCapability {
	t.Helper()
	raw, err := json.Marshal(cls)
	require.NoError(t, err)
	return &countingCapability{inner: capability.Func(
		func(context.Context, *checkpoint.Context) (capability.RawResult, error) {
			return capability.RawResult(raw), nil
		})}
}

func countingAnalyzer(t *testing.T, condition string, confidence float64, severity checkpoint.Severity) *countingCapability {
	t.Helper()
	return &countingCapability{inner: capability.Func(
		func(context.Context, *checkpoint.Context) (capability.RawResult, error) {
			return diagnosisJSON(t, condition, confidence, severity), nil
		})}
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.PerBranchTimeoutMS = 200
	cfg.TotalTimeoutMS = 500
	return cfg
}

func TestRunSingleConfidentRoute(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	classifier := classifierReturning(t, checkpoint.Classification{
		RouteTo:    []string{"disease"},
		AlsoCheck:  []string{"weather"},
		Confidence: 0.9,
	})
	disease := countingAnalyzer(t, "fungal_infection", 0.87, checkpoint.SeverityHigh)
	weather := countingAnalyzer(t, "drought_stress", 0.6, checkpoint.SeverityLow)

	reg := capability.NewRegistry()
	require.NoError(t, reg.Register(capability.Entry{Name: "triage", Capability: classifier}))
	require.NoError(t, reg.Register(capability.Entry{Name: "disease", Capability: disease}))
	require.NoError(t, reg.Register(capability.Entry{Name: "weather", Capability: weather}))

	provider := &fakeProvider{}
	sink := newFakeSink()
	orch := NewOrchestrator(store, reg, provider, sink, testConfig())

	st, err := orch.StartOrResume(context.Background(), checkpoint.Trigger{DocumentID: "doc-1", FarmerID: "farmer-1"})
	require.NoError(t, err)
	require.NoError(t, orch.Run(context.Background(), st.SagaID))

	final, err := store.Load(context.Background(), st.SagaID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.PhaseEmitted, final.Phase)

	require.NotNil(t, final.Aggregate)
	require.NotNil(t, final.Aggregate.Primary)
	assert.Equal(t, "fungal_infection", final.Aggregate.Primary.Condition)
	assert.InDelta(t, 0.87, final.Aggregate.CombinedConfidence, 1e-9)

	// Confident route: only the disease branch ran.
	assert.EqualValues(t, 1, disease.callCount())
	assert.EqualValues(t, 0, weather.callCount())
	assert.EqualValues(t, 1, classifier.callCount())
	assert.Equal(t, 1, sink.callCount())
}

func TestRunLowConfidenceFanOut(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	classifier := classifierReturning(t, checkpoint.Classification{
		RouteTo:    []string{"disease"},
		AlsoCheck:  []string{"weather", "technique"},
		Confidence: 0.55,
	})
	disease := countingAnalyzer(t, "leaf_spot", 0.82, checkpoint.SeverityModerate)
	weather := countingAnalyzer(t, "drought_stress", 0.6, checkpoint.SeverityLow)
	technique := &countingCapability{inner: capability.Func(
		func(ctx context.Context, _ *checkpoint.Context) (capability.RawResult, error) {
			<-ctx.Done() // never answers within the per-branch timeout
			return nil, ctx.Err()
		})}

	reg := capability.NewRegistry()
	require.NoError(t, reg.Register(capability.Entry{Name: "triage", Capability: classifier}))
	require.NoError(t, reg.Register(capability.Entry{Name: "disease", Capability: disease}))
	require.NoError(t, reg.Register(capability.Entry{Name: "weather", Capability: weather}))
	require.NoError(t, reg.Register(capability.Entry{Name: "technique", Capability: technique}))

	provider := &fakeProvider{}
	sink := newFakeSink()
	orch := NewOrchestrator(store, reg, provider, sink, testConfig())

	st, err := orch.StartOrResume(context.Background(), checkpoint.Trigger{DocumentID: "doc-2", FarmerID: "farmer-1"})
	require.NoError(t, err)
	require.NoError(t, orch.Run(context.Background(), st.SagaID))

	final, err := store.Load(context.Background(), st.SagaID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.PhaseEmitted, final.Phase)

	agg := final.Aggregate
	require.NotNil(t, agg)
	require.NotNil(t, agg.Primary)
	assert.Equal(t, "leaf_spot", agg.Primary.Condition)
	require.Len(t, agg.Secondary, 1)
	assert.Equal(t, "drought_stress", agg.Secondary[0].Condition)
	assert.Equal(t, []string{"technique"}, agg.AnalyzersFailed)
	assert.Equal(t, checkpoint.BranchTimeout, final.BranchResults["technique"].Status)
}

func TestStartOrResumeIsIdempotent(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	classifier := classifierReturning(t, checkpoint.Classification{
		RouteTo:    []string{"disease"},
		Confidence: 0.9,
	})
	disease := countingAnalyzer(t, "fungal_infection", 0.87, checkpoint.SeverityHigh)

	reg := capability.NewRegistry()
	require.NoError(t, reg.Register(capability.Entry{Name: "triage", Capability: classifier}))
	require.NoError(t, reg.Register(capability.Entry{Name: "disease", Capability: disease}))

	provider := &fakeProvider{}
	sink := newFakeSink()
	orch := NewOrchestrator(store, reg, provider, sink, testConfig())

	trigger := checkpoint.Trigger{DocumentID: "doc-3", FarmerID: "farmer-2"}

	first, err := orch.StartOrResume(context.Background(), trigger)
	require.NoError(t, err)
	second, err := orch.StartOrResume(context.Background(), trigger)
	require.NoError(t, err)
	assert.Equal(t, first.SagaID, second.SagaID)

	require.NoError(t, orch.Run(context.Background(), first.SagaID))

	// Redelivery after completion returns the terminal state and re-running
	// invokes nothing a second time.
	again, err := orch.StartOrResume(context.Background(), trigger)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.PhaseEmitted, again.Phase)
	require.NotNil(t, again.Aggregate)

	require.NoError(t, orch.Run(context.Background(), first.SagaID))
	assert.EqualValues(t, 1, classifier.callCount())
	assert.EqualValues(t, 1, disease.callCount())
	assert.Equal(t, 1, sink.callCount())
}

func TestCrashAfterClassifiedResumesWithoutReclassifying(t *testing.T) {
	store := checkpoint.NewMemoryStore()

	// Seed the store as if the process died right after the CLASSIFIED
	// checkpoint was committed.
	st := checkpoint.New(checkpoint.Trigger{DocumentID: "doc-4", FarmerID: "farmer-3"}, time.Now().UTC())
	st.Context = &checkpoint.Context{Document: map[string]any{"crop": "maize"}}
	st.Classification = &checkpoint.Classification{RouteTo: []string{"disease"}, Confidence: 0.9}
	st.Phase = checkpoint.PhaseClassified
	require.NoError(t, store.Save(context.Background(), st))

	classifier := classifierReturning(t, checkpoint.Classification{RouteTo: []string{"disease"}, Confidence: 0.9})
	disease := countingAnalyzer(t, "fungal_infection", 0.87, checkpoint.SeverityHigh)

	reg := capability.NewRegistry()
	require.NoError(t, reg.Register(capability.Entry{Name: "triage", Capability: classifier}))
	require.NoError(t, reg.Register(capability.Entry{Name: "disease", Capability: disease}))

	provider := &fakeProvider{}
	sink := newFakeSink()
	orch := NewOrchestrator(store, reg, provider, sink, testConfig())

	require.NoError(t, orch.ResumeAll(context.Background()))

	final, err := store.Load(context.Background(), st.SagaID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.PhaseEmitted, final.Phase)
	assert.Equal(t, 1, final.AttemptCount)

	// Neither the context fetch nor the classifier ran again.
	assert.Equal(t, 0, provider.callCount())
	assert.EqualValues(t, 0, classifier.callCount())
	assert.EqualValues(t, 1, disease.callCount())
}

func TestResumeAllFailsCrashLoopingSaga(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	cfg := testConfig()

	st := checkpoint.New(checkpoint.Trigger{DocumentID: "doc-5", FarmerID: "farmer-4"}, time.Now().UTC())
	st.AttemptCount = cfg.AttemptCeiling
	require.NoError(t, store.Save(context.Background(), st))

	reg := capability.NewRegistry()
	require.NoError(t, reg.Register(capability.Entry{Name: "triage", Capability: noopCapability()}))

	orch := NewOrchestrator(store, reg, &fakeProvider{}, newFakeSink(), cfg)
	require.NoError(t, orch.ResumeAll(context.Background()))

	final, err := store.Load(context.Background(), st.SagaID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.PhaseFailed, final.Phase)
	assert.Contains(t, final.LastError, "giving up")
}

func TestUnknownRouteNameFailsFast(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	classifier := classifierReturning(t, checkpoint.Classification{
		RouteTo:    []string{"nonexistent"},
		Confidence: 0.9,
	})

	reg := capability.NewRegistry()
	require.NoError(t, reg.Register(capability.Entry{Name: "triage", Capability: classifier}))

	provider := &fakeProvider{}
	orch := NewOrchestrator(store, reg, provider, newFakeSink(), testConfig())

	st, err := orch.StartOrResume(context.Background(), checkpoint.Trigger{DocumentID: "doc-6", FarmerID: "farmer-5"})
	require.NoError(t, err)
	require.NoError(t, orch.Run(context.Background(), st.SagaID))

	final, err := store.Load(context.Background(), st.SagaID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.PhaseFailed, final.Phase)
	assert.Contains(t, final.LastError, "unknown capability")
	// A configuration error is not retried.
	assert.EqualValues(t, 1, classifier.callCount())
}

func TestTransientFetchFailureIsRetried(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	classifier := classifierReturning(t, checkpoint.Classification{RouteTo: []string{"disease"}, Confidence: 0.9})
	disease := countingAnalyzer(t, "fungal_infection", 0.87, checkpoint.SeverityHigh)

	reg := capability.NewRegistry()
	require.NoError(t, reg.Register(capability.Entry{Name: "triage", Capability: classifier}))
	require.NoError(t, reg.Register(capability.Entry{Name: "disease", Capability: disease}))

	provider := &fakeProvider{failuresLeft: 2}
	orch := NewOrchestrator(store, reg, provider, newFakeSink(), testConfig())

	st, err := orch.StartOrResume(context.Background(), checkpoint.Trigger{DocumentID: "doc-7", FarmerID: "farmer-6"})
	require.NoError(t, err)
	require.NoError(t, orch.Run(context.Background(), st.SagaID))

	final, err := store.Load(context.Background(), st.SagaID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.PhaseEmitted, final.Phase)
	assert.Equal(t, 2, final.AttemptCount)
	assert.Equal(t, 3, provider.callCount())
}

func TestFetchExhaustionFailsPermanently(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	cfg := testConfig()

	reg := capability.NewRegistry()
	require.NoError(t, reg.Register(capability.Entry{Name: "triage", Capability: noopCapability()}))

	provider := &fakeProvider{failuresLeft: 1 << 30}
	orch := NewOrchestrator(store, reg, provider, newFakeSink(), cfg)

	st, err := orch.StartOrResume(context.Background(), checkpoint.Trigger{DocumentID: "doc-8", FarmerID: "farmer-7"})
	require.NoError(t, err)
	require.NoError(t, orch.Run(context.Background(), st.SagaID))

	final, err := store.Load(context.Background(), st.SagaID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.PhaseFailed, final.Phase)
	assert.Equal(t, cfg.AttemptCeiling, provider.callCount())
}

func TestEmitExhaustionParksAtAggregated(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	classifier := classifierReturning(t, checkpoint.Classification{RouteTo: []string{"disease"}, Confidence: 0.9})
	disease := countingAnalyzer(t, "fungal_infection", 0.87, checkpoint.SeverityHigh)

	reg := capability.NewRegistry()
	require.NoError(t, reg.Register(capability.Entry{Name: "triage", Capability: classifier}))
	require.NoError(t, reg.Register(capability.Entry{Name: "disease", Capability: disease}))

	sink := newFakeSink()
	sink.failAlways = true
	orch := NewOrchestrator(store, reg, &fakeProvider{}, sink, testConfig())

	st, err := orch.StartOrResume(context.Background(), checkpoint.Trigger{DocumentID: "doc-9", FarmerID: "farmer-8"})
	require.NoError(t, err)

	err = orch.Run(context.Background(), st.SagaID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parked")

	final, loadErr := store.Load(context.Background(), st.SagaID)
	require.NoError(t, loadErr)
	// Parked, not failed: the aggregate is durable and emit is retryable.
	assert.Equal(t, checkpoint.PhaseAggregated, final.Phase)
	require.NotNil(t, final.Aggregate)
	assert.EqualValues(t, 1, disease.callCount())
}

func TestEmptyBranchSetTerminatesInconclusive(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	classifier := classifierReturning(t, checkpoint.Classification{Confidence: 0.9})

	reg := capability.NewRegistry()
	require.NoError(t, reg.Register(capability.Entry{Name: "triage", Capability: classifier}))

	sink := newFakeSink()
	orch := NewOrchestrator(store, reg, &fakeProvider{}, sink, testConfig())

	st, err := orch.StartOrResume(context.Background(), checkpoint.Trigger{DocumentID: "doc-10", FarmerID: "farmer-9"})
	require.NoError(t, err)
	require.NoError(t, orch.Run(context.Background(), st.SagaID))

	final, err := store.Load(context.Background(), st.SagaID)
	require.NoError(t, err)
	// The saga terminates normally even with nothing to run.
	assert.Equal(t, checkpoint.PhaseEmitted, final.Phase)
	require.NotNil(t, final.Aggregate)
	assert.True(t, final.Aggregate.Inconclusive)
	assert.Zero(t, final.Aggregate.CombinedConfidence)
	assert.Equal(t, 1, sink.callCount())
}
