package saga

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is a minimal Store[*testState] for orchestrator tests, kept
// local to avoid this package depending on a concrete store implementation.
type memStore struct {
	mu            sync.Mutex
	byID          map[string]*testState
	byCorrelation map[string]string
	versions      map[string]int // last written version; byID entries are mutated in place by the orchestrator
}

func newMemStore() *memStore {
	return &memStore{byID: map[string]*testState{}, byCorrelation: map[string]string{}, versions: map[string]int{}}
}

func (m *memStore) Insert(ctx context.Context, sagaName, correlationID string, state *testState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := state.SagaMetadata().SagaID
	if _, ok := m.byID[id]; ok {
		return NewDuplicateKeyError(sagaName, id, correlationID)
	}
	m.byID[id] = state
	m.byCorrelation[correlationID] = id
	m.versions[id] = state.Metadata.Version
	return nil
}

func (m *memStore) GetByID(ctx context.Context, sagaName, sagaID string) (*testState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[sagaID]
	if !ok {
		return nil, NewNotFoundError(sagaName, sagaID, "")
	}
	return s, nil
}

func (m *memStore) GetByCorrelationID(ctx context.Context, sagaName, correlationID string) (*testState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byCorrelation[correlationID]
	if !ok {
		return nil, NewNotFoundError(sagaName, "", correlationID)
	}
	s := m.byID[id]
	if s.Metadata.IsCompleted {
		return nil, NewNotFoundError(sagaName, id, correlationID)
	}
	return s, nil
}

func (m *memStore) Update(ctx context.Context, sagaName string, expectedVersion int, state *testState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := state.SagaMetadata().SagaID
	if _, ok := m.byID[id]; !ok {
		return NewNotFoundError(sagaName, id, "")
	}
	if m.versions[id] != expectedVersion {
		actual := m.versions[id]
		return NewConflictError(sagaName, id, expectedVersion, &actual)
	}
	m.byID[id] = state
	m.versions[id] = state.Metadata.Version
	return nil
}

func (m *memStore) Delete(ctx context.Context, sagaName, sagaID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, sagaID)
	return nil
}

type fakeTransport struct {
	mu        sync.Mutex
	published []Message
}

func (f *fakeTransport) Publish(ctx context.Context, msg Message, opts PublishOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, msg)
	return nil
}
func (f *fakeTransport) Subscribe(ctx context.Context, opts SubscribeOptions, fn ConsumeFunc) (func() error, error) {
	return func() error { return nil }, nil
}
func (f *fakeTransport) Start(ctx context.Context) error { return nil }
func (f *fakeTransport) Close(ctx context.Context) error { return nil }

type fakeScheduler struct {
	mu        sync.Mutex
	scheduled []time.Duration
}

func (f *fakeScheduler) Schedule(ctx context.Context, msg Message, delay time.Duration, opts PublishOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, delay)
	return nil
}

func newOrderDefinition(t *testing.T, store Store[*testState]) BoundDefinition {
	t.Helper()
	def, err := NewBuilder[*testState]("Order").
		WithStore(store).
		StartsWith("OrderSubmitted", extractField("orderId"), func() *testState { return &testState{} }).
		CorrelatesOn("PaymentCaptured", extractField("orderId")).
		On("OrderSubmitted").Handle(func(hc *HandlerContext, s *testState) error {
		s.OrderID = hc.CorrelationID
		hc.Publish(NewMessage("ReserveInventory", s.OrderID), PublishOptions{})
		return nil
	}).
		On("PaymentCaptured").Handle(func(hc *HandlerContext, s *testState) error {
		hc.Complete()
		return nil
	}).
		Build()
	require.NoError(t, err)
	return def.Bind()
}

func envelopeFor(msgType, orderID string) Envelope {
	return Envelope{
		Type:      msgType,
		Payload:   Message{Type: msgType, Data: map[string]string{"orderId": orderID}},
		Timestamp: time.Now(),
	}
}

func TestOrchestrator_StartsNewInstanceOnFirstMessage(t *testing.T) {
	store := newMemStore()
	transport := &fakeTransport{}
	orch := NewOrchestrator(transport, nil)
	require.NoError(t, orch.Register(newOrderDefinition(t, store)))

	err := orch.Dispatch(context.Background(), envelopeFor("OrderSubmitted", "order-1"))
	require.NoError(t, err)

	assert.Equal(t, 1, len(store.byID))
	assert.Len(t, transport.published, 1)
	assert.Equal(t, "ReserveInventory", transport.published[0].Type)
}

func TestOrchestrator_CorrelatesSecondMessageToSameInstance(t *testing.T) {
	store := newMemStore()
	orch := NewOrchestrator(&fakeTransport{}, nil)
	require.NoError(t, orch.Register(newOrderDefinition(t, store)))

	ctx := context.Background()
	require.NoError(t, orch.Dispatch(ctx, envelopeFor("OrderSubmitted", "order-1")))
	require.NoError(t, orch.Dispatch(ctx, envelopeFor("PaymentCaptured", "order-1")))

	assert.Equal(t, 1, len(store.byID))
	for _, s := range store.byID {
		assert.True(t, s.Metadata.IsCompleted)
		assert.Equal(t, 1, s.Metadata.Version)
	}
}

func TestOrchestrator_UnknownCorrelationWithoutStartFails(t *testing.T) {
	store := newMemStore()
	orch := NewOrchestrator(&fakeTransport{}, nil)
	require.NoError(t, orch.Register(newOrderDefinition(t, store)))

	err := orch.Dispatch(context.Background(), envelopeFor("PaymentCaptured", "order-unknown"))
	require.Error(t, err)
	var se *SagaError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrCodeCorrelation, se.Code)
	assert.Equal(t, Permanent, se.Classify)
}

func TestOrchestrator_CompletedInstanceRejectsFurtherMessages(t *testing.T) {
	store := newMemStore()
	orch := NewOrchestrator(&fakeTransport{}, nil)
	require.NoError(t, orch.Register(newOrderDefinition(t, store)))

	ctx := context.Background()
	require.NoError(t, orch.Dispatch(ctx, envelopeFor("OrderSubmitted", "order-1")))
	require.NoError(t, orch.Dispatch(ctx, envelopeFor("PaymentCaptured", "order-1")))

	// A second PaymentCaptured now fails to correlate since GetByCorrelationID
	// excludes completed instances, and this definition has no start rule for it.
	err := orch.Dispatch(ctx, envelopeFor("PaymentCaptured", "order-1"))
	require.Error(t, err)
}

func TestOrchestrator_MiddlewareWrapsDispatch(t *testing.T) {
	store := newMemStore()
	orch := NewOrchestrator(&fakeTransport{}, nil)
	require.NoError(t, orch.Register(newOrderDefinition(t, store)))

	var order []string
	orch.Use(recordingMiddleware{name: "outer", order: &order})
	orch.Use(recordingMiddleware{name: "inner", order: &order})

	require.NoError(t, orch.Dispatch(context.Background(), envelopeFor("OrderSubmitted", "order-1")))

	assert.Equal(t, []string{"outer", "inner"}, order)
}

type recordingMiddleware struct {
	name  string
	order *[]string
}

func (r recordingMiddleware) Handle(ctx context.Context, hc *HandlerContext, next Next) error {
	*r.order = append(*r.order, r.name)
	return next(ctx, hc)
}

func (r recordingMiddleware) Name() string { return r.name }

func TestOrchestrator_MessageTypesDeduplicatesAcrossDefinitions(t *testing.T) {
	store := newMemStore()
	orch := NewOrchestrator(&fakeTransport{}, nil)
	require.NoError(t, orch.Register(newOrderDefinition(t, store)))
	require.NoError(t, orch.Register(newFailingDefinition(t, newMemStore())))

	types := orch.MessageTypes()
	assert.ElementsMatch(t, []string{"OrderSubmitted", "PaymentCaptured"}, types)
}

func newFailingDefinition(t *testing.T, store Store[*testState]) BoundDefinition {
	t.Helper()
	def, err := NewBuilder[*testState]("Inventory").
		WithStore(store).
		StartsWith("OrderSubmitted", extractField("orderId"), func() *testState { return &testState{} }).
		On("OrderSubmitted").Handle(func(hc *HandlerContext, s *testState) error {
			return fmt.Errorf("inventory unavailable")
		}).
		Build()
	require.NoError(t, err)
	return def.Bind()
}

func TestOrchestrator_DispatchRunsEveryMatchedDefinitionDespiteFailure(t *testing.T) {
	orderStore := newMemStore()
	inventoryStore := newMemStore()
	orch := NewOrchestrator(&fakeTransport{}, nil)
	require.NoError(t, orch.Register(newFailingDefinition(t, inventoryStore)))
	require.NoError(t, orch.Register(newOrderDefinition(t, orderStore)))

	err := orch.Dispatch(context.Background(), envelopeFor("OrderSubmitted", "order-1"))

	require.Error(t, err)
	assert.Equal(t, 1, len(orderStore.byID), "Order saga must still be created despite Inventory's failure")
}

func TestOrchestrator_RejectsScheduleDelayOutsideBounds(t *testing.T) {
	store := newMemStore()
	def, err := NewBuilder[*testState]("Order").
		WithStore(store).
		StartsWith("OrderSubmitted", extractField("orderId"), func() *testState { return &testState{} }).
		TimeoutBounds(1000, 60000).
		On("OrderSubmitted").Handle(func(hc *HandlerContext, s *testState) error {
			hc.Schedule(NewMessage("Reminder", nil), 500*time.Millisecond, PublishOptions{})
			return nil
		}).
		Build()
	require.NoError(t, err)

	orch := NewOrchestrator(&fakeTransport{}, &fakeScheduler{})
	require.NoError(t, orch.Register(def.Bind()))

	err = orch.Dispatch(context.Background(), envelopeFor("OrderSubmitted", "order-1"))

	require.Error(t, err)
	var se *SagaError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrCodeValidation, se.Code)
}

func TestOrchestrator_PropagatesTraceContextOnNewInstance(t *testing.T) {
	store := newMemStore()
	orch := NewOrchestrator(&fakeTransport{}, nil)
	require.NoError(t, orch.Register(newOrderDefinition(t, store)))

	env := envelopeFor("OrderSubmitted", "order-1")
	env.Headers = map[string]string{HeaderTraceParent: "00-trace-01", HeaderTraceState: "vendor=1"}

	require.NoError(t, orch.Dispatch(context.Background(), env))

	for _, s := range store.byID {
		assert.Equal(t, "00-trace-01", s.Metadata.TraceParent)
		assert.Equal(t, "vendor=1", s.Metadata.TraceState)
	}
}

// completedAwareStore skips memStore's GetByCorrelationID filtering of
// completed instances, so a second correlated message reaches the
// orchestrator's meta.IsCompleted branch directly instead of failing
// correlation first.
type completedAwareStore struct {
	*memStore
}

func (m *completedAwareStore) GetByCorrelationID(ctx context.Context, sagaName, correlationID string) (*testState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byCorrelation[correlationID]
	if !ok {
		return nil, NewNotFoundError(sagaName, "", correlationID)
	}
	return m.byID[id], nil
}

func TestOrchestrator_CompletedInstanceReturnsAlreadyCompletedError(t *testing.T) {
	store := &completedAwareStore{memStore: newMemStore()}
	orch := NewOrchestrator(&fakeTransport{}, nil)
	require.NoError(t, orch.Register(newOrderDefinition(t, store)))

	ctx := context.Background()
	require.NoError(t, orch.Dispatch(ctx, envelopeFor("OrderSubmitted", "order-1")))
	require.NoError(t, orch.Dispatch(ctx, envelopeFor("PaymentCaptured", "order-1")))

	err := orch.Dispatch(ctx, envelopeFor("PaymentCaptured", "order-1"))

	require.Error(t, err)
	var se *SagaError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrCodeAlreadyCompleted, se.Code)
}
