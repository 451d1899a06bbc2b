package saga

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Two registrations for the same message type whose guards both match: only
// the first must run. A double-fire would append both suffixes.
func TestDefinition_DispatchRunsOnlyFirstMatchingHandler(t *testing.T) {
	def, err := NewBuilder[*testState]("Order").
		WithStore(newNoopStore()).
		StartsWith("OrderSubmitted", extractField("orderId"), func() *testState { return &testState{} }).
		On("OrderSubmitted").When(func(s *testState, msg Message) bool { return true }).
		Handle(func(hc *HandlerContext, s *testState) error {
			s.OrderID += "first"
			return nil
		}).
		On("OrderSubmitted").When(func(s *testState, msg Message) bool { return true }).
		Handle(func(hc *HandlerContext, s *testState) error {
			s.OrderID += "second"
			return nil
		}).
		Build()
	require.NoError(t, err)

	bound := def.Bind()
	state := &testState{}
	hc := newHandlerContext(context.Background(), "Order", "order-1", Envelope{}, &state.Metadata)

	ran, err := bound.Dispatch(hc, "OrderSubmitted", state)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, "first", state.OrderID)
}

// The un-guarded default registered after a guarded one must not run when
// the guarded one already matched.
func TestDefinition_DispatchStopsAtFirstGuardedMatchBeforeDefault(t *testing.T) {
	def, err := NewBuilder[*testState]("Order").
		WithStore(newNoopStore()).
		StartsWith("OrderSubmitted", extractField("orderId"), func() *testState { return &testState{} }).
		On("OrderSubmitted").When(func(s *testState, msg Message) bool { return true }).
		Handle(func(hc *HandlerContext, s *testState) error {
			s.OrderID = "guarded"
			return nil
		}).
		On("OrderSubmitted").Handle(func(hc *HandlerContext, s *testState) error {
			s.OrderID = "default"
			return nil
		}).
		Build()
	require.NoError(t, err)

	bound := def.Bind()
	state := &testState{}
	hc := newHandlerContext(context.Background(), "Order", "order-1", Envelope{}, &state.Metadata)

	ran, err := bound.Dispatch(hc, "OrderSubmitted", state)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, "guarded", state.OrderID)
}
