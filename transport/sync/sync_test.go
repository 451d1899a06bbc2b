package sync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sagaflow/saga"
)

func TestTransport_PublishCallsSubscriberImmediately(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Start(context.Background()))

	called := false
	_, err := tr.Subscribe(context.Background(), saga.SubscribeOptions{Endpoint: "X"}, func(ctx context.Context, d saga.Delivery) {
		called = true
	})
	require.NoError(t, err)

	require.NoError(t, tr.Publish(context.Background(), saga.NewMessage("X", nil), saga.PublishOptions{}))
	assert.True(t, called)
}

func TestTransport_PublishWithoutSubscriberIsNoop(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Start(context.Background()))
	require.NoError(t, tr.Publish(context.Background(), saga.NewMessage("Unsubscribed", nil), saga.PublishOptions{}))
}

func TestTransport_PublishBeforeStartFails(t *testing.T) {
	tr := New()
	err := tr.Publish(context.Background(), saga.NewMessage("X", nil), saga.PublishOptions{})
	require.Error(t, err)
}

func TestTransport_UnsubscribeStopsDelivery(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Start(context.Background()))

	calls := 0
	unsub, err := tr.Subscribe(context.Background(), saga.SubscribeOptions{Endpoint: "X"}, func(ctx context.Context, d saga.Delivery) {
		calls++
	})
	require.NoError(t, err)

	require.NoError(t, tr.Publish(context.Background(), saga.NewMessage("X", nil), saga.PublishOptions{}))
	require.NoError(t, unsub())
	require.NoError(t, tr.Publish(context.Background(), saga.NewMessage("X", nil), saga.PublishOptions{}))

	assert.Equal(t, 1, calls)
}
