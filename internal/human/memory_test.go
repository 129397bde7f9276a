package human

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/schema"
)

func TestMemoryChannel_PublishSubscribe(t *testing.T) {
	c := NewMemoryChannel()

	ch, cancel, err := c.Subscribe(context.Background(), Filter{})
	require.NoError(t, err)
	defer cancel()

	req := schema.InterruptRequest{InterruptID: "i1", RunID: "r1", StepID: "approve", Prompt: "ok?"}
	require.NoError(t, c.Publish(context.Background(), req))

	select {
	case got := <-ch:
		assert.Equal(t, "i1", got.InterruptID)
		assert.Equal(t, "approve", got.StepID)
	case <-time.After(time.Second):
		t.Fatal("no interrupt received")
	}
}

func TestMemoryChannel_FilterByRun(t *testing.T) {
	c := NewMemoryChannel()

	ch, cancel, err := c.Subscribe(context.Background(), Filter{RunID: "r2"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, c.Publish(context.Background(), schema.InterruptRequest{InterruptID: "a", RunID: "r1"}))
	require.NoError(t, c.Publish(context.Background(), schema.InterruptRequest{InterruptID: "b", RunID: "r2"}))

	select {
	case got := <-ch:
		assert.Equal(t, "b", got.InterruptID)
	case <-time.After(time.Second):
		t.Fatal("no interrupt received")
	}
	assert.Empty(t, ch)
}

func TestMemoryChannel_CancelStopsDelivery(t *testing.T) {
	c := NewMemoryChannel()

	ch, cancel, err := c.Subscribe(context.Background(), Filter{})
	require.NoError(t, err)
	cancel()

	require.NoError(t, c.Publish(context.Background(), schema.InterruptRequest{InterruptID: "x"}))
	assert.Empty(t, ch)
}
