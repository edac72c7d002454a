package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	bus := NewBus(4)
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	bus.Publish(&StageClaimedEvent{Pipeline: "p1", Stage: "RESEARCH", AgentID: "a1", At: time.Now()})

	select {
	case ev := <-ch:
		claimed, ok := ev.(*StageClaimedEvent)
		require.True(t, ok)
		assert.Equal(t, "p1", claimed.PipelineID())
		assert.Equal(t, "RESEARCH", claimed.Stage)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	bus := NewBus(1)
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(&StageStartedEvent{Pipeline: "p1", Stage: "RESEARCH", At: time.Now()})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber channel")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(1)
	ch := bus.Subscribe()
	bus.Unsubscribe(ch)

	_, open := <-ch
	assert.False(t, open)
}
