package events

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentpool/internal/common/logger"
	"github.com/kandev/agentpool/internal/events/bus"
)

func TestDecode_InProcessValue(t *testing.T) {
	e := bus.NewEvent(StopWaiting, "test", StopWaitingEvent{PipelineID: "p1"})

	got, err := Decode[StopWaitingEvent](e)
	require.NoError(t, err)
	assert.Equal(t, "p1", got.PipelineID)
}

func TestDecode_AfterJSONRoundTrip(t *testing.T) {
	e := bus.NewEvent(NoIdleAgent, "test", NoIdleAgentEvent{JobID: "j1", FlowID: "f1", Selector: []string{"linux"}})
	raw, err := json.Marshal(e)
	require.NoError(t, err)

	var wire bus.Event
	require.NoError(t, json.Unmarshal(raw, &wire))

	got, err := Decode[NoIdleAgentEvent](&wire)
	require.NoError(t, err)
	assert.Equal(t, "j1", got.JobID)
	assert.Equal(t, []string{"linux"}, got.Selector)
}

func TestSubscribe_Typed(t *testing.T) {
	b := bus.NewMemoryEventBus(logger.NewNop())
	defer b.Close()

	var got AgentIdleEvent
	_, err := Subscribe(b, AgentIdle, func(ctx context.Context, e AgentIdleEvent) error {
		got = e
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, Publish(context.Background(), b, "test", AgentIdle, AgentIdleEvent{AgentID: "a1", JobID: "j1"}))
	assert.Equal(t, "a1", got.AgentID)
	assert.Equal(t, "j1", got.JobID)
}
