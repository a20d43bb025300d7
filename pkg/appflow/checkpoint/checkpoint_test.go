package checkpoint_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/appflow/pkg/appflow/checkpoint"
)

func TestCheckpoint_New(t *testing.T) {
	cp := checkpoint.New("thread-1", "build", 3, []byte(`{"a":1}`), "select_device")

	assert.Equal(t, checkpoint.Version, cp.Version)
	assert.Equal(t, "thread-1", cp.ThreadID)
	assert.Equal(t, "build", cp.NodeID)
	assert.Equal(t, 3, cp.Sequence)
	assert.Equal(t, checkpoint.StatusRunning, cp.Status)
	assert.Equal(t, "select_device", cp.NextNode)
	assert.False(t, cp.Timestamp.IsZero())
	assert.False(t, cp.Suspended())
	assert.False(t, cp.Terminal())
}

func TestCheckpoint_WithInterrupt(t *testing.T) {
	cp := checkpoint.New("thread-1", "configure", 1, []byte(`{}`), "").
		WithInterrupt(&checkpoint.Interrupt{
			TokenID: "tok",
			NodeID:  "configure",
			Prompt:  "Name your app",
			Expects: []string{"app_name"},
		})

	assert.True(t, cp.Suspended())
	assert.Equal(t, checkpoint.StatusSuspended, cp.Status)
	assert.Equal(t, "configure", cp.NextNode)
}

func TestCheckpoint_Terminal(t *testing.T) {
	for _, status := range []checkpoint.Status{checkpoint.StatusCompleted, checkpoint.StatusFailed} {
		cp := checkpoint.New("t", "n", 1, nil, "").WithStatus(status)
		assert.True(t, cp.Terminal(), status)
	}
}

func TestCheckpoint_MarshalUnmarshal(t *testing.T) {
	original := checkpoint.New("thread-1", "review", 7, []byte(`{"approved":false}`), "").
		WithPrevNode("draft").
		WithSteps(12).
		WithInterrupt(&checkpoint.Interrupt{TokenID: "abc", NodeID: "review", Expects: []string{"approved"}})

	data, err := original.Marshal()
	require.NoError(t, err)

	restored, err := checkpoint.Unmarshal(data)
	require.NoError(t, err)

	assert.Equal(t, original.ThreadID, restored.ThreadID)
	assert.Equal(t, original.Sequence, restored.Sequence)
	assert.Equal(t, "draft", restored.PrevNodeID)
	assert.Equal(t, 12, restored.Steps)
	assert.JSONEq(t, string(original.State), string(restored.State))
	require.NotNil(t, restored.Interrupt)
	assert.Equal(t, *original.Interrupt, *restored.Interrupt)
	assert.True(t, original.Timestamp.Equal(restored.Timestamp))
}

func TestCheckpoint_UnmarshalInvalidJSON(t *testing.T) {
	_, err := checkpoint.Unmarshal([]byte("not json"))
	assert.Error(t, err)
}

func TestCheckpoint_UnmarshalVersionMismatch(t *testing.T) {
	data, err := json.Marshal(map[string]any{"version": 99, "thread_id": "t"})
	require.NoError(t, err)

	cp, err := checkpoint.Unmarshal(data)
	assert.ErrorIs(t, err, checkpoint.ErrVersionMismatch)
	require.NotNil(t, cp)
	assert.Equal(t, 99, cp.Version)
}

func TestCheckpoint_JSONFormat(t *testing.T) {
	cp := checkpoint.New("thread-1", "build", 1, []byte(`{}`), "recover")
	data, err := cp.Marshal()
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))

	for _, key := range []string{"version", "thread_id", "sequence", "timestamp", "status", "node_id", "state", "next_node", "steps"} {
		assert.Contains(t, raw, key)
	}
	assert.NotContains(t, raw, "interrupt")
	assert.Equal(t, "running", raw["status"])
}
