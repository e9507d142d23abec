package affinity

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/kandev/agentpool/pkg/api/v1"
)

func node(path string) v1.Node {
	return v1.Node{Name: "step", SubFlow: v1.FlowPath(path)}
}

func TestTracker_Sticky(t *testing.T) {
	tr := NewTracker("job-1")
	tr.Save("agent-1", node("flow/a"))

	id, ok := tr.Agent(node("flow/a"))
	require.True(t, ok)
	assert.Equal(t, "agent-1", id)

	_, ok = tr.Agent(node("flow/b"))
	assert.False(t, ok)
}

func TestTracker_ParallelIsolation(t *testing.T) {
	tr := NewTracker("job-1")
	tr.Save("x", node("flow/parallel/a"))
	tr.Save("free", node("flow/parallel/a"))
	tr.Remove("free", node("flow/parallel/a"))

	assert.NotContains(t, tr.Candidates(node("flow/parallel/b")), "x")
	assert.NotContains(t, tr.Candidates(node("flow")), "x")
	assert.Equal(t, []string{"free"}, tr.Candidates(node("flow/parallel/b")))
	assert.Equal(t, []string{"free"}, tr.Candidates(node("")))
}

func TestTracker_AncestorOccupancyKeepsCandidate(t *testing.T) {
	tr := NewTracker("job-1")
	tr.Save("x", node("flow"))

	assert.Equal(t, []string{"x"}, tr.Candidates(node("flow/parallel/a")))
	assert.Empty(t, tr.Candidates(node("other")))
}

func TestTracker_RemoveAgent(t *testing.T) {
	tr := NewTracker("job-1")
	tr.Save("x", node("flow/a"))
	tr.Save("y", node("flow/b"))

	tr.RemoveAgent("x")
	_, ok := tr.Agent(node("flow/a"))
	assert.False(t, ok)
	assert.Equal(t, []string{"y"}, tr.AgentIDs())

	tr.RemoveAgent("missing")
	assert.Equal(t, []string{"y"}, tr.AgentIDs())
}

func TestTracker_ClaimSerializesSiblings(t *testing.T) {
	tr := NewTracker("job-1")
	tr.Save("x", node("flow"))
	tr.Remove("x", node("flow"))

	var wg sync.WaitGroup
	results := make([]bool, 2)
	for i, path := range []string{"flow/parallel/a", "flow/parallel/b"} {
		wg.Add(1)
		go func(i int, path string) {
			defer wg.Done()
			_, results[i] = tr.Claim(node(path))
		}(i, path)
	}
	wg.Wait()

	claimed := 0
	for _, ok := range results {
		if ok {
			claimed++
		}
	}
	assert.Equal(t, 1, claimed)
}

func TestTracker_ClaimPrefersSticky(t *testing.T) {
	tr := NewTracker("job-1")
	tr.Save("x", node("flow/a"))
	tr.Save("y", node("flow/b"))

	id, ok := tr.Claim(node("flow/b"))
	require.True(t, ok)
	assert.Equal(t, "y", id)
}

func TestTrackers(t *testing.T) {
	ts := NewTrackers()
	a := ts.Get("job-1")
	assert.Same(t, a, ts.Get("job-1"))

	_, ok := ts.Lookup("job-2")
	assert.False(t, ok)

	dropped, ok := ts.Drop("job-1")
	require.True(t, ok)
	assert.Same(t, a, dropped)
	_, ok = ts.Lookup("job-1")
	assert.False(t, ok)
}
