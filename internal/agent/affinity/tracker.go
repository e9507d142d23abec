// Package affinity tracks which agents of a job serve which sub-flows, so
// sequential steps stay on one agent while parallel siblings never share one.
package affinity

import (
	"slices"
	"sync"

	v1 "github.com/kandev/agentpool/pkg/api/v1"
)

// Tracker maps the agents held by one job to the sub-flow paths they occupy.
// It is safe for concurrent use by the goroutines dispatching the job's steps.
type Tracker struct {
	jobID string

	mu     sync.Mutex
	order  []string
	agents map[string]map[v1.FlowPath]struct{}
}

// NewTracker returns an empty tracker for jobID.
func NewTracker(jobID string) *Tracker {
	return &Tracker{
		jobID:  jobID,
		agents: make(map[string]map[v1.FlowPath]struct{}),
	}
}

func (t *Tracker) JobID() string { return t.jobID }

// Save records that agentID serves the sub-flow of node.
func (t *Tracker) Save(agentID string, node v1.Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.save(agentID, node.SubFlow)
}

func (t *Tracker) save(agentID string, path v1.FlowPath) {
	paths, ok := t.agents[agentID]
	if !ok {
		paths = make(map[v1.FlowPath]struct{})
		t.agents[agentID] = paths
		t.order = append(t.order, agentID)
	}
	paths[path] = struct{}{}
}

// Remove drops the sub-flow of node from agentID. The agent stays with the
// job and becomes a candidate for any depth once it occupies nothing.
func (t *Tracker) Remove(agentID string, node v1.Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if paths, ok := t.agents[agentID]; ok {
		delete(paths, node.SubFlow)
	}
}

// RemoveAgent forgets agentID entirely.
func (t *Tracker) RemoveAgent(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.agents[agentID]; !ok {
		return
	}
	delete(t.agents, agentID)
	t.order = slices.DeleteFunc(t.order, func(id string) bool { return id == agentID })
}

// Agent returns the agent already serving the exact sub-flow of node.
func (t *Tracker) Agent(node v1.Node) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sticky(node.SubFlow)
}

func (t *Tracker) sticky(path v1.FlowPath) (string, bool) {
	for _, id := range t.order {
		if _, ok := t.agents[id][path]; ok {
			return id, true
		}
	}
	return "", false
}

// Candidates lists the job's agents that may take node. An agent is excluded
// when its deepest occupied path is at least as deep as node's sub-flow.
func (t *Tracker) Candidates(node v1.Node) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.candidates(node.SubFlow.Depth())
}

func (t *Tracker) candidates(depth int) []string {
	var out []string
	for _, id := range t.order {
		if paths := t.agents[id]; len(paths) == 0 || maxDepth(paths) < depth {
			out = append(out, id)
		}
	}
	return out
}

// Claim returns the sticky agent for node or else the first candidate, and
// records the assignment before releasing the lock.
func (t *Tracker) Claim(node v1.Node) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id, ok := t.sticky(node.SubFlow); ok {
		return id, true
	}
	candidates := t.candidates(node.SubFlow.Depth())
	if len(candidates) == 0 {
		return "", false
	}
	t.save(candidates[0], node.SubFlow)
	return candidates[0], true
}

// AgentIDs returns every agent held by the job, in the order they joined.
func (t *Tracker) AgentIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.order)
}

func maxDepth(paths map[v1.FlowPath]struct{}) int {
	m := 0
	for p := range paths {
		m = max(m, p.Depth())
	}
	return m
}

// Trackers holds one tracker per running job.
type Trackers struct {
	mu   sync.Mutex
	jobs map[string]*Tracker
}

func NewTrackers() *Trackers {
	return &Trackers{jobs: make(map[string]*Tracker)}
}

// Get returns the tracker of jobID, creating it on first use.
func (ts *Trackers) Get(jobID string) *Tracker {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t, ok := ts.jobs[jobID]
	if !ok {
		t = NewTracker(jobID)
		ts.jobs[jobID] = t
	}
	return t
}

// Lookup returns the tracker of jobID without creating one.
func (ts *Trackers) Lookup(jobID string) (*Tracker, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t, ok := ts.jobs[jobID]
	return t, ok
}

// Drop destroys the tracker of jobID and returns it.
func (ts *Trackers) Drop(jobID string) (*Tracker, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t, ok := ts.jobs[jobID]
	delete(ts.jobs, jobID)
	return t, ok
}
