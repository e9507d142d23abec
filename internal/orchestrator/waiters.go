package orchestrator

import (
	"strings"
	"sync"

	agentmodels "github.com/kandev/agentpool/internal/agent/models"
)

// waitHandle is the wake point shared by every Acquire blocked on one pipeline.
type waitHandle struct {
	ch        chan struct{}
	stopped   bool
	refs      int
	selectors map[string][]string // selector key -> selector
	counts    map[string]int
}

// waiters keys wait handles by pipeline id. A handle lives while at least one
// Acquire holds it.
type waiters struct {
	mu      sync.Mutex
	handles map[string]*waitHandle
}

func newWaiters() *waiters {
	return &waiters{handles: make(map[string]*waitHandle)}
}

func selectorKey(selector []string) string {
	return strings.Join(agentmodels.NormalizeTags(selector), ",")
}

// join registers a waiter with selector on pipelineID.
func (w *waiters) join(pipelineID string, selector []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	h, ok := w.handles[pipelineID]
	if !ok {
		h = &waitHandle{
			ch:        make(chan struct{}),
			selectors: make(map[string][]string),
			counts:    make(map[string]int),
		}
		w.handles[pipelineID] = h
	}
	h.refs++
	key := selectorKey(selector)
	h.selectors[key] = selector
	h.counts[key]++
}

// leave drops a waiter and tears the handle down with the last one.
func (w *waiters) leave(pipelineID string, selector []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	h, ok := w.handles[pipelineID]
	if !ok {
		return
	}
	key := selectorKey(selector)
	if h.counts[key]--; h.counts[key] <= 0 {
		delete(h.counts, key)
		delete(h.selectors, key)
	}
	if h.refs--; h.refs <= 0 {
		delete(w.handles, pipelineID)
	}
}

// wait returns the channel the next notify of pipelineID closes, and whether
// the pipeline was told to stop waiting.
func (w *waiters) wait(pipelineID string) (<-chan struct{}, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	h, ok := w.handles[pipelineID]
	if !ok {
		return nil, false
	}
	return h.ch, h.stopped
}

func (w *waiters) stopped(pipelineID string) bool {
	_, stopped := w.wait(pipelineID)
	return stopped
}

// notify wakes every waiter of pipelineID.
func (w *waiters) notify(pipelineID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	h, ok := w.handles[pipelineID]
	if !ok {
		return false
	}
	w.wakeLocked(h)
	return true
}

// notifyMatching wakes the pipelines with a waiter whose selector tags satisfies.
func (w *waiters) notifyMatching(tags []string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	woken := 0
	for _, h := range w.handles {
		for _, selector := range h.selectors {
			if agentmodels.MatchTags(tags, selector) {
				w.wakeLocked(h)
				woken++
				break
			}
		}
	}
	return woken
}

// stop marks pipelineID stopped and wakes its waiters. Unknown pipelines have
// nobody to stop.
func (w *waiters) stop(pipelineID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	h, ok := w.handles[pipelineID]
	if !ok {
		return false
	}
	h.stopped = true
	w.wakeLocked(h)
	return true
}

func (w *waiters) wakeLocked(h *waitHandle) {
	close(h.ch)
	h.ch = make(chan struct{})
}

func (w *waiters) size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.handles)
}
