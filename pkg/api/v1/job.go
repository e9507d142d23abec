// Package v1 holds the pipeline types the allocation API consumes.
package v1

import "strings"

// FlowPath is a slash-delimited path to a (sub-)flow, e.g. "flow/parallel/a".
type FlowPath string

// PathSeparator separates flow path segments.
const PathSeparator = "/"

// Depth is the number of segments of the path. The empty path has depth 0.
func (p FlowPath) Depth() int {
	s := strings.Trim(string(p), PathSeparator)
	if s == "" {
		return 0
	}
	return strings.Count(s, PathSeparator) + 1
}

// Parent returns the path without its last segment.
func (p FlowPath) Parent() FlowPath {
	s := strings.Trim(string(p), PathSeparator)
	idx := strings.LastIndex(s, PathSeparator)
	if idx < 0 {
		return ""
	}
	return FlowPath(s[:idx])
}

func (p FlowPath) String() string { return string(p) }

// Node is a step of a pipeline as seen by allocation: its name and the
// sub-flow it belongs to.
type Node struct {
	Name    string   `json:"name"`
	SubFlow FlowPath `json:"sub_flow"`
}

// Job is one run of a pipeline that needs agents.
type Job struct {
	ID string `json:"id"`
	// FlowID identifies the pipeline; wait handles are keyed by it.
	FlowID   string   `json:"flow_id"`
	Selector []string `json:"selector,omitempty"`
}
