// Package models defines the agent record and its status machine.
package models

import (
	"slices"
	"strings"
	"time"
)

// Status is the lifecycle state of an agent.
type Status string

const (
	StatusOffline Status = "OFFLINE"
	StatusIdle    Status = "IDLE"
	StatusBusy    Status = "BUSY"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOffline, StatusIdle, StatusBusy:
		return true
	}
	return false
}

// Resource is the last resource snapshot an agent reported.
type Resource struct {
	CPU         int   `json:"cpu"`
	TotalMemory int64 `json:"total_memory"`
	FreeMemory  int64 `json:"free_memory"`
	TotalDisk   int64 `json:"total_disk"`
	FreeDisk    int64 `json:"free_disk"`
}

// Agent is a build worker running inside a container.
type Agent struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Token  string   `json:"-"` // secret; only the create response exposes it
	Tags   []string `json:"tags"`
	Status Status   `json:"status"`
	// JobID is set while the agent is BUSY.
	JobID    string   `json:"job_id,omitempty"`
	HostID   string   `json:"host_id,omitempty"`
	URL      string   `json:"url,omitempty"`
	OS       string   `json:"os,omitempty"`
	Resource Resource `json:"resource"`

	StatusChangedAt time.Time `json:"status_changed_at"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Public returns a copy without the secret token, for event payloads.
func (a *Agent) Public() Agent {
	c := *a
	c.Token = ""
	return c
}

func (a *Agent) IsOffline() bool { return a.Status == StatusOffline }
func (a *Agent) IsIdle() bool    { return a.Status == StatusIdle }
func (a *Agent) IsBusy() bool    { return a.Status == StatusBusy }

// HasJob reports whether a job is attached.
func (a *Agent) HasJob() bool { return a.JobID != "" }

// Fulfills reports whether the agent carries every tag of the selector.
// An empty selector matches every agent.
func (a *Agent) Fulfills(selector []string) bool {
	return MatchTags(a.Tags, selector)
}

// MatchTags reports whether tags is a superset of selector.
func MatchTags(tags, selector []string) bool {
	for _, want := range selector {
		if !slices.Contains(tags, want) {
			return false
		}
	}
	return true
}

// AgentInit is the payload an agent sends right after it connects.
type AgentInit struct {
	OS       string   `json:"os"`
	URL      string   `json:"url"`
	Status   Status   `json:"status"`
	Resource Resource `json:"resource"`
}

// NormalizeTags trims, drops empties and duplicates, and sorts tags.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || slices.Contains(out, t) {
			continue
		}
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}
