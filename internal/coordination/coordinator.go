// Package coordination provides the cross-process primitives the pool relies
// on: exclusive locks and ephemeral nodes that vanish with their owner.
package coordination

import (
	"context"
	"errors"
	"os"
	"time"
)

// ErrLockNotAcquired is returned when a lock could not be taken within the wait budget.
var ErrLockNotAcquired = errors.New("lock not acquired")

// Unlock releases a lock returned by Coordinator.Lock.
type Unlock func()

// Coordinator is implemented by the in-memory coordinator (single instance)
// and the NATS KV coordinator (several scheduler instances).
type Coordinator interface {
	// Lock waits up to wait for the exclusive lock on key.
	// It returns ErrLockNotAcquired when the budget runs out.
	Lock(ctx context.Context, key string, wait time.Duration) (Unlock, error)

	// CreateEphemeral creates key unless it exists. The node lives until it is
	// deleted or its owner stops refreshing it. Returns false if it already existed.
	CreateEphemeral(ctx context.Context, key string, value []byte) (bool, error)

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Get returns the value of key and whether it is present.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Watch calls onRemoved for every node whose key ends with suffix once it
	// is deleted or expires, until stop is called.
	Watch(ctx context.Context, suffix string, onRemoved func(key string)) (stop func(), err error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases every node owned by this instance.
	Close() error
}

// Key helpers shared by the registry and the host pool.

func AgentLockKey(agentID string) string   { return "agents/" + agentID + "/lock" }
func AgentOnlineKey(agentID string) string { return "agents/" + agentID + "/online" }
func HostProvisionKey(hostID string) string {
	return "hosts/" + hostID + "/provision"
}

const (
	// LocalSocketKey serializes creation of the singleton local socket host.
	LocalSocketKey = "hosts/local-socket"
	// SweepKey guards the periodic host sweep so one instance runs it at a time.
	SweepKey = "sweep"
)

const lockValue = "locked"

// pollInterval bounds how long a waiter sleeps between attempts.
func pollInterval(attempt int) time.Duration {
	d := 20 * time.Millisecond << min(attempt, 4)
	return min(d, 250*time.Millisecond)
}

// DefaultInstanceID names this scheduler instance in the nodes it owns. The
// hostname is stable across restarts, so a restarted process recognizes the
// nodes its previous run left behind.
func DefaultInstanceID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "agentpool"
}
