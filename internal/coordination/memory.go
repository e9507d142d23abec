package coordination

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryCoordinator keeps nodes in process memory.
type MemoryCoordinator struct {
	mu       sync.Mutex
	nodes    map[string][]byte
	changed  chan struct{}
	watchers map[int]memoryWatcher
	nextID   int
	closed   bool
}

type memoryWatcher struct {
	suffix    string
	onRemoved func(key string)
}

var _ Coordinator = (*MemoryCoordinator)(nil)

func NewMemoryCoordinator() *MemoryCoordinator {
	return &MemoryCoordinator{
		nodes:    make(map[string][]byte),
		changed:  make(chan struct{}),
		watchers: make(map[int]memoryWatcher),
	}
}

// Lock implements Coordinator. Waiters are woken whenever a node is deleted.
func (m *MemoryCoordinator) Lock(ctx context.Context, key string, wait time.Duration) (Unlock, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		m.mu.Lock()
		if _, held := m.nodes[key]; !held {
			m.nodes[key] = []byte(lockValue)
			m.mu.Unlock()
			var once sync.Once
			return func() {
				once.Do(func() { _ = m.Delete(context.Background(), key) })
			}, nil
		}
		changed := m.changed
		m.mu.Unlock()

		select {
		case <-changed:
		case <-timer.C:
			return nil, ErrLockNotAcquired
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *MemoryCoordinator) CreateEphemeral(_ context.Context, key string, value []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[key]; ok {
		return false, nil
	}
	m.nodes[key] = value
	return true, nil
}

func (m *MemoryCoordinator) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.nodes[key]
	return ok, nil
}

func (m *MemoryCoordinator) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.nodes[key]
	return value, ok, nil
}

// Watch implements Coordinator. Callbacks run on the deleting goroutine.
func (m *MemoryCoordinator) Watch(_ context.Context, suffix string, onRemoved func(key string)) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.watchers[id] = memoryWatcher{suffix: suffix, onRemoved: onRemoved}
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.watchers, id)
	}, nil
}

func (m *MemoryCoordinator) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	if _, ok := m.nodes[key]; !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.nodes, key)
	close(m.changed)
	m.changed = make(chan struct{})

	var notify []func(string)
	for _, w := range m.watchers {
		if strings.HasSuffix(key, w.suffix) {
			notify = append(notify, w.onRemoved)
		}
	}
	m.mu.Unlock()

	for _, fn := range notify {
		fn(key)
	}
	return nil
}

func (m *MemoryCoordinator) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.nodes = make(map[string][]byte)
	m.watchers = make(map[int]memoryWatcher)
	close(m.changed)
	m.changed = make(chan struct{})
	return nil
}
