package pool

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kandev/agentpool/internal/common/logger"
	"github.com/kandev/agentpool/internal/host/docker"
	"github.com/kandev/agentpool/internal/host/models"
)

var errCacheClosed = errors.New("client cache closed")

type initFunc func(ctx context.Context, host *models.AgentHost) (docker.ContainerClient, error)

// clientCache holds one open container client per host, bounded by count and
// idle time. Clients are handed out as leases; an evicted client is closed
// once its last lease is released.
type clientCache struct {
	size   int
	ttl    time.Duration
	init   initFunc
	now    func() time.Time
	logger *logger.Logger

	group singleflight.Group

	mu      sync.Mutex
	entries map[string]*cacheEntry
	lru     *list.List // front is most recently used
	closed  bool
}

type cacheEntry struct {
	hostID    string
	client    docker.ContainerClient
	elem      *list.Element
	lastUsed  time.Time
	leases    int
	evicted   bool
	closeOnce sync.Once
}

func newClientCache(size int, ttl time.Duration, init initFunc, log *logger.Logger) *clientCache {
	return &clientCache{
		size:    max(size, 1),
		ttl:     ttl,
		init:    init,
		now:     time.Now,
		logger:  log,
		entries: make(map[string]*cacheEntry),
		lru:     list.New(),
	}
}

// Acquire returns the client of host, creating it on a miss. Concurrent
// misses for one host share a single init. The returned func releases the lease.
func (c *clientCache) Acquire(ctx context.Context, host *models.AgentHost) (docker.ContainerClient, func(), error) {
	for {
		if e, err := c.lease(host.ID); err != nil {
			return nil, nil, err
		} else if e != nil {
			return e.client, c.releaser(e), nil
		}

		_, err, _ := c.group.Do(host.ID, func() (any, error) {
			if c.contains(host.ID) {
				return nil, nil
			}
			client, err := c.init(ctx, host)
			if err != nil {
				return nil, err
			}
			return nil, c.insert(host.ID, client)
		})
		if err != nil {
			return nil, nil, err
		}
	}
}

func (c *clientCache) lease(hostID string) (*cacheEntry, error) {
	var stale *cacheEntry
	defer func() {
		if stale != nil {
			c.closeEntry(stale)
		}
	}()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errCacheClosed
	}
	e, ok := c.entries[hostID]
	if !ok {
		return nil, nil
	}
	if c.expired(e) {
		stale = c.evictLocked(e)
		return nil, nil
	}
	e.leases++
	e.lastUsed = c.now()
	c.lru.MoveToFront(e.elem)
	return e, nil
}

func (c *clientCache) contains(hostID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[hostID]
	return ok
}

func (c *clientCache) insert(hostID string, client docker.ContainerClient) error {
	var victims []*cacheEntry
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = client.Close()
		return errCacheClosed
	}
	if old, ok := c.entries[hostID]; ok {
		victims = append(victims, c.evictLocked(old))
	}
	e := &cacheEntry{hostID: hostID, client: client, lastUsed: c.now()}
	e.elem = c.lru.PushFront(e)
	c.entries[hostID] = e
	for c.lru.Len() > c.size {
		oldest := c.lru.Back().Value.(*cacheEntry)
		victims = append(victims, c.evictLocked(oldest))
	}
	c.mu.Unlock()

	for _, v := range victims {
		c.closeEntry(v)
	}
	return nil
}

func (c *clientCache) expired(e *cacheEntry) bool {
	return c.ttl > 0 && e.leases == 0 && c.now().Sub(e.lastUsed) > c.ttl
}

// evictLocked drops e from the cache. It returns e when nobody holds a lease
// and the caller must close it after unlocking, nil otherwise.
func (c *clientCache) evictLocked(e *cacheEntry) *cacheEntry {
	if e.evicted {
		return nil
	}
	e.evicted = true
	delete(c.entries, e.hostID)
	c.lru.Remove(e.elem)
	if e.leases > 0 {
		return nil
	}
	return e
}

func (c *clientCache) releaser(e *cacheEntry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			e.leases--
			e.lastUsed = c.now()
			closeNow := e.evicted && e.leases == 0
			c.mu.Unlock()
			if closeNow {
				c.closeEntry(e)
			}
		})
	}
}

func (c *clientCache) closeEntry(e *cacheEntry) {
	if e == nil {
		return
	}
	e.closeOnce.Do(func() {
		if err := e.client.Close(); err != nil {
			c.logger.Warn("failed to close host client", zap.String("host_id", e.hostID), zap.Error(err))
		}
	})
}

// Invalidate evicts the client of hostID, if any.
func (c *clientCache) Invalidate(hostID string) {
	c.mu.Lock()
	var victim *cacheEntry
	if e, ok := c.entries[hostID]; ok {
		victim = c.evictLocked(e)
	}
	c.mu.Unlock()
	c.closeEntry(victim)
}

// Expire evicts every client idle for longer than the TTL.
func (c *clientCache) Expire() int {
	var victims []*cacheEntry
	c.mu.Lock()
	for _, e := range c.entries {
		if c.expired(e) {
			victims = append(victims, c.evictLocked(e))
		}
	}
	c.mu.Unlock()
	for _, v := range victims {
		c.closeEntry(v)
	}
	return len(victims)
}

// Run expires idle clients until ctx is done.
func (c *clientCache) Run(ctx context.Context) {
	if c.ttl <= 0 {
		return
	}
	ticker := time.NewTicker(max(c.ttl/2, time.Second))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Expire(); n > 0 {
				c.logger.Debug("expired idle host clients", zap.Int("count", n))
			}
		}
	}
}

func (c *clientCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close evicts every client. Leased clients close when released.
func (c *clientCache) Close() {
	var victims []*cacheEntry
	c.mu.Lock()
	c.closed = true
	for _, e := range c.entries {
		victims = append(victims, c.evictLocked(e))
	}
	c.mu.Unlock()
	for _, v := range victims {
		c.closeEntry(v)
	}
}
