package coordination

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/kandev/agentpool/internal/common/logger"
)

// KVCoordinator implements Coordinator on a JetStream key-value bucket.
//
// The bucket has a max age; nodes owned by this instance are re-written
// before they age out. When the process dies the refresh stops and the
// nodes expire, which is what makes them ephemeral. Expiry leaves a marker
// in the bucket so watchers see it like a delete.
type KVCoordinator struct {
	kv     jetstream.KeyValue
	ttl    time.Duration
	logger *logger.Logger

	mu     sync.Mutex
	owned  map[string]*ownedNode
	closed bool
}

type ownedNode struct {
	revision uint64
	value    []byte
	stop     chan struct{}
}

var _ Coordinator = (*KVCoordinator)(nil)

// NewKVCoordinator creates (or updates) the bucket and returns a coordinator on it.
func NewKVCoordinator(ctx context.Context, nc *nats.Conn, bucket string, ttl time.Duration, log *logger.Logger) (*KVCoordinator, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:         bucket,
		Description:    "agentpool locks and ephemeral nodes",
		History:        1,
		TTL:            ttl,
		LimitMarkerTTL: ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("open kv bucket %s: %w", bucket, err)
	}
	return newKVCoordinator(kv, ttl, log), nil
}

func newKVCoordinator(kv jetstream.KeyValue, ttl time.Duration, log *logger.Logger) *KVCoordinator {
	return &KVCoordinator{
		kv:     kv,
		ttl:    ttl,
		logger: log.WithFields(zap.String("component", "kv-coordinator")),
		owned:  make(map[string]*ownedNode),
	}
}

func (c *KVCoordinator) Lock(ctx context.Context, key string, wait time.Duration) (Unlock, error) {
	deadline := time.Now().Add(wait)
	for attempt := 0; ; attempt++ {
		created, err := c.CreateEphemeral(ctx, key, []byte(lockValue))
		if err != nil {
			return nil, err
		}
		if created {
			var once sync.Once
			return func() {
				once.Do(func() {
					if err := c.release(context.Background(), key); err != nil {
						c.logger.Warn("failed to release lock", zap.String("key", key), zap.Error(err))
					}
				})
			}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrLockNotAcquired
		}
		select {
		case <-time.After(min(pollInterval(attempt), remaining)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *KVCoordinator) CreateEphemeral(ctx context.Context, key string, value []byte) (bool, error) {
	rev, err := c.kv.Create(ctx, key, value)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return false, nil
		}
		return false, fmt.Errorf("create %s: %w", key, err)
	}

	node := &ownedNode{revision: rev, value: value, stop: make(chan struct{})}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = c.kv.Delete(ctx, key)
		return false, errors.New("coordinator is closed")
	}
	c.owned[key] = node
	c.mu.Unlock()

	go c.keepAlive(key, node)
	return true, nil
}

// keepAlive rewrites the node at a third of the bucket TTL until stopped.
func (c *KVCoordinator) keepAlive(key string, node *ownedNode) {
	ticker := time.NewTicker(c.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-node.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.ttl/3)
			c.mu.Lock()
			rev := node.revision
			c.mu.Unlock()
			newRev, err := c.kv.Update(ctx, key, node.value, rev)
			cancel()
			if err != nil {
				// Someone else deleted or replaced the node; it is no longer ours.
				c.logger.Warn("lost ephemeral node", zap.String("key", key), zap.Error(err))
				c.forget(key, node)
				return
			}
			c.mu.Lock()
			node.revision = newRev
			c.mu.Unlock()
		}
	}
}

func (c *KVCoordinator) forget(key string, node *ownedNode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.owned[key]; ok && cur == node {
		delete(c.owned, key)
	}
}

// release deletes key only while this instance still owns the revision it wrote,
// so a node that expired and was re-created by another instance is left alone.
func (c *KVCoordinator) release(ctx context.Context, key string) error {
	c.mu.Lock()
	node, ok := c.owned[key]
	var rev uint64
	if ok {
		rev = node.revision
		close(node.stop)
		delete(c.owned, key)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}

	err := c.kv.Delete(ctx, key, jetstream.LastRevision(rev))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}

func (c *KVCoordinator) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	return true, nil
}

func (c *KVCoordinator) Get(ctx context.Context, key string) ([]byte, bool, error) {
	entry, err := c.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	return entry.Value(), true, nil
}

// Watch implements Coordinator. Both explicit deletes and max-age expiry
// markers count as removal.
func (c *KVCoordinator) Watch(ctx context.Context, suffix string, onRemoved func(key string)) (func(), error) {
	watchCtx, cancel := context.WithCancel(ctx)
	w, err := c.kv.WatchAll(watchCtx, jetstream.UpdatesOnly())
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watch bucket: %w", err)
	}

	go func() {
		defer func() { _ = w.Stop() }()
		for {
			select {
			case <-watchCtx.Done():
				return
			case entry, ok := <-w.Updates():
				if !ok {
					return
				}
				if entry == nil || !strings.HasSuffix(entry.Key(), suffix) {
					continue
				}
				switch entry.Operation() {
				case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
					onRemoved(entry.Key())
				}
			}
		}
	}()
	return cancel, nil
}

func (c *KVCoordinator) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	if node, ok := c.owned[key]; ok {
		close(node.stop)
		delete(c.owned, key)
	}
	c.mu.Unlock()

	err := c.kv.Delete(ctx, key)
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Close deletes every node this instance still owns.
func (c *KVCoordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	keys := make([]string, 0, len(c.owned))
	for key, node := range c.owned {
		close(node.stop)
		keys = append(keys, key)
	}
	c.owned = make(map[string]*ownedNode)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs *multierror.Error
	for _, key := range keys {
		if err := c.kv.Delete(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
			errs = multierror.Append(errs, fmt.Errorf("delete %s: %w", key, err))
		}
	}
	return errs.ErrorOrNil()
}
