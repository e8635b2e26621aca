package commandqueue

import (
	"context"
	"sync"
	"time"
)

const defaultDedupTTL = 5 * time.Minute

// dedupKey scopes an idempotency key to its lane, so the same websocket
// frame ID in two sessions names two turns.
type dedupKey struct {
	lane string
	key  string
}

type dedupEntry struct {
	result  taskResult
	expires time.Time
}

// dedupCache remembers recent EnqueueOnce results until they expire. A
// background sweeper drops expired entries until ctx is cancelled.
type dedupCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[dedupKey]dedupEntry

	done chan struct{}
}

func newDedupCache(ctx context.Context, ttl time.Duration) *dedupCache {
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	dc := &dedupCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[dedupKey]dedupEntry),
		done:    make(chan struct{}),
	}
	go dc.sweepLoop(ctx)
	return dc
}

// lookup returns the remembered result of lane/key, if still live.
func (dc *dedupCache) lookup(lane, key string) (taskResult, bool) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	entry, ok := dc.entries[dedupKey{lane, key}]
	if !ok || !dc.now().Before(entry.expires) {
		return taskResult{}, false
	}
	return entry.result, true
}

func (dc *dedupCache) remember(lane, key string, result taskResult) {
	dc.mu.Lock()
	dc.entries[dedupKey{lane, key}] = dedupEntry{result: result, expires: dc.now().Add(dc.ttl)}
	dc.mu.Unlock()
}

// sweep drops expired entries and returns how many were removed.
func (dc *dedupCache) sweep() int {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	now := dc.now()
	removed := 0
	for k, entry := range dc.entries {
		if !now.Before(entry.expires) {
			delete(dc.entries, k)
			removed++
		}
	}
	return removed
}

func (dc *dedupCache) sweepLoop(ctx context.Context) {
	defer close(dc.done)

	interval := dc.ttl
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dc.sweep()
		}
	}
}

func (dc *dedupCache) len() int {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return len(dc.entries)
}
