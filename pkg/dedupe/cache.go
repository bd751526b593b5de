// Package dedupe provides the process-global idempotency cache that makes
// mutating gateway methods at-most-once. Completed outcomes are stored under
// "<method>:<idempotencyKey>" and replayed verbatim to any later request with
// the same key, including requests arriving on different connections after a
// reconnect.
package dedupe

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/clawdis/gateway/pkg/protocol"
)

// Defaults for retention and the background sweep.
const (
	DefaultTTL           = 5 * time.Minute
	DefaultMaxEntries    = 1000
	DefaultSweepInterval = 60 * time.Second
)

// Outcome is the exact {ok, payload?, error?} triple a handler produced.
// Payload is kept as raw JSON so replays are byte-identical.
type Outcome struct {
	OK      bool
	Payload json.RawMessage
	Error   *protocol.ErrorShape
}

type entry struct {
	ts      time.Time
	outcome Outcome
}

// inflight marks a key claimed by an executing request. Waiters block on done
// and read the outcome the owner stored before closing it.
type inflight struct {
	done    chan struct{}
	outcome Outcome
}

// Options configures a Cache. Zero values fall back to defaults.
type Options struct {
	TTL        time.Duration
	MaxEntries int
	Now        func() time.Time
}

// Cache is a thread-safe TTL+cap map of request outcomes.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*entry
	inflight map[string]*inflight

	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

// NewCache creates a Cache.
func NewCache(opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		entries:    make(map[string]*entry),
		inflight:   make(map[string]*inflight),
		ttl:        opts.TTL,
		maxEntries: opts.MaxEntries,
		now:        opts.Now,
	}
}

func cacheKey(method, idempotencyKey string) string {
	return method + ":" + idempotencyKey
}

// Get returns the cached outcome for (method, idempotencyKey), if present
// and within the TTL.
func (c *Cache) Get(method, idempotencyKey string) (Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[cacheKey(method, idempotencyKey)]
	if !ok {
		return Outcome{}, false
	}
	if c.now().Sub(e.ts) > c.ttl {
		delete(c.entries, cacheKey(method, idempotencyKey))
		return Outcome{}, false
	}
	return e.outcome, true
}

// Do executes fn at most once per (method, idempotencyKey): a fresh key claims
// the slot and runs fn, a stored outcome within the TTL replays without
// executing, and a key whose first execution is still in flight blocks until
// that execution completes and returns its outcome. This holds across
// connections, so a retry racing the original request cannot re-invoke the
// underlying port.
func (c *Cache) Do(method, idempotencyKey string, fn func() Outcome) Outcome {
	key := cacheKey(method, idempotencyKey)

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.now().Sub(e.ts) <= c.ttl {
		c.mu.Unlock()
		return e.outcome
	}
	if fl, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		<-fl.done
		return fl.outcome
	}
	fl := &inflight{done: make(chan struct{})}
	c.inflight[key] = fl
	c.mu.Unlock()

	fl.outcome = fn()

	c.mu.Lock()
	c.entries[key] = &entry{ts: c.now(), outcome: fl.outcome}
	c.evictLocked()
	delete(c.inflight, key)
	c.mu.Unlock()
	close(fl.done)

	return fl.outcome
}

// Put records a completed outcome. Insert-or-replace is atomic per key.
func (c *Cache) Put(method, idempotencyKey string, o Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[cacheKey(method, idempotencyKey)] = &entry{ts: c.now(), outcome: o}
	c.evictLocked()
}

// Sweep removes expired entries and enforces the size cap. Called by the
// background loop; exported for tests.
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-c.ttl)
	for key, e := range c.entries {
		if e.ts.Before(cutoff) {
			delete(c.entries, key)
		}
	}
	c.evictLocked()
}

// evictLocked drops oldest-by-timestamp entries until at the cap.
// Caller must hold mu.
func (c *Cache) evictLocked() {
	over := len(c.entries) - c.maxEntries
	if over <= 0 {
		return
	}

	type aged struct {
		key string
		ts  time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for key, e := range c.entries {
		all = append(all, aged{key, e.ts})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ts.Before(all[j].ts) })
	for i := 0; i < over; i++ {
		delete(c.entries, all[i].key)
	}
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Run sweeps periodically until ctx is cancelled.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}
