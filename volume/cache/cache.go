// Package cache implements the map cache above volume/keytable: a
// bucketed, mutex-per-bucket table of decrypted per-inode keys, trimmed
// by a single background evictor goroutine instead of growing without
// bound. The bucket count defaults to 1024.
package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

// Entry is one cached inode's decrypted key material plus the dirty flag
// and access timestamps the evictor needs.
type Entry struct {
	Key, IV [16]byte
	Dirty   bool

	firstAccess time.Time
	lastAccess  time.Time
	lastDirty   time.Time
}

// FlushFunc writes back a dirty entry before it is evicted. Returning an
// error aborts that entry's eviction for this pass; the entry stays
// cached and the evictor tries it again on the next tick.
type FlushFunc func(inode uint64, e *Entry) error

type bucket struct {
	mu      sync.Mutex
	entries map[uint64]*Entry
}

// Cache is the 1024-bucket (by default) inode-key cache. One instance is
// owned by a volume.Volume and lives for the volume's open lifetime.
type Cache struct {
	buckets    []bucket
	evictAfter time.Duration
	flush      FlushFunc

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a Cache with numBuckets buckets. An entry unaccessed for
// evictAfter is dropped by the evictor, flushing it first via flush if
// it is dirty.
func New(numBuckets uint32, evictAfter time.Duration, flush FlushFunc) *Cache {
	if numBuckets == 0 {
		numBuckets = 1024
	}
	c := &Cache{
		buckets:    make([]bucket, numBuckets),
		evictAfter: evictAfter,
		flush:      flush,
	}
	for i := range c.buckets {
		c.buckets[i].entries = make(map[uint64]*Entry)
	}
	return c
}

func (c *Cache) bucketFor(inode uint64) *bucket {
	h := fnv.New32a()
	var b [8]byte
	for i := range b {
		b[i] = byte(inode >> (8 * uint(i)))
	}
	h.Write(b[:])
	return &c.buckets[h.Sum32()%uint32(len(c.buckets))]
}

// Get returns inode's cached entry, if resident, marking it recently used.
func (c *Cache) Get(inode uint64) (Entry, bool) {
	bkt := c.bucketFor(inode)
	bkt.mu.Lock()
	defer bkt.mu.Unlock()
	e, ok := bkt.entries[inode]
	if !ok {
		return Entry{}, false
	}
	e.lastAccess = now()
	return *e, true
}

// Put inserts or replaces inode's cached entry.
func (c *Cache) Put(inode uint64, key, iv [16]byte) {
	bkt := c.bucketFor(inode)
	bkt.mu.Lock()
	defer bkt.mu.Unlock()
	t := now()
	bkt.entries[inode] = &Entry{Key: key, IV: iv, firstAccess: t, lastAccess: t}
}

// MarkDirty flags inode's cached entry (if resident) as needing flush
// before eviction, the cache's half of volume.Volume's write path.
func (c *Cache) MarkDirty(inode uint64) {
	bkt := c.bucketFor(inode)
	bkt.mu.Lock()
	defer bkt.mu.Unlock()
	if e, ok := bkt.entries[inode]; ok {
		e.Dirty = true
		e.lastDirty = now()
	}
}

// Evict drops inode's entry unconditionally, used by unlink/rekey paths
// so a stale cached key is never served after the on-disk key changes.
func (c *Cache) Evict(inode uint64) {
	bkt := c.bucketFor(inode)
	bkt.mu.Lock()
	defer bkt.mu.Unlock()
	delete(bkt.entries, inode)
}

// Start launches the background evictor goroutine. Safe to call at most
// once per Cache.
func (c *Cache) Start() {
	c.stop = make(chan struct{})
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		tick := time.NewTicker(c.evictAfter / 2)
		defer tick.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-tick.C:
				c.evictPass()
			}
		}
	}()
}

// Stop signals the evictor to exit and waits for it to do so.
func (c *Cache) Stop() {
	if c.stop == nil {
		return
	}
	close(c.stop)
	c.wg.Wait()
}

func (c *Cache) evictPass() {
	cutoff := now().Add(-c.evictAfter)
	for i := range c.buckets {
		bkt := &c.buckets[i]
		bkt.mu.Lock()
		for inode, e := range bkt.entries {
			if e.lastAccess.After(cutoff) {
				continue
			}
			if e.Dirty && c.flush != nil {
				if err := c.flush(inode, e); err != nil {
					continue
				}
			}
			delete(bkt.entries, inode)
		}
		bkt.mu.Unlock()
	}
}

// now is a seam so tests can observe deterministic eviction without
// sleeping; production always uses the wall clock.
var now = time.Now
