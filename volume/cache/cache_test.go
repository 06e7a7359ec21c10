package cache

import (
	"sync"
	"testing"
	"time"
)

func TestPutGetRoundTrip(t *testing.T) {
	c := New(8, time.Hour, nil)
	c.Put(42, [16]byte{1}, [16]byte{2})

	e, ok := c.Get(42)
	if !ok {
		t.Fatalf("Get: not found")
	}
	if e.Key != ([16]byte{1}) || e.IV != ([16]byte{2}) {
		t.Fatalf("Get returned wrong entry: %+v", e)
	}
	if _, ok := c.Get(43); ok {
		t.Fatalf("Get(43): found an entry that was never inserted")
	}
}

func TestEvictDropsEntry(t *testing.T) {
	c := New(8, time.Hour, nil)
	c.Put(1, [16]byte{9}, [16]byte{9})
	c.Evict(1)
	if _, ok := c.Get(1); ok {
		t.Fatalf("entry still present after Evict")
	}
}

func TestEvictorFlushesDirtyEntriesBeforeDropping(t *testing.T) {
	orig := now
	defer func() { now = orig }()
	base := time.Now()
	now = func() time.Time { return base }

	var mu sync.Mutex
	flushed := make(map[uint64]bool)
	c := New(8, 20*time.Millisecond, func(inode uint64, e *Entry) error {
		mu.Lock()
		flushed[inode] = true
		mu.Unlock()
		return nil
	})
	c.Put(7, [16]byte{1}, [16]byte{1})
	c.MarkDirty(7)

	// Advance the clock past the eviction window before the evictor runs.
	now = func() time.Time { return base.Add(time.Hour) }

	c.Start()
	defer c.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := flushed[7]
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if !flushed[7] {
		t.Fatalf("evictor never flushed the dirty entry")
	}
	if _, ok := c.Get(7); ok {
		t.Fatalf("entry still cached after eviction")
	}
}

func TestStopWithoutStartIsNoop(t *testing.T) {
	c := New(8, time.Hour, nil)
	c.Stop() // must not panic or block
}
