// block/cache.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package block

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru"
)

// archiveCache holds recently-fetched, decrypted+decompressed archive
// buffers, bounded by a total byte budget rather than an entry count
// (§5: "bounded by a byte budget... eviction is strict LRU"). It wraps
// hashicorp/golang-lru's entry-counted Cache, evicting the oldest entries
// whenever the byte budget is exceeded, and coalesces concurrent fetches of
// the same archive id behind a single in-flight loader
// (§5: "single-flight lock so an archive is downloaded at most once
// concurrently").
type archiveCache struct {
	mu          sync.Mutex
	lru         *lru.Cache
	budgetBytes int64
	usedBytes   int64

	inflight map[uint64]*fetchCall
}

type fetchCall struct {
	done chan struct{}
	data []byte
	err  error
}

func newArchiveCache(budgetBytes int64) *archiveCache {
	c := &archiveCache{budgetBytes: budgetBytes, inflight: make(map[uint64]*fetchCall)}
	// A very large entry-count ceiling: eviction is actually driven by
	// usedBytes, not by this count, but golang-lru requires a positive
	// size.
	l, err := lru.NewWithEvict(1<<20, c.onEvicted)
	if err != nil {
		panic(err)
	}
	c.lru = l
	return c
}

func (c *archiveCache) onEvicted(key, value interface{}) {
	c.usedBytes -= int64(len(value.([]byte)))
}

func (c *archiveCache) get(id uint64) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.lru.Get(id)
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}

func (c *archiveCache) put(id uint64, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(id, data)
	c.usedBytes += int64(len(data))
	for c.usedBytes > c.budgetBytes {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
	}
}

// fetchOnce runs load exactly once per archive id among concurrently
// racing callers, caching the result for subsequent calls per the LRU
// policy above.
func (c *archiveCache) fetchOnce(ctx context.Context, id uint64, load func(context.Context) ([]byte, error)) ([]byte, error) {
	if data, ok := c.get(id); ok {
		return data, nil
	}

	c.mu.Lock()
	if call, ok := c.inflight[id]; ok {
		c.mu.Unlock()
		<-call.done
		return call.data, call.err
	}
	call := &fetchCall{done: make(chan struct{})}
	c.inflight[id] = call
	c.mu.Unlock()

	call.data, call.err = load(ctx)

	c.mu.Lock()
	delete(c.inflight, id)
	c.mu.Unlock()
	close(call.done)

	if call.err == nil {
		c.put(id, call.data)
	}
	return call.data, call.err
}
