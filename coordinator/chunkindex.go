package coordinator

import (
	"container/list"
	"time"
)

// Chunk-distribution policy knobs.
const (
	sourceTTL       = time.Hour
	cacheTTL        = 30 * time.Minute
	pendingTTL      = 5 * time.Minute
	cacheMaxEntries = 1000
	maxChunkBytes   = 64 << 10
)

// cachedChunk is one cache slot plus its LRU handle.
type cachedChunk struct {
	data        []byte
	cachedAt    time.Time
	accessCount int
	lruElem     *list.Element
}

// chunkEntry tracks everything known about one chunk id.
type chunkEntry struct {
	sources map[string]time.Time // peer id -> source expiry
	pending map[string]time.Time // requester peer id -> requested at
	cache   *cachedChunk
}

// ChunkIndex is the coordinator's chunk-distribution state: who can serve a
// chunk, who is waiting for it, and a bounded LRU payload cache. It is owned
// by the hub loop and is not goroutine-safe.
type ChunkIndex struct {
	entries map[string]*chunkEntry
	lru     *list.List // front = most recently used; values are chunk ids
}

// NewChunkIndex creates an empty index.
func NewChunkIndex() *ChunkIndex {
	return &ChunkIndex{
		entries: make(map[string]*chunkEntry),
		lru:     list.New(),
	}
}

func (ci *ChunkIndex) entry(chunkID string) *chunkEntry {
	e, ok := ci.entries[chunkID]
	if !ok {
		e = &chunkEntry{
			sources: make(map[string]time.Time),
			pending: make(map[string]time.Time),
		}
		ci.entries[chunkID] = e
	}
	return e
}

// Announce records a peer as a source. Returns true if requesters are
// already waiting, in which case the caller should pull from the announcer.
func (ci *ChunkIndex) Announce(chunkID, peerID string, now time.Time) bool {
	e := ci.entry(chunkID)
	e.sources[peerID] = now.Add(sourceTTL)
	return len(e.pending) > 0
}

// Request resolves a chunk request. Exactly one of the returns is
// meaningful: cached payload, a source to pull from, or a miss.
func (ci *ChunkIndex) Request(chunkID, requesterID string, now time.Time) (data []byte, sourceID string, found bool) {
	e, ok := ci.entries[chunkID]
	if !ok {
		return nil, "", false
	}

	if e.cache != nil && now.Sub(e.cache.cachedAt) <= cacheTTL {
		e.cache.accessCount++
		ci.lru.MoveToFront(e.cache.lruElem)
		return e.cache.data, "", true
	}

	for peerID, expires := range e.sources {
		if expires.After(now) {
			e.pending[requesterID] = now
			return nil, peerID, true
		}
	}
	return nil, "", false
}

// Push stores pushed payload bytes (bounded, LRU-evicted) and returns the
// requesters waiting for the chunk, clearing the pending set.
func (ci *ChunkIndex) Push(chunkID string, data []byte, now time.Time) (waiters []string, ok bool) {
	if len(data) == 0 || len(data) > maxChunkBytes {
		return nil, false
	}
	e := ci.entry(chunkID)

	if e.cache == nil {
		if ci.lru.Len() >= cacheMaxEntries {
			ci.evictOldest()
		}
		e.cache = &cachedChunk{lruElem: ci.lru.PushFront(chunkID)}
	} else {
		ci.lru.MoveToFront(e.cache.lruElem)
	}
	e.cache.data = data
	e.cache.cachedAt = now

	for requester := range e.pending {
		waiters = append(waiters, requester)
	}
	e.pending = make(map[string]time.Time)
	return waiters, true
}

func (ci *ChunkIndex) evictOldest() {
	back := ci.lru.Back()
	if back == nil {
		return
	}
	chunkID := back.Value.(string)
	ci.lru.Remove(back)
	if e, ok := ci.entries[chunkID]; ok {
		e.cache = nil
		ci.dropIfEmpty(chunkID, e)
	}
}

func (ci *ChunkIndex) dropIfEmpty(chunkID string, e *chunkEntry) {
	if e.cache == nil && len(e.sources) == 0 && len(e.pending) == 0 {
		delete(ci.entries, chunkID)
	}
}

// RemovePeer purges a disconnected peer from every source and pending set.
func (ci *ChunkIndex) RemovePeer(peerID string) {
	for chunkID, e := range ci.entries {
		delete(e.sources, peerID)
		delete(e.pending, peerID)
		ci.dropIfEmpty(chunkID, e)
	}
}

// Sweep expires sources, pending requests and cache entries.
func (ci *ChunkIndex) Sweep(now time.Time) {
	for chunkID, e := range ci.entries {
		for peerID, expires := range e.sources {
			if !expires.After(now) {
				delete(e.sources, peerID)
			}
		}
		for requester, requestedAt := range e.pending {
			if now.Sub(requestedAt) > pendingTTL {
				delete(e.pending, requester)
			}
		}
		if e.cache != nil && now.Sub(e.cache.cachedAt) > cacheTTL {
			ci.lru.Remove(e.cache.lruElem)
			e.cache = nil
		}
		ci.dropIfEmpty(chunkID, e)
	}
}

// CacheSize reports how many chunks hold cached payloads.
func (ci *ChunkIndex) CacheSize() int {
	return ci.lru.Len()
}

// PendingCount reports waiters for a chunk, for tests and introspection.
func (ci *ChunkIndex) PendingCount(chunkID string) int {
	if e, ok := ci.entries[chunkID]; ok {
		return len(e.pending)
	}
	return 0
}

// HasSource reports whether a peer is a live source for a chunk.
func (ci *ChunkIndex) HasSource(chunkID, peerID string, now time.Time) bool {
	if e, ok := ci.entries[chunkID]; ok {
		if exp, ok := e.sources[peerID]; ok {
			return exp.After(now)
		}
	}
	return false
}
