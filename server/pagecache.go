package server

import (
	"sync"
	"time"

	cardstats "github.com/wolfeidau/card-stats"
)

// pageCache keeps recent first pages of /sync/pull-all in memory, keyed by limit.
type pageCache struct {
	mu    sync.RWMutex
	ttl   time.Duration
	now   func() time.Time
	pages map[int]*cachedPage
}

type cachedPage struct {
	entries   []cardstats.RemoteEntry
	expiresAt time.Time
}

func newPageCache(ttl time.Duration, now func() time.Time) *pageCache {
	return &pageCache{
		ttl:   ttl,
		now:   now,
		pages: make(map[int]*cachedPage),
	}
}

// get returns the cached page for limit if it has not expired.
func (pc *pageCache) get(limit int) ([]cardstats.RemoteEntry, bool) {
	pc.mu.RLock()
	defer pc.mu.RUnlock()

	if p, ok := pc.pages[limit]; ok && pc.now().Before(p.expiresAt) {
		return p.entries, true
	}
	return nil, false
}

func (pc *pageCache) set(limit int, entries []cardstats.RemoteEntry) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	now := pc.now()
	for k, p := range pc.pages {
		if !now.Before(p.expiresAt) {
			delete(pc.pages, k)
		}
	}
	pc.pages[limit] = &cachedPage{entries: entries, expiresAt: now.Add(pc.ttl)}
}

func (pc *pageCache) len() int {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return len(pc.pages)
}
