// Package telemetry records sync server and outbound fetch metrics, and
// carries per-request tags from sync handlers to the request log.
package telemetry

import (
	"context"
	"net/http"

	cardstats "github.com/wolfeidau/card-stats"
)

// CacheResult says how the pull-all page cache answered a request.
type CacheResult string

const (
	CacheHit  CacheResult = "hit"
	CacheMiss CacheResult = "miss"
	// CacheBypass is a pull-all page past the first, which is never cached.
	CacheBypass CacheResult = "bypass"
	// CacheNA is every endpoint without a cache.
	CacheNA CacheResult = "na"
)

// Tags is filled in by handlers and read back once the response is written.
type Tags struct {
	Endpoint      string
	Cache         CacheResult
	Entries       int
	ClientVersion string
}

type tagsKey struct{}

// InjectTags returns r carrying a fresh Tags.
func InjectTags(r *http.Request) *http.Request {
	t := &Tags{
		Cache:         CacheNA,
		ClientVersion: r.Header.Get(cardstats.VersionHeader),
	}
	return r.WithContext(context.WithValue(r.Context(), tagsKey{}, t))
}

// TagsFrom returns the tags on ctx, or nil outside the request middleware.
func TagsFrom(ctx context.Context) *Tags {
	t, _ := ctx.Value(tagsKey{}).(*Tags)
	return t
}

func update(r *http.Request, fn func(*Tags)) {
	if t := TagsFrom(r.Context()); t != nil {
		fn(t)
	}
}

func SetEndpoint(r *http.Request, endpoint string) {
	update(r, func(t *Tags) { t.Endpoint = endpoint })
}

func SetCacheResult(r *http.Request, res CacheResult) {
	update(r, func(t *Tags) { t.Cache = res })
}

// SetEntries records how many entries a push accepted or a pull returned.
func SetEntries(r *http.Request, n int) {
	update(r, func(t *Tags) { t.Entries = n })
}
