package cardstats

// Wire types of the sync HTTP contract shared by the client gateway and the
// sync server.

// VersionHeader carries the client version on every sync request.
const VersionHeader = "X-Extension-Version"

// PushRequest is the body of POST /sync/push.
type PushRequest struct {
	Entries []RemoteEntry `json:"entries"`
}

// PushResponse reports how many pushed entries the server accepted.
type PushResponse struct {
	Success   bool `json:"success"`
	Processed int  `json:"processed"`
	Skipped   int  `json:"skipped"`
	Total     int  `json:"total"`
}

// PullRequest is the body of POST /sync/pull.
type PullRequest struct {
	CardIDs []int `json:"cardIds"`
}

// PullResponse holds the owners and wishlist entries for the requested cards.
type PullResponse struct {
	Success bool          `json:"success"`
	Entries []RemoteEntry `json:"entries"`
}

// PullAllResponse is one page of GET /sync/pull-all.
type PullAllResponse struct {
	Success bool          `json:"success"`
	Entries []RemoteEntry `json:"entries"`
	Count   int           `json:"count"`
	Cached  bool          `json:"cached"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Database  string `json:"database"`
	Timestamp int64  `json:"timestamp"`
}

// StatsResponse is returned by GET /cache/stats.
type StatsResponse struct {
	Success bool  `json:"success"`
	Stats   Stats `json:"stats"`
}

// Stats summarises the server store.
type Stats struct {
	TotalEntries int64  `json:"total_entries"`
	Timestamp    int64  `json:"timestamp"`
}

// ErrorResponse is the body of every non-2xx sync response.
type ErrorResponse struct {
	Error string `json:"error"`
}
