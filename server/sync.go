package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	cardstats "github.com/wolfeidau/card-stats"
	"github.com/wolfeidau/card-stats/remote"
	"github.com/wolfeidau/card-stats/telemetry"
)

// handlePush stores pushed entries that are newer than the server copy.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "push")

	var req cardstats.PushRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Entries == nil {
		writeError(w, http.StatusBadRequest, "Invalid entries format")
		return
	}

	valid := make([]cardstats.RemoteEntry, 0, len(req.Entries))
	for _, e := range req.Entries {
		if remote.Validate(e) == nil {
			valid = append(valid, e)
		}
	}
	if len(valid) == 0 {
		writeError(w, http.StatusBadRequest, "No valid entries to process")
		return
	}

	processed, skipped, err := s.store.Upsert(r.Context(), valid)
	if err != nil {
		s.logger.Error("push upsert failed", "entries", len(valid), "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	telemetry.SetEntries(r, processed)
	s.logger.Debug("push",
		"received", len(req.Entries),
		"processed", processed,
		"skipped", skipped,
	)
	writeJSON(w, http.StatusOK, cardstats.PushResponse{
		Success:   true,
		Processed: processed,
		Skipped:   skipped,
		Total:     len(valid),
	})
}

// handlePull returns the owners and wishlist entries of the requested cards.
func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "pull")

	var req cardstats.PullRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if len(req.CardIDs) == 0 {
		writeError(w, http.StatusBadRequest, "Invalid cardIds format")
		return
	}

	keys := make([]string, 0, len(req.CardIDs)*len(cardstats.Metrics))
	for _, id := range req.CardIDs {
		if id < 0 {
			writeError(w, http.StatusBadRequest, "Invalid cardIds format")
			return
		}
		for _, m := range cardstats.Metrics {
			keys = append(keys, cardstats.Key(m, id))
		}
	}

	entries, err := s.store.Get(r.Context(), keys)
	if err != nil {
		s.logger.Error("pull failed", "keys", len(keys), "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if entries == nil {
		entries = []cardstats.RemoteEntry{}
	}

	telemetry.SetEntries(r, len(entries))
	s.logger.Debug("pull", "cards", len(req.CardIDs), "found", len(entries))
	writeJSON(w, http.StatusOK, cardstats.PullResponse{Success: true, Entries: entries})
}

// handlePullAll returns one page of recent entries, newest first. The first
// page is cached briefly since new clients all start there.
func (s *Server) handlePullAll(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "pull_all")

	limit, offset := s.pageParams(r)

	if offset == 0 {
		if entries, ok := s.pages.get(limit); ok {
			telemetry.SetCacheResult(r, telemetry.CacheHit)
			telemetry.SetEntries(r, len(entries))
			writeJSON(w, http.StatusOK, cardstats.PullAllResponse{
				Success: true,
				Entries: entries,
				Count:   len(entries),
				Cached:  true,
			})
			return
		}
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
	} else {
		telemetry.SetCacheResult(r, telemetry.CacheBypass)
	}

	load := func(ctx context.Context) ([]cardstats.RemoteEntry, error) {
		since := cardstats.Millis(s.now().Add(-s.config.PullAllMaxAge))
		return s.store.List(ctx, since, limit, offset)
	}

	var (
		entries []cardstats.RemoteEntry
		err     error
	)
	if offset == 0 {
		entries, _, err = s.firstPage.Do(r.Context(), "limit:"+strconv.Itoa(limit), load)
	} else {
		entries, err = load(r.Context())
	}
	if err != nil {
		s.logger.Error("pull all failed", "limit", limit, "offset", offset, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if entries == nil {
		entries = []cardstats.RemoteEntry{}
	}

	if offset == 0 && len(entries) > 0 {
		s.pages.set(limit, entries)
	}
	telemetry.SetEntries(r, len(entries))

	writeJSON(w, http.StatusOK, cardstats.PullAllResponse{
		Success: true,
		Entries: entries,
		Count:   len(entries),
	})
}

// pageParams parses limit and offset. A missing, invalid or oversized limit
// becomes PullAllMaxLimit; a missing or negative offset becomes 0.
func (s *Server) pageParams(r *http.Request) (limit, offset int) {
	q := r.URL.Query()

	limit, err := strconv.Atoi(q.Get("limit"))
	if err != nil || limit <= 0 || limit > s.config.PullAllMaxLimit {
		limit = s.config.PullAllMaxLimit
	}
	offset, err = strconv.Atoi(q.Get("offset"))
	if err != nil || offset < 0 {
		offset = 0
	}
	return limit, offset
}

// decodeJSON reads a size limited JSON body into v. On failure it writes the
// error response and returns false.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, cardstats.ErrorResponse{Error: msg})
}
