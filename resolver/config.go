package resolver

import (
	"log/slog"
	"time"
)

// Config holds resolver configuration.
type Config struct {
	// Retries is how many times a failed first-page fetch restarts the
	// sequence. Zero selects DefaultRetries; use WithRetries per call for 0.
	Retries int

	// WarmupMin and WarmupMax bound the randomized delay before the first fetch.
	WarmupMin time.Duration
	WarmupMax time.Duration

	// PageDelay separates the first-page and last-page fetches.
	PageDelay time.Duration

	// StaleRefreshDelay is how long after a stale read the refresh fires.
	StaleRefreshDelay time.Duration

	// AnomalyBaseDelay and AnomalyMaxDelay shape the owners-anomaly retry ladder.
	AnomalyBaseDelay time.Duration
	AnomalyMaxDelay  time.Duration

	// MaxAnomalyRetries is how many consecutive anomalies schedule a retry.
	MaxAnomalyRetries int

	// ShortResponseSize is the body size below which a page is dumped for review.
	ShortResponseSize int

	Logger *slog.Logger
}

// DefaultRetries is the default number of sequence restarts.
const DefaultRetries = 2

// DefaultConfig returns the default resolver configuration.
func DefaultConfig() Config {
	return Config{
		Retries:           DefaultRetries,
		WarmupMin:         500 * time.Millisecond,
		WarmupMax:         1000 * time.Millisecond,
		PageDelay:         time.Second,
		StaleRefreshDelay: time.Second,
		AnomalyBaseDelay:  5 * time.Second,
		AnomalyMaxDelay:   5 * time.Minute,
		MaxAnomalyRetries: 5,
		ShortResponseSize: 500,
		Logger:            slog.Default(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Retries <= 0 {
		c.Retries = def.Retries
	}
	if c.WarmupMin <= 0 {
		c.WarmupMin = def.WarmupMin
	}
	if c.WarmupMax < c.WarmupMin {
		c.WarmupMax = c.WarmupMin
	}
	if c.PageDelay <= 0 {
		c.PageDelay = def.PageDelay
	}
	if c.StaleRefreshDelay <= 0 {
		c.StaleRefreshDelay = def.StaleRefreshDelay
	}
	if c.AnomalyBaseDelay <= 0 {
		c.AnomalyBaseDelay = def.AnomalyBaseDelay
	}
	if c.AnomalyMaxDelay <= 0 {
		c.AnomalyMaxDelay = def.AnomalyMaxDelay
	}
	if c.MaxAnomalyRetries <= 0 {
		c.MaxAnomalyRetries = def.MaxAnomalyRetries
	}
	if c.ShortResponseSize <= 0 {
		c.ShortResponseSize = def.ShortResponseSize
	}
	if c.Logger == nil {
		c.Logger = def.Logger
	}
	return c
}

// AnomalyDelay returns the retry delay after the n-th consecutive anomaly:
// base * 2^(n-1), capped at ceiling.
func AnomalyDelay(n int, base, ceiling time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	return min(d, ceiling)
}
