package fetch

import (
	"time"

	"github.com/kirade/raido/internal/transport"
)

// Config carries every tunable of the engine. All of these values drifted
// with provider behavior over time, so they are configuration with defaults
// rather than constants.
type Config struct {
	Transport transport.Config
	UserAgent string

	// MaxWorkers bounds concurrent segment connections.
	MaxWorkers int
	// SegmentThreshold is the minimum document length for segmentation.
	SegmentThreshold int64
	// MinChunkSize floors the per-segment chunk size.
	MinChunkSize int64
	// IdleTimeout is the longest wait for any read to make progress.
	IdleTimeout time.Duration
	// RedirectLimit bounds redirect hops per fetch.
	RedirectLimit int
	// ResumeBudget bounds truncation resumes per fetch.
	ResumeBudget int
	// RetryBudget bounds retries of failed attempts per fetch; on the
	// segmented path it also bounds in-place segment resumes, pooled across
	// all segments of the transfer.
	RetryBudget int
	// RateCeiling caps aggregate throughput in bits per second; 0 disables.
	RateCeiling int64

	// BlockedHosts marks redirect targets that mean a verification wall;
	// matching any substring makes the fetch permanently fail.
	BlockedHosts []string
	// RateLimitMarkers are body substrings in non-2xx replies that mean the
	// origin is rate limiting; matching promotes the error to permanent.
	RateLimitMarkers []string
}

func (c Config) withDefaults() Config {
	if c.UserAgent == "" {
		c.UserAgent = "raido"
	}
	if c.MaxWorkers == 0 || c.MaxWorkers > 30 {
		c.MaxWorkers = 30
	}
	if c.SegmentThreshold == 0 {
		c.SegmentThreshold = 1024 * 1024
	}
	if c.MinChunkSize == 0 {
		c.MinChunkSize = 10 * 1024
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.RedirectLimit == 0 {
		c.RedirectLimit = 20
	}
	if c.ResumeBudget == 0 {
		c.ResumeBudget = 5
	}
	if c.RetryBudget == 0 {
		c.RetryBudget = 5
	}
	if c.BlockedHosts == nil {
		c.BlockedHosts = []string{"sorry.", "captcha", "consent."}
	}
	if c.RateLimitMarkers == nil {
		c.RateLimitMarkers = []string{"rate limit", "too many requests"}
	}
	return c
}
