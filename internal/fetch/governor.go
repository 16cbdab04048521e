package fetch

import (
	"context"
	"time"
)

// governor caps achieved throughput at a bits-per-second ceiling. The rate
// is measured from transfer start, not a sliding window: after a stall the
// long-run average governs, so catch-up bursts are allowed.
type governor struct {
	ceiling int64
	start   time.Time
}

func newGovernor(ceilingBits int64) *governor {
	return &governor{ceiling: ceilingBits, start: time.Now()}
}

// throttle sleeps in 100ms ticks, re-measuring after each, until the achieved
// rate for transferred bytes is at or below the ceiling.
func (g *governor) throttle(ctx context.Context, transferred int64) error {
	if g == nil || g.ceiling <= 0 {
		return nil
	}
	for {
		elapsed := time.Since(g.start).Seconds()
		if elapsed <= 0 {
			elapsed = 0.001
		}
		rate := float64(transferred*8) / elapsed
		if rate <= float64(g.ceiling) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}
