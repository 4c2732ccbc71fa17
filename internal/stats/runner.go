package stats

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RunPurge sweeps stale per-pid records every interval until ctx ends.
func (c *Collector) RunPurge(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.window
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.PurgeAll(c.clock()); n > 0 {
				c.logger.Debug("purged idle pid stats", zap.Int("records", n))
			}
		}
	}
}
