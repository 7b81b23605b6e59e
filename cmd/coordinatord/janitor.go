package main

import (
	"context"
	"time"

	"github.com/DS-codi/project-memory/runtime/coordinator"
)

// runJanitor prunes finished sessions every interval until ctx is done.
func runJanitor(ctx context.Context, c *coordinator.Coordinator, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Prune(ctx, maxAge)
		}
	}
}
