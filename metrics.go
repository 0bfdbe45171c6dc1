package main

import (
	"context"
	"log/slog"
	"time"

	"shadownexus/internal/registry"
)

// runMetrics logs connection/group counts every interval until ctx is canceled.
func runMetrics(ctx context.Context, reg *registry.Registry, log *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			users := reg.Users("")
			groups := reg.AllGroups()
			log.Info("metrics", "connected_users", len(users), "groups", len(groups))
		}
	}
}
