package main

import (
	"context"
	"time"

	"github.com/nadmax/telemetryd/internal/cluster"
	"github.com/rs/zerolog"
)

// startNodeGauge keeps the live node gauge fresh on every server, not only
// on the distributor leader, and drops long-dead nodes from the registry.
func startNodeGauge(ctx context.Context, registry *cluster.Registry, deadTimeout time.Duration, log zerolog.Logger) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if dead, err := registry.Prune(ctx, 10*deadTimeout); err != nil {
				log.Warn().Err(err).Msg("failed to prune dead nodes")
			} else if len(dead) > 0 {
				log.Info().Strs("nodes", dead).Msg("pruned dead nodes")
			}

			if _, err := registry.LiveNodes(ctx, deadTimeout); err != nil {
				log.Warn().Err(err).Msg("failed to refresh live node gauge")
			}
		}
	}
}
