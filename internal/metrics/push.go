package metrics

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus/push"
)

// DefaultPushJob is the Pushgateway job name for one-shot runs
const DefaultPushJob = "sf311_sync"

// Push sends the collector's registry to a Pushgateway, replacing the
// job's previous group.
func (c *Collector) Push(ctx context.Context, gatewayURL, job string) error {
	if gatewayURL == "" {
		return nil
	}
	if job == "" {
		job = DefaultPushJob
	}

	if err := push.New(gatewayURL, job).Gatherer(c.registry).PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics to %s: %w", gatewayURL, err)
	}

	slog.Debug("Pushed metrics", "gateway", gatewayURL, "job", job)
	return nil
}
