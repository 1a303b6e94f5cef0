package main

import (
	"context"

	"github.com/sells-group/metadata-extractor/internal/monitoring"
)

// startMonitoring runs the alert checker in the background until ctx is
// done. It does nothing without a webhook URL.
func startMonitoring(ctx context.Context, stats monitoring.StatsLister, breakers monitoring.BreakerStates) {
	if cfg.Monitoring.WebhookURL == "" {
		return
	}
	checker := monitoring.NewChecker(
		monitoring.NewCollector(stats, breakers),
		monitoring.NewAlerter(cfg.Monitoring),
		cfg.Monitoring,
	)
	go checker.Run(ctx)
}
