package maintenance

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Checker runs the sweeper and the health check on a ticker.
type Checker struct {
	sweeper       *Sweeper
	collector     *Collector
	alerter       *Alerter
	interval      time.Duration
	lookbackHours int
}

// NewChecker creates a background checker. Any of sweeper, collector or
// alerter may be nil to skip that part of the tick.
func NewChecker(sweeper *Sweeper, collector *Collector, alerter *Alerter, interval time.Duration, lookbackHours int) *Checker {
	return &Checker{
		sweeper:       sweeper,
		collector:     collector,
		alerter:       alerter,
		interval:      interval,
		lookbackHours: lookbackHours,
	}
}

// Run blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := c.interval
	if interval <= 0 {
		interval = time.Minute
	}

	log := zap.L().With(zap.String("component", "maintenance.checker"))
	log.Info("starting maintenance checker",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.lookbackHours),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("maintenance checker stopped")
			return
		case <-ticker.C:
			c.Tick(ctx, log)
		}
	}
}

// Tick runs one pass: replay due mutations, reconcile stuck runs, then
// evaluate health.
func (c *Checker) Tick(ctx context.Context, log *zap.Logger) {
	if c.sweeper != nil {
		if _, err := c.sweeper.ReplayDeferred(ctx); err != nil {
			log.Error("maintenance: deferred replay failed", zap.Error(err))
		}
		if _, err := c.sweeper.Reconcile(ctx); err != nil {
			log.Error("maintenance: reconcile failed", zap.Error(err))
		}
	}
	if ctx.Err() != nil || c.collector == nil || c.alerter == nil {
		return
	}

	snap, err := c.collector.Collect(ctx, c.lookbackHours)
	if err != nil {
		log.Error("maintenance: failed to collect health", zap.Error(err))
		return
	}

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		log.Debug("maintenance: no alerts triggered")
		return
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("maintenance: alert check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
}
