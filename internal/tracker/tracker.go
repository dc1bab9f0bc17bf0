// Package tracker converts cumulative device byte counters into the daily
// usage ledger.
package tracker

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/coper101/datapill/internal/store"
)

// Calculator folds cumulative counter samples into today's ledger row.
type Calculator struct {
	store  *store.Store
	logger *slog.Logger
}

// New creates a new Calculator.
func New(s *store.Store, logger *slog.Logger) *Calculator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Calculator{
		store:  s,
		logger: logger,
	}
}

// ApplyCounterSample folds one cumulative counter reading (MB) into today's
// record. A zero sample is treated as uninitialized and ignored. A sample
// below the previous total means the device counters reset (reboot); the
// delta is clamped to zero so daily usage never decreases.
//
// Exactly one local write happens per applied sample; no remote interaction.
func (c *Calculator) ApplyCounterSample(now time.Time, cumulativeTotal float64) error {
	if cumulativeTotal == 0 {
		c.logger.Debug("Ignoring uninitialized counter sample")
		return nil
	}

	previous, err := c.store.MostRecentWithTotal()
	if err != nil {
		return fmt.Errorf("tracker: previous total: %w", err)
	}

	var delta float64
	if previous != nil {
		delta = cumulativeTotal - previous.TotalUsedData
		if delta < 0 {
			c.logger.Info("Counter reset detected, clamping delta",
				"previousTotal", previous.TotalUsedData,
				"newTotal", cumulativeTotal,
			)
			delta = 0
		}
	}

	today, err := c.store.TodayUsage(now)
	if err != nil {
		return fmt.Errorf("tracker: today's record: %w", err)
	}

	today.DailyUsedData += delta
	today.TotalUsedData = cumulativeTotal
	today.HasLastTotal = true

	if err := c.store.UpdateUsage(today); err != nil {
		return fmt.Errorf("tracker: persist today: %w", err)
	}

	c.logger.Debug("Counter sample applied",
		"total", cumulativeTotal,
		"delta", delta,
		"dailyUsed", today.DailyUsedData,
	)
	return nil
}
