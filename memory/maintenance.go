package memory

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// maintenanceTimeout bounds one scheduled maintenance cycle.
const maintenanceTimeout = 5 * time.Minute

// StartMaintenance schedules periodic background maintenance on a cron
// spec (e.g. "@every 5m"): a full promotion pass across all registered
// sessions, followed by an L4 compaction pass when the tier has outgrown
// its threshold. Calling it again replaces the previous schedule.
func (c *Controller) StartMaintenance(spec string) error {
	c.cronMu.Lock()
	defer c.cronMu.Unlock()

	if c.cron != nil {
		c.cron.Stop()
	}
	c.cron = cron.New()

	_, err := c.cron.AddFunc(spec, c.runMaintenance)
	if err != nil {
		c.cron = nil
		return err
	}
	c.cron.Start()
	c.logger.Info("maintenance scheduled", zap.String("spec", spec))
	return nil
}

// StopMaintenance cancels the maintenance schedule. Safe to call when no
// schedule is active.
func (c *Controller) StopMaintenance() {
	c.cronMu.Lock()
	defer c.cronMu.Unlock()
	if c.cron != nil {
		c.cron.Stop()
		c.cron = nil
	}
}

// runMaintenance is one scheduled cycle. Failures are logged and the next
// cycle gets a clean retry; maintenance never takes the process down.
func (c *Controller) runMaintenance() {
	ctx, cancel := context.WithTimeout(context.Background(), maintenanceTimeout)
	defer cancel()

	report, err := c.TriggerPromotion(ctx, "", true, true)
	if err != nil {
		c.logger.Warn("scheduled promotion failed", zap.Error(err))
	} else {
		c.logger.Debug("scheduled promotion complete",
			zap.Int("sessions", report.SessionsProcessed))
	}

	if c.ShouldCompress() {
		if _, err := c.Compress(ctx); err != nil {
			c.logger.Warn("scheduled compaction failed", zap.Error(err))
		}
	}
}
