// ABOUTME: Periodic background sweep driving conversation timeouts
// ABOUTME: Runs Manager.Sweep on a fixed cron interval with overlap suppression

package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper runs Manager.Sweep at a fixed interval. Sweeps that overrun the
// interval are skipped rather than stacked.
type Sweeper struct {
	manager  *Manager
	interval time.Duration
	cron     *cron.Cron
	logger   *slog.Logger
}

// NewSweeper creates a sweeper over the manager.
func NewSweeper(manager *Manager, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		manager:  manager,
		interval: interval,
		logger:   logger.With("component", "sweeper"),
	}
}

// Start schedules the sweep. The context bounds each individual sweep run.
func (s *Sweeper) Start(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	spec := fmt.Sprintf("@every %s", s.interval)
	_, err := c.AddFunc(spec, func() {
		if err := s.manager.Sweep(ctx, time.Now().UTC()); err != nil {
			s.logger.Warn("sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling sweep: %w", err)
	}

	c.Start()
	s.cron = c
	s.logger.Info("sweeper started", "interval", s.interval)
	return nil
}

// Stop halts the schedule and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.logger.Info("sweeper stopped")
}
