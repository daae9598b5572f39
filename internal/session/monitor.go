package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// MonitorConfig is the retention policy the health monitor enforces.
type MonitorConfig struct {
	// Interval between ticks.
	Interval time.Duration
	// TTL is the maximum age of a detached or orphaned session. Zero
	// expires immediately; negative disables TTL cleanup.
	TTL time.Duration
	// MaxOrphans bounds how many orphans may accumulate; the oldest excess
	// is evicted first. Negative disables the bound.
	MaxOrphans int
}

// Monitor is the background loop enforcing retention policy on sessions
// nobody is attached to. Attached sessions are never touched, regardless of
// age. Its kills go through the same serialized per-id path as every other
// caller, so a cleanup can never race a user restore on the same id.
type Monitor struct {
	manager *Manager
	cfg     MonitorConfig
	logger  *slog.Logger
	cron    *cron.Cron

	// now is swappable in tests
	now func() time.Time
}

func NewMonitor(manager *Manager, cfg MonitorConfig, logger *slog.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Monitor{
		manager: manager,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Start schedules the periodic tick.
func (mon *Monitor) Start() error {
	mon.cron = cron.New()
	if _, err := mon.cron.AddFunc(fmt.Sprintf("@every %s", mon.cfg.Interval), mon.Tick); err != nil {
		return fmt.Errorf("schedule health monitor: %w", err)
	}
	mon.cron.Start()
	mon.logger.Info("health monitor started",
		"interval", mon.cfg.Interval, "ttl", mon.cfg.TTL, "maxOrphans", mon.cfg.MaxOrphans)
	return nil
}

// Stop cancels the schedule and waits for an in-flight tick to finish, so a
// cleanup kill cannot race the final shutdown detach pass.
func (mon *Monitor) Stop(ctx context.Context) error {
	if mon.cron == nil {
		return nil
	}
	stopped := mon.cron.Stop()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tick runs one cleanup pass. Failures are logged and retried on the next
// tick, never escalated to the UI.
func (mon *Monitor) Tick() {
	now := mon.now()

	if mon.cfg.TTL >= 0 {
		for _, rec := range mon.manager.List() {
			st := rec.State()
			if st != StateDetached && st != StateOrphaned {
				continue
			}
			age := rec.Age(now)
			if age < mon.cfg.TTL {
				continue
			}
			mon.logger.Info("automatic cleanup", "reason", "ttl", "id", rec.ID, "age", age)
			if err := mon.manager.killForCleanup(rec.ID); err != nil {
				mon.logger.Warn("cleanup kill failed, retrying next tick", "id", rec.ID, "err", err)
			}
		}
	}

	orphans, err := mon.manager.ListOrphans()
	if err != nil {
		mon.logger.Warn("orphan scan failed", "err", err)
		return
	}

	if mon.cfg.TTL >= 0 {
		var survivors []Orphan
		for _, o := range orphans {
			if o.Age(now) < mon.cfg.TTL {
				survivors = append(survivors, o)
				continue
			}
			mon.logger.Info("automatic cleanup", "reason", "ttl", "session", o.Name, "age", o.Age(now))
			if err := mon.manager.killOrphan(o); err != nil {
				mon.logger.Warn("cleanup kill failed, retrying next tick", "session", o.Name, "err", err)
				survivors = append(survivors, o)
			}
		}
		orphans = survivors
	}

	// bounded orphan count: evict oldest-created first
	if mon.cfg.MaxOrphans >= 0 && len(orphans) > mon.cfg.MaxOrphans {
		for _, o := range orphans[:len(orphans)-mon.cfg.MaxOrphans] {
			mon.logger.Info("automatic cleanup", "reason", "max_orphans", "session", o.Name)
			if err := mon.manager.killOrphan(o); err != nil {
				mon.logger.Warn("cleanup kill failed, retrying next tick", "session", o.Name, "err", err)
			}
		}
	}
}
