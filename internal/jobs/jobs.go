// Package jobs runs the background cron work: settlement maturation and
// periodic position syncs. Everything here is best-effort housekeeping;
// job failures are logged and retried on the next tick, never fatal.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"equities-bot/internal/config"
	"equities-bot/internal/positions"
	"equities-bot/internal/store"
	"equities-bot/pkg/types"
)

// Runner owns the cron schedule.
type Runner struct {
	cron   *cron.Cron
	store  *store.Store
	syncer *positions.Syncer
	cfg    config.PositionSyncConfig
	logger *slog.Logger
}

// NewRunner registers the jobs. Start activates them.
func NewRunner(st *store.Store, syncer *positions.Syncer, cfg config.PositionSyncConfig, logger *slog.Logger) (*Runner, error) {
	r := &Runner{
		cron:   cron.New(cron.WithSeconds()),
		store:  st,
		syncer: syncer,
		cfg:    cfg,
		logger: logger.With("component", "jobs"),
	}

	// Settlement rows mature at date boundaries; sweep right after UTC
	// midnight and hourly to catch restarts.
	if _, err := r.cron.AddFunc("0 5 0 * * *", r.settleMatured); err != nil {
		return nil, fmt.Errorf("schedule settlement job: %w", err)
	}
	if _, err := r.cron.AddFunc("0 0 * * * *", r.settleMatured); err != nil {
		return nil, fmt.Errorf("schedule settlement sweep: %w", err)
	}

	if cfg.SyncInterval > 0 {
		spec := fmt.Sprintf("@every %s", cfg.SyncInterval)
		if _, err := r.cron.AddFunc(spec, r.backgroundSync); err != nil {
			return nil, fmt.Errorf("schedule background sync: %w", err)
		}
	}

	return r, nil
}

// Start activates the schedule.
func (r *Runner) Start() {
	r.cron.Start()
	r.logger.Info("background jobs started", "sync_interval", r.cfg.SyncInterval)
}

// Stop halts scheduling and waits for running jobs to finish.
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.logger.Info("background jobs stopped")
}

func (r *Runner) settleMatured() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := r.store.SettleMatured(ctx, time.Now().UTC())
	if err != nil {
		r.logger.Error("settlement sweep failed", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("settlement rows matured", "count", n)
	}
}

func (r *Runner) backgroundSync() {
	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	if _, err := r.syncer.Sync(ctx, r.cfg.SyncOnTrade); err != nil {
		// A pass already in flight is not a failure.
		if types.KindOf(err) == types.KindConflict {
			return
		}
		r.logger.Warn("background sync failed", "error", err)
	}
}
