package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/machpc/jobq/internal/model"
	"github.com/machpc/jobq/internal/store"
)

// Daemon is a scheduler holding the singleton lock of its state directory.
type Daemon struct {
	lock      *Lock
	scheduler *Scheduler
}

// NewDaemon acquires the daemon lock and checks the store is readable.
// Both a second instance and a corrupted store are fatal here.
func NewDaemon(ctx context.Context, cfg model.Config) (*Daemon, error) {
	st, err := store.Open(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	lock, err := AcquireLock(cfg.StateDir)
	if err != nil {
		return nil, err
	}

	set, err := st.Load(ctx)
	if err != nil {
		_ = lock.Release()
		return nil, fmt.Errorf("loading job store: %w", err)
	}
	slog.InfoContext(ctx, "job store loaded",
		"path", st.Path(),
		"jobs", len(set),
		"queued", set.Count(model.StateQueued),
		"running", set.Count(model.StateRunning),
	)

	return &Daemon{
		lock:      lock,
		scheduler: NewScheduler(st, NewRunner(), cfg),
	}, nil
}

// Do runs the scheduler loop and releases the lock once it ends.
func (d *Daemon) Do(ctx context.Context) error {
	err := d.scheduler.Do(ctx)
	if rerr := d.lock.Release(); rerr != nil {
		err = errors.Join(err, fmt.Errorf("releasing %s: %w", d.lock.Path(), rerr))
	}
	return err
}
