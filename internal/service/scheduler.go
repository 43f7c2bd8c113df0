package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/machpc/jobq/internal/model"
	"github.com/machpc/jobq/internal/store"
)

const (
	noteOrphaned     = "controller restarted mid-execution"
	noteUnknownExit  = "exit status unavailable after controller restart"
	noteCancelQueued = "cancelled before start"
)

// Scheduler is the daemon control loop. It is the only writer of scheduler
// owned job fields and must not run in more than one instance per state
// directory, see AcquireLock.
type Scheduler struct {
	store      *store.Store
	runner     *Runner
	maxRunning int
	interval   time.Duration
	grace      time.Duration
	shell      string
	env        []string
	now        func() time.Time

	reconciled bool
	handles    map[string]*Handle
	trigger    chan struct{}
}

func NewScheduler(st *store.Store, runner *Runner, cfg model.Config) *Scheduler {
	maxRunning := cfg.Scheduler.MaxRunning
	if maxRunning < 1 {
		maxRunning = 1
	}
	return &Scheduler{
		store:      st,
		runner:     runner,
		maxRunning: maxRunning,
		interval:   cfg.Scheduler.PollInterval.D(),
		grace:      cfg.Scheduler.GracePeriod.D(),
		shell:      cfg.Shell,
		env:        cfg.EnvList(),
		now:        func() time.Time { return time.Now().UTC() },
		handles:    make(map[string]*Handle),
		trigger:    make(chan struct{}, 1),
	}
}

// Do runs the loop until ctx is cancelled. The first tick runs immediately,
// the next ones each poll interval. Running jobs are left alone on return.
// Only a corrupted store stops the loop, other errors are logged.
func (s *Scheduler) Do(ctx context.Context) error {
	slog.InfoContext(ctx, "starting a scheduler",
		"max_running", s.maxRunning,
		"poll_interval", s.interval.String(),
		"grace_period", s.grace.String(),
	)

	ticker, err := newTicker(s.interval, s.Trigger)
	if err != nil {
		return err
	}
	ticker.Start()
	defer func() {
		if err := ticker.Shutdown(); err != nil {
			slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
		}
	}()

	s.Trigger()
	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "scheduler stopped", "running_jobs", len(s.handles))
			return nil
		case <-s.trigger:
			err := s.Tick(ctx)
			switch {
			case err == nil:
			case errors.Is(err, model.ErrStoreCorruption):
				return err
			case ctx.Err() != nil:
				return nil
			default:
				slog.ErrorContext(ctx, "tick failed", "error", err)
			}
		}
	}
}

// Trigger asks the loop for a tick as soon as possible. Triggers arriving
// while a tick is pending are merged.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func newTicker(interval time.Duration, task func()) (gocron.Scheduler, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive, got %s", interval)
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(task),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}

// Tick runs one control cycle: reconciliation (first tick only), admission,
// liveness polling and cancellation. Errors of a single job are recorded on
// that job, the returned error is about the store.
func (s *Scheduler) Tick(ctx context.Context) error {
	if !s.reconciled {
		if err := s.reconcile(ctx); err != nil {
			return fmt.Errorf("reconciliation: %w", err)
		}
		s.reconciled = true
	}
	if err := s.admit(ctx); err != nil {
		return fmt.Errorf("admission: %w", err)
	}
	if err := s.poll(ctx); err != nil {
		return fmt.Errorf("polling: %w", err)
	}
	if err := s.cancel(ctx); err != nil {
		return fmt.Errorf("cancellation: %w", err)
	}
	return nil
}

// reconcile resolves jobs persisted as running by a previous daemon. A live
// matching process is adopted, anything else is failed. Jobs are never
// requeued, the process may have had side effects already.
func (s *Scheduler) reconcile(ctx context.Context) error {
	set, err := s.store.Load(ctx)
	if err != nil {
		return err
	}
	for _, j := range set.Filter(model.StateRunning) {
		if _, ok := s.handles[j.ID]; ok {
			continue
		}
		h, err := s.adopt(ctx, j)
		if err == nil {
			slog.InfoContext(ctx, "adopted running job", "job_id", j.ID, "pid", h.PID)
			s.handles[j.ID] = h
			continue
		}
		slog.WarnContext(ctx, "job is orphaned: marking as failed", "job_id", j.ID, "error", err)
		err = s.update(ctx, j.ID, func(job *model.Job) error {
			if job.State != model.StateRunning {
				return store.ErrNoChange
			}
			s.finalize(ctx, job, model.StateFailed, nil, noteOrphaned)
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) adopt(ctx context.Context, j model.Job) (*Handle, error) {
	if j.PID == nil || j.StartedAt == nil {
		return nil, fmt.Errorf("no pid recorded: %w", model.ErrOrphaned)
	}
	return s.runner.Adopt(ctx, j.ID, *j.PID, j.Argv(s.shell), *j.StartedAt)
}

// admit starts queued jobs in submission order while below the cap.
func (s *Scheduler) admit(ctx context.Context) error {
	set, err := s.store.Load(ctx)
	if err != nil {
		return err
	}
	running := set.Count(model.StateRunning)
	for _, j := range set {
		if running >= s.maxRunning {
			return nil
		}
		if j.State != model.StateQueued || j.CancelRequested {
			continue
		}
		var started bool
		err := s.update(ctx, j.ID, func(job *model.Job) error {
			if job.State != model.StateQueued || job.CancelRequested {
				return store.ErrNoChange
			}
			s.start(ctx, job)
			started = job.State == model.StateRunning
			return nil
		})
		if err != nil {
			return err
		}
		if started {
			running++
		}
	}
	return nil
}

func (s *Scheduler) start(ctx context.Context, job *model.Job) {
	stdout, stderr := s.store.Layout().Running(job.ID)
	job.Stdout, job.Stderr = stdout, stderr

	// started on an earlier tick whose store write failed
	if h, ok := s.handles[job.ID]; ok {
		markRunning(job, h)
		return
	}

	argv := job.Argv(s.shell)
	env := append(append([]string(nil), s.env...), job.Env...)
	h, err := s.runner.Start(ctx, Command{
		JobID:  job.ID,
		Path:   argv[0],
		Args:   argv[1:],
		Env:    env,
		Dir:    job.Dir,
		Stdout: stdout,
		Stderr: stderr,
	})
	if err != nil {
		slog.ErrorContext(ctx, "job failed to start", "job_id", job.ID, "error", err)
		if werr := appendLine(stderr, "jobq: "+err.Error()); werr != nil {
			slog.WarnContext(ctx, "can't record spawn error", "job_id", job.ID, "error", werr)
		}
		s.finalize(ctx, job, model.StateFailed, nil, err.Error())
		return
	}

	slog.InfoContext(ctx, "job started", "job_id", job.ID, "pid", h.PID, "cmd", job.Command)
	markRunning(job, h)
	s.handles[job.ID] = h
}

func markRunning(job *model.Job, h *Handle) {
	job.State = model.StateRunning
	job.StartedAt = model.Ptr(h.Started)
	job.PID = model.Ptr(h.PID)
}

// poll finalizes exited jobs and enforces timeouts.
func (s *Scheduler) poll(ctx context.Context) error {
	set, err := s.store.Load(ctx)
	if err != nil {
		return err
	}
	for _, j := range set.Filter(model.StateRunning) {
		h, ok := s.handles[j.ID]
		if !ok {
			slog.WarnContext(ctx, "running job has no process handle: marking as failed", "job_id", j.ID)
			err = s.update(ctx, j.ID, func(job *model.Job) error {
				if job.State != model.StateRunning {
					return store.ErrNoChange
				}
				s.finalize(ctx, job, model.StateFailed, nil, noteOrphaned)
				return nil
			})
			if err != nil {
				return err
			}
			continue
		}

		code, exited := h.Poll(ctx)
		if !exited {
			if !j.TimedOut && !s.expired(j) {
				continue
			}
			err = s.update(ctx, j.ID, func(job *model.Job) error {
				if job.State != model.StateRunning {
					return store.ErrNoChange
				}
				if !job.TimedOut {
					slog.WarnContext(ctx, "job timed out", "job_id", job.ID, "timeout", job.Timeout.String())
					job.TimedOut = true
				}
				return s.terminate(ctx, job, h)
			})
			if err != nil {
				return err
			}
			continue
		}

		err = s.update(ctx, j.ID, func(job *model.Job) error {
			if job.State != model.StateRunning {
				return store.ErrNoChange
			}
			state, note := outcome(job, code)
			s.finalize(ctx, job, state, code, note)
			return nil
		})
		if err != nil {
			return err
		}
		delete(s.handles, j.ID)
	}
	return nil
}

func (s *Scheduler) expired(j model.Job) bool {
	return j.Timeout > 0 && j.StartedAt != nil && s.now().Sub(*j.StartedAt) > j.Timeout.D()
}

func outcome(job *model.Job, code *int) (model.State, string) {
	switch {
	case job.CancelRequested:
		return model.StateCancelled, ""
	case job.TimedOut:
		return model.StateFailed, "timed out after " + job.Timeout.String()
	case code == nil:
		return model.StateFailed, noteUnknownExit
	case *code == 0:
		return model.StateFinished, ""
	default:
		return model.StateFailed, ""
	}
}

// cancel applies pending cancellation requests. Queued jobs are cancelled
// directly, running ones are signalled and become cancelled once poll
// observes their exit.
func (s *Scheduler) cancel(ctx context.Context) error {
	set, err := s.store.Load(ctx)
	if err != nil {
		return err
	}
	for _, j := range set {
		if !j.CancelRequested || j.State.Terminal() {
			continue
		}
		switch j.State {
		case model.StateQueued:
			err = s.update(ctx, j.ID, func(job *model.Job) error {
				if job.State != model.StateQueued {
					return store.ErrNoChange
				}
				slog.InfoContext(ctx, "job cancelled", "job_id", job.ID, "state", model.StateQueued)
				s.finalize(ctx, job, model.StateCancelled, nil, noteCancelQueued)
				return nil
			})
		case model.StateRunning:
			h, ok := s.handles[j.ID]
			if !ok {
				continue
			}
			err = s.update(ctx, j.ID, func(job *model.Job) error {
				if job.State != model.StateRunning {
					return store.ErrNoChange
				}
				return s.terminate(ctx, job, h)
			})
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// terminate sends a graceful stop first and kills the process once the grace
// period elapsed. It returns store.ErrNoChange when there is nothing to send.
func (s *Scheduler) terminate(ctx context.Context, job *model.Job, h *Handle) error {
	now := s.now()
	switch {
	case job.TermSentAt == nil:
		slog.InfoContext(ctx, "terminating job", "job_id", job.ID, "pid", h.PID)
		if err := h.Terminate(false); err != nil {
			slog.ErrorContext(ctx, "terminating job failed", "job_id", job.ID, "pid", h.PID, "error", err)
		}
		job.TermSentAt = &now
	case job.KillSentAt == nil && now.Sub(*job.TermSentAt) >= s.grace:
		slog.WarnContext(ctx, "grace period elapsed: killing job", "job_id", job.ID, "pid", h.PID)
		if err := h.Terminate(true); err != nil {
			slog.ErrorContext(ctx, "killing job failed", "job_id", job.ID, "pid", h.PID, "error", err)
		}
		job.KillSentAt = &now
	default:
		return store.ErrNoChange
	}
	return nil
}

// finalize moves a job to a terminal state and archives its output files.
func (s *Scheduler) finalize(ctx context.Context, job *model.Job, state model.State, code *int, note string) {
	job.Finish(state, code, note, s.now())

	stdout, stderr, err := s.store.Layout().Archive(job.ID)
	if err != nil {
		slog.WarnContext(ctx, "archiving job output failed", "job_id", job.ID, "error", err)
	} else {
		job.Stdout, job.Stderr = stdout, stderr
	}

	attrs := []any{"job_id", job.ID, "state", job.State}
	if code != nil {
		attrs = append(attrs, "exit_code", *code)
	}
	if job.Note != "" {
		attrs = append(attrs, "note", job.Note)
	}
	slog.InfoContext(ctx, "job ended", attrs...)
}

// update applies fn to the freshly loaded record of job id under the store
// lock. A job which disappeared from the store is skipped.
func (s *Scheduler) update(ctx context.Context, id string, fn func(*model.Job) error) error {
	return s.store.Update(ctx, func(set *model.JobSet) error {
		idx := set.Index(id)
		if idx < 0 {
			return store.ErrNoChange
		}
		return fn(&(*set)[idx])
	})
}

func appendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	_, err = f.WriteString(line + "\n")
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}
