package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/machpc/jobq/internal/model"
)

// JobIDEnv is set in every job environment. It identifies the job process
// even after its command line changed (e.g. sh exec'ing the last command).
const JobIDEnv = "JOBQ_JOB_ID"

// Command is a single job execution request for the Runner.
type Command struct {
	JobID  string
	Path   string
	Args   []string
	Env    []string // appended to the daemon environment
	Dir    string
	Stdout string // file path, opened in append mode
	Stderr string
}

// Runner starts job processes detached from the daemon. It keeps no state of
// its own: everything needed to follow a process is in its Handle, and a
// process started by a previous daemon can be followed through Adopt.
type Runner struct{}

func NewRunner() *Runner {
	return &Runner{}
}

// Handle follows a single job process.
type Handle struct {
	PID     int
	Started time.Time

	// set for processes started by this Runner
	done     chan struct{}
	exitCode int

	// set for adopted processes
	adopted bool
	jobID   string
	argv    []string
}

// Start launches the command and returns immediately. Output files are
// opened before the process starts, so nothing written by it is lost.
// Errors are *model.SpawnError.
func (r *Runner) Start(ctx context.Context, proto Command) (*Handle, error) {
	spawnErr := func(err error) error {
		return &model.SpawnError{JobID: proto.JobID, Err: err}
	}

	stdout, err := openOutput(proto.Stdout)
	if err != nil {
		return nil, spawnErr(err)
	}
	defer func() {
		_ = stdout.Close()
	}()
	stderr, err := openOutput(proto.Stderr)
	if err != nil {
		return nil, spawnErr(err)
	}
	defer func() {
		_ = stderr.Close()
	}()

	cmd := exec.Command(proto.Path, proto.Args...)
	cmd.Env = append(os.Environ(), proto.Env...)
	cmd.Env = append(cmd.Env, JobIDEnv+"="+proto.JobID)
	cmd.Dir = proto.Dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = detached()

	started := time.Now().UTC()
	if err := cmd.Start(); err != nil {
		return nil, spawnErr(err)
	}

	h := &Handle{
		PID:     cmd.Process.Pid,
		Started: started,
		done:    make(chan struct{}),
	}
	slog.DebugContext(ctx, "process started", "job_id", proto.JobID, "pid", h.PID, "path", proto.Path)
	go h.wait(cmd)
	return h, nil
}

func (h *Handle) wait(cmd *exec.Cmd) {
	// Wait on detached process only reaps it, its streams are files
	_ = cmd.Wait()
	h.exitCode = exitCode(cmd.ProcessState)
	close(h.done)
}

// Adopt follows a process started by a previous daemon instance. It fails
// with model.ErrOrphaned when no live process matches the job.
func (r *Runner) Adopt(ctx context.Context, jobID string, pid int, argv []string, started time.Time) (*Handle, error) {
	ok, err := Probe(ctx, jobID, pid, argv, started)
	if err != nil {
		return nil, fmt.Errorf("probing pid %d: %w", pid, err)
	}
	if !ok {
		return nil, fmt.Errorf("pid %d does not run job %s: %w", pid, jobID, model.ErrOrphaned)
	}
	return &Handle{
		PID:     pid,
		Started: started,
		adopted: true,
		jobID:   jobID,
		argv:    argv,
	}, nil
}

// Poll reports whether the process has exited, it never blocks. Exit code
// of an adopted process is unknown and returned as nil.
func (h *Handle) Poll(ctx context.Context) (exitCode *int, exited bool) {
	if h.adopted {
		alive, err := Probe(ctx, h.jobID, h.PID, h.argv, h.Started)
		if err != nil {
			slog.WarnContext(ctx, "probing adopted process", "job_id", h.jobID, "pid", h.PID, "error", err)
			return nil, false
		}
		return nil, !alive
	}
	select {
	case <-h.done:
		code := h.exitCode
		return &code, true
	default:
		return nil, false
	}
}

// Terminate asks the process (and its process group) to stop; force kills
// it unconditionally.
func (h *Handle) Terminate(force bool) error {
	return terminate(h.PID, force)
}

func openOutput(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}
