package service

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// process creation time is reported in milliseconds and may lag the
// recorded start time slightly
const startSkew = time.Second

// Probe reports whether pid is alive and is the process jobq started for a
// job. The process must not be a zombie, must not be older than the job and
// must either have the expected command line or carry the job id in its
// environment.
func Probe(ctx context.Context, jobID string, pid int, argv []string, started time.Time) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if errors.Is(err, process.ErrorProcessNotRunning) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	running, err := p.IsRunningWithContext(ctx)
	if err != nil || !running {
		return false, nil
	}
	if statuses, err := p.StatusWithContext(ctx); err == nil && slices.Contains(statuses, process.Zombie) {
		return false, nil
	}

	if !started.IsZero() {
		created, err := p.CreateTimeWithContext(ctx)
		if err == nil && time.UnixMilli(created).Before(started.Add(-startSkew)) {
			// pid was reused by an older process
			return false, nil
		}
	}

	if cmdline, err := p.CmdlineSliceWithContext(ctx); err == nil && slices.Equal(cmdline, argv) {
		return true, nil
	}
	if env, err := p.EnvironWithContext(ctx); err == nil && slices.Contains(env, JobIDEnv+"="+jobID) {
		return true, nil
	}
	return false, nil
}
