package service

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"

	"github.com/machpc/jobq/internal/model"
)

const pidFile = "jobq.pid"

// Lock guarantees a single scheduler per state directory. The pid file is
// left in place on Release, the flock on it is what matters.
type Lock struct {
	path string
	f    *flock.Flock
}

// AcquireLock takes the daemon lock without waiting. A lock held by another
// process fails with model.ErrAlreadyRunning.
func AcquireLock(dir string) (*Lock, error) {
	path := filepath.Join(dir, pidFile)
	f := flock.New(path)
	ok, err := f.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}
	if !ok {
		owner := "unknown"
		if b, err := os.ReadFile(path); err == nil && len(b) > 0 {
			owner = strings.TrimSpace(string(b))
		}
		return nil, fmt.Errorf("jobq daemon pid %s holds %s: %w", owner, path, model.ErrAlreadyRunning)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		_ = f.Unlock()
		return nil, fmt.Errorf("writing %s: %w", path, err)
	}
	return &Lock{path: path, f: f}, nil
}

func (l *Lock) Path() string {
	return l.path
}

func (l *Lock) Release() error {
	return l.f.Unlock()
}
