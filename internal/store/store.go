// Package store keeps the job set in a single JSON file shared between the
// daemon and short lived CLI invocations.
//
// Every mutation is a read-modify-write of the whole file done under an
// exclusive advisory lock on a sibling lock file. Writes go to a temporary
// file in the same directory which then replaces the canonical file, so a
// reader never observes a partially written job set.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/machpc/jobq/internal/model"
)

const (
	queueFile = "queue.json"
	lockFile  = "queue.lock"

	lockRetry = 10 * time.Millisecond
)

type Store struct {
	layout Layout
	mx     sync.Mutex // flock is per file descriptor, this serializes goroutines
	lock   *flock.Flock
}

// Open prepares the state directory and returns a store rooted in it.
func Open(dir string) (*Store, error) {
	layout := NewLayout(dir)
	if err := layout.Init(); err != nil {
		return nil, err
	}
	return &Store{
		layout: layout,
		lock:   flock.New(filepath.Join(layout.Root, lockFile)),
	}, nil
}

func (s *Store) Layout() Layout {
	return s.layout
}

func (s *Store) Path() string {
	return filepath.Join(s.layout.Root, queueFile)
}

// Load returns the current job set. Missing file is an empty set, an
// unreadable one is a StoreCorruptionError.
func (s *Store) Load(ctx context.Context) (model.JobSet, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	ok, err := s.lock.TryRLockContext(ctx, lockRetry)
	if err != nil {
		return nil, fmt.Errorf("locking job store: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("locking job store: %w", ctx.Err())
	}
	defer func() {
		_ = s.lock.Unlock()
	}()
	return s.read()
}

// Save replaces the persisted job set.
func (s *Store) Save(ctx context.Context, set model.JobSet) error {
	return s.Update(ctx, func(current *model.JobSet) error {
		*current = set
		return nil
	})
}

// Append adds a new job at the end of the set.
func (s *Store) Append(ctx context.Context, job model.Job) error {
	return s.Update(ctx, func(set *model.JobSet) error {
		if set.Index(job.ID) >= 0 {
			return fmt.Errorf("job %s: %w", job.ID, model.ErrDuplicateID)
		}
		*set = append(*set, job)
		return nil
	})
}

// Find returns a single job or an error wrapping model.ErrNotFound.
func (s *Store) Find(ctx context.Context, id string) (model.Job, error) {
	set, err := s.Load(ctx)
	if err != nil {
		return model.Job{}, err
	}
	return set.Find(id)
}

// ErrNoChange can be returned from an Update callback to skip the write.
var ErrNoChange = errors.New("no change")

// Update runs fn over the current job set while holding the exclusive lock
// and persists the result unless fn returns an error. ErrNoChange is not
// reported to the caller.
func (s *Store) Update(ctx context.Context, fn func(*model.JobSet) error) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	ok, err := s.lock.TryLockContext(ctx, lockRetry)
	if err != nil {
		return fmt.Errorf("locking job store: %w", err)
	}
	if !ok {
		return fmt.Errorf("locking job store: %w", ctx.Err())
	}
	defer func() {
		_ = s.lock.Unlock()
	}()

	set, err := s.read()
	if err != nil {
		return err
	}
	err = fn(&set)
	if errors.Is(err, ErrNoChange) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.write(set)
}

func (s *Store) read() (model.JobSet, error) {
	b, err := os.ReadFile(s.Path())
	if errors.Is(err, os.ErrNotExist) {
		return model.JobSet{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading job store: %w", err)
	}

	var set model.JobSet
	if err := json.Unmarshal(b, &set); err != nil {
		return nil, &model.StoreCorruptionError{Path: s.Path(), Err: err}
	}
	if set == nil {
		return nil, &model.StoreCorruptionError{Path: s.Path(), Err: errors.New("not a job array")}
	}
	return set, nil
}

func (s *Store) write(set model.JobSet) error {
	if set == nil {
		set = model.JobSet{}
	}
	b, err := json.MarshalIndent(set, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding job store: %w", err)
	}

	tmp, err := os.CreateTemp(s.layout.Root, queueFile+".*")
	if err != nil {
		return fmt.Errorf("creating temporary job store: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		// no-op once renamed
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(append(b, '\n')); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing temporary job store: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("syncing temporary job store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temporary job store: %w", err)
	}
	if err := os.Rename(tmpPath, s.Path()); err != nil {
		return fmt.Errorf("replacing job store: %w", err)
	}
	return syncDir(s.layout.Root)
}

// syncDir persists the directory entry of a renamed file.
func syncDir(path string) error {
	d, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening state directory: %w", err)
	}
	err = d.Sync()
	if cerr := d.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("syncing state directory: %w", err)
	}
	return nil
}
