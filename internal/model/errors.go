package model

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateID     = errors.New("duplicate job id")
	ErrNotFound        = errors.New("not found")
	ErrSpawn           = errors.New("spawn failed")
	ErrOrphaned        = errors.New("orphaned job")
	ErrStoreCorruption = errors.New("store corrupted")
	ErrAlreadyRunning  = errors.New("already running")
)

// SpawnError is returned when a job command cannot be started at all.
type SpawnError struct {
	JobID string
	Err   error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("starting job %s: %v", e.JobID, e.Err)
}

func (e *SpawnError) Unwrap() []error {
	return []error{ErrSpawn, e.Err}
}

// StoreCorruptionError reports a persisted job file which can't be decoded.
type StoreCorruptionError struct {
	Path string
	Err  error
}

func (e *StoreCorruptionError) Error() string {
	return fmt.Sprintf("job store %s is corrupted: %v", e.Path, e.Err)
}

func (e *StoreCorruptionError) Unwrap() []error {
	return []error{ErrStoreCorruption, e.Err}
}
