package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	runningDir  = "running"
	finishedDir = "finished"
)

// Layout maps job ids to output files. Files live in running/ while a job is
// active and in finished/ afterwards, the file names never change.
type Layout struct {
	Root string
}

func NewLayout(root string) Layout {
	return Layout{Root: root}
}

func (l Layout) Init() error {
	for _, dir := range []string{l.Root, l.RunningDir(), l.FinishedDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	return nil
}

func (l Layout) RunningDir() string {
	return filepath.Join(l.Root, runningDir)
}

func (l Layout) FinishedDir() string {
	return filepath.Join(l.Root, finishedDir)
}

// Running returns stdout and stderr paths of an active job.
func (l Layout) Running(id string) (stdout, stderr string) {
	return filepath.Join(l.RunningDir(), id+".out"), filepath.Join(l.RunningDir(), id+".err")
}

// Finished returns stdout and stderr paths of a terminal job.
func (l Layout) Finished(id string) (stdout, stderr string) {
	return filepath.Join(l.FinishedDir(), id+".out"), filepath.Join(l.FinishedDir(), id+".err")
}

// Archive moves both output files of a job into the finished area and
// returns the new paths. A file already moved (or never created) is not an
// error.
func (l Layout) Archive(id string) (stdout, stderr string, err error) {
	srcOut, srcErr := l.Running(id)
	dstOut, dstErr := l.Finished(id)
	var errs []error
	for _, mv := range [][2]string{{srcOut, dstOut}, {srcErr, dstErr}} {
		if err := os.Rename(mv[0], mv[1]); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("archiving %s: %w", mv[0], err))
		}
	}
	return dstOut, dstErr, errors.Join(errs...)
}
