package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateFinished  State = "finished"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

var states = []State{StateQueued, StateRunning, StateFinished, StateFailed, StateCancelled}

// ParseState accepts state names in any letter case.
func ParseState(s string) (State, error) {
	for _, st := range states {
		if strings.EqualFold(s, string(st)) {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown job state %q", s)
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateFailed || s == StateCancelled
}

func (s State) String() string {
	return strings.ToUpper(string(s))
}

func (s *State) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	st, err := ParseState(raw)
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// Job is a single submitted command and its lifecycle. Fields after Timeout
// are owned by the scheduler once the job has been submitted, except
// CancelRequested which is set by clients.
type Job struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Command string   `json:"cmd"`
	Args    []string `json:"args,omitempty"` // empty => Command runs through a shell
	Dir     string   `json:"dir,omitempty"`
	Env     []string `json:"env,omitempty"`
	Timeout Duration `json:"timeout,omitempty"`

	State       State      `json:"state"`
	PID         *int       `json:"pid,omitempty"`
	SubmittedAt time.Time  `json:"submit_time"`
	StartedAt   *time.Time `json:"start_time,omitempty"`
	EndedAt     *time.Time `json:"end_time,omitempty"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	Stdout      string     `json:"stdout_path"`
	Stderr      string     `json:"stderr_path"`
	Note        string     `json:"note,omitempty"`

	CancelRequested bool       `json:"cancel_requested,omitempty"`
	TimedOut        bool       `json:"timed_out,omitempty"`
	TermSentAt      *time.Time `json:"term_sent_at,omitempty"`
	KillSentAt      *time.Time `json:"kill_sent_at,omitempty"`
}

// NewID returns a short random id, unique with overwhelming probability.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Argv is the program and arguments that are actually executed.
func (j Job) Argv(shell string) []string {
	if len(j.Args) > 0 {
		return append([]string(nil), j.Args...)
	}
	if shell == "" {
		shell = DefaultShell
	}
	return []string{shell, "-c", j.Command}
}

// Duration is the wall clock time between start and end, or zero.
func (j Job) Duration() time.Duration {
	if j.StartedAt == nil || j.EndedAt == nil {
		return 0
	}
	return j.EndedAt.Sub(*j.StartedAt)
}

// Finish moves a job into a terminal state. Exit code may be nil when the
// process outcome is unknown.
func (j *Job) Finish(state State, exitCode *int, note string, now time.Time) {
	j.State = state
	j.PID = nil
	j.ExitCode = exitCode
	if note != "" {
		j.Note = note
	}
	if j.EndedAt == nil {
		j.EndedAt = &now
	}
}

// JobSet is all known jobs in submission order.
type JobSet []Job

// Index returns the position of job id or -1.
func (s JobSet) Index(id string) int {
	for i := range s {
		if s[i].ID == id {
			return i
		}
	}
	return -1
}

func (s JobSet) Find(id string) (Job, error) {
	idx := s.Index(id)
	if idx < 0 {
		return Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return s[idx], nil
}

func (s JobSet) Count(state State) int {
	var n int
	for _, j := range s {
		if j.State == state {
			n++
		}
	}
	return n
}

// Filter returns jobs in one of given states, all jobs if none is given.
func (s JobSet) Filter(want ...State) JobSet {
	if len(want) == 0 {
		return append(JobSet(nil), s...)
	}
	var ret JobSet
	for _, j := range s {
		for _, st := range want {
			if j.State == st {
				ret = append(ret, j)
				break
			}
		}
	}
	return ret
}

// Ptr returns a pointer to a copy of v.
func Ptr[T any](v T) *T {
	return &v
}
