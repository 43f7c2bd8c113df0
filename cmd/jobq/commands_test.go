package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/machpc/jobq/internal/model"
	"github.com/machpc/jobq/internal/service"
	"github.com/machpc/jobq/internal/store"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

// useStateDir points the global config at a fresh state directory.
func useStateDir(t *testing.T) *store.Store {
	t.Helper()
	prev := config
	config = model.DefaultConfig()
	config.StateDir = t.TempDir()
	t.Cleanup(func() {
		config = prev
	})
	st, err := store.Open(config.StateDir)
	require.NoError(t, err)
	return st
}

func execute(t *testing.T, fn func(*cobra.Command, []string) error, args ...string) (string, error) {
	t.Helper()
	cmd := &cobra.Command{}
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetContext(t.Context())
	err := fn(cmd, args)
	return out.String(), err
}

func submit(t *testing.T, args ...string) model.Job {
	t.Helper()
	out, err := execute(t, doSubmit, args...)
	require.NoError(t, err)
	require.Regexp(t, regexp.MustCompile(`^[0-9a-f]{12}\n$`), out, "submit prints the job id only")

	client, err := newClient()
	require.NoError(t, err)
	job, err := client.Info(t.Context(), strings.TrimSpace(out))
	require.NoError(t, err)
	return job
}

func TestSubmitDir(t *testing.T) {
	useStateDir(t)
	wd, err := os.Getwd()
	require.NoError(t, err)

	var testCases = []struct {
		scenario string
		given    string
		then     string
	}{
		{"submitter cwd", "", wd},
		{"relative", "sub/dir", filepath.Join(wd, "sub", "dir")},
		{"absolute", "/srv/data", "/srv/data"},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			flagSubmitDir = tc.given
			t.Cleanup(func() {
				flagSubmitDir = ""
			})
			job := submit(t, "./a.out", "-np", "4")
			require.Equal(t, tc.then, job.Dir)
			require.Equal(t, []string{"./a.out", "-np", "4"}, job.Args)
		})
	}
}

func TestCommands(t *testing.T) {
	st := useStateDir(t)
	ctx := t.Context()

	queued := submit(t, "sleep", "60")
	running := submit(t, "mpirun -np 4 ./a.out")
	finished := submit(t, "echo hello | tee out.txt")
	require.Equal(t, "echo hello | tee out.txt", finished.Command)
	require.Empty(t, finished.Args)

	now := time.Now().UTC()
	require.NoError(t, st.Update(ctx, func(set *model.JobSet) error {
		r := &(*set)[set.Index(running.ID)]
		r.State = model.StateRunning
		r.PID = model.Ptr(4242)
		r.StartedAt = &now
		(*set)[set.Index(finished.ID)].Finish(model.StateFinished, model.Ptr(0), "", now)
		return nil
	}))
	require.NoError(t, os.WriteFile(finished.Stdout, []byte("hello\n"), 0o644))

	var testCases = []struct {
		scenario string
		run      func(*cobra.Command, []string) error
		args     []string
		then     func(t *testing.T, out string) // nil expects an error
		thenErr  error
	}{
		{
			scenario: "list all",
			run:      doList,
			then: func(t *testing.T, out string) {
				lines := strings.Split(strings.TrimSpace(out), "\n")
				require.Len(t, lines, 4)
				require.Contains(t, lines[1], queued.ID)
				require.Contains(t, lines[2], running.ID)
				require.Contains(t, lines[3], finished.ID)
			},
		},
		{
			scenario: "list running",
			run:      doList,
			args:     []string{"running"},
			then: func(t *testing.T, out string) {
				lines := strings.Split(strings.TrimSpace(out), "\n")
				require.Len(t, lines, 2)
				require.Contains(t, lines[1], running.ID)
				require.Contains(t, lines[1], "4242")
			},
		},
		{
			scenario: "list any state name",
			run:      doList,
			args:     []string{"FINISHED"},
			then: func(t *testing.T, out string) {
				require.Contains(t, out, finished.ID)
				require.NotContains(t, out, queued.ID)
			},
		},
		{
			scenario: "list unknown state",
			run:      doList,
			args:     []string{"paused"},
		},
		{
			scenario: "info",
			run:      doInfo,
			args:     []string{finished.ID},
			then: func(t *testing.T, out string) {
				require.Contains(t, out, finished.ID)
				require.Contains(t, out, "FINISHED")
				require.Contains(t, out, "echo hello | tee out.txt")
			},
		},
		{
			scenario: "info unknown",
			run:      doInfo,
			args:     []string{"000000000000"},
			thenErr:  model.ErrNotFound,
		},
		{
			scenario: "cancel unknown",
			run:      doCancel,
			args:     []string{"000000000000"},
			thenErr:  model.ErrNotFound,
		},
		{
			scenario: "cancel queued",
			run:      doCancel,
			args:     []string{queued.ID},
			then: func(t *testing.T, out string) {
				require.Equal(t, "cancellation of job "+queued.ID+" requested\n", out)
			},
		},
		{
			scenario: "cancel finished",
			run:      doCancel,
			args:     []string{finished.ID},
			then: func(t *testing.T, out string) {
				require.Equal(t, "job "+finished.ID+" already ended as FINISHED\n", out)
			},
		},
		{
			scenario: "logs",
			run:      doLogs,
			args:     []string{finished.ID},
			then: func(t *testing.T, out string) {
				require.Equal(t, "hello\n", out)
			},
		},
		{
			scenario: "wait",
			run:      doWait,
			args:     []string{finished.ID},
			then: func(t *testing.T, out string) {
				require.Contains(t, out, finished.ID)
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			out, err := execute(t, tc.run, tc.args...)
			switch {
			case tc.thenErr != nil:
				require.ErrorIs(t, err, tc.thenErr)
				require.Empty(t, out)
			case tc.then == nil:
				require.Error(t, err)
			default:
				require.NoError(t, err)
				tc.then(t, out)
			}
		})
	}

	t.Run("info json", func(t *testing.T) {
		flagJSON = true
		t.Cleanup(func() {
			flagJSON = false
		})
		out, err := execute(t, doInfo, queued.ID)
		require.NoError(t, err)
		var job model.Job
		require.NoError(t, json.Unmarshal([]byte(out), &job))
		require.Equal(t, queued.ID, job.ID)
		require.True(t, job.CancelRequested)
	})

	t.Run("wait failed", func(t *testing.T) {
		require.NoError(t, st.Update(ctx, func(set *model.JobSet) error {
			(*set)[set.Index(queued.ID)].Finish(model.StateCancelled, nil, "", time.Now().UTC())
			return nil
		}))
		_, err := execute(t, doWait, finished.ID, queued.ID)
		require.ErrorContains(t, err, "1 of 2 jobs did not finish successfully")
	})
}

func TestRunAlreadyRunning(t *testing.T) {
	useStateDir(t)
	lock, err := service.AcquireLock(config.StateDir)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = lock.Release()
	})

	start := time.Now()
	_, err = execute(t, doRun)
	require.ErrorIs(t, err, model.ErrAlreadyRunning)
	require.Less(t, time.Since(start), time.Second)
}
