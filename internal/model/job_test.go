package model_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/machpc/jobq/internal/model"
	"github.com/stretchr/testify/require"
)

func TestParseState(t *testing.T) {
	for _, given := range []string{"running", "RUNNING", "Running"} {
		st, err := model.ParseState(given)
		require.NoError(t, err)
		require.Equal(t, model.StateRunning, st)
	}
	_, err := model.ParseState("timeout")
	require.Error(t, err)

	require.False(t, model.StateQueued.Terminal())
	require.False(t, model.StateRunning.Terminal())
	require.True(t, model.StateFinished.Terminal())
	require.True(t, model.StateFailed.Terminal())
	require.True(t, model.StateCancelled.Terminal())
}

func TestJobArgv(t *testing.T) {
	shell := model.Job{Command: "echo $HOME | wc -c"}
	require.Equal(t, []string{"/bin/bash", "-c", "echo $HOME | wc -c"}, shell.Argv("/bin/bash"))
	require.Equal(t, []string{model.DefaultShell, "-c", "echo $HOME | wc -c"}, shell.Argv(""))

	direct := model.Job{Command: "echo hello", Args: []string{"echo", "hello"}}
	argv := direct.Argv("/bin/bash")
	require.Equal(t, []string{"echo", "hello"}, argv)
	argv[0] = "changed"
	require.Equal(t, "echo", direct.Args[0])
}

func TestNewID(t *testing.T) {
	seen := make(map[string]struct{})
	for range 1000 {
		id := model.NewID()
		require.Len(t, id, 12)
		require.NotContains(t, seen, id)
		seen[id] = struct{}{}
	}
}

func TestJobFinish(t *testing.T) {
	started := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	ended := started.Add(90 * time.Second)
	j := model.Job{State: model.StateRunning, PID: model.Ptr(42), StartedAt: &started}

	j.Finish(model.StateFinished, model.Ptr(0), "", ended)
	require.Equal(t, model.StateFinished, j.State)
	require.Nil(t, j.PID)
	require.Equal(t, 0, *j.ExitCode)
	require.Equal(t, 90*time.Second, j.Duration())

	// end time is never rewound
	j.Finish(model.StateFailed, nil, "again", ended.Add(time.Hour))
	require.Equal(t, ended, *j.EndedAt)
}

func TestJobSet(t *testing.T) {
	set := model.JobSet{
		{ID: "a", State: model.StateFinished},
		{ID: "b", State: model.StateRunning},
		{ID: "c", State: model.StateQueued},
		{ID: "d", State: model.StateRunning},
	}
	require.Equal(t, 2, set.Count(model.StateRunning))
	require.Equal(t, 2, set.Index("c"))
	require.Equal(t, -1, set.Index("x"))

	_, err := set.Find("x")
	require.ErrorIs(t, err, model.ErrNotFound)
	j, err := set.Find("b")
	require.NoError(t, err)
	require.Equal(t, model.StateRunning, j.State)

	running := set.Filter(model.StateRunning)
	require.Len(t, running, 2)
	require.Equal(t, "b", running[0].ID)
	require.Equal(t, "d", running[1].ID)
	require.Len(t, set.Filter(), 4)
}

func TestJobJSON(t *testing.T) {
	raw := `[{"id":"abc","name":"hello","cmd":"echo hello","state":"QUEUED","submit_time":"2025-01-01T10:00:00Z","stdout_path":"running/abc.out","stderr_path":"running/abc.err"}]`
	var set model.JobSet
	require.NoError(t, json.Unmarshal([]byte(raw), &set))
	require.Len(t, set, 1)
	require.Equal(t, model.StateQueued, set[0].State)
	require.Nil(t, set[0].PID)

	b, err := json.Marshal(set)
	require.NoError(t, err)
	require.Contains(t, string(b), `"state":"queued"`)
	require.NotContains(t, string(b), `"pid"`)
}

func TestJobTimeoutJSON(t *testing.T) {
	b, err := json.Marshal(model.Job{ID: "a", Timeout: model.Duration(90 * time.Minute)})
	require.NoError(t, err)
	require.Contains(t, string(b), `"timeout":"1h30m0s"`)

	b, err = json.Marshal(model.Job{ID: "b"})
	require.NoError(t, err)
	require.NotContains(t, string(b), `"timeout"`)

	var testCases = []struct {
		scenario string
		given    string
		then     time.Duration
	}{
		{"readable", `{"timeout":"2h"}`, 2 * time.Hour},
		{"iso", `{"timeout":"PT30M"}`, 30 * time.Minute},
		{"seconds", `{"timeout":3600}`, time.Hour},
		{"fractional seconds", `{"timeout":1.5}`, 1500 * time.Millisecond},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			var job model.Job
			require.NoError(t, json.Unmarshal([]byte(tc.given), &job))
			require.Equal(t, tc.then, job.Timeout.D())
		})
	}

	var job model.Job
	require.Error(t, json.Unmarshal([]byte(`{"timeout":-1}`), &job))
	require.Error(t, json.Unmarshal([]byte(`{"timeout":"PT-5S"}`), &job))
}
