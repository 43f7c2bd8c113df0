package store_test

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/machpc/jobq/internal/model"
	"github.com/machpc/jobq/internal/store"
	"github.com/stretchr/testify/require"
)

func newJob(id string) model.Job {
	return model.Job{
		ID:          id,
		Name:        "echo " + id,
		Command:     "echo " + id,
		Args:        []string{"echo", id},
		State:       model.StateQueued,
		SubmittedAt: time.Now().UTC(),
	}
}

func TestStore(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, err := store.Open(dir)
	require.NoError(t, err)
	ctx := t.Context()

	t.Run("empty", func(t *testing.T) {
		set, err := s.Load(ctx)
		require.NoError(t, err)
		require.Empty(t, set)
		require.DirExists(t, s.Layout().RunningDir())
		require.DirExists(t, s.Layout().FinishedDir())
	})

	t.Run("append", func(t *testing.T) {
		require.NoError(t, s.Append(ctx, newJob("a")))
		require.NoError(t, s.Append(ctx, newJob("b")))
		err := s.Append(ctx, newJob("a"))
		require.ErrorIs(t, err, model.ErrDuplicateID)

		set, err := s.Load(ctx)
		require.NoError(t, err)
		require.Len(t, set, 2)
		require.Equal(t, "a", set[0].ID)
		require.Equal(t, "b", set[1].ID)
	})

	t.Run("find", func(t *testing.T) {
		j, err := s.Find(ctx, "b")
		require.NoError(t, err)
		require.Equal(t, []string{"echo", "b"}, j.Args)
		_, err = s.Find(ctx, "nope")
		require.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("update no change", func(t *testing.T) {
		before, err := os.Stat(s.Path())
		require.NoError(t, err)
		err = s.Update(ctx, func(set *model.JobSet) error {
			(*set)[0].State = model.StateCancelled
			return store.ErrNoChange
		})
		require.NoError(t, err)
		after, err := os.Stat(s.Path())
		require.NoError(t, err)
		require.Equal(t, before.ModTime(), after.ModTime())
		j, err := s.Find(ctx, "a")
		require.NoError(t, err)
		require.Equal(t, model.StateQueued, j.State)
	})

	t.Run("save", func(t *testing.T) {
		set, err := s.Load(ctx)
		require.NoError(t, err)
		set[1].State = model.StateCancelled
		require.NoError(t, s.Save(ctx, set))
		j, err := s.Find(ctx, "b")
		require.NoError(t, err)
		require.Equal(t, model.StateCancelled, j.State)

		// no temporary files left behind
		matches, err := filepath.Glob(filepath.Join(dir, "queue.json.*"))
		require.NoError(t, err)
		require.Empty(t, matches)
	})
}

func TestStoreCorruption(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    string
	}{
		{"truncated", `[{"id":"a","state":"queued"`},
		{"not an array", `{"id":"a"}`},
		{"null", `null`},
		{"empty", ``},
		{"bad state", `[{"id":"a","state":"timeout"}]`},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			s, err := store.Open(dir)
			require.NoError(t, err)
			require.NoError(t, os.WriteFile(s.Path(), []byte(tc.given), 0o644))

			_, err = s.Load(t.Context())
			require.ErrorIs(t, err, model.ErrStoreCorruption)
			var corrupt *model.StoreCorruptionError
			require.ErrorAs(t, err, &corrupt)
			require.Equal(t, s.Path(), corrupt.Path)

			// the broken file is never replaced by an empty queue
			err = s.Append(t.Context(), newJob("x"))
			require.ErrorIs(t, err, model.ErrStoreCorruption)
			b, err := os.ReadFile(s.Path())
			require.NoError(t, err)
			require.Equal(t, tc.given, string(b))
		})
	}
}

// Separate Store values use separate lock descriptors, like separate processes do.
func TestStoreConcurrentAppend(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	const writers, perWriter = 4, 25

	var wg sync.WaitGroup
	for w := range writers {
		s, err := store.Open(dir)
		require.NoError(t, err)
		wg.Go(func() {
			for i := range perWriter {
				err := s.Append(t.Context(), newJob(fmt.Sprintf("w%d-%d", w, i)))
				require.NoError(t, err)
			}
		})
	}
	wg.Wait()

	s, err := store.Open(dir)
	require.NoError(t, err)
	set, err := s.Load(t.Context())
	require.NoError(t, err)
	require.Len(t, set, writers*perWriter)

	// per writer order is kept
	last := make(map[int]int)
	for _, j := range set {
		var w, i int
		_, err := fmt.Sscanf(j.ID, "w%d-%d", &w, &i)
		require.NoError(t, err)
		if prev, ok := last[w]; ok {
			require.Greater(t, i, prev)
		}
		last[w] = i
	}
}

func TestLayoutArchive(t *testing.T) {
	t.Parallel()
	l := store.NewLayout(t.TempDir())
	require.NoError(t, l.Init())

	out, errPath := l.Running("abc")
	require.NoError(t, os.WriteFile(out, []byte("hello\n"), 0o644))
	require.NoError(t, os.WriteFile(errPath, nil, 0o644))

	newOut, newErr, err := l.Archive("abc")
	require.NoError(t, err)
	require.Equal(t, filepath.Base(out), filepath.Base(newOut))
	require.Equal(t, filepath.Base(errPath), filepath.Base(newErr))
	require.NoFileExists(t, out)
	b, err := os.ReadFile(newOut)
	require.NoError(t, err)
	require.Equal(t, "hello\n", string(b))

	// second archive is a no-op
	_, _, err = l.Archive("abc")
	require.NoError(t, err)
}

func TestStoreDirectorySync(t *testing.T) {
	t.Parallel()
	if os.Geteuid() == 0 {
		t.Skip("skipped, permissions are not enforced for root")
	}
	dir := t.TempDir()
	s, err := store.Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Append(t.Context(), newJob("a")))

	// entries can still be created and renamed, but the directory can't be opened
	require.NoError(t, os.Chmod(dir, 0o300))
	t.Cleanup(func() {
		_ = os.Chmod(dir, 0o755)
	})
	err = s.Append(t.Context(), newJob("b"))
	require.ErrorContains(t, err, "state directory")
}
