package service_test

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/machpc/jobq/internal/model"
	"github.com/machpc/jobq/internal/service"
	"github.com/stretchr/testify/require"
)

func TestAcquireLock(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	lock, err := service.AcquireLock(dir)
	require.NoError(t, err)
	b, err := os.ReadFile(lock.Path())
	require.NoError(t, err)
	require.Equal(t, strconv.Itoa(os.Getpid()), strings.TrimSpace(string(b)))

	_, err = service.AcquireLock(dir)
	require.ErrorIs(t, err, model.ErrAlreadyRunning)
	require.ErrorContains(t, err, strconv.Itoa(os.Getpid()))

	require.NoError(t, lock.Release())
	again, err := service.AcquireLock(dir)
	require.NoError(t, err)
	require.NoError(t, again.Release())
}

func TestNewDaemon(t *testing.T) {
	t.Parallel()

	t.Run("second instance", func(t *testing.T) {
		t.Parallel()
		cfg := model.DefaultConfig()
		cfg.StateDir = t.TempDir()

		first, err := service.NewDaemon(t.Context(), cfg)
		require.NoError(t, err)
		_, err = service.NewDaemon(t.Context(), cfg)
		require.ErrorIs(t, err, model.ErrAlreadyRunning)

		ctx, cancel := context.WithCancel(t.Context())
		cancel()
		require.NoError(t, first.Do(ctx))
		lock, err := service.AcquireLock(cfg.StateDir)
		require.NoError(t, err)
		require.NoError(t, lock.Release())
	})

	t.Run("corrupted store", func(t *testing.T) {
		t.Parallel()
		cfg := model.DefaultConfig()
		cfg.StateDir = t.TempDir()
		path := filepath.Join(cfg.StateDir, "queue.json")
		require.NoError(t, os.WriteFile(path, []byte(`[{"id": "a", "state": "QUEUED"`), 0o644))

		_, err := service.NewDaemon(t.Context(), cfg)
		require.ErrorIs(t, err, model.ErrStoreCorruption)
		var corruption *model.StoreCorruptionError
		require.ErrorAs(t, err, &corruption)
		require.Equal(t, path, corruption.Path)

		// the store is left for an operator, the lock is released
		b, err := os.ReadFile(path)
		require.NoError(t, err)
		require.Equal(t, `[{"id": "a", "state": "QUEUED"`, string(b))
		lock, err := service.AcquireLock(cfg.StateDir)
		require.NoError(t, err)
		require.NoError(t, lock.Release())
	})
}
