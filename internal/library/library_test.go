package library

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Library {
	t.Helper()
	lib, err := Open(filepath.Join(t.TempDir(), "recordings.db"))
	require.NoError(t, err)
	t.Cleanup(func() { lib.Close() })
	return lib
}

func TestInsertAndRecent(t *testing.T) {
	lib := openTemp(t)

	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	older := Recording{
		ID: "a", Path: "recordings/a.avi", FPS: 30, Width: 1280, Height: 480,
		Frames: 900, StartedAt: base, EndedAt: base.Add(30 * time.Second), Clean: true,
	}
	newer := Recording{
		ID: "b", Path: "recordings/b.avi", FPS: 30, Width: 1280, Height: 480,
		Frames: 42, StartedAt: base.Add(time.Minute), EndedAt: base.Add(2 * time.Minute), Clean: false,
	}
	require.NoError(t, lib.Insert(older))
	require.NoError(t, lib.Insert(newer))

	got, err := lib.Recent(10)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "b", got[0].ID, "newest first")
	assert.Equal(t, "a", got[1].ID)
	assert.False(t, got[0].Clean)
	assert.True(t, got[1].Clean)
	assert.Equal(t, int64(900), got[1].Frames)
	assert.Equal(t, 1280, got[1].Width)
	assert.True(t, got[1].StartedAt.Equal(older.StartedAt),
		"started_at round trip: want %v, got %v", older.StartedAt, got[1].StartedAt)
}

func TestRecentLimit(t *testing.T) {
	lib := openTemp(t)

	base := time.Now().UTC()
	for i, id := range []string{"one", "two", "three"} {
		require.NoError(t, lib.Insert(Recording{
			ID: id, Path: id + ".avi", FPS: 30, Width: 64, Height: 48,
			StartedAt: base.Add(time.Duration(i) * time.Minute), EndedAt: base.Add(time.Duration(i+1) * time.Minute),
		}))
	}

	got, err := lib.Recent(2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "three", got[0].ID)
}

func TestDuplicateIDRejected(t *testing.T) {
	lib := openTemp(t)

	rec := Recording{ID: "dup", Path: "dup.avi", FPS: 30, Width: 64, Height: 48,
		StartedAt: time.Now(), EndedAt: time.Now()}
	require.NoError(t, lib.Insert(rec))
	assert.Error(t, lib.Insert(rec))
}

func TestRecentOnEmptyLibrary(t *testing.T) {
	lib := openTemp(t)
	got, err := lib.Recent(5)
	require.NoError(t, err)
	assert.Empty(t, got)
}
