package experiment

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateDirectoryNamesByTimestamp(t *testing.T) {
	base := t.TempDir()
	now := time.Date(2026, 3, 5, 14, 30, 0, 0, time.UTC)

	dir, err := CreateDirectory(base, now)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "Experiments", "Exp_2026_03_05_14_30_00"), dir)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	store, err := NewStore("")
	require.NoError(t, err)

	ctx := context.Background()
	current, err := store.Current(ctx)
	require.NoError(t, err)
	assert.Empty(t, current)

	require.NoError(t, store.SetCurrent(ctx, "/data/Experiments/Exp_1"))
	current, err = store.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/data/Experiments/Exp_1", current)
}
