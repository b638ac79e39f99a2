package storage

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/keshon/groovebox/datastore"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	cfg := datastore.DefaultConfig(filepath.Join(t.TempDir(), "db.json"), zerolog.Nop())
	cfg.AutoSaveInterval = 0
	ds, err := datastore.NewWithConfig(cfg)
	require.NoError(t, err)
	s := NewWithDataStore(ds)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCommandHistoryKeepsLast20(t *testing.T) {
	s := newTestStorage(t)

	for i := 0; i < 25; i++ {
		require.NoError(t, s.AppendCommandToHistory("g1", CommandHistoryRecord{
			Command:  "play",
			Param:    fmt.Sprint(i),
			Datetime: time.Unix(int64(i), 0).UTC(),
		}))
	}

	history, err := s.FetchCommandHistory("g1")
	require.NoError(t, err)
	require.Len(t, history, 20)
	assert.Equal(t, "5", history[0].Param)
	assert.Equal(t, "24", history[19].Param)

	other, err := s.FetchCommandHistory("g2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestTrackHistoryKeepsLast12(t *testing.T) {
	s := newTestStorage(t)

	for i := 0; i < 15; i++ {
		require.NoError(t, s.AppendTrackToHistory("g1", TrackRecord{Title: fmt.Sprintf("track %d", i)}))
	}

	tracks, err := s.FetchTrackHistory("g1")
	require.NoError(t, err)
	require.Len(t, tracks, 12)
	assert.Equal(t, "track 3", tracks[0].Title)
	assert.Equal(t, "track 14", tracks[11].Title)
}

func TestPrefix(t *testing.T) {
	s := newTestStorage(t)

	assert.Equal(t, "!", s.GetPrefix("g1", "!"))
	require.NoError(t, s.SetPrefix("g1", "$"))
	assert.Equal(t, "$", s.GetPrefix("g1", "!"))

	require.NoError(t, s.AppendTrackToHistory("g1", TrackRecord{Title: "x"}))
	assert.Equal(t, "$", s.GetPrefix("g1", "!"), "other updates keep the prefix")
}
