package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	live "github.com/hanpama/groqlive/internal/live"
)

var _ live.EventIDStore = (*Store)(nil)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "groqlive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEventIDs(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	require.NoError(t, s.Ping(ctx))

	id, err := s.LoadEventID(ctx, "sanity-abc")
	require.NoError(t, err)
	require.Empty(t, id)

	require.NoError(t, s.SaveEventID(ctx, "sanity-abc", "ev-1"))
	require.NoError(t, s.SaveEventID(ctx, "sanity-abc", "ev-2"))
	require.NoError(t, s.SaveEventID(ctx, live.GlobalKey, "ev-9"))

	id, err = s.LoadEventID(ctx, "sanity-abc")
	require.NoError(t, err)
	require.Equal(t, "ev-2", id)
	id, err = s.LoadEventID(ctx, live.GlobalKey)
	require.NoError(t, err)
	require.Equal(t, "ev-9", id)

	require.NoError(t, s.DeleteEventID(ctx, "sanity-abc"))
	id, err = s.LoadEventID(ctx, "sanity-abc")
	require.NoError(t, err)
	require.Empty(t, id)
}

func TestReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "groqlive.db")

	s, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.SaveEventID(ctx, "k", "ev-1"))
	require.NoError(t, s.Close())

	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	id, err := s.LoadEventID(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "ev-1", id)
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	s.now = func() time.Time { return base }
	require.NoError(t, s.SaveEventID(ctx, "old", "ev-1"))
	s.now = func() time.Time { return base.Add(time.Hour) }
	require.NoError(t, s.SaveEventID(ctx, "new", "ev-2"))

	n, err := s.Prune(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	id, err := s.LoadEventID(ctx, "new")
	require.NoError(t, err)
	require.Equal(t, "ev-2", id)
}
