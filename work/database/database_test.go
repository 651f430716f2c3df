package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kptv-player/work/types"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "player.db")

	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.migrate())
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()

	var applied int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&applied))
	assert.Equal(t, 2, applied)
}

func TestCatalogRoundTrip(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()

	categories := []types.Category{
		{ID: "c2", Name: "Música", SortOrder: 1, Active: true},
		{ID: "c1", Name: "Noticias", SortOrder: 0, Active: true},
		{ID: "c3", Name: "Deportes", SortOrder: 1, Active: true},
	}
	channels := []types.Channel{
		{ID: "a", Name: "Zeta", CategoryID: "c1", StreamURL: "http://p/1", BackupStreamURL: "http://q/1"},
		{ID: "b", Name: "Alfa", CategoryID: "c2", StreamURL: "http://p/2"},
	}
	require.NoError(t, db.SaveCatalog(ctx, categories, channels, 2))

	gotCats, gotChans, err := db.LoadCatalog(ctx)
	require.NoError(t, err)

	require.Len(t, gotCats, 3)
	assert.Equal(t, []string{"c1", "c2", "c3"}, []string{gotCats[0].ID, gotCats[1].ID, gotCats[2].ID}, "sort key, ties by insertion")
	assert.Equal(t, channels, gotChans)

	last, err := db.LastImport(ctx)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), last, 5*time.Second)

	// a second save replaces rather than appends
	require.NoError(t, db.SaveCatalog(ctx, categories[:1], channels[1:], 1))
	gotCats, gotChans, err = db.LoadCatalog(ctx)
	require.NoError(t, err)
	assert.Len(t, gotCats, 1)
	assert.Len(t, gotChans, 1)

	stats, err := db.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats["import_history_count"])
}

func TestFixHistory(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i, action := range []types.ActionKind{types.ActionSoftKick, types.ActionHardReconnect, types.ActionResync} {
		require.NoError(t, db.RecordFix(ctx, types.FixAttempt{
			Channel:  "News",
			At:       base.Add(time.Duration(i) * time.Minute),
			Finished: base.Add(time.Duration(i)*time.Minute + time.Second),
			Trigger:  types.SignalPositionFrozen,
			Action:   action,
			Outcome:  types.OutcomeSucceeded,
			Manual:   i == 2,
		}))
	}

	fixes, err := db.RecentFixes(ctx, 2)
	require.NoError(t, err)
	require.Len(t, fixes, 2)
	assert.Equal(t, "resync", fixes[0].Action)
	assert.True(t, fixes[0].Manual)
	assert.Equal(t, "position_frozen", fixes[1].Trigger)

	n, err := db.PruneFixes(ctx, base.Add(90*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
