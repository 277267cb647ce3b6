package cleanup

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aclowes/ducklake/datastore"
	"github.com/aclowes/ducklake/lake_types"
	"github.com/aclowes/ducklake/metastore"
	"github.com/aclowes/ducklake/part"
	"github.com/aclowes/ducklake/table"
	"github.com/aclowes/ducklake/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBind(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	week := Config{OrphanFileDeleteOlderThan: 7 * 24 * time.Hour}

	_, err := Bind(part.CleanupOldFiles, Options{OlderThan: &past, CleanupAll: true}, Config{}, now)
	assert.ErrorIs(t, err, ErrInvalidCleanupFilter)
	assert.True(t, utils.IsUser(err))

	_, err = Bind(part.CleanupOldFiles, Options{}, week, now)
	assert.ErrorIs(t, err, ErrInvalidCleanupFilter, "the default only applies to orphans")

	_, err = Bind(part.CleanupOrphanedFiles, Options{}, Config{}, now)
	assert.ErrorIs(t, err, ErrInvalidCleanupFilter)

	b, err := Bind(part.CleanupOrphanedFiles, Options{DryRun: true}, week, now)
	require.NoError(t, err)
	require.NotNil(t, b.Cutoff)
	assert.Equal(t, now.Add(-7*24*time.Hour), *b.Cutoff)
	assert.True(t, b.DryRun)

	b, err = Bind(part.CleanupOldFiles, Options{CleanupAll: true}, Config{}, now)
	require.NoError(t, err)
	assert.Nil(t, b.Cutoff)

	b, err = Bind(part.CleanupOldFiles, Options{OlderThan: &past}, Config{}, now)
	require.NoError(t, err)
	assert.Equal(t, past, *b.Cutoff)

	_, err = Bind(part.CleanupType(7), Options{CleanupAll: true}, Config{}, now)
	assert.ErrorIs(t, err, ErrUnknownCleanupType)
	assert.True(t, utils.IsInternal(err))
}

func setup(t *testing.T) (*metastore.MemoryMetaStore, *datastore.DiskDataStore, *table.Schema) {
	t.Helper()
	ms := metastore.NewMemoryMetaStore()
	ds, err := datastore.NewDiskDataStore(t.TempDir())
	require.NoError(t, err)
	s, err := ms.CreateTable(context.Background(), table.Schema{
		Name:    "events",
		Columns: []table.Column{{Name: "id", Type: lake_types.Of(lake_types.BigInt)}},
	})
	require.NoError(t, err)
	return ms, ds, s
}

func TestCleanupOldFiles(t *testing.T) {
	ctx := context.Background()
	ms, ds, s := setup(t)
	t0 := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	for i, p := range []string{"events/a.parquet", "events/b.parquet"} {
		require.NoError(t, ds.WriteFile(ctx, p, []byte("x")))
		at := t0.Add(time.Duration(i) * 2 * time.Hour)
		ms.SetClock(func() time.Time { return at })
		require.NoError(t, ms.Commit(ctx, metastore.ChangeSet{TableID: s.ID, ScheduleForDeletion: []string{p}}))
	}

	r := &Reclaimer{MetaStore: ms, DataStore: ds}

	// dry run touches nothing
	res, err := r.Run(ctx, part.CleanupOldFiles, Options{CleanupAll: true, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"events/a.parquet", "events/b.parquet"}, res.Paths())
	scheduled, err := ms.ListFilesScheduledForCleanup(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, scheduled, 2)
	_, err = ds.ReadFile(ctx, "events/a.parquet")
	assert.NoError(t, err)

	cutoff := t0.Add(time.Hour)
	res, err = r.Run(ctx, part.CleanupOldFiles, Options{OlderThan: &cutoff})
	require.NoError(t, err)
	assert.Equal(t, []string{"events/a.parquet"}, res.Paths())

	_, err = ds.ReadFile(ctx, "events/a.parquet")
	assert.ErrorIs(t, err, datastore.ErrFileNotFound)
	_, err = ds.ReadFile(ctx, "events/b.parquet")
	assert.NoError(t, err)
	scheduled, err = ms.ListFilesScheduledForCleanup(ctx, nil)
	require.NoError(t, err)
	require.Len(t, scheduled, 1)
	assert.Equal(t, "events/b.parquet", scheduled[0].Path)
}

func TestCleanupOldFilesAlreadyRemoved(t *testing.T) {
	ctx := context.Background()
	ms, ds, s := setup(t)
	require.NoError(t, ms.Commit(ctx, metastore.ChangeSet{TableID: s.ID, ScheduleForDeletion: []string{"events/gone.parquet"}}))

	r := &Reclaimer{MetaStore: ms, DataStore: ds}
	res, err := r.Run(ctx, part.CleanupOldFiles, Options{CleanupAll: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"events/gone.parquet"}, res.Paths())

	scheduled, err := ms.ListFilesScheduledForCleanup(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, scheduled)
}

func TestDeleteOrphanedFiles(t *testing.T) {
	ctx := context.Background()
	ms, ds, s := setup(t)

	require.NoError(t, ms.Commit(ctx, metastore.ChangeSet{
		TableID:             s.ID,
		NewDataFiles:        []part.DataFile{{ID: "df_live", Path: "events/live.parquet", RecordCount: 1}},
		ScheduleForDeletion: []string{"events/old.parquet"},
	}))
	for _, p := range []string{"events/live.parquet", "events/old.parquet", "events/orphan.parquet"} {
		require.NoError(t, ds.WriteFile(ctx, p, []byte("x")))
	}
	before, err := ms.ListFilesScheduledForCleanup(ctx, nil)
	require.NoError(t, err)

	r := &Reclaimer{MetaStore: ms, DataStore: ds, Config: Config{OrphanFileDeleteOlderThan: time.Hour}}

	// everything was just written, so the default retention keeps it
	res, err := r.Run(ctx, part.CleanupOrphanedFiles, Options{})
	require.NoError(t, err)
	assert.Empty(t, res.Paths())

	res, err = r.Run(ctx, part.CleanupOrphanedFiles, Options{CleanupAll: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"events/orphan.parquet"}, res.Paths())

	_, err = ds.ReadFile(ctx, "events/orphan.parquet")
	assert.ErrorIs(t, err, datastore.ErrFileNotFound)
	_, err = ds.ReadFile(ctx, "events/live.parquet")
	assert.NoError(t, err)

	after, err := ms.ListFilesScheduledForCleanup(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestResultBatches(t *testing.T) {
	res := &Result{}
	for i := 0; i < table.VectorSize+5; i++ {
		res.Files = append(res.Files, part.FileForCleanup{Path: fmt.Sprintf("f%05d", i)})
	}
	assert.Len(t, res.Next(), table.VectorSize)
	last := res.Next()
	assert.Len(t, last, 5)
	assert.Equal(t, fmt.Sprintf("f%05d", table.VectorSize+4), last[4])
	assert.Nil(t, res.Next())
}
