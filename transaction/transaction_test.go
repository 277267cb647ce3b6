package transaction

import (
	"context"
	"testing"

	"github.com/aclowes/ducklake/datastore"
	"github.com/aclowes/ducklake/lake_types"
	"github.com/aclowes/ducklake/metastore"
	"github.com/aclowes/ducklake/part"
	"github.com/aclowes/ducklake/table"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*metastore.MemoryMetaStore, *datastore.DiskDataStore) {
	t.Helper()
	ds, err := datastore.NewDiskDataStore(t.TempDir())
	require.NoError(t, err)
	ms := metastore.NewMemoryMetaStore()
	_, err = ms.CreateTable(context.Background(), table.Schema{
		Name:    "events",
		Columns: []table.Column{{Name: "id", Type: lake_types.Of(lake_types.BigInt)}},
	})
	require.NoError(t, err)
	return ms, ds
}

func TestBeginMissingTable(t *testing.T) {
	ms, ds := setup(t)
	_, err := Begin(context.Background(), ms, ds, "nope")
	assert.ErrorIs(t, err, metastore.ErrTableNotFound)
}

func TestCommitAssignsRowIDs(t *testing.T) {
	ctx := context.Background()
	ms, ds := setup(t)

	tx, err := Begin(ctx, ms, ds, "events")
	require.NoError(t, err)
	tx.AddDataFiles([]part.DataFile{
		{ID: "a", Path: "events/a.parquet", RecordCount: 10},
		{ID: "b", Path: "events/b.parquet", RecordCount: 5, HasRowIDColumn: true, RowIDStart: 2},
		{ID: "c", Path: "events/c.parquet", RecordCount: 3},
	})
	cs := tx.ChangeSet()
	assert.Equal(t, int64(13), cs.NextRowID)
	assert.Equal(t, int64(0), cs.NewDataFiles[0].RowIDStart)
	assert.Equal(t, int64(2), cs.NewDataFiles[1].RowIDStart)
	assert.Equal(t, int64(10), cs.NewDataFiles[2].RowIDStart)
	require.NoError(t, tx.Commit(ctx))

	tx, err = Begin(ctx, ms, ds, "events")
	require.NoError(t, err)
	assert.Equal(t, int64(13), tx.Table.NextRowID)
	assert.Len(t, tx.DataFiles(), 3)

	df, ok := tx.DataFile("events/a.parquet")
	require.True(t, ok)
	tx.DropDataFile(df)
	_, ok = tx.DataFile("events/a.parquet")
	assert.False(t, ok)
	assert.Len(t, tx.DataFiles(), 2)
}

func TestDeleteFileSupersededInTransaction(t *testing.T) {
	ctx := context.Background()
	ms, ds := setup(t)
	tx, err := Begin(ctx, ms, ds, "events")
	require.NoError(t, err)

	tx.AddDeleteFile(part.DeleteFile{ID: "d1", DataFileID: "a", Path: "events/d1.parquet"})
	tx.AddDeleteFile(part.DeleteFile{ID: "d2", DataFileID: "a", Path: "events/d2.parquet"})
	cs := tx.ChangeSet()
	require.Len(t, cs.NewDeleteFiles, 1)
	assert.Equal(t, "d2", cs.NewDeleteFiles[0].ID)
	assert.Equal(t, []string{"events/d1.parquet"}, cs.ScheduleForDeletion)
	// no delete file was committed for a when the transaction began
	assert.Equal(t, map[string]string{"a": ""}, cs.BaseDeleteFiles)
}

func TestRollbackRemovesWrittenFiles(t *testing.T) {
	ctx := context.Background()
	ms, ds := setup(t)
	tx, err := Begin(ctx, ms, ds, "events")
	require.NoError(t, err)

	p := tx.NewDataFilePath("")
	require.NoError(t, tx.WriteFile(ctx, p, []byte("x")))
	_, err = ds.ReadFile(ctx, p)
	require.NoError(t, err)

	tx.Rollback(ctx)
	_, err = ds.ReadFile(ctx, p)
	assert.ErrorIs(t, err, datastore.ErrFileNotFound)
}

func TestFailedCommitRollsBack(t *testing.T) {
	ctx := context.Background()
	ms, ds := setup(t)
	tx, err := Begin(ctx, ms, ds, "events")
	require.NoError(t, err)

	p := tx.NewDeleteFilePath(part.DataFile{})
	require.NoError(t, tx.WriteFile(ctx, p, []byte("x")))
	// the target data file does not exist
	tx.AddDeleteFile(part.DeleteFile{ID: "d1", DataFileID: "missing", Path: p})

	err = tx.Commit(ctx)
	assert.ErrorIs(t, err, metastore.ErrConflict)
	_, err = ds.ReadFile(ctx, p)
	assert.ErrorIs(t, err, datastore.ErrFileNotFound)
}

func TestCommittedTransactionKeepsFiles(t *testing.T) {
	ctx := context.Background()
	ms, ds := setup(t)
	tx, err := Begin(ctx, ms, ds, "events")
	require.NoError(t, err)

	p := tx.NewDataFilePath("")
	require.NoError(t, tx.WriteFile(ctx, p, []byte("x")))
	tx.AddDataFiles([]part.DataFile{{ID: "a", Path: p, RecordCount: 1}})
	require.NoError(t, tx.Commit(ctx))

	tx.Rollback(ctx)
	_, err = ds.ReadFile(ctx, p)
	assert.NoError(t, err)
}
