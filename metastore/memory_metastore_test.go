package metastore

import (
	"context"
	"testing"

	"github.com/aclowes/ducklake/lake_types"
	"github.com/aclowes/ducklake/part"
	"github.com/aclowes/ducklake/table"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEvents(t *testing.T) (*MemoryMetaStore, *table.Schema) {
	t.Helper()
	ms := NewMemoryMetaStore()
	s, err := ms.CreateTable(context.Background(), table.Schema{
		Name:    "events",
		Columns: []table.Column{{Name: "id", Type: lake_types.Of(lake_types.BigInt)}},
	})
	require.NoError(t, err)
	return ms, s
}

func TestCommitMovesRowIDs(t *testing.T) {
	ctx := context.Background()
	ms, s := newEvents(t)

	// both change sets were built against a counter of 0
	require.NoError(t, ms.Commit(ctx, ChangeSet{
		TableID:      s.ID,
		NextRowID:    4,
		NewDataFiles: []part.DataFile{{ID: "a", Path: "events/a.parquet", RecordCount: 4}},
	}))
	require.NoError(t, ms.Commit(ctx, ChangeSet{
		TableID:   s.ID,
		NextRowID: 3,
		NewDataFiles: []part.DataFile{
			{ID: "b", Path: "events/b.parquet", RecordCount: 3},
			{ID: "c", Path: "events/c.parquet", RecordCount: 2, HasRowIDColumn: true, RowIDStart: 1},
		},
	}))

	got, err := ms.GetTable(ctx, "events")
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.NextRowID)

	files, err := ms.ListDataFiles(ctx, s.ID)
	require.NoError(t, err)
	starts := map[string]int64{}
	for _, df := range files {
		starts[df.ID] = df.RowIDStart
	}
	assert.Equal(t, map[string]int64{"a": 0, "b": 4, "c": 1}, starts)
}

func TestCommitDeleteFileConflict(t *testing.T) {
	ctx := context.Background()
	ms, s := newEvents(t)
	require.NoError(t, ms.Commit(ctx, ChangeSet{
		TableID:      s.ID,
		NextRowID:    2,
		NewDataFiles: []part.DataFile{{ID: "a", Path: "events/a.parquet", RecordCount: 2}},
	}))

	first := ChangeSet{
		TableID:         s.ID,
		BaseNextRowID:   2,
		NextRowID:       2,
		BaseDeleteFiles: map[string]string{"a": ""},
		NewDeleteFiles:  []part.DeleteFile{{ID: "d1", DataFileID: "a", Path: "events/d1.parquet", DeleteCount: 1}},
	}
	second := first
	second.NewDeleteFiles = []part.DeleteFile{{ID: "d2", DataFileID: "a", Path: "events/d2.parquet", DeleteCount: 1}}

	require.NoError(t, ms.Commit(ctx, first))
	assert.ErrorIs(t, ms.Commit(ctx, second), ErrConflict)

	dels, err := ms.ListDeleteFiles(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "d1", dels["a"].ID)

	// a change set that saw d1 may supersede it
	second.BaseDeleteFiles = map[string]string{"a": "d1"}
	require.NoError(t, ms.Commit(ctx, second))
	dels, err = ms.ListDeleteFiles(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "d2", dels["a"].ID)

	// dropping checks the same way
	assert.ErrorIs(t, ms.Commit(ctx, ChangeSet{
		TableID:          s.ID,
		BaseDeleteFiles:  map[string]string{"a": "d1"},
		DroppedDataFiles: []string{"a"},
	}), ErrConflict)
}
