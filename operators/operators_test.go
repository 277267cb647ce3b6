package operators

import (
	"context"
	"testing"

	"github.com/RoaringBitmap/roaring"
	"github.com/aclowes/ducklake/datastore"
	"github.com/aclowes/ducklake/delete_map"
	"github.com/aclowes/ducklake/lake_types"
	"github.com/aclowes/ducklake/metastore"
	"github.com/aclowes/ducklake/pipeline"
	"github.com/aclowes/ducklake/table"
	"github.com/aclowes/ducklake/transaction"
	"github.com/aclowes/ducklake/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testLake struct {
	ms *metastore.MemoryMetaStore
	ds *datastore.DiskDataStore
}

func newTestLake(t *testing.T) *testLake {
	t.Helper()
	ds, err := datastore.NewDiskDataStore(t.TempDir())
	require.NoError(t, err)
	ms := metastore.NewMemoryMetaStore()
	_, err = ms.CreateTable(context.Background(), table.Schema{
		Name: "events",
		Columns: []table.Column{
			{Name: "id", Type: lake_types.Of(lake_types.BigInt)},
			{Name: "name", Type: lake_types.Of(lake_types.Varchar)},
		},
	})
	require.NoError(t, err)
	return &testLake{ms: ms, ds: ds}
}

func (tl *testLake) begin(t *testing.T) *transaction.Transaction {
	t.Helper()
	tx, err := transaction.Begin(context.Background(), tl.ms, tl.ds, "events")
	require.NoError(t, err)
	return tx
}

// insert commits rows as a single data file.
func (tl *testLake) insert(t *testing.T, rows [][]any) {
	t.Helper()
	ctx := context.Background()
	tx := tl.begin(t)
	copyOp := NewCopyOperator(tx, false)
	g, err := pipeline.Execute(ctx, copyOp, table.SplitRows(copyOp.InputTypes(), rows), 2)
	require.NoError(t, err)
	insertOp := NewInsertOperator(tx)
	ig, err := pipeline.Replay(ctx, copyOp, g, insertOp)
	require.NoError(t, err)
	n, err := CountResult(ctx, insertOp, ig)
	require.NoError(t, err)
	assert.Equal(t, int64(len(rows)), n)
	require.NoError(t, tx.Commit(ctx))
}

func TestPredicate(t *testing.T) {
	cols := []table.Column{
		{Name: "id", Type: lake_types.Of(lake_types.BigInt)},
		{Name: "name", Type: lake_types.Of(lake_types.Varchar)},
	}

	p, err := CompilePredicate(cols, "")
	require.NoError(t, err)
	assert.Nil(t, p)
	match, err := p.Match([]any{int64(1), "a"}, 0)
	require.NoError(t, err)
	assert.True(t, match)

	p, err = CompilePredicate(cols, `id > 1 && name startsWith "b"`)
	require.NoError(t, err)
	match, err = p.Match([]any{int64(2), "bob"}, 0)
	require.NoError(t, err)
	assert.True(t, match)
	match, err = p.Match([]any{int64(2), "alice"}, 0)
	require.NoError(t, err)
	assert.False(t, match)

	p, err = CompilePredicate(cols, "rowid == 7")
	require.NoError(t, err)
	match, err = p.Match([]any{int64(2), "bob"}, 7)
	require.NoError(t, err)
	assert.True(t, match)

	for _, bad := range []string{"id + 1", "missing == 1", "id =="} {
		_, err = CompilePredicate(cols, bad)
		assert.ErrorIs(t, err, ErrInvalidExpression, bad)
		assert.True(t, utils.IsUser(err), bad)
	}
}

func TestDeleteFileRoundTrip(t *testing.T) {
	ctx := context.Background()
	ds, err := datastore.NewDiskDataStore(t.TempDir())
	require.NoError(t, err)

	bm := roaring.BitmapOf(0, 3, 7, 100000)
	b, err := EncodeDeleteFile("events/a.parquet", bm)
	require.NoError(t, err)
	require.NoError(t, ds.WriteFile(ctx, "events/a-delete.parquet", b))

	read, err := ReadDeleteFile(ctx, ds, "events/a-delete.parquet")
	require.NoError(t, err)
	assert.True(t, bm.Equals(read))
}

func TestScanAppendsRowReference(t *testing.T) {
	ctx := context.Background()
	tl := newTestLake(t)
	tl.insert(t, [][]any{{1, "a"}, {2, "b"}, {3, "c"}})

	tx := tl.begin(t)
	pred, err := CompilePredicate(tx.Table.Columns, "id != 2")
	require.NoError(t, err)
	chunks, err := Scan(ctx, tx, pred, nil, 2)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.Len(t, chunks[0].Rows, 2)
	assert.Len(t, chunks[0].Types, 5)

	path := tx.DataFiles()[0].Path
	assert.Equal(t, []any{int64(1), "a", path, uint64(0), int64(0)}, chunks[0].Rows[0])
	assert.Equal(t, []any{int64(3), "c", path, uint64(2), int64(2)}, chunks[0].Rows[1])

	// the transaction's own deletes are visible to it
	dm := delete_map.New()
	dm.MergeVector(path, roaring.BitmapOf(0))
	chunks, err = Scan(ctx, tx, pred, dm, 2)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.Len(t, chunks[0].Rows, 1)
	assert.Equal(t, int64(3), chunks[0].Rows[0][0])
}

func deleteChunk(path string, rows ...uint64) *table.Chunk {
	chunk := table.NewChunk(table.RefColumns())
	for _, r := range rows {
		_ = chunk.Append(table.RowRef{FilePath: path, FileRow: r, RowID: int64(r)}.Values())
	}
	return chunk
}

func TestDeleteOperatorDuplicates(t *testing.T) {
	ctx := context.Background()
	tl := newTestLake(t)
	tl.insert(t, [][]any{{1, "a"}, {2, "b"}, {3, "c"}})

	t.Run("same chunk", func(t *testing.T) {
		tx := tl.begin(t)
		path := tx.DataFiles()[0].Path
		op := NewDeleteOperator(tx, delete_map.New(), false)
		_, err := pipeline.Execute(ctx, op, []*table.Chunk{deleteChunk(path, 1, 1)}, 1)
		assert.ErrorIs(t, err, ErrDuplicateDelete)
		assert.True(t, utils.IsInternal(err))
	})

	t.Run("across workers", func(t *testing.T) {
		tx := tl.begin(t)
		path := tx.DataFiles()[0].Path
		op := NewDeleteOperator(tx, delete_map.New(), false)
		_, err := pipeline.Execute(ctx, op, []*table.Chunk{deleteChunk(path, 1), deleteChunk(path, 1)}, 2)
		assert.ErrorIs(t, err, ErrDuplicateDelete)
	})

	t.Run("allowed", func(t *testing.T) {
		tx := tl.begin(t)
		path := tx.DataFiles()[0].Path
		op := NewDeleteOperator(tx, delete_map.New(), true)
		g, err := pipeline.Execute(ctx, op, []*table.Chunk{deleteChunk(path, 1, 1), deleteChunk(path, 1)}, 2)
		require.NoError(t, err)
		n, err := CountResult(ctx, op, g)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		tx.Rollback(ctx)
	})

	t.Run("unknown file", func(t *testing.T) {
		tx := tl.begin(t)
		op := NewDeleteOperator(tx, delete_map.New(), true)
		_, err := pipeline.Execute(ctx, op, []*table.Chunk{deleteChunk("events/nope.parquet", 0)}, 1)
		assert.ErrorIs(t, err, ErrUnknownDataFile)
	})
}

func TestDeleteOperatorFlush(t *testing.T) {
	ctx := context.Background()
	tl := newTestLake(t)
	tl.insert(t, [][]any{{1, "a"}, {2, "b"}, {3, "c"}})
	tl.insert(t, [][]any{{4, "d"}})

	tx := tl.begin(t)
	files := tx.DataFiles()
	require.Len(t, files, 2)
	big, small := files[0], files[1]
	if big.RecordCount == 1 {
		big, small = small, big
	}

	dm := delete_map.New()
	op := NewDeleteOperator(tx, dm, false)
	op.FlushParallelism = 1
	g, err := pipeline.Execute(ctx, op, []*table.Chunk{deleteChunk(big.Path, 0, 2), deleteChunk(small.Path, 0)}, 2)
	require.NoError(t, err)
	n, err := CountResult(ctx, op, g)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	cs := tx.ChangeSet()
	assert.Equal(t, []string{small.ID}, cs.DroppedDataFiles)
	require.Len(t, cs.NewDeleteFiles, 1)
	assert.Equal(t, big.ID, cs.NewDeleteFiles[0].DataFileID)
	assert.Equal(t, int64(2), cs.NewDeleteFiles[0].DeleteCount)

	// the dropped file's vector is gone, the kept one holds the merge
	assert.Nil(t, dm.GetVector(small.Path))
	assert.True(t, roaring.BitmapOf(0, 2).Equals(dm.GetVector(big.Path)))

	written, err := ReadDeleteFile(ctx, tl.ds, cs.NewDeleteFiles[0].Path)
	require.NoError(t, err)
	assert.True(t, roaring.BitmapOf(0, 2).Equals(written))

	require.NoError(t, tx.Commit(ctx))
}

func TestUpdateConservation(t *testing.T) {
	ctx := context.Background()
	tl := newTestLake(t)
	var rows [][]any
	for i := 0; i < table.VectorSize+10; i++ {
		rows = append(rows, []any{i, "x"})
	}
	tl.insert(t, rows)

	identities := func() map[int64]int64 {
		tx := tl.begin(t)
		chunks, err := Scan(ctx, tx, nil, nil, 4)
		require.NoError(t, err)
		ids := map[int64]int64{}
		for _, chunk := range chunks {
			for _, row := range chunk.Rows {
				ref, err := table.RefFromRow(row)
				require.NoError(t, err)
				ids[row[0].(int64)] = ref.RowID
			}
		}
		return ids
	}
	before := identities()
	require.Len(t, before, len(rows))

	tx := tl.begin(t)
	dm := delete_map.New()
	op, err := PlanUpdate(tx, dm, UpdateStatement{Set: map[string]string{"name": `name + "y"`}})
	require.NoError(t, err)
	chunks, err := Scan(ctx, tx, op.Filter, dm, 4)
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	g, err := pipeline.Execute(ctx, op, chunks, 4)
	require.NoError(t, err)
	n, err := CountResult(ctx, op, g)
	require.NoError(t, err)
	assert.Equal(t, int64(len(rows)), n)

	cs := tx.ChangeSet()
	var registered int64
	for _, df := range cs.NewDataFiles {
		assert.True(t, df.HasRowIDColumn)
		registered += df.RecordCount
	}
	assert.Equal(t, int64(len(rows)), registered)
	assert.Len(t, cs.DroppedDataFiles, 1)
	assert.Empty(t, cs.NewDeleteFiles)
	require.NoError(t, tx.Commit(ctx))

	assert.Equal(t, before, identities())
	tx = tl.begin(t)
	chunks, err = Scan(ctx, tx, nil, nil, 4)
	require.NoError(t, err)
	for _, chunk := range chunks {
		for _, row := range chunk.Rows {
			assert.Equal(t, "xy", row[1])
		}
	}
}

func TestPlanUpdateRejects(t *testing.T) {
	tl := newTestLake(t)
	tx := tl.begin(t)
	dm := delete_map.New()

	for _, stmt := range []UpdateStatement{
		{Set: map[string]string{"name": `"a"`}, Returning: true},
		{Set: map[string]string{"name": " DEFAULT "}},
		{},
	} {
		_, err := PlanUpdate(tx, dm, stmt)
		assert.ErrorIs(t, err, ErrUnsupportedUpdate)
		assert.True(t, utils.IsUser(err))
	}

	_, err := PlanUpdate(tx, dm, UpdateStatement{Set: map[string]string{"name": `"a"`}, Where: "id +"})
	assert.ErrorIs(t, err, ErrInvalidExpression)
}
