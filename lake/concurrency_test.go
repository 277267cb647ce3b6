package lake

import (
	"context"
	"testing"

	"github.com/aclowes/ducklake/metastore"
	"github.com/aclowes/ducklake/operators"
	"github.com/aclowes/ducklake/transaction"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func insertEvents(t *testing.T, dl *DuckLake) {
	t.Helper()
	_, err := dl.Insert(context.Background(), "events", [][]any{
		{1, "us", 1.5},
		{2, "us", 2.5},
		{3, "us", 3.5},
	})
	require.NoError(t, err)
}

func beginEvents(t *testing.T, dl *DuckLake) *transaction.Transaction {
	t.Helper()
	tx, err := dl.begin(context.Background(), "events")
	require.NoError(t, err)
	t.Cleanup(func() { tx.Rollback(context.Background()) })
	return tx
}

func TestConcurrentDeletesOnOneFile(t *testing.T) {
	ctx := context.Background()
	dl := newTestLake(t)
	createEvents(t, dl, false)
	insertEvents(t, dl)

	first := beginEvents(t, dl)
	second := beginEvents(t, dl)
	n, err := dl.deleteRows(ctx, first, "id == 1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = dl.deleteRows(ctx, second, "id == 2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, first.Commit(ctx))
	err = second.Commit(ctx)
	assert.ErrorIs(t, err, metastore.ErrConflict)
	assert.Equal(t, []int64{2, 3}, selectIDs(t, dl, ""))

	// running the statement again sees the first delete
	_, err = dl.Delete(ctx, "events", "id == 2")
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, selectIDs(t, dl, ""))
}

func TestConcurrentUpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	dl := newTestLake(t)
	createEvents(t, dl, false)
	insertEvents(t, dl)

	deleting := beginEvents(t, dl)
	updating := beginEvents(t, dl)
	_, err := dl.deleteRows(ctx, deleting, "id == 3")
	require.NoError(t, err)
	n, err := dl.updateRows(ctx, updating, operators.UpdateStatement{
		Set:   map[string]string{"value": "value * 10"},
		Where: "id == 1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, deleting.Commit(ctx))
	assert.ErrorIs(t, updating.Commit(ctx), metastore.ErrConflict)

	rows, err := dl.Select(ctx, "events", "")
	require.NoError(t, err)
	values := map[int64]float64{}
	for _, row := range rows {
		values[row[0].(int64)] = row[2].(float64)
	}
	assert.Equal(t, map[int64]float64{1: 1.5, 2: 2.5}, values)
}

func TestConcurrentDropAndDelete(t *testing.T) {
	ctx := context.Background()
	dl := newTestLake(t)
	createEvents(t, dl, false)
	insertEvents(t, dl)

	dropping := beginEvents(t, dl)
	deleting := beginEvents(t, dl)
	// deleting every row drops the file
	_, err := dl.deleteRows(ctx, dropping, "")
	require.NoError(t, err)
	_, err = dl.deleteRows(ctx, deleting, "id == 2")
	require.NoError(t, err)

	require.NoError(t, deleting.Commit(ctx))
	assert.ErrorIs(t, dropping.Commit(ctx), metastore.ErrConflict)
	assert.Equal(t, []int64{1, 3}, selectIDs(t, dl, ""))
}

func TestConcurrentInsertsGetDistinctRowIDs(t *testing.T) {
	ctx := context.Background()
	dl := newTestLake(t)
	createEvents(t, dl, false)

	first := beginEvents(t, dl)
	second := beginEvents(t, dl)
	_, err := dl.insertRows(ctx, first, [][]any{{1, "us", 1.5}})
	require.NoError(t, err)
	_, err = dl.insertRows(ctx, second, [][]any{{2, "us", 2.5}, {3, "us", 3.5}})
	require.NoError(t, err)

	require.NoError(t, second.Commit(ctx))
	require.NoError(t, first.Commit(ctx))

	ids := rowIDs(t, dl)
	require.Len(t, ids, 3)
	assert.Equal(t, int64(2), ids[1], "the later commit is numbered after the earlier one")
	assert.ElementsMatch(t, []int64{0, 1}, []int64{ids[2], ids[3]})

	s, err := dl.GetTable(ctx, "events")
	require.NoError(t, err)
	assert.Equal(t, int64(3), s.NextRowID)
}
