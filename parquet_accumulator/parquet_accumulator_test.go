package parquet_accumulator

import (
	"testing"
	"time"

	"github.com/aclowes/ducklake/lake_types"
	"github.com/aclowes/ducklake/table"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testColumns() []table.Column {
	return []table.Column{
		{Name: "colA", Type: lake_types.Of(lake_types.Varchar)},
		{Name: "colB", Type: lake_types.Of(lake_types.Double)},
		{Name: "colC", Type: lake_types.NewList(lake_types.Of(lake_types.Varchar))},
	}
}

func TestGetSchemaString(t *testing.T) {
	a, err := ForColumns(testColumns())
	require.NoError(t, err)

	schemaString, err := a.GetSchemaString()
	require.NoError(t, err)
	assert.Equal(t, `{"Tag":"name=parquet_go_root, repetitiontype=REQUIRED","Fields":[{"Tag":"type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN, name=colA, repetitiontype=OPTIONAL"},{"Tag":"type=DOUBLE, name=colB, repetitiontype=OPTIONAL"},{"Tag":"type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN, name=colC, repetitiontype=OPTIONAL"}]}`, schemaString)

	err = a.AddColumn(table.Column{Name: "colA", Type: lake_types.Of(lake_types.BigInt)})
	assert.ErrorIs(t, err, ErrDuplicateColumn)
}

func TestFullCycle(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	cols := append(testColumns(),
		table.Column{Name: "ts", Type: lake_types.Of(lake_types.Timestamp)},
		table.Column{Name: table.RowIDColumnName, Type: lake_types.Of(lake_types.BigInt)},
	)
	a, err := ForColumns(cols)
	require.NoError(t, err)

	rows := [][]any{
		{"hey", 1.2, []any{"ho"}, ts, int64(7)},
		{nil, nil, nil, nil, int64(8)},
	}
	b, err := a.EncodeRows(rows)
	require.NoError(t, err)

	got, err := a.ReadRows(b)
	require.NoError(t, err)
	assert.Equal(t, rows, got)
}
