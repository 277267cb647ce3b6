package table

import (
	"testing"

	"github.com/aclowes/ducklake/lake_types"
	"github.com/stretchr/testify/assert"
)

func TestValidatePartitionFields(t *testing.T) {
	cols := []Column{
		{Name: "ts", Type: lake_types.Of(lake_types.TimestampTZ)},
		{Name: "day", Type: lake_types.Of(lake_types.Date)},
		{Name: "region", Type: lake_types.Of(lake_types.Varchar)},
		{Name: "ts_year", Type: lake_types.Of(lake_types.BigInt)},
	}
	tests := []struct {
		name   string
		fields []PartitionField
		err    error
	}{
		{"identity on any column", []PartitionField{{Identity, 2}, {Identity, 3}}, nil},
		{"time transforms on temporal columns", []PartitionField{{Year, 0}, {Hour, 0}, {Year, 1}, {Day, 1}}, nil},
		{"year of varchar", []PartitionField{{Year, 2}}, ErrInvalidPartition},
		{"month of bigint", []PartitionField{{Month, 3}}, ErrInvalidPartition},
		{"unknown transform", []PartitionField{{Transform: "bucket", ColumnIndex: 2}}, ErrInvalidPartition},
		{"same field twice", []PartitionField{{Day, 0}, {Day, 0}}, ErrInvalidPartition},
		{"key taken by a column", []PartitionField{{Year, 0}, {Identity, 3}}, ErrInvalidPartition},
		{"column out of range", []PartitionField{{Identity, 4}}, ErrColumnNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Schema{Name: "events", Columns: cols, PartitionBy: tt.fields}
			err := s.Validate()
			if tt.err == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.err)
			}
		})
	}
}

func TestPartitionKey(t *testing.T) {
	s := &Schema{Columns: []Column{
		{Name: "ts", Type: lake_types.Of(lake_types.Timestamp)},
		{Name: "region", Type: lake_types.Of(lake_types.Varchar)},
	}}
	assert.Equal(t, "region", s.PartitionKey(PartitionField{Transform: Identity, ColumnIndex: 1}))
	assert.Equal(t, "ts_month", s.PartitionKey(PartitionField{Transform: Month, ColumnIndex: 0}))
}
