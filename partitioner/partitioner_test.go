package partitioner

import (
	"testing"
	"time"

	"github.com/aclowes/ducklake/lake_types"
	"github.com/aclowes/ducklake/table"
)

func TestToDay(t *testing.T) {
	f := Functions[table.Day]

	day, err := f(time.Date(2022, 1, 24, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if day != "24" {
		t.Fatal("mismatched date for time")
	}

	day, err = f("2022-12-30T13:20:08.279Z")
	if err != nil {
		t.Fatal(err)
	}
	if day != "30" {
		t.Fatal("mismatched date for t string")
	}

	_, err = f(1672406408279)
	if err == nil {
		t.Fatal("did not get invalid col type")
	}
}

func TestGetRowPartition(t *testing.T) {
	s := &table.Schema{
		Columns: []table.Column{
			{Name: "ts", Type: lake_types.Of(lake_types.Timestamp)},
			{Name: "region", Type: lake_types.Of(lake_types.Varchar)},
		},
		PartitionBy: []table.PartitionField{
			{Transform: table.Year, ColumnIndex: 0},
			{Transform: table.Month, ColumnIndex: 0},
			{Transform: table.Identity, ColumnIndex: 1},
		},
	}

	vals, err := GetRowPartition(s, []any{time.Date(2024, 3, 9, 4, 0, 0, 0, time.UTC), "us east"})
	if err != nil {
		t.Fatal(err)
	}
	if p := Path(vals); p != "ts_year=2024/ts_month=3/region=us%20east" {
		t.Fatalf("unexpected path %s", p)
	}

	vals, err = GetRowPartition(s, []any{time.Date(2024, 3, 9, 4, 0, 0, 0, time.UTC), nil})
	if err != nil {
		t.Fatal(err)
	}
	m := ValueMap(vals)
	if m["region"] != NullValue {
		t.Fatal("expected null partition value")
	}
	if m["ts_year"] != "2024" || m["ts_month"] != "3" {
		t.Fatalf("unexpected partition values %v", m)
	}

	// the same transform on two columns keeps both values
	two := &table.Schema{
		Columns: []table.Column{
			{Name: "created", Type: lake_types.Of(lake_types.Timestamp)},
			{Name: "shipped", Type: lake_types.Of(lake_types.Date)},
		},
		PartitionBy: []table.PartitionField{
			{Transform: table.Year, ColumnIndex: 0},
			{Transform: table.Year, ColumnIndex: 1},
		},
	}
	vals, err = GetRowPartition(two, []any{time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)})
	if err != nil {
		t.Fatal(err)
	}
	if m := ValueMap(vals); len(m) != 2 || m["created_year"] != "2023" || m["shipped_year"] != "2024" {
		t.Fatalf("unexpected partition values %v", m)
	}

	vals, err = GetRowPartition(&table.Schema{Columns: s.Columns}, []any{nil, nil})
	if err != nil {
		t.Fatal(err)
	}
	if Path(vals) != "" {
		t.Fatal("unpartitioned table should have an empty path")
	}
}
