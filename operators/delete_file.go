package operators

import (
	"context"
	"fmt"
	"math"

	"github.com/RoaringBitmap/roaring"
	"github.com/aclowes/ducklake/datastore"
	"github.com/aclowes/ducklake/lake_types"
	"github.com/aclowes/ducklake/parquet_accumulator"
	"github.com/aclowes/ducklake/table"
)

// deleteFileColumns is the layout of a delete file: one row per deleted
// position of the data file.
var deleteFileColumns = []table.Column{
	{Name: "file_path", Type: lake_types.Of(lake_types.Varchar)},
	{Name: "pos", Type: lake_types.Of(lake_types.BigInt)},
}

// EncodeDeleteFile writes the positions of a delete vector as a parquet
// delete file.
func EncodeDeleteFile(dataFilePath string, rows *roaring.Bitmap) ([]byte, error) {
	pa, err := parquet_accumulator.ForColumns(deleteFileColumns)
	if err != nil {
		return nil, fmt.Errorf("error in ForColumns: %w", err)
	}
	out := make([][]any, 0, rows.GetCardinality())
	it := rows.Iterator()
	for it.HasNext() {
		out = append(out, []any{dataFilePath, int64(it.Next())})
	}
	b, err := pa.EncodeRows(out)
	if err != nil {
		return nil, fmt.Errorf("error in EncodeRows: %w", err)
	}
	return b, nil
}

// ReadDeleteFile loads a delete file back into a delete vector.
func ReadDeleteFile(ctx context.Context, ds datastore.DataStore, p string) (*roaring.Bitmap, error) {
	b, err := ds.ReadFile(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("error in ReadFile: %w", err)
	}
	pa, err := parquet_accumulator.ForColumns(deleteFileColumns)
	if err != nil {
		return nil, fmt.Errorf("error in ForColumns: %w", err)
	}
	rows, err := pa.ReadRows(b)
	if err != nil {
		return nil, fmt.Errorf("error in ReadRows: %w", err)
	}
	bm := roaring.New()
	for _, row := range rows {
		pos, ok := row[1].(int64)
		if !ok || pos < 0 || pos > math.MaxUint32 {
			return nil, fmt.Errorf("malformed delete file %s: position %v", p, row[1])
		}
		bm.Add(uint32(pos))
	}
	return bm, nil
}
