package operators

import (
	"context"
	"fmt"

	"github.com/RoaringBitmap/roaring"
	"github.com/aclowes/ducklake/delete_map"
	"github.com/aclowes/ducklake/lake_types"
	"github.com/aclowes/ducklake/parquet_accumulator"
	"github.com/aclowes/ducklake/part"
	"github.com/aclowes/ducklake/table"
	"github.com/aclowes/ducklake/transaction"
	"golang.org/x/sync/errgroup"
)

// ScanTypes are the column types of scan output: the table's columns, then
// the row reference.
func ScanTypes(s *table.Schema) []lake_types.LogicalType {
	return append(s.Types(), table.RefColumns()...)
}

// Scan reads the live rows of every data file of the transaction's table
// that match pred.
func Scan(ctx context.Context, tx *transaction.Transaction, pred *Predicate, dm *delete_map.DeleteMap, threads int) ([]*table.Chunk, error) {
	return ScanFiles(ctx, tx, tx.DataFiles(), pred, dm, threads)
}

// ScanFiles is Scan restricted to files. Rows deleted by a committed delete
// file or by dm are skipped. Output keeps file order, then row order.
func ScanFiles(ctx context.Context, tx *transaction.Transaction, files []part.DataFile, pred *Predicate, dm *delete_map.DeleteMap, threads int) ([]*table.Chunk, error) {
	if threads < 1 {
		threads = 1
	}
	results := make([][][]any, len(files))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(threads)
	for i, df := range files {
		i, df := i, df
		eg.Go(func() error {
			rows, err := scanFile(egCtx, tx, df, pred, dm)
			if err != nil {
				return fmt.Errorf("error scanning %s: %w", df.Path, err)
			}
			results[i] = rows
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	var rows [][]any
	for _, r := range results {
		rows = append(rows, r...)
	}
	return table.SplitRows(ScanTypes(tx.Table), rows), nil
}

func scanFile(ctx context.Context, tx *transaction.Transaction, df part.DataFile, pred *Predicate, dm *delete_map.DeleteMap) ([][]any, error) {
	cols := tx.Table.Columns
	fileCols := append([]table.Column(nil), cols...)
	if df.HasRowIDColumn {
		fileCols = append(fileCols, table.Column{Name: table.RowIDColumnName, Type: lake_types.Of(lake_types.BigInt)})
	}
	pa, err := parquet_accumulator.ForColumns(fileCols)
	if err != nil {
		return nil, fmt.Errorf("error in ForColumns: %w", err)
	}
	b, err := tx.DataStore.ReadFile(ctx, df.Path)
	if err != nil {
		return nil, fmt.Errorf("error in ReadFile: %w", err)
	}
	fileRows, err := pa.ReadRows(b)
	if err != nil {
		return nil, fmt.Errorf("error in ReadRows: %w", err)
	}

	deleted, err := deletedRows(ctx, tx, df, dm)
	if err != nil {
		return nil, err
	}

	var out [][]any
	for pos, row := range fileRows {
		if deleted != nil && deleted.Contains(uint32(pos)) {
			continue
		}
		rowID := df.FileRowID(int64(pos))
		if df.HasRowIDColumn {
			id, ok := row[len(cols)].(int64)
			if !ok {
				return nil, fmt.Errorf("row %d has no row id", pos)
			}
			rowID = id
		}
		values := row[:len(cols)]
		match, err := pred.Match(values, rowID)
		if err != nil {
			return nil, fmt.Errorf("error evaluating row %d: %w", pos, err)
		}
		if !match {
			continue
		}
		ref := table.RowRef{FilePath: df.Path, FileRow: uint64(pos), RowID: rowID}
		out = append(out, append(append(make([]any, 0, len(cols)+3), values...), ref.Values()...))
	}
	return out, nil
}

// deletedRows is the transaction's delete vector for the file if it has one,
// else its committed delete file.
func deletedRows(ctx context.Context, tx *transaction.Transaction, df part.DataFile, dm *delete_map.DeleteMap) (*roaring.Bitmap, error) {
	if dm != nil {
		if bm := dm.GetVector(df.Path); bm != nil {
			return bm, nil
		}
	}
	del, ok := tx.DeleteFileFor(df.ID)
	if !ok {
		return nil, nil
	}
	bm, err := ReadDeleteFile(ctx, tx.DataStore, del.Path)
	if err != nil {
		return nil, fmt.Errorf("error reading delete file %s: %w", del.Path, err)
	}
	return bm, nil
}
