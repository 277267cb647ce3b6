package lake

import (
	"context"
	"fmt"
	"sort"

	"github.com/aclowes/ducklake/cleanup"
	"github.com/aclowes/ducklake/datastore"
	"github.com/aclowes/ducklake/delete_map"
	"github.com/aclowes/ducklake/gologger"
	"github.com/aclowes/ducklake/metastore"
	"github.com/aclowes/ducklake/operators"
	"github.com/aclowes/ducklake/part"
	"github.com/aclowes/ducklake/pipeline"
	"github.com/aclowes/ducklake/table"
	"github.com/aclowes/ducklake/transaction"
	"github.com/rs/zerolog"
)

var logger = gologger.NewLogger()

// DefaultMergeTargetRows is the row count under which a file is merged with
// its neighbours
const DefaultMergeTargetRows = 1_000_000

type (
	DuckLake struct {
		MetaStore metastore.MetaStore
		DataStore datastore.DataStore

		// Threads is the worker count of each statement
		Threads          int
		FlushParallelism int64
		Cleanup          cleanup.Config
	}

	MergeOptions struct {
		// TargetRows defaults to DefaultMergeTargetRows
		TargetRows int64 `json:"target_rows"`
	}

	MergeResult struct {
		FilesMerged  int `json:"files_merged"`
		FilesWritten int `json:"files_written"`
	}
)

func NewDuckLake(ms metastore.MetaStore, ds datastore.DataStore) *DuckLake {
	return &DuckLake{
		MetaStore:        ms,
		DataStore:        ds,
		Threads:          4,
		FlushParallelism: 8,
	}
}

// CreateTable registers a table. Every column type must have a storage
// mapping.
func (dl *DuckLake) CreateTable(ctx context.Context, name string, columns []table.Column, partitionBy []table.PartitionField) (*table.Schema, error) {
	s, err := dl.MetaStore.CreateTable(ctx, table.Schema{Name: name, Columns: columns, PartitionBy: partitionBy})
	if err != nil {
		return nil, fmt.Errorf("error in MetaStore.CreateTable: %w", err)
	}
	zerolog.Ctx(ctx).Debug().Str("table", s.Name).Str("tableID", s.ID).Msg("created table")
	return s, nil
}

func (dl *DuckLake) GetTable(ctx context.Context, name string) (*table.Schema, error) {
	return dl.MetaStore.GetTable(ctx, name)
}

func (dl *DuckLake) begin(ctx context.Context, tableName string) (*transaction.Transaction, error) {
	tx, err := transaction.Begin(ctx, dl.MetaStore, dl.DataStore, tableName)
	if err != nil {
		return nil, fmt.Errorf("error beginning transaction: %w", err)
	}
	return tx, nil
}

// Insert appends rows, given in column order, as new data files.
func (dl *DuckLake) Insert(ctx context.Context, tableName string, rows [][]any) (int64, error) {
	return dl.run(ctx, tableName, func(tx *transaction.Transaction) (int64, error) {
		return dl.insertRows(ctx, tx, rows)
	})
}

// Update rewrites the rows matching the statement's filter. It returns the
// number of rows updated.
func (dl *DuckLake) Update(ctx context.Context, tableName string, stmt operators.UpdateStatement) (int64, error) {
	return dl.run(ctx, tableName, func(tx *transaction.Transaction) (int64, error) {
		return dl.updateRows(ctx, tx, stmt)
	})
}

// Delete removes the rows matching where, every row when where is empty. It
// returns the number of rows deleted.
func (dl *DuckLake) Delete(ctx context.Context, tableName string, where string) (int64, error) {
	return dl.run(ctx, tableName, func(tx *transaction.Transaction) (int64, error) {
		return dl.deleteRows(ctx, tx, where)
	})
}

// run stages a statement in a new transaction and commits it. A commit that
// lost to a concurrent one fails with metastore.ErrConflict.
func (dl *DuckLake) run(ctx context.Context, tableName string, stage func(tx *transaction.Transaction) (int64, error)) (int64, error) {
	tx, err := dl.begin(ctx, tableName)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	count, err := stage(tx)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return count, nil
}

func (dl *DuckLake) insertRows(ctx context.Context, tx *transaction.Transaction, rows [][]any) (int64, error) {
	copyOp := operators.NewCopyOperator(tx, false)
	copyState, err := pipeline.Execute(ctx, copyOp, table.SplitRows(copyOp.InputTypes(), rows), dl.Threads)
	if err != nil {
		return 0, fmt.Errorf("error writing rows: %w", err)
	}
	insertOp := operators.NewInsertOperator(tx)
	insertState, err := pipeline.Replay(ctx, copyOp, copyState, insertOp)
	if err != nil {
		return 0, fmt.Errorf("error registering files: %w", err)
	}
	count, err := operators.CountResult(ctx, insertOp, insertState)
	if err != nil {
		return 0, fmt.Errorf("error in CountResult: %w", err)
	}
	return count, nil
}

func (dl *DuckLake) updateRows(ctx context.Context, tx *transaction.Transaction, stmt operators.UpdateStatement) (int64, error) {
	dm := delete_map.New()
	op, err := operators.PlanUpdate(tx, dm, stmt)
	if err != nil {
		return 0, err
	}
	op.SetFlushParallelism(dl.FlushParallelism)

	chunks, err := operators.Scan(ctx, tx, op.Filter, dm, dl.Threads)
	if err != nil {
		return 0, fmt.Errorf("error in Scan: %w", err)
	}
	g, err := pipeline.Execute(ctx, op, chunks, dl.Threads)
	if err != nil {
		return 0, fmt.Errorf("error executing update: %w", err)
	}
	count, err := operators.CountResult(ctx, op, g)
	if err != nil {
		return 0, fmt.Errorf("error in CountResult: %w", err)
	}
	return count, nil
}

func (dl *DuckLake) deleteRows(ctx context.Context, tx *transaction.Transaction, where string) (int64, error) {
	pred, err := operators.CompilePredicate(tx.Table.Columns, where)
	if err != nil {
		return 0, err
	}
	dm := delete_map.New()
	chunks, err := operators.Scan(ctx, tx, pred, dm, dl.Threads)
	if err != nil {
		return 0, fmt.Errorf("error in Scan: %w", err)
	}

	op := operators.NewDeleteOperator(tx, dm, true)
	op.FlushParallelism = dl.FlushParallelism
	g, err := pipeline.Execute(ctx, op, chunks, dl.Threads)
	if err != nil {
		return 0, fmt.Errorf("error executing delete: %w", err)
	}
	count, err := operators.CountResult(ctx, op, g)
	if err != nil {
		return 0, fmt.Errorf("error in CountResult: %w", err)
	}
	return count, nil
}

// Select returns the live rows matching where, without the row reference.
func (dl *DuckLake) Select(ctx context.Context, tableName string, where string) ([][]any, error) {
	tx, err := dl.begin(ctx, tableName)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	pred, err := operators.CompilePredicate(tx.Table.Columns, where)
	if err != nil {
		return nil, err
	}
	chunks, err := operators.Scan(ctx, tx, pred, nil, dl.Threads)
	if err != nil {
		return nil, fmt.Errorf("error in Scan: %w", err)
	}
	var rows [][]any
	width := len(tx.Table.Columns)
	for _, chunk := range chunks {
		for _, row := range chunk.Rows {
			rows = append(rows, row[:width])
		}
	}
	return rows, nil
}

// MergeAdjacentFiles rewrites the small files of each partition into one
// file per partition. Rows keep their row ids, the merged files are
// scheduled for cleanup.
func (dl *DuckLake) MergeAdjacentFiles(ctx context.Context, tableName string, opts MergeOptions) (MergeResult, error) {
	if opts.TargetRows <= 0 {
		opts.TargetRows = DefaultMergeTargetRows
	}
	tx, err := dl.begin(ctx, tableName)
	if err != nil {
		return MergeResult{}, err
	}
	defer tx.Rollback(ctx)

	groups := map[string][]part.DataFile{}
	for _, df := range tx.DataFiles() {
		if df.RecordCount < opts.TargetRows {
			groups[df.Partition] = append(groups[df.Partition], df)
		}
	}
	var merge []part.DataFile
	partitions := make([]string, 0, len(groups))
	for p := range groups {
		partitions = append(partitions, p)
	}
	sort.Strings(partitions)
	for _, p := range partitions {
		if len(groups[p]) > 1 {
			merge = append(merge, groups[p]...)
		}
	}
	if len(merge) == 0 {
		return MergeResult{}, nil
	}

	chunks, err := operators.ScanFiles(ctx, tx, merge, nil, nil, dl.Threads)
	if err != nil {
		return MergeResult{}, fmt.Errorf("error in ScanFiles: %w", err)
	}
	copyOp := operators.NewCopyOperator(tx, true)
	width := len(tx.Table.Columns)
	for _, chunk := range chunks {
		chunk.Types = copyOp.InputTypes()
		for i, row := range chunk.Rows {
			ref, err := table.RefFromRow(row)
			if err != nil {
				return MergeResult{}, err
			}
			chunk.Rows[i] = append(row[:width:width], ref.RowID)
		}
	}

	copyState, err := pipeline.Execute(ctx, copyOp, chunks, dl.Threads)
	if err != nil {
		return MergeResult{}, fmt.Errorf("error writing merged files: %w", err)
	}
	insertOp := operators.NewInsertOperator(tx)
	if _, err := pipeline.Replay(ctx, copyOp, copyState, insertOp); err != nil {
		return MergeResult{}, fmt.Errorf("error registering merged files: %w", err)
	}
	for _, df := range merge {
		tx.DropDataFile(df)
	}
	written := len(tx.ChangeSet().NewDataFiles)

	if err := tx.Commit(ctx); err != nil {
		return MergeResult{}, err
	}
	logger.Info().Str("table", tableName).Int("filesMerged", len(merge)).Int("filesWritten", written).Msg("merged adjacent files")
	return MergeResult{FilesMerged: len(merge), FilesWritten: written}, nil
}

func (dl *DuckLake) reclaimer() *cleanup.Reclaimer {
	return &cleanup.Reclaimer{MetaStore: dl.MetaStore, DataStore: dl.DataStore, Config: dl.Cleanup}
}

// CleanupOldFiles removes files that were scheduled for deletion.
func (dl *DuckLake) CleanupOldFiles(ctx context.Context, opts cleanup.Options) (*cleanup.Result, error) {
	return dl.reclaimer().Run(ctx, part.CleanupOldFiles, opts)
}

// DeleteOrphanedFiles removes files in storage the catalog does not know.
func (dl *DuckLake) DeleteOrphanedFiles(ctx context.Context, opts cleanup.Options) (*cleanup.Result, error) {
	return dl.reclaimer().Run(ctx, part.CleanupOrphanedFiles, opts)
}
