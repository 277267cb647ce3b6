package operators

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aclowes/ducklake/lake_types"
	"github.com/aclowes/ducklake/parquet_accumulator"
	"github.com/aclowes/ducklake/part"
	"github.com/aclowes/ducklake/partitioner"
	"github.com/aclowes/ducklake/pipeline"
	"github.com/aclowes/ducklake/table"
	"github.com/aclowes/ducklake/transaction"
	"github.com/aclowes/ducklake/utils"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// WriteParallelism bounds the partition files a copy writes at once
var WriteParallelism = 4

type (
	// CopyOperator writes its input rows to new data files, one file per
	// partition. Input rows are the table's columns, followed by the row id
	// when the rows keep their identity. The written files are its output.
	CopyOperator struct {
		tx         *transaction.Transaction
		writeRowID bool
	}

	partitionBuffer struct {
		values []partitioner.Value
		rows   [][]any
	}

	copyGlobalState struct {
		mu         sync.Mutex
		partitions map[string]*partitionBuffer
		written    []part.DataFile
	}

	copyLocalState struct {
		partitions map[string]*partitionBuffer
	}

	copySourceState struct {
		mu     sync.Mutex
		global *copyGlobalState
		offset int
	}
)

func NewCopyOperator(tx *transaction.Transaction, writeRowID bool) *CopyOperator {
	return &CopyOperator{tx: tx, writeRowID: writeRowID}
}

// InputTypes are the column types the operator sinks.
func (op *CopyOperator) InputTypes() []lake_types.LogicalType {
	types := op.tx.Table.Types()
	if op.writeRowID {
		types = append(types, lake_types.Of(lake_types.BigInt))
	}
	return types
}

func (op *CopyOperator) fileColumns() []table.Column {
	cols := append([]table.Column(nil), op.tx.Table.Columns...)
	if op.writeRowID {
		cols = append(cols, table.Column{Name: table.RowIDColumnName, Type: lake_types.Of(lake_types.BigInt)})
	}
	return cols
}

func (op *CopyOperator) GlobalSinkState(_ context.Context) (pipeline.GlobalSinkState, error) {
	return &copyGlobalState{partitions: make(map[string]*partitionBuffer)}, nil
}

func (op *CopyOperator) LocalSinkState(_ context.Context, _ pipeline.GlobalSinkState) (pipeline.LocalSinkState, error) {
	return &copyLocalState{partitions: make(map[string]*partitionBuffer)}, nil
}

// Sink casts each row to the stored column types and buffers it under the
// partition derived from its values.
func (op *CopyOperator) Sink(_ context.Context, chunk *table.Chunk, _ pipeline.GlobalSinkState, l pipeline.LocalSinkState) (pipeline.SinkResult, error) {
	local := l.(*copyLocalState)
	cols := op.tx.Table.Columns
	width := len(cols)
	if op.writeRowID {
		width++
	}
	for _, row := range chunk.Rows {
		if len(row) != width {
			return pipeline.SinkNeedMoreInput, fmt.Errorf("%w: got %d, expected %d", table.ErrRowLengthInvalid, len(row), width)
		}
		casted := make([]any, width)
		for i, col := range cols {
			v, err := lake_types.CastValue(row[i], col.Type)
			if err != nil {
				return pipeline.SinkNeedMoreInput, utils.NewUserError(err, "column %s", col.Name)
			}
			casted[i] = v
		}
		if op.writeRowID {
			rowID, ok := row[width-1].(int64)
			if !ok {
				return pipeline.SinkNeedMoreInput, fmt.Errorf("row id must be int64, got %T", row[width-1])
			}
			casted[width-1] = rowID
		}

		vals, err := partitioner.GetRowPartition(op.tx.Table, casted[:len(cols)])
		if err != nil {
			return pipeline.SinkNeedMoreInput, utils.NewUserError(err, "error deriving partition")
		}
		key := partitioner.Path(vals)
		buf, ok := local.partitions[key]
		if !ok {
			buf = &partitionBuffer{values: vals}
			local.partitions[key] = buf
		}
		buf.rows = append(buf.rows, casted)
	}
	return pipeline.SinkNeedMoreInput, nil
}

func (op *CopyOperator) Combine(_ context.Context, g pipeline.GlobalSinkState, l pipeline.LocalSinkState) (pipeline.CombineResult, error) {
	global := g.(*copyGlobalState)
	local := l.(*copyLocalState)
	global.mu.Lock()
	defer global.mu.Unlock()
	for key, buf := range local.partitions {
		existing, ok := global.partitions[key]
		if !ok {
			global.partitions[key] = buf
			continue
		}
		existing.rows = append(existing.rows, buf.rows...)
	}
	return pipeline.CombineFinished, nil
}

// Finalize writes one data file per partition.
func (op *CopyOperator) Finalize(ctx context.Context, g pipeline.GlobalSinkState) (pipeline.FinalizeResult, error) {
	global := g.(*copyGlobalState)
	keys := make([]string, 0, len(global.partitions))
	for key := range global.partitions {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pa, err := parquet_accumulator.ForColumns(op.fileColumns())
	if err != nil {
		return pipeline.FinalizeReady, fmt.Errorf("error in ForColumns: %w", err)
	}

	written := make([]part.DataFile, len(keys))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(WriteParallelism)
	for i, key := range keys {
		i, key := i, key
		buf := global.partitions[key]
		eg.Go(func() error {
			df, err := op.writePartition(ctx, pa, key, buf)
			if err != nil {
				return fmt.Errorf("error writing partition %q: %w", key, err)
			}
			written[i] = df
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return pipeline.FinalizeReady, err
	}
	global.written = written
	return pipeline.FinalizeReady, nil
}

func (op *CopyOperator) writePartition(ctx context.Context, pa parquet_accumulator.ParquetSchemaAccumulator, key string, buf *partitionBuffer) (part.DataFile, error) {
	b, err := pa.EncodeRows(buf.rows)
	if err != nil {
		return part.DataFile{}, fmt.Errorf("error in EncodeRows: %w", err)
	}
	df := part.DataFile{
		Path:            op.tx.NewDataFilePath(key),
		Partition:       key,
		PartitionValues: partitioner.ValueMap(buf.values),
		RecordCount:     int64(len(buf.rows)),
		FileSize:        int64(len(b)),
		HasRowIDColumn:  op.writeRowID,
	}
	if op.writeRowID {
		df.RowIDStart = minRowID(buf.rows)
	}
	if err := op.tx.WriteFile(ctx, df.Path, b); err != nil {
		return part.DataFile{}, err
	}
	zerolog.Ctx(ctx).Debug().Str("path", df.Path).Int64("rows", df.RecordCount).Msg("wrote data file")
	return df, nil
}

func minRowID(rows [][]any) int64 {
	var lowest int64
	for i, row := range rows {
		id := row[len(row)-1].(int64)
		if i == 0 || id < lowest {
			lowest = id
		}
	}
	return lowest
}

// Types of the output rows: path, record count, file size, partition path,
// partition values, whether the file has a row id column, first row id.
func (op *CopyOperator) Types() []lake_types.LogicalType {
	return []lake_types.LogicalType{
		lake_types.Of(lake_types.Varchar),
		lake_types.Of(lake_types.BigInt),
		lake_types.Of(lake_types.BigInt),
		lake_types.Of(lake_types.Varchar),
		lake_types.NewMap(lake_types.Of(lake_types.Varchar), lake_types.Of(lake_types.Varchar)),
		lake_types.Of(lake_types.Boolean),
		lake_types.Of(lake_types.BigInt),
	}
}

func (op *CopyOperator) GlobalSourceState(_ context.Context, g pipeline.GlobalSinkState) (pipeline.GlobalSourceState, error) {
	return &copySourceState{global: g.(*copyGlobalState)}, nil
}

func (op *CopyOperator) GetData(_ context.Context, chunk *table.Chunk, s pipeline.GlobalSourceState) (pipeline.SourceResult, error) {
	state := s.(*copySourceState)
	state.mu.Lock()
	defer state.mu.Unlock()
	files := state.global.written
	for state.offset < len(files) && !chunk.Full() {
		df := files[state.offset]
		values := make(map[string]any, len(df.PartitionValues))
		for k, v := range df.PartitionValues {
			values[k] = v
		}
		row := []any{df.Path, df.RecordCount, df.FileSize, df.Partition, values, df.HasRowIDColumn, df.RowIDStart}
		if err := chunk.Append(row); err != nil {
			return pipeline.SourceFinished, err
		}
		state.offset++
	}
	if state.offset < len(files) {
		return pipeline.SourceHaveMoreOutput, nil
	}
	return pipeline.SourceFinished, nil
}

// dataFileFromRow reads back a row of the copy output.
func dataFileFromRow(row []any) (part.DataFile, error) {
	if len(row) != 7 {
		return part.DataFile{}, fmt.Errorf("%w: copy output row has %d values", table.ErrRowLengthInvalid, len(row))
	}
	df := part.DataFile{ID: utils.GenKSortedID("df_")}
	var ok [6]bool
	df.Path, ok[0] = row[0].(string)
	df.RecordCount, ok[1] = row[1].(int64)
	df.FileSize, ok[2] = row[2].(int64)
	df.Partition, ok[3] = row[3].(string)
	df.HasRowIDColumn, ok[4] = row[5].(bool)
	df.RowIDStart, ok[5] = row[6].(int64)
	for _, o := range ok {
		if !o {
			return part.DataFile{}, fmt.Errorf("malformed copy output row %v", row)
		}
	}
	if values, isMap := row[4].(map[string]any); isMap {
		df.PartitionValues = make(map[string]string, len(values))
		for k, v := range values {
			df.PartitionValues[k] = fmt.Sprint(v)
		}
	}
	return df, nil
}
