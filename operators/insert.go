package operators

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/aclowes/ducklake/lake_types"
	"github.com/aclowes/ducklake/part"
	"github.com/aclowes/ducklake/pipeline"
	"github.com/aclowes/ducklake/table"
	"github.com/aclowes/ducklake/transaction"
)

type (
	// InsertOperator registers data files produced by a copy in the
	// transaction. Its output is the number of rows registered.
	InsertOperator struct {
		tx *transaction.Transaction
	}

	insertGlobalState struct {
		mu    sync.Mutex
		files []part.DataFile
		count atomic.Int64
	}

	insertLocalState struct {
		files []part.DataFile
	}
)

func NewInsertOperator(tx *transaction.Transaction) *InsertOperator {
	return &InsertOperator{tx: tx}
}

func (op *InsertOperator) GlobalSinkState(_ context.Context) (pipeline.GlobalSinkState, error) {
	return &insertGlobalState{}, nil
}

func (op *InsertOperator) LocalSinkState(_ context.Context, _ pipeline.GlobalSinkState) (pipeline.LocalSinkState, error) {
	return &insertLocalState{}, nil
}

func (op *InsertOperator) Sink(_ context.Context, chunk *table.Chunk, _ pipeline.GlobalSinkState, l pipeline.LocalSinkState) (pipeline.SinkResult, error) {
	local := l.(*insertLocalState)
	for _, row := range chunk.Rows {
		df, err := dataFileFromRow(row)
		if err != nil {
			return pipeline.SinkNeedMoreInput, err
		}
		local.files = append(local.files, df)
	}
	return pipeline.SinkNeedMoreInput, nil
}

func (op *InsertOperator) Combine(_ context.Context, g pipeline.GlobalSinkState, l pipeline.LocalSinkState) (pipeline.CombineResult, error) {
	global := g.(*insertGlobalState)
	local := l.(*insertLocalState)
	global.mu.Lock()
	defer global.mu.Unlock()
	global.files = append(global.files, local.files...)
	return pipeline.CombineFinished, nil
}

func (op *InsertOperator) Finalize(_ context.Context, g pipeline.GlobalSinkState) (pipeline.FinalizeResult, error) {
	global := g.(*insertGlobalState)
	global.mu.Lock()
	defer global.mu.Unlock()
	// Sorted so row id assignment does not depend on worker scheduling
	sort.Slice(global.files, func(i, j int) bool { return global.files[i].Path < global.files[j].Path })
	op.tx.AddDataFiles(global.files)
	for _, df := range global.files {
		global.count.Add(df.RecordCount)
	}
	return pipeline.FinalizeReady, nil
}

func (op *InsertOperator) Types() []lake_types.LogicalType {
	return countTypes()
}

func (op *InsertOperator) GlobalSourceState(_ context.Context, g pipeline.GlobalSinkState) (pipeline.GlobalSourceState, error) {
	return newCountSource(g.(*insertGlobalState).count.Load()), nil
}

func (op *InsertOperator) GetData(_ context.Context, chunk *table.Chunk, s pipeline.GlobalSourceState) (pipeline.SourceResult, error) {
	return s.(*countSource).getData(chunk)
}

// countSource emits a single row holding a count, then finishes.
type countSource struct {
	count   int64
	emitted atomic.Bool
}

func newCountSource(count int64) *countSource {
	return &countSource{count: count}
}

func countTypes() []lake_types.LogicalType {
	return []lake_types.LogicalType{lake_types.Of(lake_types.BigInt)}
}

func (cs *countSource) getData(chunk *table.Chunk) (pipeline.SourceResult, error) {
	if cs.emitted.Swap(true) {
		return pipeline.SourceFinished, nil
	}
	if err := chunk.Append([]any{cs.count}); err != nil {
		return pipeline.SourceFinished, err
	}
	return pipeline.SourceFinished, nil
}

// CountResult reads the count row of a finalized count producing operator.
func CountResult(ctx context.Context, src pipeline.Source, g pipeline.GlobalSinkState) (int64, error) {
	chunks, err := pipeline.Collect(ctx, src, g)
	if err != nil {
		return 0, err
	}
	if len(chunks) != 1 || chunks[0].Len() != 1 {
		return 0, table.ErrRowLengthInvalid
	}
	return chunks[0].Rows[0][0].(int64), nil
}
