package operators

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/aclowes/ducklake/delete_map"
	"github.com/aclowes/ducklake/lake_types"
	"github.com/aclowes/ducklake/pipeline"
	"github.com/aclowes/ducklake/table"
	"github.com/aclowes/ducklake/transaction"
	"github.com/aclowes/ducklake/utils"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

var ErrUnsupportedUpdate = errors.New("unsupported update")

type (
	// UpdateStatement is a bound UPDATE. Set maps column names to
	// expressions over the old row.
	UpdateStatement struct {
		Set       map[string]string `json:"set" validate:"required,min=1"`
		Where     string            `json:"where"`
		Returning bool              `json:"returning"`
	}

	setClause struct {
		column  int
		program *vm.Program
	}

	// UpdateOperator rewrites each input row with its new values through a
	// copy, deletes the old row, and at finalize registers the written files
	// through an insert. Its output is the number of rows updated.
	UpdateOperator struct {
		Filter *Predicate

		tx       *transaction.Transaction
		set      []setClause
		copyOp   *CopyOperator
		deleteOp *DeleteOperator
		insertOp *InsertOperator
	}

	updateGlobalState struct {
		copyState   pipeline.GlobalSinkState
		deleteState pipeline.GlobalSinkState
		insertState pipeline.GlobalSinkState
		count       atomic.Int64
	}

	updateLocalState struct {
		copyState   pipeline.LocalSinkState
		deleteState pipeline.LocalSinkState
	}
)

// PlanUpdate binds an update against the transaction's table. Bad input is
// rejected here, before anything is written.
func PlanUpdate(tx *transaction.Transaction, dm *delete_map.DeleteMap, stmt UpdateStatement) (*UpdateOperator, error) {
	if stmt.Returning {
		return nil, utils.NewUserError(ErrUnsupportedUpdate, "RETURNING is not supported")
	}
	if len(stmt.Set) == 0 {
		return nil, utils.NewUserError(ErrUnsupportedUpdate, "no columns to set")
	}
	cols := tx.Table.Columns

	names := make([]string, 0, len(stmt.Set))
	for name := range stmt.Set {
		names = append(names, name)
	}
	sort.Strings(names)

	var set []setClause
	for _, name := range names {
		e := strings.TrimSpace(stmt.Set[name])
		if strings.EqualFold(e, "DEFAULT") {
			return nil, utils.NewUserError(ErrUnsupportedUpdate, "SET %s = DEFAULT is not supported", name)
		}
		idx, err := tx.Table.ColumnIndex(name)
		if err != nil {
			return nil, utils.NewUserError(err, "error binding SET")
		}
		program, err := compileValue(cols, e)
		if err != nil {
			return nil, err
		}
		set = append(set, setClause{column: idx, program: program})
	}

	filter, err := CompilePredicate(cols, stmt.Where)
	if err != nil {
		return nil, err
	}

	// A row is updated at most once, so a repeated delete is a bug
	deleteOp := NewDeleteOperator(tx, dm, false)
	return &UpdateOperator{
		Filter:   filter,
		tx:       tx,
		set:      set,
		copyOp:   NewCopyOperator(tx, true),
		deleteOp: deleteOp,
		insertOp: NewInsertOperator(tx),
	}, nil
}

// SetFlushParallelism bounds the delete files flushed at once.
func (op *UpdateOperator) SetFlushParallelism(n int64) {
	op.deleteOp.FlushParallelism = n
}

func (op *UpdateOperator) GlobalSinkState(ctx context.Context) (pipeline.GlobalSinkState, error) {
	copyState, err := op.copyOp.GlobalSinkState(ctx)
	if err != nil {
		return nil, err
	}
	deleteState, err := op.deleteOp.GlobalSinkState(ctx)
	if err != nil {
		return nil, err
	}
	return &updateGlobalState{copyState: copyState, deleteState: deleteState}, nil
}

func (op *UpdateOperator) LocalSinkState(ctx context.Context, g pipeline.GlobalSinkState) (pipeline.LocalSinkState, error) {
	global := g.(*updateGlobalState)
	copyState, err := op.copyOp.LocalSinkState(ctx, global.copyState)
	if err != nil {
		return nil, err
	}
	deleteState, err := op.deleteOp.LocalSinkState(ctx, global.deleteState)
	if err != nil {
		return nil, err
	}
	return &updateLocalState{copyState: copyState, deleteState: deleteState}, nil
}

// Sink takes scan output rows: the table's columns then the row reference.
func (op *UpdateOperator) Sink(ctx context.Context, chunk *table.Chunk, g pipeline.GlobalSinkState, l pipeline.LocalSinkState) (pipeline.SinkResult, error) {
	global := g.(*updateGlobalState)
	local := l.(*updateLocalState)
	cols := op.tx.Table.Columns

	copyChunk := table.NewChunk(op.copyOp.InputTypes())
	deleteChunk := table.NewChunk(table.RefColumns())
	for _, row := range chunk.Rows {
		if len(row) != len(cols)+3 {
			return pipeline.SinkNeedMoreInput, fmt.Errorf("%w: got %d, expected %d", table.ErrRowLengthInvalid, len(row), len(cols)+3)
		}
		ref, err := table.RefFromRow(row)
		if err != nil {
			return pipeline.SinkNeedMoreInput, err
		}
		old := row[:len(cols)]
		env := rowEnv(cols, old, ref.RowID)

		updated := make([]any, len(cols)+1)
		copy(updated, old)
		for _, sc := range op.set {
			out, err := expr.Run(sc.program, env)
			if err != nil {
				return pipeline.SinkNeedMoreInput, utils.NewUserError(fmt.Errorf("%w: %w", ErrInvalidExpression, err), "error evaluating SET %s", cols[sc.column].Name)
			}
			v, err := lake_types.CastValue(out, cols[sc.column].Type)
			if err != nil {
				return pipeline.SinkNeedMoreInput, utils.NewUserError(err, "SET %s", cols[sc.column].Name)
			}
			updated[sc.column] = v
		}
		// the rewritten row keeps its identity
		updated[len(cols)] = ref.RowID

		if err := copyChunk.Append(updated); err != nil {
			return pipeline.SinkNeedMoreInput, err
		}
		if err := deleteChunk.Append(ref.Values()); err != nil {
			return pipeline.SinkNeedMoreInput, err
		}
	}

	if _, err := op.copyOp.Sink(ctx, copyChunk, global.copyState, local.copyState); err != nil {
		return pipeline.SinkNeedMoreInput, fmt.Errorf("error in copy Sink: %w", err)
	}
	if _, err := op.deleteOp.Sink(ctx, deleteChunk, global.deleteState, local.deleteState); err != nil {
		return pipeline.SinkNeedMoreInput, fmt.Errorf("error in delete Sink: %w", err)
	}
	global.count.Add(int64(chunk.Len()))
	return pipeline.SinkNeedMoreInput, nil
}

func (op *UpdateOperator) Combine(ctx context.Context, g pipeline.GlobalSinkState, l pipeline.LocalSinkState) (pipeline.CombineResult, error) {
	global := g.(*updateGlobalState)
	local := l.(*updateLocalState)
	res, err := op.copyOp.Combine(ctx, global.copyState, local.copyState)
	if err != nil {
		return res, fmt.Errorf("error in copy Combine: %w", err)
	}
	if res != pipeline.CombineFinished {
		return res, utils.NewInternalError(pipeline.ErrUnsupportedAsyncChild, "copy combine")
	}
	res, err = op.deleteOp.Combine(ctx, global.deleteState, local.deleteState)
	if err != nil {
		return res, fmt.Errorf("error in delete Combine: %w", err)
	}
	if res != pipeline.CombineFinished {
		return res, utils.NewInternalError(pipeline.ErrUnsupportedAsyncChild, "delete combine")
	}
	return pipeline.CombineFinished, nil
}

// Finalize writes the new files and delete files, then replays the written
// files into the insert so they are registered in the transaction.
func (op *UpdateOperator) Finalize(ctx context.Context, g pipeline.GlobalSinkState) (pipeline.FinalizeResult, error) {
	global := g.(*updateGlobalState)
	res, err := op.copyOp.Finalize(ctx, global.copyState)
	if err != nil {
		return res, fmt.Errorf("error in copy Finalize: %w", err)
	}
	if res != pipeline.FinalizeReady {
		return res, utils.NewInternalError(pipeline.ErrUnsupportedAsyncChild, "copy finalize")
	}
	res, err = op.deleteOp.Finalize(ctx, global.deleteState)
	if err != nil {
		return res, fmt.Errorf("error in delete Finalize: %w", err)
	}
	if res != pipeline.FinalizeReady {
		return res, utils.NewInternalError(pipeline.ErrUnsupportedAsyncChild, "delete finalize")
	}

	insertState, err := pipeline.Replay(ctx, op.copyOp, global.copyState, op.insertOp)
	if err != nil {
		return pipeline.FinalizeReady, fmt.Errorf("error registering updated files: %w", err)
	}
	global.insertState = insertState
	return pipeline.FinalizeReady, nil
}

func (op *UpdateOperator) Types() []lake_types.LogicalType {
	return countTypes()
}

func (op *UpdateOperator) GlobalSourceState(_ context.Context, g pipeline.GlobalSinkState) (pipeline.GlobalSourceState, error) {
	return newCountSource(g.(*updateGlobalState).count.Load()), nil
}

func (op *UpdateOperator) GetData(_ context.Context, chunk *table.Chunk, s pipeline.GlobalSourceState) (pipeline.SourceResult, error) {
	return s.(*countSource).getData(chunk)
}
