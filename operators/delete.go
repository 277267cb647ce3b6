package operators

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring"
	"github.com/aclowes/ducklake/delete_map"
	"github.com/aclowes/ducklake/lake_types"
	"github.com/aclowes/ducklake/part"
	"github.com/aclowes/ducklake/pipeline"
	"github.com/aclowes/ducklake/table"
	"github.com/aclowes/ducklake/transaction"
	"github.com/aclowes/ducklake/utils"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

var (
	ErrDuplicateDelete   = errors.New("the same row was deleted multiple times")
	ErrUnknownDataFile   = errors.New("delete targets a data file that is not part of the table")
	ErrFileRowOutOfRange = errors.New("file row out of range")
)

type (
	// DeleteOperator marks rows deleted. Its input rows end with the
	// (file path, file row, row id) reference of the row to delete. At
	// finalize every touched file gets a new delete file, or is dropped when
	// all of its rows are gone. Its output is the number of rows deleted.
	DeleteOperator struct {
		tx              *transaction.Transaction
		deleteMap       *delete_map.DeleteMap
		allowDuplicates bool
		// FlushParallelism bounds the files flushed at once
		FlushParallelism int64
	}

	deleteGlobalState struct {
		mu      sync.Mutex
		vectors map[string]*roaring.Bitmap
		count   atomic.Int64
	}

	deleteLocalState struct {
		vectors map[string]*roaring.Bitmap
	}
)

func NewDeleteOperator(tx *transaction.Transaction, dm *delete_map.DeleteMap, allowDuplicates bool) *DeleteOperator {
	return &DeleteOperator{
		tx:               tx,
		deleteMap:        dm,
		allowDuplicates:  allowDuplicates,
		FlushParallelism: 8,
	}
}

func (op *DeleteOperator) GlobalSinkState(_ context.Context) (pipeline.GlobalSinkState, error) {
	return &deleteGlobalState{vectors: make(map[string]*roaring.Bitmap)}, nil
}

func (op *DeleteOperator) LocalSinkState(_ context.Context, _ pipeline.GlobalSinkState) (pipeline.LocalSinkState, error) {
	return &deleteLocalState{vectors: make(map[string]*roaring.Bitmap)}, nil
}

func (op *DeleteOperator) Sink(_ context.Context, chunk *table.Chunk, _ pipeline.GlobalSinkState, l pipeline.LocalSinkState) (pipeline.SinkResult, error) {
	local := l.(*deleteLocalState)
	for _, row := range chunk.Rows {
		ref, err := table.RefFromRow(row)
		if err != nil {
			return pipeline.SinkNeedMoreInput, err
		}
		if ref.FileRow > math.MaxUint32 {
			return pipeline.SinkNeedMoreInput, fmt.Errorf("%w: row %d of %s", ErrFileRowOutOfRange, ref.FileRow, ref.FilePath)
		}
		bm, ok := local.vectors[ref.FilePath]
		if !ok {
			bm = roaring.New()
			local.vectors[ref.FilePath] = bm
		}
		if !bm.CheckedAdd(uint32(ref.FileRow)) && !op.allowDuplicates {
			return pipeline.SinkNeedMoreInput, utils.NewInternalError(ErrDuplicateDelete, "row %d of %s", ref.FileRow, ref.FilePath)
		}
	}
	return pipeline.SinkNeedMoreInput, nil
}

func (op *DeleteOperator) Combine(_ context.Context, g pipeline.GlobalSinkState, l pipeline.LocalSinkState) (pipeline.CombineResult, error) {
	global := g.(*deleteGlobalState)
	local := l.(*deleteLocalState)
	global.mu.Lock()
	defer global.mu.Unlock()
	for p, bm := range local.vectors {
		existing, ok := global.vectors[p]
		if !ok {
			global.vectors[p] = bm
			continue
		}
		if !op.allowDuplicates && existing.Intersects(bm) {
			return pipeline.CombineFinished, utils.NewInternalError(ErrDuplicateDelete, "file %s", p)
		}
		existing.Or(bm)
	}
	return pipeline.CombineFinished, nil
}

// Finalize flushes every touched file in parallel, then registers the
// written delete files in the transaction.
func (op *DeleteOperator) Finalize(ctx context.Context, g pipeline.GlobalSinkState) (pipeline.FinalizeResult, error) {
	global := g.(*deleteGlobalState)
	paths := make([]string, 0, len(global.vectors))
	for p := range global.vectors {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	parallelism := op.FlushParallelism
	if parallelism < 1 {
		parallelism = 1
	}
	sem := semaphore.NewWeighted(parallelism)
	eg, egCtx := errgroup.WithContext(ctx)
	for _, p := range paths {
		p := p
		if err := sem.Acquire(egCtx, 1); err != nil {
			break
		}
		rows := global.vectors[p]
		eg.Go(func() error {
			defer sem.Release(1)
			deleted, err := op.flushFile(egCtx, p, rows)
			if err != nil {
				return fmt.Errorf("error flushing deletes of %s: %w", p, err)
			}
			global.count.Add(deleted)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return pipeline.FinalizeReady, err
	}
	if err := ctx.Err(); err != nil {
		return pipeline.FinalizeReady, err
	}

	for _, p := range paths {
		p := p
		df, ok := op.tx.DataFile(p)
		if !ok {
			// dropped during the flush
			continue
		}
		entry, err := op.deleteMap.LookupArtifact(p)
		if err != nil {
			return pipeline.FinalizeReady, err
		}
		op.tx.AddDeleteFile(part.DeleteFile{
			ID:          utils.GenKSortedID("del_"),
			DataFileID:  df.ID,
			Path:        entry.Path,
			DeleteCount: entry.DeleteCount,
			FileSize:    entry.FileSize,
		})
	}
	return pipeline.FinalizeReady, nil
}

// flushFile merges rows into the file's delete vector and writes the result.
// It returns how many rows were newly deleted.
func (op *DeleteOperator) flushFile(ctx context.Context, p string, rows *roaring.Bitmap) (int64, error) {
	df, ok := op.tx.DataFile(p)
	if !ok {
		return 0, utils.NewInternalError(ErrUnknownDataFile, "%s", p)
	}

	previous := op.deleteMap.GetVector(p)
	if previous == nil {
		previous = roaring.New()
		if committed, ok := op.tx.DeleteFileFor(df.ID); ok {
			bm, err := ReadDeleteFile(ctx, op.tx.DataStore, committed.Path)
			if err != nil {
				return 0, fmt.Errorf("error reading delete file %s: %w", committed.Path, err)
			}
			previous = op.deleteMap.MergeVector(p, bm)
		}
	}
	if !op.allowDuplicates && previous.Intersects(rows) {
		return 0, utils.NewInternalError(ErrDuplicateDelete, "file %s", p)
	}
	deleted := int64(roaring.AndNot(rows, previous).GetCardinality())

	merged := op.deleteMap.MergeVector(p, rows)
	if int64(merged.GetCardinality()) >= df.RecordCount {
		op.tx.DropDataFile(df)
		op.deleteMap.ClearVector(p)
		zerolog.Ctx(ctx).Debug().Str("path", p).Msg("every row deleted, dropping data file")
		return deleted, nil
	}

	b, err := EncodeDeleteFile(p, merged)
	if err != nil {
		return 0, fmt.Errorf("error in EncodeDeleteFile: %w", err)
	}
	deletePath := op.tx.NewDeleteFilePath(df)
	if err := op.tx.WriteFile(ctx, deletePath, b); err != nil {
		return 0, err
	}
	op.deleteMap.RecordArtifact(part.ExtendedFileEntry{
		Path:         deletePath,
		DataFilePath: p,
		DeleteCount:  int64(merged.GetCardinality()),
		FileSize:     int64(len(b)),
	})
	return deleted, nil
}

func (op *DeleteOperator) Types() []lake_types.LogicalType {
	return countTypes()
}

func (op *DeleteOperator) GlobalSourceState(_ context.Context, g pipeline.GlobalSinkState) (pipeline.GlobalSourceState, error) {
	return newCountSource(g.(*deleteGlobalState).count.Load()), nil
}

func (op *DeleteOperator) GetData(_ context.Context, chunk *table.Chunk, s pipeline.GlobalSourceState) (pipeline.SourceResult, error) {
	return s.(*countSource).getData(chunk)
}
