package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/aclowes/ducklake/lake_types"
	"github.com/aclowes/ducklake/table"
	"github.com/aclowes/ducklake/utils"
	"golang.org/x/sync/errgroup"
)

var ErrUnsupportedAsyncChild = errors.New("nested operator execution does not support async child operators")

type (
	SinkResult     int
	CombineResult  int
	FinalizeResult int
	SourceResult   int

	// GlobalSinkState is shared by every worker of a sink, LocalSinkState is
	// owned by a single worker until Combine.
	GlobalSinkState   any
	LocalSinkState    any
	GlobalSourceState any

	Sink interface {
		GlobalSinkState(ctx context.Context) (GlobalSinkState, error)
		LocalSinkState(ctx context.Context, g GlobalSinkState) (LocalSinkState, error)
		Sink(ctx context.Context, chunk *table.Chunk, g GlobalSinkState, l LocalSinkState) (SinkResult, error)
		// Combine folds a worker's local state into the global state. Every
		// Combine finishes before Finalize runs.
		Combine(ctx context.Context, g GlobalSinkState, l LocalSinkState) (CombineResult, error)
		Finalize(ctx context.Context, g GlobalSinkState) (FinalizeResult, error)
	}

	// Source emits the output of a finalized sink.
	Source interface {
		GlobalSourceState(ctx context.Context, g GlobalSinkState) (GlobalSourceState, error)
		// GetData fills chunk. An empty chunk means there is no more output.
		GetData(ctx context.Context, chunk *table.Chunk, s GlobalSourceState) (SourceResult, error)
		Types() []lake_types.LogicalType
	}

	// Operator is a sink whose result can be read back as a source.
	Operator interface {
		Sink
		Source
	}
)

const (
	SinkNeedMoreInput SinkResult = iota
	SinkFinished
	SinkBlocked
)

const (
	CombineFinished CombineResult = iota
	CombineBlocked
)

const (
	FinalizeReady FinalizeResult = iota
	FinalizeBlocked
)

const (
	SourceHaveMoreOutput SourceResult = iota
	SourceFinished
	SourceBlocked
)

// Execute runs chunks through sink with up to threads workers, each with its
// own local state, combines them, and finalizes. It returns the finalized
// global state.
func Execute(ctx context.Context, sink Sink, chunks []*table.Chunk, threads int) (GlobalSinkState, error) {
	if threads < 1 {
		threads = 1
	}
	if threads > len(chunks) && len(chunks) > 0 {
		threads = len(chunks)
	}
	g, err := sink.GlobalSinkState(ctx)
	if err != nil {
		return nil, fmt.Errorf("error in GlobalSinkState: %w", err)
	}

	work := make(chan *table.Chunk)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		defer close(work)
		for _, chunk := range chunks {
			select {
			case work <- chunk:
			case <-egCtx.Done():
				return egCtx.Err()
			}
		}
		return nil
	})

	for i := 0; i < threads; i++ {
		eg.Go(func() error {
			l, err := sink.LocalSinkState(egCtx, g)
			if err != nil {
				return fmt.Errorf("error in LocalSinkState: %w", err)
			}
			finished := false
			for chunk := range work {
				if finished {
					continue
				}
				res, err := sinkChunk(egCtx, sink, chunk, g, l)
				if err != nil {
					return err
				}
				finished = res == SinkFinished
			}
			for {
				res, err := sink.Combine(egCtx, g, l)
				if err != nil {
					return fmt.Errorf("error in Combine: %w", err)
				}
				if res == CombineFinished {
					return nil
				}
				if err := yield(egCtx); err != nil {
					return err
				}
			}
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	for {
		res, err := sink.Finalize(ctx, g)
		if err != nil {
			return nil, fmt.Errorf("error in Finalize: %w", err)
		}
		if res == FinalizeReady {
			return g, nil
		}
		if err := yield(ctx); err != nil {
			return nil, err
		}
	}
}

// sinkChunk retries a blocked sink until it accepts the chunk.
func sinkChunk(ctx context.Context, sink Sink, chunk *table.Chunk, g GlobalSinkState, l LocalSinkState) (SinkResult, error) {
	for {
		res, err := sink.Sink(ctx, chunk, g, l)
		if err != nil {
			return res, err
		}
		if res != SinkBlocked {
			return res, nil
		}
		if err := yield(ctx); err != nil {
			return res, err
		}
	}
}

func yield(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	runtime.Gosched()
	return nil
}

// Replay drains a finalized source into sink on the calling goroutine and
// finalizes the sink. Nothing in a replay may block, a blocked result is a
// bug in the operator tree.
func Replay(ctx context.Context, src Source, srcState GlobalSinkState, sink Sink) (GlobalSinkState, error) {
	sourceState, err := src.GlobalSourceState(ctx, srcState)
	if err != nil {
		return nil, fmt.Errorf("error in GlobalSourceState: %w", err)
	}
	g, err := sink.GlobalSinkState(ctx)
	if err != nil {
		return nil, fmt.Errorf("error in GlobalSinkState: %w", err)
	}
	l, err := sink.LocalSinkState(ctx, g)
	if err != nil {
		return nil, fmt.Errorf("error in LocalSinkState: %w", err)
	}

	for {
		chunk := table.NewChunk(src.Types())
		sourceRes, err := src.GetData(ctx, chunk, sourceState)
		if err != nil {
			return nil, fmt.Errorf("error in GetData: %w", err)
		}
		switch sourceRes {
		case SourceHaveMoreOutput, SourceFinished:
		default:
			return nil, utils.NewInternalError(ErrUnsupportedAsyncChild, "replay source")
		}
		if chunk.Len() == 0 {
			break
		}

		sinkRes, err := sink.Sink(ctx, chunk, g, l)
		if err != nil {
			return nil, err
		}
		if sinkRes == SinkBlocked {
			return nil, utils.NewInternalError(ErrUnsupportedAsyncChild, "replay sink")
		}
		if sourceRes == SourceFinished {
			break
		}
	}

	combineRes, err := sink.Combine(ctx, g, l)
	if err != nil {
		return nil, fmt.Errorf("error in Combine: %w", err)
	}
	if combineRes != CombineFinished {
		return nil, utils.NewInternalError(ErrUnsupportedAsyncChild, "replay combine")
	}
	finalizeRes, err := sink.Finalize(ctx, g)
	if err != nil {
		return nil, fmt.Errorf("error in Finalize: %w", err)
	}
	if finalizeRes != FinalizeReady {
		return nil, utils.NewInternalError(ErrUnsupportedAsyncChild, "replay finalize")
	}
	return g, nil
}

// Collect reads every chunk a finalized source produces.
func Collect(ctx context.Context, src Source, g GlobalSinkState) ([]*table.Chunk, error) {
	sourceState, err := src.GlobalSourceState(ctx, g)
	if err != nil {
		return nil, fmt.Errorf("error in GlobalSourceState: %w", err)
	}
	var chunks []*table.Chunk
	for {
		chunk := table.NewChunk(src.Types())
		res, err := src.GetData(ctx, chunk, sourceState)
		if err != nil {
			return nil, fmt.Errorf("error in GetData: %w", err)
		}
		if res == SourceBlocked {
			if err := yield(ctx); err != nil {
				return nil, err
			}
			continue
		}
		if chunk.Len() > 0 {
			chunks = append(chunks, chunk)
		}
		if res == SourceFinished || chunk.Len() == 0 {
			return chunks, nil
		}
	}
}
