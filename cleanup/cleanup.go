package cleanup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aclowes/ducklake/datastore"
	"github.com/aclowes/ducklake/gologger"
	"github.com/aclowes/ducklake/metastore"
	"github.com/aclowes/ducklake/part"
	"github.com/aclowes/ducklake/table"
	"github.com/aclowes/ducklake/utils"
	"github.com/rs/zerolog"
)

var (
	logger = gologger.NewLogger()

	ErrInvalidCleanupFilter = errors.New("invalid cleanup filter")
	ErrUnknownCleanupType   = errors.New("unknown cleanup type")
)

type (
	// Options are the named parameters of a cleanup call.
	Options struct {
		OlderThan  *time.Time `json:"older_than"`
		CleanupAll bool       `json:"cleanup_all"`
		DryRun     bool       `json:"dry_run"`
	}

	Config struct {
		// OrphanFileDeleteOlderThan is the default retention for orphaned
		// files when neither older_than nor cleanup_all is given. Zero means
		// unset.
		OrphanFileDeleteOlderThan time.Duration
	}

	// Bound is a cleanup call with its filter resolved.
	Bound struct {
		Type part.CleanupType
		// Cutoff excludes files at or after it, nil means every file
		Cutoff *time.Time
		DryRun bool
	}

	Reclaimer struct {
		MetaStore metastore.MetaStore
		DataStore datastore.DataStore
		Config    Config
	}

	// Result holds the reclaimed paths, read in batches.
	Result struct {
		Files  []part.FileForCleanup
		offset int
	}
)

// Bind resolves the filter of a cleanup call. Exactly one of older_than,
// cleanup_all or, for orphaned files, the configured default must apply.
func Bind(t part.CleanupType, opts Options, cfg Config, now time.Time) (Bound, error) {
	if t != part.CleanupOldFiles && t != part.CleanupOrphanedFiles {
		return Bound{}, utils.NewInternalError(ErrUnknownCleanupType, "%s", t)
	}
	b := Bound{Type: t, DryRun: opts.DryRun}
	switch {
	case opts.OlderThan != nil && opts.CleanupAll:
		return Bound{}, utils.NewUserError(ErrInvalidCleanupFilter, "%s: older_than and cleanup_all cannot both be set", t)
	case opts.OlderThan != nil:
		cutoff := opts.OlderThan.UTC()
		b.Cutoff = &cutoff
	case opts.CleanupAll:
	case t == part.CleanupOrphanedFiles && cfg.OrphanFileDeleteOlderThan > 0:
		cutoff := now.Add(-cfg.OrphanFileDeleteOlderThan).UTC()
		b.Cutoff = &cutoff
	default:
		return Bound{}, utils.NewUserError(ErrInvalidCleanupFilter, "%s: either older_than or cleanup_all must be set", t)
	}
	return b, nil
}

// Run binds and executes a cleanup call.
func (r *Reclaimer) Run(ctx context.Context, t part.CleanupType, opts Options) (*Result, error) {
	b, err := Bind(t, opts, r.Config, time.Now())
	if err != nil {
		return nil, err
	}
	return r.Execute(ctx, b)
}

// Candidates lists the files a bound call would reclaim, sorted by path.
func (r *Reclaimer) Candidates(ctx context.Context, b Bound) ([]part.FileForCleanup, error) {
	var files []part.FileForCleanup
	switch b.Type {
	case part.CleanupOldFiles:
		var err error
		files, err = r.MetaStore.ListFilesScheduledForCleanup(ctx, b.Cutoff)
		if err != nil {
			return nil, fmt.Errorf("error in ListFilesScheduledForCleanup: %w", err)
		}
	case part.CleanupOrphanedFiles:
		stored, err := r.DataStore.List(ctx, "")
		if err != nil {
			return nil, fmt.Errorf("error in DataStore.List: %w", err)
		}
		refs, err := r.MetaStore.ListReferencedPaths(ctx)
		if err != nil {
			return nil, fmt.Errorf("error in ListReferencedPaths: %w", err)
		}
		for _, f := range stored {
			if refs[f.Path] {
				continue
			}
			if b.Cutoff != nil && !f.LastModified.Before(*b.Cutoff) {
				continue
			}
			files = append(files, part.FileForCleanup{Path: f.Path, Time: f.LastModified, Type: part.CleanupOrphanedFiles})
		}
	default:
		return nil, utils.NewInternalError(ErrUnknownCleanupType, "%s", b.Type)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// Execute reclaims the candidates of a bound call. Removal from storage is
// best effort. Old files are then removed from the catalog, orphans never
// touch it. A dry run only lists.
func (r *Reclaimer) Execute(ctx context.Context, b Bound) (*Result, error) {
	logger := zerolog.Ctx(ctx).With().Str("cleanupType", b.Type.String()).Bool("dryRun", b.DryRun).Logger()
	files, err := r.Candidates(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("error in Candidates: %w", err)
	}
	if b.DryRun || len(files) == 0 {
		logger.Debug().Int("files", len(files)).Msg("cleanup found files")
		return &Result{Files: files}, nil
	}

	removed := 0
	for _, f := range files {
		if r.DataStore.TryRemoveFile(ctx, f.Path) {
			removed++
		}
	}

	if b.Type == part.CleanupOldFiles {
		paths := make([]string, len(files))
		for i, f := range files {
			paths[i] = f.Path
		}
		if err := r.MetaStore.RemoveFilesScheduledForCleanup(ctx, paths); err != nil {
			return nil, fmt.Errorf("error in RemoveFilesScheduledForCleanup: %w", err)
		}
	}
	logger.Info().Int("files", len(files)).Int("removed", removed).Msg("cleanup finished")
	return &Result{Files: files}, nil
}

// Next returns the next batch of at most table.VectorSize paths, or nil once
// every path was returned.
func (r *Result) Next() []string {
	if r.offset >= len(r.Files) {
		return nil
	}
	end := r.offset + table.VectorSize
	if end > len(r.Files) {
		end = len(r.Files)
	}
	paths := make([]string, 0, end-r.offset)
	for _, f := range r.Files[r.offset:end] {
		paths = append(paths, f.Path)
	}
	r.offset = end
	return paths
}

func (r *Result) Paths() []string {
	paths := make([]string, len(r.Files))
	for i, f := range r.Files {
		paths[i] = f.Path
	}
	return paths
}
