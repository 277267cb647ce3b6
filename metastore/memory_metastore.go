package metastore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aclowes/ducklake/part"
	"github.com/aclowes/ducklake/table"
	"github.com/aclowes/ducklake/utils"
)

type (
	// MemoryMetaStore keeps the catalog in process. Used by tests and
	// single node tooling.
	MemoryMetaStore struct {
		mu sync.RWMutex

		tables      map[string]*table.Schema
		dataFiles   map[string]part.DataFile
		deleteFiles map[string]part.DeleteFile
		scheduled   map[string]time.Time

		// now is swappable so tests can control schedule times
		now func() time.Time
	}
)

func NewMemoryMetaStore() *MemoryMetaStore {
	return &MemoryMetaStore{
		tables:      make(map[string]*table.Schema),
		dataFiles:   make(map[string]part.DataFile),
		deleteFiles: make(map[string]part.DeleteFile),
		scheduled:   make(map[string]time.Time),
		now:         time.Now,
	}
}

func (mms *MemoryMetaStore) SetClock(now func() time.Time) {
	mms.mu.Lock()
	defer mms.mu.Unlock()
	mms.now = now
}

func copySchema(s *table.Schema) *table.Schema {
	c := *s
	c.Columns = append([]table.Column(nil), s.Columns...)
	c.PartitionBy = append([]table.PartitionField(nil), s.PartitionBy...)
	return &c
}

func (mms *MemoryMetaStore) CreateTable(ctx context.Context, s table.Schema) (*table.Schema, error) {
	if err := s.Validate(); err != nil {
		return nil, utils.NewUserError(err, "invalid table %s", s.Name)
	}
	mms.mu.Lock()
	defer mms.mu.Unlock()
	if _, exists := mms.tables[s.Name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrTableExists, s.Name)
	}
	s.ID = utils.GenKSortedID("tbl_")
	mms.tables[s.Name] = copySchema(&s)
	return copySchema(&s), nil
}

func (mms *MemoryMetaStore) GetTable(ctx context.Context, name string) (*table.Schema, error) {
	mms.mu.RLock()
	defer mms.mu.RUnlock()
	s, exists := mms.tables[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	return copySchema(s), nil
}

func (mms *MemoryMetaStore) ListTables(ctx context.Context) ([]string, error) {
	mms.mu.RLock()
	defer mms.mu.RUnlock()
	names := make([]string, 0, len(mms.tables))
	for name := range mms.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (mms *MemoryMetaStore) ListDataFiles(ctx context.Context, tableID string) ([]part.DataFile, error) {
	mms.mu.RLock()
	defer mms.mu.RUnlock()
	var files []part.DataFile
	for _, df := range mms.dataFiles {
		if df.TableID == tableID && df.Enabled {
			files = append(files, df)
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].RowIDStart < files[j].RowIDStart || (files[i].RowIDStart == files[j].RowIDStart && files[i].ID < files[j].ID) })
	return files, nil
}

func (mms *MemoryMetaStore) ListDeleteFiles(ctx context.Context, tableID string) (map[string]part.DeleteFile, error) {
	mms.mu.RLock()
	defer mms.mu.RUnlock()
	res := make(map[string]part.DeleteFile)
	for dataFileID, del := range mms.deleteFiles {
		if df, ok := mms.dataFiles[dataFileID]; ok && df.TableID == tableID {
			res[dataFileID] = del
		}
	}
	return res, nil
}

func (mms *MemoryMetaStore) Commit(ctx context.Context, cs ChangeSet) error {
	mms.mu.Lock()
	defer mms.mu.Unlock()
	now := mms.now()

	var tbl *table.Schema
	for _, s := range mms.tables {
		if s.ID == cs.TableID {
			tbl = s
		}
	}
	if tbl == nil {
		return fmt.Errorf("%w: %s", ErrTableNotFound, cs.TableID)
	}

	// Validate before mutating anything
	for _, id := range cs.DroppedDataFiles {
		if _, ok := mms.dataFiles[id]; !ok {
			return fmt.Errorf("%w: data file %s no longer exists", ErrConflict, id)
		}
	}
	for _, del := range cs.NewDeleteFiles {
		if _, ok := mms.dataFiles[del.DataFileID]; !ok {
			return fmt.Errorf("%w: data file %s no longer exists", ErrConflict, del.DataFileID)
		}
	}
	for id := range cs.BaseDeleteFiles {
		if err := cs.CheckDeleteFile(id, mms.deleteFiles[id].ID); err != nil {
			return err
		}
	}

	shift := cs.RowIDShift(tbl.NextRowID)
	tbl.NextRowID += cs.Allocated()
	for _, df := range cs.NewDataFiles {
		if !df.HasRowIDColumn {
			df.RowIDStart += shift
		}
		df.TableID = cs.TableID
		df.Enabled = true
		df.CreatedAt = now
		mms.dataFiles[df.ID] = df
	}
	for _, del := range cs.NewDeleteFiles {
		if old, ok := mms.deleteFiles[del.DataFileID]; ok {
			mms.scheduled[old.Path] = now
		}
		del.CreatedAt = now
		mms.deleteFiles[del.DataFileID] = del
	}
	for _, id := range cs.DroppedDataFiles {
		df := mms.dataFiles[id]
		mms.scheduled[df.Path] = now
		delete(mms.dataFiles, id)
		if del, ok := mms.deleteFiles[id]; ok {
			mms.scheduled[del.Path] = now
			delete(mms.deleteFiles, id)
		}
	}
	for _, p := range cs.ScheduleForDeletion {
		mms.scheduled[p] = now
	}
	return nil
}

func (mms *MemoryMetaStore) ListFilesScheduledForCleanup(ctx context.Context, olderThan *time.Time) ([]part.FileForCleanup, error) {
	mms.mu.RLock()
	defer mms.mu.RUnlock()
	var files []part.FileForCleanup
	for p, start := range mms.scheduled {
		if olderThan != nil && !start.Before(*olderThan) {
			continue
		}
		files = append(files, part.FileForCleanup{Path: p, Time: start, Type: part.CleanupOldFiles})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func (mms *MemoryMetaStore) RemoveFilesScheduledForCleanup(ctx context.Context, paths []string) error {
	mms.mu.Lock()
	defer mms.mu.Unlock()
	for _, p := range paths {
		delete(mms.scheduled, p)
	}
	return nil
}

func (mms *MemoryMetaStore) ListReferencedPaths(ctx context.Context) (map[string]bool, error) {
	mms.mu.RLock()
	defer mms.mu.RUnlock()
	refs := make(map[string]bool, len(mms.dataFiles)+len(mms.deleteFiles)+len(mms.scheduled))
	for _, df := range mms.dataFiles {
		refs[df.Path] = true
	}
	for _, del := range mms.deleteFiles {
		refs[del.Path] = true
	}
	for p := range mms.scheduled {
		refs[p] = true
	}
	return refs, nil
}

func (mms *MemoryMetaStore) Shutdown(_ context.Context) error {
	return nil
}
