package delete_map

import (
	"errors"
	"sync"

	"github.com/RoaringBitmap/roaring"
	"github.com/aclowes/ducklake/part"
	"github.com/aclowes/ducklake/utils"
)

var ErrMissingArtifact = errors.New("could not find matching file for written delete file")

// DeleteMap tracks the deleted rows of each data file within one transaction,
// and the delete artifacts written for them. Safe for concurrent use.
type DeleteMap struct {
	mu        sync.RWMutex
	vectors   map[string]*roaring.Bitmap
	artifacts map[string]part.ExtendedFileEntry
}

func New() *DeleteMap {
	return &DeleteMap{
		vectors:   make(map[string]*roaring.Bitmap),
		artifacts: make(map[string]part.ExtendedFileEntry),
	}
}

// RecordArtifact registers the delete artifact written for a data file. A
// later record for the same file replaces the earlier one.
func (dm *DeleteMap) RecordArtifact(entry part.ExtendedFileEntry) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.artifacts[entry.DataFilePath] = entry
}

func (dm *DeleteMap) LookupArtifact(dataFilePath string) (part.ExtendedFileEntry, error) {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	entry, ok := dm.artifacts[dataFilePath]
	if !ok {
		return entry, utils.NewInternalError(ErrMissingArtifact, "data file %s", dataFilePath)
	}
	return entry, nil
}

// GetVector returns a copy of the file's delete vector, or nil if the file
// has no deletes in this transaction.
func (dm *DeleteMap) GetVector(dataFilePath string) *roaring.Bitmap {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	bm, ok := dm.vectors[dataFilePath]
	if !ok {
		return nil
	}
	return bm.Clone()
}

// MergeVector unions rows into the file's delete vector and returns the
// merged result.
func (dm *DeleteMap) MergeVector(dataFilePath string, rows *roaring.Bitmap) *roaring.Bitmap {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	bm, ok := dm.vectors[dataFilePath]
	if !ok {
		bm = roaring.New()
		dm.vectors[dataFilePath] = bm
	}
	bm.Or(rows)
	return bm.Clone()
}

// ClearVector forgets the file's delete vector, used when the whole file is
// dropped instead.
func (dm *DeleteMap) ClearVector(dataFilePath string) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	delete(dm.vectors, dataFilePath)
}
