package transaction

import (
	"context"
	"fmt"
	"path"
	"sort"
	"sync"

	"github.com/aclowes/ducklake/datastore"
	"github.com/aclowes/ducklake/gologger"
	"github.com/aclowes/ducklake/metastore"
	"github.com/aclowes/ducklake/part"
	"github.com/aclowes/ducklake/table"
	"github.com/aclowes/ducklake/utils"
	"github.com/rs/zerolog"
)

var logger = gologger.NewLogger()

// Transaction stages the file writes and catalog changes of one statement
// against one table. Nothing is visible to other transactions until Commit.
type Transaction struct {
	ID        string
	MetaStore metastore.MetaStore
	DataStore datastore.DataStore
	Table     *table.Schema

	mu          sync.Mutex
	dataFiles   map[string]part.DataFile
	deleteFiles map[string]part.DeleteFile
	// pendingDeletes are delete files written by this transaction, by data
	// file ID
	pendingDeletes map[string]part.DeleteFile
	dropped        map[string]bool
	newDataFiles   []part.DataFile
	scheduled      []string
	written        []string
	nextRowID      int64
	done           bool
}

// Begin loads the table and its live files.
func Begin(ctx context.Context, ms metastore.MetaStore, ds datastore.DataStore, tableName string) (*Transaction, error) {
	s, err := ms.GetTable(ctx, tableName)
	if err != nil {
		return nil, fmt.Errorf("error in GetTable: %w", err)
	}
	files, err := ms.ListDataFiles(ctx, s.ID)
	if err != nil {
		return nil, fmt.Errorf("error in ListDataFiles: %w", err)
	}
	deletes, err := ms.ListDeleteFiles(ctx, s.ID)
	if err != nil {
		return nil, fmt.Errorf("error in ListDeleteFiles: %w", err)
	}

	tx := &Transaction{
		ID:             utils.GenKSortedID("tx_"),
		MetaStore:      ms,
		DataStore:      ds,
		Table:          s,
		dataFiles:      make(map[string]part.DataFile, len(files)),
		deleteFiles:    deletes,
		pendingDeletes: make(map[string]part.DeleteFile),
		dropped:        make(map[string]bool),
		nextRowID:      s.NextRowID,
	}
	for _, df := range files {
		tx.dataFiles[df.Path] = df
	}
	zerolog.Ctx(ctx).Debug().Str("txID", tx.ID).Str("table", s.Name).Int("dataFiles", len(files)).Msg("began transaction")
	return tx, nil
}

// DataFiles lists the live data files committed before this transaction,
// less any it dropped.
func (tx *Transaction) DataFiles() []part.DataFile {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	files := make([]part.DataFile, 0, len(tx.dataFiles))
	for _, df := range tx.dataFiles {
		if !tx.dropped[df.ID] {
			files = append(files, df)
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files
}

func (tx *Transaction) DataFile(p string) (part.DataFile, bool) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	df, ok := tx.dataFiles[p]
	if !ok || tx.dropped[df.ID] {
		return part.DataFile{}, false
	}
	return df, true
}

// DeleteFileFor returns the committed delete file of a data file, if any.
func (tx *Transaction) DeleteFileFor(dataFileID string) (part.DeleteFile, bool) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	del, ok := tx.deleteFiles[dataFileID]
	return del, ok
}

func (tx *Transaction) NewDataFilePath(partition string) string {
	return path.Join(tx.Table.Name, partition, fmt.Sprintf("ducklake-%s.parquet", utils.GenKSortedID("")))
}

func (tx *Transaction) NewDeleteFilePath(df part.DataFile) string {
	return path.Join(tx.Table.Name, df.Partition, fmt.Sprintf("ducklake-%s-delete.parquet", utils.GenKSortedID("")))
}

// WriteFile writes a file to storage, remembering it for rollback.
func (tx *Transaction) WriteFile(ctx context.Context, p string, data []byte) error {
	tx.mu.Lock()
	tx.written = append(tx.written, p)
	tx.mu.Unlock()
	if err := tx.DataStore.WriteFile(ctx, p, data); err != nil {
		return fmt.Errorf("error in DataStore.WriteFile: %w", err)
	}
	return nil
}

// AddDataFiles registers new data files. Files without a row id column get
// the next block of row ids, relative to the counter at Begin. The catalog
// moves them to its counter at commit.
func (tx *Transaction) AddDataFiles(files []part.DataFile) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	for _, df := range files {
		df.TableID = tx.Table.ID
		if !df.HasRowIDColumn {
			df.RowIDStart = tx.nextRowID
			tx.nextRowID += df.RecordCount
		}
		tx.newDataFiles = append(tx.newDataFiles, df)
	}
}

// AddDeleteFile registers the delete file of a data file. A delete file
// written earlier in this transaction for the same data file is superseded.
func (tx *Transaction) AddDeleteFile(del part.DeleteFile) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if old, ok := tx.pendingDeletes[del.DataFileID]; ok {
		tx.scheduled = append(tx.scheduled, old.Path)
	}
	tx.pendingDeletes[del.DataFileID] = del
}

// DropDataFile removes a data file from the table. Its path, and its delete
// file's, are scheduled for cleanup at commit.
func (tx *Transaction) DropDataFile(df part.DataFile) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.dropped[df.ID] = true
	if pending, ok := tx.pendingDeletes[df.ID]; ok {
		tx.scheduled = append(tx.scheduled, pending.Path)
		delete(tx.pendingDeletes, df.ID)
	}
}

// ChangeSet is the catalog change this transaction would commit.
func (tx *Transaction) ChangeSet() metastore.ChangeSet {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	cs := metastore.ChangeSet{
		TableID:             tx.Table.ID,
		BaseNextRowID:       tx.Table.NextRowID,
		NextRowID:           tx.nextRowID,
		BaseDeleteFiles:     make(map[string]string, len(tx.pendingDeletes)+len(tx.dropped)),
		NewDataFiles:        append([]part.DataFile(nil), tx.newDataFiles...),
		ScheduleForDeletion: append([]string(nil), tx.scheduled...),
	}
	for id, del := range tx.pendingDeletes {
		cs.NewDeleteFiles = append(cs.NewDeleteFiles, del)
		cs.BaseDeleteFiles[id] = tx.deleteFiles[id].ID
	}
	sort.Slice(cs.NewDeleteFiles, func(i, j int) bool { return cs.NewDeleteFiles[i].Path < cs.NewDeleteFiles[j].Path })
	for id := range tx.dropped {
		cs.DroppedDataFiles = append(cs.DroppedDataFiles, id)
		cs.BaseDeleteFiles[id] = tx.deleteFiles[id].ID
	}
	sort.Strings(cs.DroppedDataFiles)
	return cs
}

// Commit applies the transaction to the catalog. On failure the files it
// wrote are removed.
func (tx *Transaction) Commit(ctx context.Context) error {
	cs := tx.ChangeSet()
	if !cs.Empty() {
		if err := tx.MetaStore.Commit(ctx, cs); err != nil {
			logger.Warn().Err(err).Str("txID", tx.ID).Str("table", tx.Table.Name).Msg("commit failed, rolling back")
			tx.Rollback(ctx)
			return fmt.Errorf("error in MetaStore.Commit: %w", err)
		}
	}
	tx.mu.Lock()
	tx.done = true
	tx.mu.Unlock()
	zerolog.Ctx(ctx).Debug().Str("txID", tx.ID).Int("newDataFiles", len(cs.NewDataFiles)).Int("newDeleteFiles", len(cs.NewDeleteFiles)).Int("droppedDataFiles", len(cs.DroppedDataFiles)).Msg("committed transaction")
	return nil
}

// Rollback removes every file the transaction wrote. It is a no-op after
// Commit, so it can be deferred.
func (tx *Transaction) Rollback(ctx context.Context) {
	tx.mu.Lock()
	if tx.done {
		tx.mu.Unlock()
		return
	}
	tx.done = true
	written := tx.written
	tx.written = nil
	tx.mu.Unlock()

	for _, p := range written {
		tx.DataStore.TryRemoveFile(ctx, p)
	}
	if len(written) > 0 {
		zerolog.Ctx(ctx).Debug().Str("txID", tx.ID).Int("files", len(written)).Msg("rolled back transaction")
	}
}
