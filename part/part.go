package part

import (
	"fmt"
	"time"
)

type (
	// DataFile is an immutable parquet file holding committed rows of a table.
	DataFile struct {
		ID      string
		TableID string
		Path    string
		// Partition is the hive style partition path, `k=v/k=v`, empty for
		// unpartitioned tables
		Partition       string
		PartitionValues map[string]string
		RecordCount     int64
		FileSize        int64
		// RowIDStart is the row id of the first row when the file does not
		// carry an explicit row id column
		RowIDStart int64
		// HasRowIDColumn is set for files written by updates and merges, whose
		// rows keep their original row ids
		HasRowIDColumn bool
		Enabled        bool
		CreatedAt      time.Time
	}

	// DeleteFile lists the deleted row positions of one data file.
	DeleteFile struct {
		ID          string
		DataFileID  string
		Path        string
		DeleteCount int64
		FileSize    int64
		CreatedAt   time.Time
	}

	// ExtendedFileEntry describes a delete artifact produced by a flush,
	// consumed once when the artifact is registered in the catalog.
	ExtendedFileEntry struct {
		Path         string
		DataFilePath string
		DeleteCount  int64
		FileSize     int64
	}

	CleanupType int

	// FileForCleanup is a removal candidate.
	FileForCleanup struct {
		Path string
		// Time is the schedule start for old files, and last modified time for
		// orphans
		Time time.Time
		Type CleanupType
	}
)

const (
	CleanupOldFiles CleanupType = iota
	CleanupOrphanedFiles
)

func (c CleanupType) String() string {
	switch c {
	case CleanupOldFiles:
		return "cleanup_old_files"
	case CleanupOrphanedFiles:
		return "delete_orphaned_files"
	}
	return fmt.Sprintf("CleanupType(%d)", int(c))
}

// FileRowID returns the row id of the row at position pos of a file
// without a row id column.
func (df DataFile) FileRowID(pos int64) int64 {
	return df.RowIDStart + pos
}
