package metastore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aclowes/ducklake/gologger"
	"github.com/aclowes/ducklake/lake_types"
	"github.com/aclowes/ducklake/part"
	"github.com/aclowes/ducklake/table"
	"github.com/aclowes/ducklake/utils"
)

var (
	logger = gologger.NewLogger()

	ErrTableExists   = errors.New("table already exists")
	ErrTableNotFound = errors.New("table not found")
	// ErrConflict means a file this transaction changed was changed by
	// another transaction first. It is permanent, retrying the same change
	// set can never succeed.
	ErrConflict = utils.PermError("transaction conflict")
)

type (
	MetaStore interface {
		// CreateTable persists a validated schema, assigning its ID
		CreateTable(ctx context.Context, s table.Schema) (*table.Schema, error)
		GetTable(ctx context.Context, name string) (*table.Schema, error)
		ListTables(ctx context.Context) ([]string, error)

		// ListDataFiles lists the live data files of a table
		ListDataFiles(ctx context.Context, tableID string) ([]part.DataFile, error)
		// ListDeleteFiles returns the live delete files of a table keyed by
		// data file ID
		ListDeleteFiles(ctx context.Context, tableID string) (map[string]part.DeleteFile, error)

		// Commit applies a change set atomically
		Commit(ctx context.Context, cs ChangeSet) error

		// ListFilesScheduledForCleanup lists files scheduled for deletion
		// before olderThan, or all of them if olderThan is nil
		ListFilesScheduledForCleanup(ctx context.Context, olderThan *time.Time) ([]part.FileForCleanup, error)
		RemoveFilesScheduledForCleanup(ctx context.Context, paths []string) error
		// ListReferencedPaths returns every path the catalog knows about,
		// including files scheduled for deletion
		ListReferencedPaths(ctx context.Context) (map[string]bool, error)

		Shutdown(ctx context.Context) error
	}

	ChangeSet struct {
		TableID string
		// BaseNextRowID is the table's row id counter when the transaction
		// began, NextRowID is where the transaction left it. New files
		// without a row id column are numbered from BaseNextRowID and are
		// moved to the counter's value at commit.
		BaseNextRowID int64
		NextRowID     int64
		// BaseDeleteFiles holds the delete file ID, empty for none, that the
		// transaction saw for every data file it deletes from or drops
		BaseDeleteFiles  map[string]string
		NewDataFiles     []part.DataFile
		NewDeleteFiles   []part.DeleteFile
		DroppedDataFiles []string
		// ScheduleForDeletion are extra paths to hand to cleanup_old_files
		ScheduleForDeletion []string
	}

	// columnRow is one row of the column catalog. Nested types store their
	// children as rows pointing at the parent.
	columnRow struct {
		ColumnID int64
		ParentID *int64
		Order    int
		Name     string
		Type     string
	}
)

// RowIDShift is how far the row ids this change set allocated must move
// when the table's counter is at next.
func (cs ChangeSet) RowIDShift(next int64) int64 {
	return next - cs.BaseNextRowID
}

// Allocated is the number of row ids this change set hands out.
func (cs ChangeSet) Allocated() int64 {
	return cs.NextRowID - cs.BaseNextRowID
}

// CheckDeleteFile reports ErrConflict when the delete file of a data file is
// no longer the one the transaction began with.
func (cs ChangeSet) CheckDeleteFile(dataFileID, current string) error {
	base, ok := cs.BaseDeleteFiles[dataFileID]
	if ok && base != current {
		return fmt.Errorf("%w: delete file of data file %s changed", ErrConflict, dataFileID)
	}
	return nil
}

func (cs ChangeSet) Empty() bool {
	return len(cs.NewDataFiles) == 0 && len(cs.NewDeleteFiles) == 0 && len(cs.DroppedDataFiles) == 0 && len(cs.ScheduleForDeletion) == 0
}

func flattenColumns(cols []table.Column) ([]columnRow, error) {
	var rows []columnRow
	var nextID int64
	var walk func(parent *int64, order int, name string, t lake_types.LogicalType) error
	walk = func(parent *int64, order int, name string, t lake_types.LogicalType) error {
		encoded, err := lake_types.Encode(t)
		if err != nil {
			return fmt.Errorf("column %q: %w", name, err)
		}
		id := nextID
		nextID++
		rows = append(rows, columnRow{ColumnID: id, ParentID: parent, Order: order, Name: name, Type: encoded})
		for i, child := range t.Children {
			if err := walk(&id, i, child.Name, child.Type); err != nil {
				return err
			}
		}
		return nil
	}
	for i, col := range cols {
		if err := walk(nil, i, col.Name, col.Type); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

func buildColumns(rows []columnRow) ([]table.Column, error) {
	children := make(map[int64][]columnRow)
	var roots []columnRow
	for _, r := range rows {
		if r.ParentID == nil {
			roots = append(roots, r)
		} else {
			children[*r.ParentID] = append(children[*r.ParentID], r)
		}
	}
	var build func(r columnRow) (lake_types.LogicalType, error)
	build = func(r columnRow) (lake_types.LogicalType, error) {
		var t lake_types.LogicalType
		switch r.Type {
		case string(lake_types.Struct), string(lake_types.List), string(lake_types.Map):
			t = lake_types.LogicalType{ID: lake_types.TypeID(r.Type)}
		default:
			var err error
			t, err = lake_types.Decode(r.Type)
			if err != nil {
				return t, fmt.Errorf("column %q: %w", r.Name, err)
			}
		}
		kids := children[r.ColumnID]
		sort.Slice(kids, func(i, j int) bool { return kids[i].Order < kids[j].Order })
		for _, k := range kids {
			kt, err := build(k)
			if err != nil {
				return t, err
			}
			t.Children = append(t.Children, lake_types.ChildType{Name: k.Name, Type: kt})
		}
		return t, nil
	}

	sort.Slice(roots, func(i, j int) bool { return roots[i].Order < roots[j].Order })
	cols := make([]table.Column, 0, len(roots))
	for _, r := range roots {
		t, err := build(r)
		if err != nil {
			return nil, err
		}
		cols = append(cols, table.Column{Name: r.Name, Type: t})
	}
	return cols, nil
}
