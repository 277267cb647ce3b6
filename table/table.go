package table

import (
	"errors"
	"fmt"

	"github.com/aclowes/ducklake/lake_types"
)

// VectorSize is the number of rows in a full chunk.
const VectorSize = 2048

const (
	// RowIDColumnName is the physical column carrying row ids in files whose
	// rows were rewritten.
	RowIDColumnName = "_ducklake_internal_row_id"
	// RowIDVirtualName exposes a row's id to expressions
	RowIDVirtualName = "rowid"
)

var (
	ErrColumnNotFound   = errors.New("column not found")
	ErrDuplicateColumn  = errors.New("duplicate column name")
	ErrRowLengthInvalid = errors.New("row length does not match column count")
	ErrInvalidPartition = errors.New("invalid partition field")
)

type (
	Column struct {
		Name string
		Type lake_types.LogicalType
	}

	PartitionTransform string

	PartitionField struct {
		Transform PartitionTransform
		// ColumnIndex is the source column the transform reads
		ColumnIndex int
	}

	Schema struct {
		ID          string
		Name        string
		Columns     []Column
		PartitionBy []PartitionField
		// NextRowID is the first unassigned row id
		NextRowID int64
	}

	// Chunk is a batch of at most VectorSize rows, row major. Rows[i][j] is
	// the value of column j, typed per lake_types.CastValue.
	Chunk struct {
		Types []lake_types.LogicalType
		Rows  [][]any
	}

	// RowRef identifies a committed row: its file, position in the file, and
	// row id. Scans append it as three trailing columns.
	RowRef struct {
		FilePath string
		FileRow  uint64
		RowID    int64
	}
)

const (
	Identity PartitionTransform = "identity"
	Year     PartitionTransform = "year"
	Month    PartitionTransform = "month"
	Day      PartitionTransform = "day"
	Hour     PartitionTransform = "hour"
)

func (s *Schema) ColumnIndex(name string) (int, error) {
	for i, c := range s.Columns {
		if c.Name == name {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %s", ErrColumnNotFound, name)
}

func (s *Schema) Types() []lake_types.LogicalType {
	types := make([]lake_types.LogicalType, len(s.Columns))
	for i, c := range s.Columns {
		types[i] = c.Type
	}
	return types
}

// PartitionKey is the hive key of a partition field: the column name for
// identity, `<column>_<transform>` otherwise.
func (s *Schema) PartitionKey(pf PartitionField) string {
	name := s.Columns[pf.ColumnIndex].Name
	if pf.Transform == Identity {
		return name
	}
	return name + "_" + string(pf.Transform)
}

// Validate checks column names and types, and that every partition field is
// a known transform over a column it applies to, with a distinct key.
func (s *Schema) Validate() error {
	seen := make(map[string]bool, len(s.Columns))
	for _, c := range s.Columns {
		if seen[c.Name] {
			return fmt.Errorf("%w: %s", ErrDuplicateColumn, c.Name)
		}
		seen[c.Name] = true
		if err := lake_types.CheckSupported(c.Type); err != nil {
			return fmt.Errorf("column %q: %w", c.Name, err)
		}
	}
	keys := make(map[string]bool, len(s.PartitionBy))
	for _, pf := range s.PartitionBy {
		if pf.ColumnIndex < 0 || pf.ColumnIndex >= len(s.Columns) {
			return fmt.Errorf("%w: partition column index %d", ErrColumnNotFound, pf.ColumnIndex)
		}
		col := s.Columns[pf.ColumnIndex]
		switch pf.Transform {
		case Identity:
		case Year, Month, Day, Hour:
			if !col.Type.IsTemporal() {
				return fmt.Errorf("%w: %s of %s column %q", ErrInvalidPartition, pf.Transform, col.Type, col.Name)
			}
		default:
			return fmt.Errorf("%w: unknown transform %q", ErrInvalidPartition, pf.Transform)
		}
		key := s.PartitionKey(pf)
		if keys[key] {
			return fmt.Errorf("%w: duplicate partition key %s", ErrInvalidPartition, key)
		}
		keys[key] = true
	}
	return nil
}

func NewChunk(types []lake_types.LogicalType) *Chunk {
	return &Chunk{Types: types, Rows: make([][]any, 0, VectorSize)}
}

func (c *Chunk) Len() int {
	return len(c.Rows)
}

func (c *Chunk) Full() bool {
	return len(c.Rows) >= VectorSize
}

func (c *Chunk) Append(row []any) error {
	if len(row) != len(c.Types) {
		return fmt.Errorf("%w: got %d, expected %d", ErrRowLengthInvalid, len(row), len(c.Types))
	}
	c.Rows = append(c.Rows, row)
	return nil
}

// SplitRows cuts rows into chunks of at most VectorSize rows.
func SplitRows(types []lake_types.LogicalType, rows [][]any) []*Chunk {
	var chunks []*Chunk
	for start := 0; start < len(rows); start += VectorSize {
		end := start + VectorSize
		if end > len(rows) {
			end = len(rows)
		}
		chunks = append(chunks, &Chunk{Types: types, Rows: rows[start:end]})
	}
	return chunks
}

// RefColumns returns the types of the trailing row reference columns.
func RefColumns() []lake_types.LogicalType {
	return []lake_types.LogicalType{lake_types.Of(lake_types.Varchar), lake_types.Of(lake_types.UBigInt), lake_types.Of(lake_types.BigInt)}
}

// RefFromRow reads the row reference from the last three values of row.
func RefFromRow(row []any) (RowRef, error) {
	if len(row) < 3 {
		return RowRef{}, fmt.Errorf("%w: row has no row reference", ErrRowLengthInvalid)
	}
	n := len(row)
	path, ok1 := row[n-3].(string)
	fileRow, ok2 := row[n-2].(uint64)
	rowID, ok3 := row[n-1].(int64)
	if !ok1 || !ok2 || !ok3 {
		return RowRef{}, fmt.Errorf("%w: malformed row reference %v", ErrRowLengthInvalid, row[n-3:])
	}
	return RowRef{FilePath: path, FileRow: fileRow, RowID: rowID}, nil
}

func (r RowRef) Values() []any {
	return []any{r.FilePath, r.FileRow, r.RowID}
}
