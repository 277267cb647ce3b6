package operators

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/aclowes/ducklake/lake_types"
	"github.com/aclowes/ducklake/table"
	"github.com/aclowes/ducklake/utils"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

var ErrInvalidExpression = errors.New("invalid expression")

// Predicate is a compiled WHERE clause over a table's columns. A nil
// Predicate matches every row.
type Predicate struct {
	program *vm.Program
	columns []table.Column
}

// exprEnv builds a compile time environment whose values carry each
// column's Go type, so expressions are type checked against the table.
func exprEnv(cols []table.Column) map[string]any {
	env := make(map[string]any, len(cols)+1)
	for _, col := range cols {
		env[col.Name] = sampleValue(col.Type)
	}
	env[table.RowIDVirtualName] = int64(0)
	return env
}

func sampleValue(t lake_types.LogicalType) any {
	switch t.ID {
	case lake_types.Boolean:
		return false
	case lake_types.TinyInt:
		return int8(0)
	case lake_types.SmallInt:
		return int16(0)
	case lake_types.Integer:
		return int32(0)
	case lake_types.BigInt:
		return int64(0)
	case lake_types.UTinyInt:
		return uint8(0)
	case lake_types.USmallInt:
		return uint16(0)
	case lake_types.UInteger:
		return uint32(0)
	case lake_types.UBigInt:
		return uint64(0)
	case lake_types.HugeInt, lake_types.UHugeInt:
		return new(big.Int)
	case lake_types.Float:
		return float32(0)
	case lake_types.Double:
		return float64(0)
	case lake_types.Time:
		return time.Duration(0)
	case lake_types.Date, lake_types.Timestamp, lake_types.TimestampMS, lake_types.TimestampNS, lake_types.TimestampS, lake_types.TimestampTZ:
		return time.Time{}
	case lake_types.Blob:
		return []byte(nil)
	case lake_types.Struct, lake_types.Map:
		return map[string]any{}
	case lake_types.List:
		return []any{}
	}
	// decimal, varchar and friends
	return ""
}

// rowEnv binds a row's values to column names for evaluation.
func rowEnv(cols []table.Column, row []any, rowID int64) map[string]any {
	env := make(map[string]any, len(cols)+1)
	for i, col := range cols {
		env[col.Name] = row[i]
	}
	env[table.RowIDVirtualName] = rowID
	return env
}

// CompilePredicate compiles a boolean expression over the columns. An empty
// expression returns a nil Predicate.
func CompilePredicate(cols []table.Column, where string) (*Predicate, error) {
	if where == "" {
		return nil, nil
	}
	program, err := expr.Compile(where, expr.Env(exprEnv(cols)), expr.AsBool())
	if err != nil {
		return nil, utils.NewUserError(fmt.Errorf("%w: %w", ErrInvalidExpression, err), "error compiling %q", where)
	}
	return &Predicate{program: program, columns: cols}, nil
}

func (p *Predicate) Match(row []any, rowID int64) (bool, error) {
	if p == nil {
		return true, nil
	}
	out, err := expr.Run(p.program, rowEnv(p.columns, row, rowID))
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrInvalidExpression, err)
	}
	match, _ := out.(bool)
	return match, nil
}

func compileValue(cols []table.Column, e string) (*vm.Program, error) {
	program, err := expr.Compile(e, expr.Env(exprEnv(cols)))
	if err != nil {
		return nil, utils.NewUserError(fmt.Errorf("%w: %w", ErrInvalidExpression, err), "error compiling %q", e)
	}
	return program, nil
}
