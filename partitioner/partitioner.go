package partitioner

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aclowes/ducklake/table"
	"github.com/spf13/cast"
)

type (
	PartitionFunc func(value any) (string, error)

	// Value is one derived partition key.
	Value struct {
		Key   string
		Value string
	}
)

const NullValue = "NULL"

var (
	Functions = map[table.PartitionTransform]PartitionFunc{
		table.Identity: func(value any) (string, error) {
			if t, ok := value.(time.Time); ok {
				return t.UTC().Format(time.RFC3339Nano), nil
			}
			return cast.ToStringE(value)
		},
		table.Year:  timeFunc(func(t time.Time) int { return t.Year() }),
		table.Month: timeFunc(func(t time.Time) int { return int(t.Month()) }),
		table.Day:   timeFunc(func(t time.Time) int { return t.Day() }),
		table.Hour:  timeFunc(func(t time.Time) int { return t.Hour() }),
	}

	ErrFuncNotFound      = errors.New("partition function not found")
	ErrInvalidColumnType = errors.New("invalid column type")
)

func timeFunc(extract func(time.Time) int) PartitionFunc {
	return func(value any) (string, error) {
		t, err := toTime(value)
		if err != nil {
			return "", err
		}
		return fmt.Sprint(extract(t)), nil
	}
}

func toTime(value any) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v.UTC(), nil
	case string:
		t, err := cast.ToTimeE(v)
		if err != nil {
			return time.Time{}, fmt.Errorf("error in cast.ToTimeE: %w", err)
		}
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("%w: %T", ErrInvalidColumnType, value)
}

// GetRowPartition derives the partition values of a row from the table's
// partition fields. Rows of unpartitioned tables have no values.
func GetRowPartition(s *table.Schema, row []any) ([]Value, error) {
	var vals []Value
	for _, pf := range s.PartitionBy {
		f, ok := Functions[pf.Transform]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrFuncNotFound, pf.Transform)
		}
		if pf.ColumnIndex >= len(row) {
			return nil, fmt.Errorf("partition column %d out of range", pf.ColumnIndex)
		}
		v := NullValue
		if row[pf.ColumnIndex] != nil {
			var err error
			v, err = f(row[pf.ColumnIndex])
			if err != nil {
				return nil, fmt.Errorf("error processing partition function %s: %w", pf.Transform, err)
			}
		}
		vals = append(vals, Value{Key: s.PartitionKey(pf), Value: v})
	}
	return vals, nil
}

// Path joins partition values into a hive path like `ts_year=2024/ts_month=3`.
func Path(vals []Value) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = fmt.Sprintf("%s=%s", v.Key, url.PathEscape(v.Value))
	}
	return strings.Join(parts, "/")
}

func ValueMap(vals []Value) map[string]string {
	m := make(map[string]string, len(vals))
	for _, v := range vals {
		m[v.Key] = v.Value
	}
	return m
}
