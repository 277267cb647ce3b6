package lake_types

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"reflect"
	"time"

	"github.com/spf13/cast"
)

const secondsPerDay = 24 * 60 * 60

// ParquetTag returns the physical type and converted type used to store t.
// Types parquet cannot hold natively are stored as UTF8 text.
func ParquetTag(t LogicalType) (physical string, converted string) {
	switch t.ID {
	case Boolean:
		return "BOOLEAN", ""
	case TinyInt:
		return "INT32", "INT_8"
	case SmallInt:
		return "INT32", "INT_16"
	case Integer:
		return "INT32", "INT_32"
	case UTinyInt:
		return "INT32", "UINT_8"
	case USmallInt:
		return "INT32", "UINT_16"
	case UInteger:
		return "INT32", "UINT_32"
	case BigInt:
		return "INT64", "INT_64"
	case UBigInt:
		return "INT64", "UINT_64"
	case Float:
		return "FLOAT", ""
	case Double:
		return "DOUBLE", ""
	case Date:
		return "INT32", "DATE"
	case Time:
		return "INT64", "TIME_MICROS"
	case Timestamp, TimestampTZ:
		return "INT64", "TIMESTAMP_MICROS"
	case TimestampMS:
		return "INT64", "TIMESTAMP_MILLIS"
	case TimestampNS, TimestampS:
		return "INT64", ""
	}
	return "BYTE_ARRAY", "UTF8"
}

// ToStored converts a column value into the JSON friendly form the parquet
// writer expects for ParquetTag(t).
func ToStored(v any, t LogicalType) (any, error) {
	v, err := CastValue(v, t)
	if err != nil || v == nil {
		return nil, err
	}
	switch t.ID {
	case Date:
		return floorDiv(v.(time.Time).Unix(), secondsPerDay), nil
	case Time:
		return v.(time.Duration).Microseconds(), nil
	case Timestamp, TimestampTZ:
		return v.(time.Time).UnixMicro(), nil
	case TimestampMS:
		return v.(time.Time).UnixMilli(), nil
	case TimestampNS:
		return v.(time.Time).UnixNano(), nil
	case TimestampS:
		return v.(time.Time).Unix(), nil
	case HugeInt, UHugeInt:
		return v.(*big.Int).String(), nil
	case Blob:
		return base64.StdEncoding.EncodeToString(v.([]byte)), nil
	case Struct, List, Map:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("error in json.Marshal: %w", err)
		}
		return string(b), nil
	}
	return v, nil
}

// FromStored converts a value read back from parquet into the column's Go
// representation. Pointers from optional fields are dereferenced.
func FromStored(v any, t LogicalType) (any, error) {
	rv := reflect.ValueOf(v)
	for rv.IsValid() && rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil, nil
		}
		rv = rv.Elem()
	}
	if !rv.IsValid() {
		return nil, nil
	}
	v = rv.Interface()

	switch t.ID {
	case TinyInt, SmallInt, Integer, BigInt, UTinyInt, USmallInt, UInteger, UBigInt,
		Date, Time, Timestamp, TimestampTZ, TimestampMS, TimestampNS, TimestampS:
		n, err := cast.ToInt64E(v)
		if err != nil {
			return nil, fmt.Errorf("error in cast.ToInt64E: %w", err)
		}
		return fromStoredInt(n, t), nil
	case HugeInt, UHugeInt:
		return castBigInt(v, false)
	case Blob:
		s, err := cast.ToStringE(v)
		if err != nil {
			return nil, err
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("error in base64 decode: %w", err)
		}
		return b, nil
	case Struct, List, Map:
		s, err := cast.ToStringE(v)
		if err != nil {
			return nil, err
		}
		var out any
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return nil, fmt.Errorf("error in json.Unmarshal: %w", err)
		}
		return out, nil
	}
	return CastValue(v, t)
}

func fromStoredInt(n int64, t LogicalType) any {
	switch t.ID {
	case TinyInt:
		return int8(n)
	case SmallInt:
		return int16(n)
	case Integer:
		return int32(n)
	case UTinyInt:
		return uint8(n)
	case USmallInt:
		return uint16(n)
	case UInteger:
		return uint32(n)
	case UBigInt:
		return uint64(n)
	case Date:
		return time.Unix(n*secondsPerDay, 0).UTC()
	case Time:
		return time.Duration(n) * time.Microsecond
	case Timestamp, TimestampTZ:
		return time.UnixMicro(n).UTC()
	case TimestampMS:
		return time.UnixMilli(n).UTC()
	case TimestampNS:
		return time.Unix(0, n).UTC()
	case TimestampS:
		return time.Unix(n, 0).UTC()
	}
	return n
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
