package lake_types

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cast"
)

var ErrInvalidValue = errors.New("invalid value")

// CastValue converts v into the Go representation used for columns of type t:
//
//	boolean                       bool
//	int8..int64, uint8..uint64    the sized Go integer
//	int128, uint128               *big.Int
//	float32, float64              float32, float64
//	decimal                       string with exactly Scale fractional digits
//	time                          time.Duration since midnight
//	date, timestamp*              time.Time in UTC
//	timetz, interval, varchar,
//	json, uuid                    string
//	blob, geometry                []byte
//	struct, map                   map[string]any
//	list                          []any
//
// nil stays nil.
func CastValue(v any, t LogicalType) (out any, err error) {
	if v == nil {
		return nil, nil
	}
	defer func() {
		if err != nil {
			err = fmt.Errorf("%w: cannot cast %v (%T) to %s: %w", ErrInvalidValue, v, v, t, err)
		}
	}()

	switch t.ID {
	case Boolean:
		return cast.ToBoolE(v)
	case TinyInt:
		return cast.ToInt8E(v)
	case SmallInt:
		return cast.ToInt16E(v)
	case Integer:
		return cast.ToInt32E(v)
	case BigInt:
		return cast.ToInt64E(v)
	case UTinyInt:
		return cast.ToUint8E(v)
	case USmallInt:
		return cast.ToUint16E(v)
	case UInteger:
		return cast.ToUint32E(v)
	case UBigInt:
		return cast.ToUint64E(v)
	case HugeInt, UHugeInt:
		return castBigInt(v, t.ID == UHugeInt)
	case Float:
		return cast.ToFloat32E(v)
	case Double:
		return cast.ToFloat64E(v)
	case Decimal:
		return castDecimal(v, t)
	case Time:
		return castTimeOfDay(v)
	case Date:
		ts, err := cast.ToTimeE(v)
		if err != nil {
			return nil, err
		}
		ts = ts.UTC()
		return time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC), nil
	case Timestamp, TimestampMS, TimestampNS, TimestampS, TimestampTZ:
		ts, err := cast.ToTimeE(v)
		if err != nil {
			return nil, err
		}
		return ts.UTC(), nil
	case TimeTZ, Interval:
		return cast.ToStringE(v)
	case UUID:
		s, err := cast.ToStringE(v)
		if err != nil {
			return nil, err
		}
		u, err := uuid.Parse(s)
		if err != nil {
			return nil, err
		}
		return u.String(), nil
	case Varchar:
		if t.IsJSON() {
			return castJSON(v)
		}
		return cast.ToStringE(v)
	case Blob:
		switch b := v.(type) {
		case []byte:
			return b, nil
		case string:
			return []byte(b), nil
		}
		return nil, fmt.Errorf("expected bytes")
	case Struct, Map:
		if s, ok := v.(string); ok {
			var m map[string]any
			if err := json.Unmarshal([]byte(s), &m); err != nil {
				return nil, err
			}
			return m, nil
		}
		return cast.ToStringMapE(v)
	case List:
		if s, ok := v.(string); ok {
			var l []any
			if err := json.Unmarshal([]byte(s), &l); err != nil {
				return nil, err
			}
			return l, nil
		}
		return cast.ToSliceE(v)
	}
	return nil, ErrUnsupportedType
}

func castBigInt(v any, unsigned bool) (*big.Int, error) {
	var i *big.Int
	switch n := v.(type) {
	case *big.Int:
		i = new(big.Int).Set(n)
	case string:
		var ok bool
		i, ok = new(big.Int).SetString(strings.TrimSpace(n), 10)
		if !ok {
			return nil, fmt.Errorf("not an integer")
		}
	case uint64:
		i = new(big.Int).SetUint64(n)
	default:
		n64, err := cast.ToInt64E(v)
		if err != nil {
			return nil, err
		}
		i = big.NewInt(n64)
	}
	if unsigned && i.Sign() < 0 {
		return nil, fmt.Errorf("negative value for unsigned type")
	}
	return i, nil
}

func castDecimal(v any, t LogicalType) (string, error) {
	r := new(big.Rat)
	switch n := v.(type) {
	case string:
		if _, ok := r.SetString(strings.TrimSpace(n)); !ok {
			return "", fmt.Errorf("not a number")
		}
	case float32, float64:
		f, _ := cast.ToFloat64E(n)
		if r.SetFloat64(f) == nil {
			return "", fmt.Errorf("not a finite number")
		}
	case *big.Int:
		r.SetInt(n)
	default:
		n64, err := cast.ToInt64E(v)
		if err != nil {
			return "", err
		}
		r.SetInt64(n64)
	}
	s := r.FloatString(int(t.Scale))
	intDigits := strings.TrimPrefix(s, "-")
	if dot := strings.IndexByte(intDigits, '.'); dot >= 0 {
		intDigits = intDigits[:dot]
	}
	intDigits = strings.TrimLeft(intDigits, "0")
	if len(intDigits) > int(t.Width)-int(t.Scale) {
		return "", fmt.Errorf("value out of range")
	}
	return s, nil
}

func castTimeOfDay(v any) (time.Duration, error) {
	if s, ok := v.(string); ok && strings.Contains(s, ":") {
		ts, err := time.Parse("15:04:05.999999", s)
		if err != nil {
			return 0, err
		}
		return time.Duration(ts.Hour())*time.Hour + time.Duration(ts.Minute())*time.Minute +
			time.Duration(ts.Second())*time.Second + time.Duration(ts.Nanosecond()), nil
	}
	if ts, ok := v.(time.Time); ok {
		return ts.Sub(ts.Truncate(24 * time.Hour)), nil
	}
	return cast.ToDurationE(v)
}

func castJSON(v any) (string, error) {
	switch s := v.(type) {
	case string:
		if !json.Valid([]byte(s)) {
			return "", fmt.Errorf("not valid JSON")
		}
		return s, nil
	case []byte:
		if !json.Valid(s) {
			return "", fmt.Errorf("not valid JSON")
		}
		return string(s), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
