package lake_types

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrUnsupportedType       = errors.New("unsupported type")
	ErrMalformedDecimalSpec  = errors.New("invalid DECIMAL type - expected width and scale")
	ErrCollationNotSupported = errors.New("collations are not supported in storage")

	// baseTypes is the closed storage vocabulary. Order matters for Encode,
	// the first name for an ID is canonical.
	baseTypes = []struct {
		name string
		id   TypeID
	}{
		{"boolean", Boolean},
		{"int8", TinyInt},
		{"int16", SmallInt},
		{"int32", Integer},
		{"int64", BigInt},
		{"int128", HugeInt},
		{"uint8", UTinyInt},
		{"uint16", USmallInt},
		{"uint32", UInteger},
		{"uint64", UBigInt},
		{"uint128", UHugeInt},
		{"float32", Float},
		{"float64", Double},
		{"decimal", Decimal},
		{"time", Time},
		{"date", Date},
		{"timestamp", Timestamp},
		{"timestamp_us", Timestamp},
		{"timestamp_ms", TimestampMS},
		{"timestamp_ns", TimestampNS},
		{"timestamp_s", TimestampS},
		{"timestamptz", TimestampTZ},
		{"timetz", TimeTZ},
		{"interval", Interval},
		{"varchar", Varchar},
		{"blob", Blob},
		{"uuid", UUID},
	}
)

// Encode converts a type to its persisted catalog string.
func Encode(t LogicalType) (string, error) {
	if t.Alias != "" {
		if t.IsJSON() {
			return "json", nil
		}
		if t.IsGeometry() {
			return "geometry", nil
		}
		return "", fmt.Errorf("%w: user-defined type %q", ErrUnsupportedType, t.Alias)
	}
	switch t.ID {
	case Struct, List, Map:
		return string(t.ID), nil
	case Decimal:
		if !validDecimal(uint64(t.Width), uint64(t.Scale)) {
			return "", fmt.Errorf("%w: decimal(%d,%d) is out of range", ErrMalformedDecimalSpec, t.Width, t.Scale)
		}
		return "decimal(" + strconv.Itoa(int(t.Width)) + "," + strconv.Itoa(int(t.Scale)) + ")", nil
	case Varchar:
		if t.Collation != "" {
			return "", fmt.Errorf("%w: %w (%s)", ErrUnsupportedType, ErrCollationNotSupported, t.Collation)
		}
	}
	for _, bt := range baseTypes {
		if bt.id == t.ID {
			return bt.name, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedType, t)
}

// Decode parses a persisted catalog string. Names are case-insensitive.
func Decode(s string) (LogicalType, error) {
	lower := strings.ToLower(strings.TrimSpace(s))
	if strings.HasPrefix(lower, "decimal(") && strings.HasSuffix(lower, ")") {
		return parseDecimal(s, lower[len("decimal("):len(lower)-1])
	}
	for _, bt := range baseTypes {
		if bt.name == lower {
			return Of(bt.id), nil
		}
	}
	switch lower {
	case "json":
		return JSON(), nil
	case "geometry":
		return Geometry(), nil
	}
	return LogicalType{}, fmt.Errorf("%w: %q", ErrUnsupportedType, s)
}

func parseDecimal(orig, members string) (LogicalType, error) {
	parts := strings.Split(members, ",")
	if len(parts) != 2 {
		return LogicalType{}, fmt.Errorf("%w: %q", ErrMalformedDecimalSpec, orig)
	}
	width, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 8)
	if err != nil {
		return LogicalType{}, fmt.Errorf("%w: %q: %w", ErrMalformedDecimalSpec, orig, err)
	}
	scale, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 8)
	if err != nil {
		return LogicalType{}, fmt.Errorf("%w: %q: %w", ErrMalformedDecimalSpec, orig, err)
	}
	if !validDecimal(width, scale) {
		return LogicalType{}, fmt.Errorf("%w: %q is out of range", ErrMalformedDecimalSpec, orig)
	}
	return NewDecimal(uint8(width), uint8(scale)), nil
}

func validDecimal(width, scale uint64) bool {
	return width > 0 && width <= uint64(MaxDecimalWidth) && scale <= width
}

// CheckSupported walks a possibly nested type and fails on the first leaf
// that cannot be stored.
func CheckSupported(t LogicalType) error {
	if _, err := Encode(t); err != nil {
		return err
	}
	for _, c := range t.Children {
		if err := CheckSupported(c.Type); err != nil {
			return fmt.Errorf("in %s %q: %w", t.ID, c.Name, err)
		}
	}
	return nil
}
