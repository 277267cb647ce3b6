package lake_types

import (
	"strconv"
	"strings"
)

type (
	TypeID string

	// LogicalType is a column type in the engine's type model. Only the fields
	// relevant to its ID are set.
	LogicalType struct {
		ID TypeID
		// Width and Scale are only set for Decimal
		Width uint8
		Scale uint8
		// Alias marks user facing types backed by a physical type, like JSON
		// over Varchar
		Alias     string
		Collation string
		// Children are struct fields, the list element, or map key and value
		Children []ChildType
	}

	ChildType struct {
		Name string
		Type LogicalType
	}
)

const (
	Boolean     TypeID = "boolean"
	TinyInt     TypeID = "int8"
	SmallInt    TypeID = "int16"
	Integer     TypeID = "int32"
	BigInt      TypeID = "int64"
	HugeInt     TypeID = "int128"
	UTinyInt    TypeID = "uint8"
	USmallInt   TypeID = "uint16"
	UInteger    TypeID = "uint32"
	UBigInt     TypeID = "uint64"
	UHugeInt    TypeID = "uint128"
	Float       TypeID = "float32"
	Double      TypeID = "float64"
	Decimal     TypeID = "decimal"
	Time        TypeID = "time"
	Date        TypeID = "date"
	Timestamp   TypeID = "timestamp"
	TimestampMS TypeID = "timestamp_ms"
	TimestampNS TypeID = "timestamp_ns"
	TimestampS  TypeID = "timestamp_s"
	TimestampTZ TypeID = "timestamptz"
	TimeTZ      TypeID = "timetz"
	Interval    TypeID = "interval"
	Varchar     TypeID = "varchar"
	Blob        TypeID = "blob"
	UUID        TypeID = "uuid"

	Struct TypeID = "struct"
	List   TypeID = "list"
	Map    TypeID = "map"

	// Engine types with no storage mapping
	Enum   TypeID = "enum"
	Union  TypeID = "union"
	Bit    TypeID = "bit"
	Array  TypeID = "array"
	VarInt TypeID = "varint"

	AliasJSON     = "JSON"
	AliasGeometry = "GEOMETRY"

	DefaultDecimalWidth uint8 = 18
	DefaultDecimalScale uint8 = 3
	MaxDecimalWidth     uint8 = 38
)

func Of(id TypeID) LogicalType {
	if id == Decimal {
		return NewDecimal(DefaultDecimalWidth, DefaultDecimalScale)
	}
	return LogicalType{ID: id}
}

func NewDecimal(width, scale uint8) LogicalType {
	return LogicalType{ID: Decimal, Width: width, Scale: scale}
}

func JSON() LogicalType {
	return LogicalType{ID: Varchar, Alias: AliasJSON}
}

func Geometry() LogicalType {
	return LogicalType{ID: Blob, Alias: AliasGeometry}
}

func CollatedVarchar(collation string) LogicalType {
	return LogicalType{ID: Varchar, Collation: collation}
}

func NewList(elem LogicalType) LogicalType {
	return LogicalType{ID: List, Children: []ChildType{{Name: "element", Type: elem}}}
}

func NewMap(key, value LogicalType) LogicalType {
	return LogicalType{ID: Map, Children: []ChildType{{Name: "key", Type: key}, {Name: "value", Type: value}}}
}

func NewStruct(fields ...ChildType) LogicalType {
	return LogicalType{ID: Struct, Children: fields}
}

func (t LogicalType) IsNested() bool {
	return t.ID == Struct || t.ID == List || t.ID == Map
}

func (t LogicalType) IsJSON() bool {
	return t.ID == Varchar && strings.EqualFold(t.Alias, AliasJSON)
}

func (t LogicalType) IsGeometry() bool {
	return t.ID == Blob && t.Alias == AliasGeometry
}

func (t LogicalType) IsTemporal() bool {
	switch t.ID {
	case Date, Timestamp, TimestampMS, TimestampNS, TimestampS, TimestampTZ:
		return true
	}
	return false
}

// String is for logs and error messages, use Encode for persistence.
func (t LogicalType) String() string {
	if t.Alias != "" {
		return strings.ToLower(t.Alias)
	}
	switch t.ID {
	case Decimal:
		return "decimal(" + strconv.Itoa(int(t.Width)) + "," + strconv.Itoa(int(t.Scale)) + ")"
	case Varchar:
		if t.Collation != "" {
			return "varchar collate " + t.Collation
		}
	case Struct, List, Map:
		parts := make([]string, len(t.Children))
		for i, c := range t.Children {
			parts[i] = c.Name + " " + c.Type.String()
		}
		return string(t.ID) + "(" + strings.Join(parts, ", ") + ")"
	}
	return string(t.ID)
}
