package parquet_accumulator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"

	"github.com/aclowes/ducklake/lake_types"
	"github.com/aclowes/ducklake/table"
	"github.com/xitongsys/parquet-go-source/buffer"
	"github.com/xitongsys/parquet-go/common"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/writer"
)

type (
	// ParquetSchemaAccumulator builds a parquet-go JSON schema from table
	// columns.
	ParquetSchemaAccumulator struct {
		schema  ParquetSchema
		columns []table.Column
	}

	ParquetSchema struct {
		TagStructs SchemaTag        `json:"-,omitempty"`
		Fields     []*ParquetSchema `json:",omitempty"`
	}

	ParquetJSONSchema struct {
		Tag    string               `json:",omitempty"`
		Fields []*ParquetJSONSchema `json:",omitempty"`
	}

	SchemaTag struct {
		Name           string         `json:"name,omitempty"`
		Type           string         `json:"type,omitempty"`
		ConvertedType  string         `json:"convertedtype,omitempty"`
		RepetitionType RepetitionType `json:"repetitiontype,omitempty"`
		Encoding       string         `json:"encoding,omitempty"`
	}

	RepetitionType string
)

var (
	Optional RepetitionType = "OPTIONAL"
	Required RepetitionType = "REQUIRED"

	ErrDuplicateColumn = errors.New("duplicate parquet column")

	// Parallelism handed to the parquet-go writer and reader
	Parallelism int64 = 4
)

func NewParquetAccumulator() ParquetSchemaAccumulator {
	return ParquetSchemaAccumulator{
		schema: ParquetSchema{
			TagStructs: SchemaTag{
				Name:           "parquet_go_root",
				RepetitionType: Required,
			},
		},
	}
}

// ForColumns returns an accumulator holding every column, in order.
func ForColumns(cols []table.Column) (ParquetSchemaAccumulator, error) {
	pa := NewParquetAccumulator()
	for _, col := range cols {
		if err := pa.AddColumn(col); err != nil {
			return pa, err
		}
	}
	return pa, nil
}

func (pa *ParquetSchemaAccumulator) AddColumn(col table.Column) error {
	if pa.fieldExists(col.Name) {
		return fmt.Errorf("%w: %s", ErrDuplicateColumn, col.Name)
	}
	pa.schema.Fields = append(pa.schema.Fields, getParquetSchema(col))
	pa.columns = append(pa.columns, col)
	return nil
}

func getParquetSchema(col table.Column) *ParquetSchema {
	physical, converted := lake_types.ParquetTag(col.Type)
	schema := &ParquetSchema{
		TagStructs: SchemaTag{
			Name:           col.Name,
			Type:           physical,
			ConvertedType:  converted,
			RepetitionType: Optional,
		},
	}
	if physical == "BYTE_ARRAY" {
		schema.TagStructs.Encoding = "PLAIN"
	}
	return schema
}

func (pa *ParquetSchemaAccumulator) fieldExists(fieldName string) (exists bool) {
	for _, field := range pa.schema.Fields {
		if field.TagStructs.Name == fieldName {
			return true
		}
	}
	return
}

// ToParquetJSONSchema recursively converts
func (ps *ParquetSchema) ToParquetJSONSchema() *ParquetJSONSchema {
	var tagArr []string
	if ps.TagStructs.Type != "" {
		tagArr = append(tagArr, "type="+ps.TagStructs.Type)
	}
	if ps.TagStructs.ConvertedType != "" {
		tagArr = append(tagArr, "convertedtype="+ps.TagStructs.ConvertedType)
	}
	if ps.TagStructs.Encoding != "" {
		tagArr = append(tagArr, "encoding="+ps.TagStructs.Encoding)
	}
	if ps.TagStructs.Name != "" {
		tagArr = append(tagArr, "name="+ps.TagStructs.Name)
	}
	if string(ps.TagStructs.RepetitionType) != "" {
		tagArr = append(tagArr, "repetitiontype="+string(ps.TagStructs.RepetitionType))
	}
	var fields []*ParquetJSONSchema
	for _, field := range ps.Fields {
		fields = append(fields, field.ToParquetJSONSchema())
	}
	return &ParquetJSONSchema{
		Tag:    strings.Join(tagArr, ", "),
		Fields: fields,
	}
}

// GetSchemaString returns the JSON formatted schema string
func (pa *ParquetSchemaAccumulator) GetSchemaString() (string, error) {
	var fields []*ParquetJSONSchema
	for _, field := range pa.schema.Fields {
		fields = append(fields, field.ToParquetJSONSchema())
	}
	pjs := ParquetJSONSchema{
		Tag:    "name=parquet_go_root, repetitiontype=REQUIRED",
		Fields: fields,
	}

	b, err := json.Marshal(pjs)
	if err != nil {
		return "", fmt.Errorf("error in json.Marshal: %w", err)
	}
	return string(b), nil
}

// WriteRows writes rows as one parquet file to w. Row values are in column
// order.
func (pa *ParquetSchemaAccumulator) WriteRows(w io.Writer, rows [][]any) error {
	parquetSchema, err := pa.GetSchemaString()
	if err != nil {
		return fmt.Errorf("error in GetSchemaString: %w", err)
	}
	pw, err := writer.NewJSONWriterFromWriter(parquetSchema, w, Parallelism)
	if err != nil {
		return fmt.Errorf("error in NewJSONWriterFromWriter: %w", err)
	}

	for _, row := range rows {
		if len(row) != len(pa.columns) {
			return fmt.Errorf("%w: got %d, expected %d", table.ErrRowLengthInvalid, len(row), len(pa.columns))
		}
		rowMap := make(map[string]any, len(row))
		for i, col := range pa.columns {
			stored, err := lake_types.ToStored(row[i], col.Type)
			if err != nil {
				return fmt.Errorf("error in ToStored for column %s: %w", col.Name, err)
			}
			if stored != nil {
				rowMap[col.Name] = stored
			}
		}
		rowBytes, err := json.Marshal(rowMap)
		if err != nil {
			return fmt.Errorf("error in json.Marshal of row: %w", err)
		}
		err = pw.Write(string(rowBytes))
		if err != nil {
			return fmt.Errorf("error in pw.Write for row %s: %w", string(rowBytes), err)
		}
	}
	err = pw.WriteStop()
	if err != nil {
		return fmt.Errorf("error in pw.WriteStop: %w", err)
	}
	return nil
}

// EncodeRows is WriteRows into a new buffer.
func (pa *ParquetSchemaAccumulator) EncodeRows(rows [][]any) ([]byte, error) {
	var b bytes.Buffer
	if err := pa.WriteRows(&b, rows); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// ReadRows decodes a parquet file written with this accumulator's columns.
func (pa *ParquetSchemaAccumulator) ReadRows(b []byte) ([][]any, error) {
	parquetSchema, err := pa.GetSchemaString()
	if err != nil {
		return nil, fmt.Errorf("error in GetSchemaString: %w", err)
	}
	fr, err := buffer.NewBufferFile(b)
	if err != nil {
		return nil, fmt.Errorf("error in buffer.NewBufferFile: %w", err)
	}
	pr, err := reader.NewParquetReader(fr, parquetSchema, Parallelism)
	if err != nil {
		return nil, fmt.Errorf("error in reader.NewParquetReader: %w", err)
	}
	defer pr.ReadStop()

	num := int(pr.GetNumRows())
	if num == 0 {
		return nil, nil
	}
	res, err := pr.ReadByNumber(num)
	if err != nil {
		return nil, fmt.Errorf("error in ReadByNumber: %w", err)
	}

	inNames := make([]string, len(pa.columns))
	for i, col := range pa.columns {
		inNames[i] = common.StringToVariableName(col.Name)
	}

	rows := make([][]any, 0, len(res))
	for _, item := range res {
		// item is a struct
		v := reflect.ValueOf(item)
		row := make([]any, len(pa.columns))
		for i, col := range pa.columns {
			field := v.FieldByName(inNames[i])
			if !field.IsValid() {
				continue
			}
			val, err := lake_types.FromStored(field.Interface(), col.Type)
			if err != nil {
				return nil, fmt.Errorf("error in FromStored for column %s: %w", col.Name, err)
			}
			row[i] = val
		}
		rows = append(rows, row)
	}
	return rows, nil
}
