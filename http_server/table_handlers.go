package http_server

import (
	"fmt"
	"net/http"

	"github.com/aclowes/ducklake/lake_types"
	"github.com/aclowes/ducklake/table"
	"github.com/aclowes/ducklake/utils"
)

type (
	ColumnSpec struct {
		Name string `json:"name" validate:"required"`
		// Type is a catalog type string, like `int64` or `decimal(18,3)`
		Type string `json:"type" validate:"required"`
	}

	PartitionSpec struct {
		Transform string `json:"transform" validate:"required,oneof=identity year month day hour"`
		Column    string `json:"column" validate:"required"`
	}

	CreateTableReqBody struct {
		Name        string          `json:"name" validate:"required"`
		Columns     []ColumnSpec    `json:"columns" validate:"required,min=1,dive"`
		PartitionBy []PartitionSpec `json:"partition_by" validate:"dive"`
	}

	TableResponse struct {
		ID          string          `json:"id"`
		Name        string          `json:"name"`
		Columns     []ColumnSpec    `json:"columns"`
		PartitionBy []PartitionSpec `json:"partition_by"`
		NextRowID   int64           `json:"next_row_id"`
	}
)

func (b CreateTableReqBody) toSchema() ([]table.Column, []table.PartitionField, error) {
	cols := make([]table.Column, len(b.Columns))
	for i, spec := range b.Columns {
		t, err := lake_types.Decode(spec.Type)
		if err != nil {
			return nil, nil, utils.NewUserError(err, "column %s", spec.Name)
		}
		cols[i] = table.Column{Name: spec.Name, Type: t}
	}
	s := table.Schema{Columns: cols}
	var partitionBy []table.PartitionField
	for _, spec := range b.PartitionBy {
		idx, err := s.ColumnIndex(spec.Column)
		if err != nil {
			return nil, nil, utils.NewUserError(err, "partition_by")
		}
		partitionBy = append(partitionBy, table.PartitionField{Transform: table.PartitionTransform(spec.Transform), ColumnIndex: idx})
	}
	return cols, partitionBy, nil
}

func tableResponse(s *table.Schema) (TableResponse, error) {
	res := TableResponse{
		ID:          s.ID,
		Name:        s.Name,
		Columns:     make([]ColumnSpec, len(s.Columns)),
		PartitionBy: utils.ArrayOrEmpty[PartitionSpec](nil),
		NextRowID:   s.NextRowID,
	}
	for i, col := range s.Columns {
		t, err := lake_types.Encode(col.Type)
		if err != nil {
			return res, fmt.Errorf("error in Encode for column %s: %w", col.Name, err)
		}
		res.Columns[i] = ColumnSpec{Name: col.Name, Type: t}
	}
	for _, pf := range s.PartitionBy {
		res.PartitionBy = append(res.PartitionBy, PartitionSpec{Transform: string(pf.Transform), Column: s.Columns[pf.ColumnIndex].Name})
	}
	return res, nil
}

func (s *HTTPServer) CreateTableHandler(c *CustomContext) error {
	var reqBody CreateTableReqBody
	if err := ValidateRequest(c, &reqBody); err != nil {
		return c.String(http.StatusBadRequest, err.Error())
	}
	cols, partitionBy, err := reqBody.toSchema()
	if err != nil {
		return handleError(c, err, "error building schema")
	}

	created, err := s.Lake.CreateTable(c.Request().Context(), reqBody.Name, cols, partitionBy)
	if err != nil {
		return handleError(c, err, "error creating table")
	}
	res, err := tableResponse(created)
	if err != nil {
		return c.InternalError(err, "error building table response")
	}
	return c.JSON(http.StatusCreated, res)
}

func (s *HTTPServer) GetTableHandler(c *CustomContext) error {
	found, err := s.Lake.GetTable(c.Request().Context(), c.Param("table"))
	if err != nil {
		return handleError(c, err, "error getting table")
	}
	res, err := tableResponse(found)
	if err != nil {
		return c.InternalError(err, "error building table response")
	}
	return c.JSON(http.StatusOK, res)
}
