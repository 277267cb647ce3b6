package http_server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aclowes/ducklake/table"
	"github.com/aclowes/ducklake/utils"
	"github.com/danthegoodman1/gojsonutils"
)

type (
	InsertReqBody struct {
		// Line-delimited JSON (NDJSON)
		RowsString *string `json:"rows_string"`
		// Array of JSON
		Rows []map[string]any `json:"rows"`
	}

	InsertStats struct {
		NumRows int64 `json:"num_rows"`
		TimeMS  int64 `json:"time_ms"`
	}
)

var (
	ErrNotFlatMap = errors.New("not a flat map")
	ErrNoRows     = errors.New("no rows found")
)

// rowValues orders a JSON row by the table's columns. Keys naming a column
// are taken as is, so nested columns get nested values. Other nested keys
// are flattened and matched against column names.
func rowValues(s *table.Schema, m map[string]any) ([]any, error) {
	values := make([]any, len(s.Columns))
	rest := make(map[string]any)
	for k, v := range m {
		if idx, err := s.ColumnIndex(k); err == nil {
			values[idx] = v
			continue
		}
		rest[k] = v
	}
	if len(rest) == 0 {
		return values, nil
	}

	flat, err := gojsonutils.Flatten(rest, nil)
	if err != nil {
		return nil, fmt.Errorf("error flattening JSON map: %w", err)
	}
	flatMap, ok := flat.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %+v", ErrNotFlatMap, flat)
	}
	for k, v := range flatMap {
		idx, err := s.ColumnIndex(k)
		if err != nil {
			return nil, utils.NewUserError(err, "insert")
		}
		values[idx] = v
	}
	return values, nil
}

func parseRows(s *table.Schema, reqBody InsertReqBody) ([][]any, error) {
	var rows [][]any
	if reqBody.RowsString != nil {
		ndJSONScanner := bufio.NewScanner(strings.NewReader(*reqBody.RowsString))
		for ndJSONScanner.Scan() {
			line := strings.TrimSpace(ndJSONScanner.Text())
			if line == "" {
				continue
			}
			var jsonMap map[string]any
			if err := json.Unmarshal([]byte(line), &jsonMap); err != nil {
				return nil, utils.NewUserError(err, "line was not a JSON object")
			}
			row, err := rowValues(s, jsonMap)
			if err != nil {
				return nil, err
			}
			rows = append(rows, row)
		}
		if err := ndJSONScanner.Err(); err != nil {
			return nil, utils.NewUserError(err, "error reading rows_string")
		}
	}
	for _, jsonMap := range reqBody.Rows {
		row, err := rowValues(s, jsonMap)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, utils.NewUserError(ErrNoRows, "insert")
	}
	return rows, nil
}

func (s *HTTPServer) InsertHandler(c *CustomContext) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), time.Second*60)
	defer cancel()

	start := time.Now()

	var reqBody InsertReqBody
	if err := ValidateRequest(c, &reqBody); err != nil {
		return c.String(http.StatusBadRequest, err.Error())
	}

	schema, err := s.Lake.GetTable(ctx, c.Param("table"))
	if err != nil {
		return handleError(c, err, "error getting table")
	}
	rows, err := parseRows(schema, reqBody)
	if err != nil {
		return handleError(c, err, "error parsing rows")
	}

	n, err := s.Lake.Insert(ctx, schema.Name, rows)
	if err != nil {
		return handleError(c, err, "error inserting rows")
	}

	return c.JSON(http.StatusAccepted, InsertStats{
		NumRows: n,
		TimeMS:  time.Since(start).Milliseconds(),
	})
}
