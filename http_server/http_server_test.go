package http_server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aclowes/ducklake/datastore"
	"github.com/aclowes/ducklake/lake"
	"github.com/aclowes/ducklake/metastore"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *HTTPServer {
	t.Helper()
	ds, err := datastore.NewDiskDataStore(t.TempDir())
	require.NoError(t, err)
	return NewHTTPServer(lake.NewDuckLake(metastore.NewMemoryMetaStore(), ds))
}

func do(t *testing.T, s *HTTPServer, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	s.Echo.ServeHTTP(rec, req)
	return rec
}

const createEvents = `{
	"name": "events",
	"columns": [
		{"name": "id", "type": "int64"},
		{"name": "region", "type": "varchar"},
		{"name": "amount", "type": "DECIMAL(10,2)"}
	],
	"partition_by": [{"transform": "identity", "column": "region"}]
}`

func TestHealthCheck(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/hc", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestTableLifecycle(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/tables", createEvents)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created TableResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "events", created.Name)
	assert.Equal(t, ColumnSpec{Name: "amount", Type: "decimal(10,2)"}, created.Columns[2])
	assert.Equal(t, []PartitionSpec{{Transform: "identity", Column: "region"}}, created.PartitionBy)

	rec = do(t, s, http.MethodPost, "/tables", createEvents)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, s, http.MethodPost, "/tables/events/insert", `{"rows": [
		{"id": 1, "region": "us", "amount": 1.5},
		{"id": 2, "region": "eu", "amount": "2.25"}
	], "rows_string": "{\"id\": 3, \"region\": \"us\"}\n"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var stats InsertStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(3), stats.NumRows)

	rec = do(t, s, http.MethodGet, "/tables/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got TableResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, int64(3), got.NextRowID)

	rec = do(t, s, http.MethodPost, "/tables/events/update", `{"set": {"region": "\"eu\""}, "where": "id == 1"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"count": 1}`, rec.Body.String())

	rec = do(t, s, http.MethodPost, "/tables/events/update", `{"set": {"amount": "1"}, "returning": true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/tables/events/delete", `{"where": "region == \"us\""}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"count": 1}`, rec.Body.String())

	rec = do(t, s, http.MethodPost, "/tables/events/merge", `{}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, s, http.MethodPost, "/cleanup/orphaned_files", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/cleanup/orphaned_files", `{"cleanup_all": true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"path": []}`, rec.Body.String())

	rec = do(t, s, http.MethodPost, "/cleanup/old_files", `{"cleanup_all": true, "dry_run": true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var dry CleanupResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dry))
	assert.NotEmpty(t, dry.Path)

	rec = do(t, s, http.MethodPost, "/cleanup/old_files", `{"cleanup_all": true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var done CleanupResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &done))
	assert.Equal(t, dry.Path, done.Path)
}

func TestBadRequests(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/tables/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodPost, "/tables", `{"name": "bad", "columns": [{"name": "a", "type": "decimal(40,2)"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/tables", `{"name": "bad", "columns": [{"name": "a", "type": "enum"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/tables", `{"name": "bad", "columns": []}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/tables", createEvents)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, s, http.MethodPost, "/tables/events/insert", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/tables/events/insert", `{"rows": [{"nope": 1}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/tables/events/insert", `{"rows": [{"id": "not a number"}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
