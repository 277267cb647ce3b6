package http_server

import (
	"net/http"

	"github.com/aclowes/ducklake/operators"
)

type (
	DeleteReqBody struct {
		// Where is a boolean expression over the columns, empty deletes every
		// row
		Where string `json:"where"`
	}

	CountResponse struct {
		Count int64 `json:"count"`
	}
)

func (s *HTTPServer) UpdateHandler(c *CustomContext) error {
	var reqBody operators.UpdateStatement
	if err := ValidateRequest(c, &reqBody); err != nil {
		return c.String(http.StatusBadRequest, err.Error())
	}
	n, err := s.Lake.Update(c.Request().Context(), c.Param("table"), reqBody)
	if err != nil {
		return handleError(c, err, "error updating rows")
	}
	return c.JSON(http.StatusOK, CountResponse{Count: n})
}

func (s *HTTPServer) DeleteHandler(c *CustomContext) error {
	var reqBody DeleteReqBody
	if err := ValidateRequest(c, &reqBody); err != nil {
		return c.String(http.StatusBadRequest, err.Error())
	}
	n, err := s.Lake.Delete(c.Request().Context(), c.Param("table"), reqBody.Where)
	if err != nil {
		return handleError(c, err, "error deleting rows")
	}
	return c.JSON(http.StatusOK, CountResponse{Count: n})
}
