package http_server

import (
	"context"
	"net/http"
	"time"

	"github.com/aclowes/ducklake/lake"
	"github.com/aclowes/ducklake/utils"
	"github.com/rs/zerolog"
)

type (
	MergeReqBody struct {
		// Files with fewer rows are merged with their partition's other small
		// files.
		//
		// Default 1,000,000.
		TargetRows *int64 `json:"target_rows"`
		// How many seconds before the merge will time out.
		//
		// Default `60`.
		MaxRuntimeSec *int64 `json:"max_runtime_sec"`
	}

	MergeStats struct {
		lake.MergeResult
		TimeMS int64 `json:"time_ms"`
	}
)

func (s *HTTPServer) MergeHandler(c *CustomContext) error {
	var reqBody MergeReqBody
	if err := ValidateRequest(c, &reqBody); err != nil {
		return c.String(http.StatusBadRequest, err.Error())
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), time.Second*time.Duration(utils.Deref(reqBody.MaxRuntimeSec, 60)))
	defer cancel()

	logger := zerolog.Ctx(ctx)
	logger.Debug().Msg("running merge handler")
	start := time.Now()

	res, err := s.Lake.MergeAdjacentFiles(ctx, c.Param("table"), lake.MergeOptions{
		TargetRows: utils.Deref(reqBody.TargetRows, lake.DefaultMergeTargetRows),
	})
	if err != nil {
		return handleError(c, err, "error merging files")
	}
	if res.FilesMerged == 0 {
		logger.Debug().Msg("not enough files to merge")
		return c.NoContent(http.StatusNoContent)
	}

	return c.JSON(http.StatusOK, MergeStats{MergeResult: res, TimeMS: time.Since(start).Milliseconds()})
}
