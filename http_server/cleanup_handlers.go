package http_server

import (
	"context"
	"net/http"

	"github.com/aclowes/ducklake/cleanup"
)

// CleanupResponse lists the reclaimed paths, or the paths that would be
// reclaimed for a dry run.
type CleanupResponse struct {
	Path []string `json:"path"`
}

func (s *HTTPServer) runCleanup(c *CustomContext, run func(context.Context, cleanup.Options) (*cleanup.Result, error)) error {
	var reqBody cleanup.Options
	if err := ValidateRequest(c, &reqBody); err != nil {
		return c.String(http.StatusBadRequest, err.Error())
	}
	res, err := run(c.Request().Context(), reqBody)
	if err != nil {
		return handleError(c, err, "error running cleanup")
	}
	out := CleanupResponse{Path: make([]string, 0, len(res.Files))}
	for batch := res.Next(); batch != nil; batch = res.Next() {
		out.Path = append(out.Path, batch...)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *HTTPServer) CleanupOldFilesHandler(c *CustomContext) error {
	return s.runCleanup(c, s.Lake.CleanupOldFiles)
}

func (s *HTTPServer) DeleteOrphanedFilesHandler(c *CustomContext) error {
	return s.runCleanup(c, s.Lake.DeleteOrphanedFiles)
}
