package http_server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/aclowes/ducklake/gologger"
	"github.com/aclowes/ducklake/lake"
	"github.com/aclowes/ducklake/metastore"
	"github.com/aclowes/ducklake/utils"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
)

var logger = gologger.NewLogger()

type HTTPServer struct {
	Echo *echo.Echo
	Lake *lake.DuckLake
}

type CustomValidator struct {
	validator *validator.Validate
}

// NewHTTPServer builds the server and its routes without listening.
func NewHTTPServer(dl *lake.DuckLake) *HTTPServer {
	s := &HTTPServer{
		Echo: echo.New(),
		Lake: dl,
	}
	s.Echo.HideBanner = true
	s.Echo.HidePort = true
	s.Echo.JSONSerializer = &utils.NoEscapeJSONSerializer{}

	s.Echo.Use(CreateReqContext)
	s.Echo.Use(LoggerMiddleware)
	s.Echo.Use(middleware.CORS())
	s.Echo.Validator = &CustomValidator{validator: validator.New()}

	// technical - no auth
	s.Echo.GET("/hc", s.HealthCheck)

	tablesGroup := s.Echo.Group("/tables")
	tablesGroup.POST("", ccHandler(s.CreateTableHandler))
	tablesGroup.GET("/:table", ccHandler(s.GetTableHandler))
	tablesGroup.POST("/:table/insert", ccHandler(s.InsertHandler))
	tablesGroup.POST("/:table/update", ccHandler(s.UpdateHandler))
	tablesGroup.POST("/:table/delete", ccHandler(s.DeleteHandler))
	tablesGroup.POST("/:table/merge", ccHandler(s.MergeHandler))

	cleanupGroup := s.Echo.Group("/cleanup")
	cleanupGroup.POST("/old_files", ccHandler(s.CleanupOldFilesHandler))
	cleanupGroup.POST("/orphaned_files", ccHandler(s.DeleteOrphanedFilesHandler))

	return s
}

// StartHTTPServer listens on port and serves h2c in the background.
func StartHTTPServer(port string, dl *lake.DuckLake) (*HTTPServer, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%s", port))
	if err != nil {
		return nil, fmt.Errorf("error creating tcp listener: %w", err)
	}
	s := NewHTTPServer(dl)
	s.Echo.Listener = listener
	go func() {
		logger.Info().Msg("starting h2c server on " + listener.Addr().String())
		err := s.Echo.StartH2CServer("", &http2.Server{})
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("failed to start h2c server, exiting")
		}
	}()

	return s, nil
}

func (cv *CustomValidator) Validate(i interface{}) error {
	if err := cv.validator.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

func ValidateRequest(c echo.Context, s interface{}) error {
	if err := c.Bind(s); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(s); err != nil {
		return err
	}
	return nil
}

func (*HTTPServer) HealthCheck(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	err := s.Echo.Shutdown(ctx)
	return err
}

// handleError maps lake errors to status codes. Anything unexpected is an
// internal error.
func handleError(c *CustomContext, err error, msg string) error {
	switch {
	case errors.Is(err, metastore.ErrTableNotFound):
		return c.String(http.StatusNotFound, err.Error())
	case errors.Is(err, metastore.ErrTableExists), errors.Is(err, metastore.ErrConflict):
		return c.String(http.StatusConflict, err.Error())
	case utils.IsUser(err):
		return c.String(http.StatusBadRequest, err.Error())
	}
	return c.InternalError(err, msg)
}

func LoggerMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		if err := next(c); err != nil {
			// default handler
			c.Error(err)
		}
		stop := time.Since(start)
		// Log otherwise
		logger := zerolog.Ctx(c.Request().Context())
		req := c.Request()
		res := c.Response()

		p := req.URL.Path
		if p == "" {
			p = "/"
		}

		cl := req.Header.Get(echo.HeaderContentLength)
		if cl == "" {
			cl = "0"
		}
		logger.Debug().Str("method", req.Method).Str("remote_ip", c.RealIP()).Str("req_uri", req.RequestURI).Str("handler_path", c.Path()).Str("path", p).Int("status", res.Status).Int64("latency_ns", int64(stop)).Str("protocol", req.Proto).Str("bytes_in", cl).Int64("bytes_out", res.Size).Msg("req recived")
		return nil
	}
}
