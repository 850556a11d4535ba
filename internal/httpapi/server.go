// Package httpapi exposes the admin-facing REST surface: health, a snapshot
// of active sessions, historical session lookups, audit queries, and
// episode-export downloads (§4.8 "Admin aggregator", §4.1 "Persisted
// state").
//
// Grounded directly on the teacher's server/internal/httpapi/server.go:
// labstack/echo/v4 with a slog request-logging middleware, Echo() exposed
// for tests, and a context-cancellation-driven Run/Shutdown loop. The blob
// download handler's content-disposition/streaming idiom is reused verbatim
// for episode-export downloads.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chasemcd/mug-engine/internal/admin"
	"github.com/chasemcd/mug-engine/internal/export"
	"github.com/chasemcd/mug-engine/internal/store"
)

// Server is the Echo application serving the admin REST API.
type Server struct {
	echo      *echo.Echo
	aggregator *admin.Aggregator
	store     *store.Store
	exports   *export.Store
}

// New constructs an Echo app with the admin routes registered. exports may
// be nil to disable the export-download endpoint (e.g. in tests that don't
// exercise it).
func New(aggregator *admin.Aggregator, st *store.Store, exports *export.Store) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	s := &Server{echo: e, aggregator: aggregator, store: st, exports: exports}
	s.registerRoutes()
	return s
}

func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			path := req.URL.Path
			if path == "/health" || path == "/metrics" {
				slog.Debug("http request", "method", req.Method, "path", path, "status", c.Response().Status, "duration_ms", time.Since(start).Milliseconds())
			} else {
				slog.Info("http request", "method", req.Method, "path", path, "status", c.Response().Status, "duration_ms", time.Since(start).Milliseconds(), "remote", c.RealIP())
			}
			return nil
		}
	}
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	s.echo.GET("/api/sessions", s.handleSessions)
	s.echo.GET("/api/sessions/:id", s.handleSessionDetail)
	s.echo.GET("/api/sessions/:id/health/:player", s.handleSessionPlayerHealth)
	s.echo.GET("/api/sessions/:id/audit/:subject", s.handleAudit)
	if s.exports != nil {
		s.echo.GET("/api/sessions/:id/exports/:subject/:episode", s.handleExportDownload)
	}
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("httpapi: shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		slog.Info("httpapi: stopped")
		return nil
	}
}

type healthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{Status: "ok"})
}

func (s *Server) handleSessions(c echo.Context) error {
	if s.aggregator == nil {
		return c.JSON(http.StatusOK, []admin.SessionSummary{})
	}
	return c.JSON(http.StatusOK, s.aggregator.LatestSnapshot().Sessions)
}

func (s *Server) handleSessionDetail(c echo.Context) error {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" || s.store == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}
	rec, err := s.store.GetSession(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("get session: %v", err))
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) handleSessionPlayerHealth(c echo.Context) error {
	if s.aggregator == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "admin aggregator is not configured")
	}
	id := strings.TrimSpace(c.Param("id"))
	report, ok := s.aggregator.Health(id)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no health report on file for this session")
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) handleAudit(c echo.Context) error {
	subject := strings.TrimSpace(c.Param("subject"))
	if subject == "" || s.store == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "subject is required")
	}
	entries, err := s.store.AuditForSubject(c.Request().Context(), subject)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("audit lookup: %v", err))
	}
	return c.JSON(http.StatusOK, entries)
}

func (s *Server) handleExportDownload(c echo.Context) error {
	id := strings.TrimSpace(c.Param("id"))
	subject := strings.TrimSpace(c.Param("subject"))
	episode, err := strconv.Atoi(c.Param("episode"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "episode must be an integer")
	}

	f, path, err := s.exports.Open(id, subject, episode)
	if err != nil {
		slog.Debug("httpapi: export download not found", "session_id", id, "subject", subject, "episode", episode, "err", err)
		return echo.NewHTTPError(http.StatusNotFound, "export not found")
	}
	defer f.Close()

	filename := fmt.Sprintf("%s_%s_ep%d.jsonl", id, subject, episode)
	c.Response().Header().Set(echo.HeaderContentType, "application/x-ndjson")
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="%s"`, filename))
	c.Response().WriteHeader(http.StatusOK)
	slog.Debug("httpapi: export download", "path", path)
	_, copyErr := io.Copy(c.Response().Writer, f)
	return copyErr
}
