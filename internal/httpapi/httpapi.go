// Package httpapi exposes the executor's side HTTP surface: liveness and
// readiness probes, a /metrics counters endpoint, plus a token-protected
// submit endpoint used by load tests. Grounded on the teacher's
// common/server (graceful shutdown, health handler) and
// cmd/workflow-runner/handlers/test.go + middleware/test_auth.go (echo
// test endpoints behind an X-Test-Token header), generalized to submit
// workflow executions directly instead of proxying to an orchestrator
// service. There is no endpoint for inspecting an execution's status.
package httpapi

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/arcflow/wfexec/internal/engine"
	"github.com/arcflow/wfexec/internal/logging"
)

// Server wraps an echo instance exposing health probes and a protected
// test-submit endpoint for driving the engine directly over HTTP.
type Server struct {
	echo *echo.Echo
	http *http.Server
	log  *logging.Logger
}

// New builds the HTTP surface. addr is the listen address (e.g. ":8080").
func New(addr string, eng *engine.Engine, log *logging.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/readyz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
	})
	e.GET("/metrics", func(c echo.Context) error {
		return c.JSON(http.StatusOK, eng.Metrics().Snapshot())
	})

	test := e.Group("/api/v1/test")
	test.Use(testAuthMiddleware())
	test.POST("/submit", submitHandler(eng, log))

	return &Server{
		echo: e,
		http: &http.Server{Addr: addr, Handler: e, ReadTimeout: 15 * time.Second, WriteTimeout: 15 * time.Second, IdleTimeout: 60 * time.Second},
		log:  log,
	}
}

// testAuthMiddleware requires X-Test-Token to match PERF_TEST_TOKEN,
// mirroring the teacher's TestAuthMiddleware.
func testAuthMiddleware() echo.MiddlewareFunc {
	expected := os.Getenv("PERF_TEST_TOKEN")
	if expected == "" {
		expected = "perf-test-unsafe-default-token"
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := c.Request().Header.Get("X-Test-Token")
			if token == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "test endpoints require X-Test-Token header"})
			}
			if token != expected {
				return c.JSON(http.StatusForbidden, map[string]string{"error": "invalid test token"})
			}
			return next(c)
		}
	}
}

// submitHandler decodes a Submit envelope and feeds it straight to the
// engine, bypassing the bus — used by load tests to drive executions
// without standing up a Redis-connected agent pool.
func submitHandler(eng *engine.Engine, log *logging.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var sub engine.Submit
		if err := c.Bind(&sub); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid submit payload: " + err.Error()})
		}
		if err := eng.HandleSubmit(c.Request().Context(), sub); err != nil {
			log.Error("test submit failed", "error", err)
			return c.JSON(http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusAccepted, map[string]string{"status": "submitted"})
	}
}

// Start runs the HTTP server until ctx is cancelled, then shuts down
// gracefully, mirroring the teacher's server.Server.Start.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http surface starting", "addr", s.http.Addr)
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.log.Info("http surface shutting down")
		return s.http.Shutdown(shutdownCtx)
	}
}
