// Package devserver is a stand-in analysis service for local development. It
// speaks the same HTTP contract as the real service and answers with canned
// fact-checks, so the whole pipeline can run without speech or model APIs.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/factlens/desktop/internal/logging"
	"github.com/factlens/desktop/pkg/models"
)

var log = logging.L("devserver")

const (
	statusRunning    = "Server is running"
	analysisDone     = "Fact-checking complete."
	analysisNoClaims = "No fact-checkable statements found."
)

// Options tunes the canned behaviour.
type Options struct {
	// Delay is added before every /analyze answer.
	Delay time.Duration
	// FailStatus, when non-zero, makes /analyze fail with that status.
	FailStatus int
	// Statements are returned for every non-empty recording. Empty selects a
	// built-in pair.
	Statements []string
}

// Server wraps the echo instance.
type Server struct {
	echo *echo.Echo
	opts Options
}

// New builds the server and its routes.
func New(opts Options) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				log.Warn("request", "method", v.Method, "uri", v.URI, "status", v.Status, logging.KeyDurationMs, v.Latency.Milliseconds(), logging.KeyError, v.Error)
				return nil
			}
			log.Info("request", "method", v.Method, "uri", v.URI, "status", v.Status, logging.KeyDurationMs, v.Latency.Milliseconds())
			return nil
		},
	}))

	s := &Server{echo: e, opts: opts}
	e.GET("/", s.home)
	e.POST("/analyze", s.analyze)
	return s
}

// Handler exposes the routes for httptest.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Serve runs on l until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.echo.Listener = l
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.echo.Start("")
	}()
	log.Info("dev analysis server listening", "addr", l.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("devserver: shutdown: %w", err)
	}
	return nil
}

// ListenAndServe binds addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("devserver: listen %s: %w", addr, err)
	}
	return s.Serve(ctx, l)
}

func (s *Server) home(c echo.Context) error {
	return c.String(http.StatusOK, statusRunning)
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) analyze(c echo.Context) error {
	if !strings.Contains(c.Request().Header.Get(echo.HeaderContentType), models.DefaultContentType) {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "Invalid content type. Expected audio/webm"})
	}

	audio, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: fmt.Sprintf("read body: %v", err)})
	}
	log.Info("received audio", logging.KeyBytes, len(audio))

	if s.opts.Delay > 0 {
		select {
		case <-time.After(s.opts.Delay):
		case <-c.Request().Context().Done():
			return c.Request().Context().Err()
		}
	}

	if s.opts.FailStatus != 0 {
		return c.JSON(s.opts.FailStatus, errorBody{Error: "simulated failure"})
	}

	if len(audio) == 0 {
		return c.JSON(http.StatusOK, map[string]string{"analysis": analysisNoClaims})
	}

	statements := s.opts.Statements
	if len(statements) == 0 {
		statements = []string{
			fmt.Sprintf("The recording is %d bytes long.", len(audio)),
			"The recording was sent as audio/webm.",
		}
	}
	args := make([]models.Arguments, len(statements))
	for i, stmt := range statements {
		args[i] = models.Arguments{
			Supporting:  []string{fmt.Sprintf("The relay delivered the payload for %q intact.", stmt)},
			Challenging: []string{},
		}
	}
	return c.JSON(http.StatusOK, models.AnalysisResult{
		Analysis:   analysisDone,
		Statements: statements,
		Arguments:  args,
	})
}
