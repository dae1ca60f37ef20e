// Package gateway exposes the two network surfaces of the service: the
// control plane the audio generator posts talk requests to, and the viewer
// websocket endpoint avatars subscribe on.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lexiqai/talk-gateway/internal/observability"
	"github.com/lexiqai/talk-gateway/internal/protocol"
	"github.com/lexiqai/talk-gateway/internal/talk"
)

// TalkHandler processes decoded control requests
type TalkHandler interface {
	Handle(ctx context.Context, req protocol.ControlRequest) (talk.Result, error)
}

const maxControlBody = "1M"

// ControlOptions configures the control plane routes
type ControlOptions struct {
	TalkPath       string
	AssetRoute     string
	AssetDir       string // served read-only under AssetRoute
	AllowOrigins   []string
	MetricsEnabled bool
	// ReadinessChecks back GET /ready
	ReadinessChecks map[string]observability.HealthCheckFunc
}

// ControlServer is the HTTP control plane
type ControlServer struct {
	echo    *echo.Echo
	talk    TalkHandler
	tracker *talk.Tracker
	logger  zerolog.Logger
}

// NewControlServer builds the echo router with all control plane routes
func NewControlServer(opts ControlOptions, handler TalkHandler, tracker *talk.Tracker, logger zerolog.Logger) *ControlServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &ControlServer{
		echo:    e,
		talk:    handler,
		tracker: tracker,
		logger:  logger,
	}

	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit(maxControlBody))
	e.Use(echo.WrapMiddleware(observability.TracingMiddleware))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: opts.AllowOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
	}))
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: observability.NewCorrelationID,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			event := s.logger.Debug()
			if v.Error != nil || v.Status >= http.StatusInternalServerError {
				event = s.logger.Warn().Err(v.Error)
			}
			event.Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("correlation_id", v.RequestID).
				Msg("HTTP request")
			return nil
		},
	}))

	e.POST(opts.TalkPath, s.handleTalk)
	e.GET("/talks/:id", s.handleTalkStatus)

	// In-progress downloads and readiness probes are dot files in AssetDir
	e.Group(opts.AssetRoute).Use(middleware.StaticWithConfig(middleware.StaticConfig{
		Root:    opts.AssetDir,
		Skipper: hiddenAsset,
	}))

	e.GET("/health", echo.WrapHandler(observability.HealthCheckHandler()))
	e.GET("/ready", echo.WrapHandler(observability.ReadinessHandler(opts.ReadinessChecks)))
	if opts.MetricsEnabled {
		e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	}

	return s
}

// Handler returns the router to mount on an http.Server
func (s *ControlServer) Handler() http.Handler {
	return s.echo
}

// handleTalk acknowledges every well-formed request with the same body. The
// fetch has finished, successfully or not, by the time the response is sent.
func (s *ControlServer) handleTalk(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return err
	}

	id := c.Response().Header().Get(echo.HeaderXRequestID)
	logger := observability.WithCorrelationID(s.logger, id)
	if traceID := observability.TraceID(c.Request().Context()); traceID != "" {
		logger = logger.With().Str("trace_id", traceID).Logger()
	}

	req, err := decodeControlRequest(body)
	if err != nil {
		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &typeErr) {
			return echo.NewHTTPError(http.StatusBadRequest, "malformed JSON body")
		}
		// Parseable but the wrong shape; the action cannot be trusted
		logger.Warn().Err(err).Msg("Control request has unexpected field types")
		req = protocol.ControlRequest{}
	}
	ctx := logger.WithContext(c.Request().Context())

	start := time.Now()
	res, err := s.talk.Handle(ctx, req)
	s.tracker.Record(id, req.Action, res, err)

	event := logger.Info()
	if err != nil {
		event = logger.Warn().Err(err)
	}
	event.Str("action", req.Action).
		Str("outcome", string(res.Outcome)).
		Dur("elapsed", time.Since(start)).
		Msg("Control request handled")

	return c.JSON(http.StatusOK, protocol.ControlResponse{Message: protocol.ControlAck})
}

// decodeControlRequest rejects anything that is not exactly one JSON value
func decodeControlRequest(body []byte) (protocol.ControlRequest, error) {
	var req protocol.ControlRequest
	err := json.Unmarshal(body, &req)
	return req, err
}

func hiddenAsset(c echo.Context) bool {
	name, err := url.PathUnescape(c.Param("*"))
	if err != nil {
		return true
	}
	return strings.HasPrefix(path.Base(name), ".")
}

func (s *ControlServer) handleTalkStatus(c echo.Context) error {
	rec, ok := s.tracker.Lookup(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown request id")
	}
	return c.JSON(http.StatusOK, rec)
}
