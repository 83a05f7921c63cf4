// Package handler implements the REST surface of sentineld on gin.
//
// Routes:
//
//	POST /api/metrics                      ingest one sample or an array
//	GET  /api/metrics/status               status of every known device
//	GET  /api/metrics/devices              sorted device ids
//	GET  /api/metrics/:deviceId            persisted history, newest first
//	GET  /api/metrics/:deviceId/status     status of one device
//	GET  /api/metrics/:deviceId/summary    percentile summary
//	GET  /api/metrics/:deviceId/stream     live samples as Server-Sent Events
//	GET  /healthz                          store and pipeline health
//	GET  /metrics                          Prometheus exposition
//
// A device literally named "status" or "devices" is shadowed by the
// collection routes for its history endpoint only.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xtxerr/sentinel/config"
	"github.com/xtxerr/sentinel/internal/errors"
	"github.com/xtxerr/sentinel/internal/fanout"
	"github.com/xtxerr/sentinel/internal/logging"
	"github.com/xtxerr/sentinel/internal/storage/backend"
	"github.com/xtxerr/sentinel/internal/storage/ingestion"
	"github.com/xtxerr/sentinel/internal/storage/types"
)

var log = logging.Component("http")

// Ingester accepts validated samples into the pipeline.
type Ingester interface {
	Accept(ctx context.Context, samples []types.Sample) (ingestion.Ack, error)
}

// StatusReader derives device liveness.
type StatusReader interface {
	ListStatuses(ctx context.Context) ([]types.DeviceStatus, error)
	Status(ctx context.Context, deviceID string) (types.DeviceStatus, error)
	Devices(ctx context.Context) ([]string, error)
}

// HistoryReader reads persisted samples.
type HistoryReader interface {
	QuerySamples(ctx context.Context, q backend.Query) ([]types.Sample, error)
}

// Summarizer builds percentile summaries.
type Summarizer interface {
	Device(ctx context.Context, deviceID string, since time.Time) (types.DeviceSummary, error)
}

// Subscriber opens live subscriptions.
type Subscriber interface {
	Subscribe(topic string, buffer int) *fanout.Subscription
}

// HealthChecker reports readiness.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Deps are the components the API serves. Nil Summary, Hub or Metrics
// disable their routes.
type Deps struct {
	Ingest  Ingester
	Status  StatusReader
	History HistoryReader
	Summary Summarizer
	Hub     Subscriber
	Health  HealthChecker
	Metrics http.Handler
}

// Options tunes request handling.
type Options struct {
	MaxBodySize      int64
	CORSOrigins      []string
	StreamHeartbeat  time.Duration
	SubscriberBuffer int
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		MaxBodySize:      config.DefaultMaxBodySize,
		CORSOrigins:      []string{"*"},
		StreamHeartbeat:  config.DefaultStreamHeartbeat,
		SubscriberBuffer: config.DefaultSubscriberBuffer,
	}
}

// API holds the route handlers.
type API struct {
	deps Deps
	opts Options
}

// NewAPI creates the API. Zero option values take defaults.
func NewAPI(deps Deps, opts Options) *API {
	def := DefaultOptions()
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = def.MaxBodySize
	}
	if opts.StreamHeartbeat <= 0 {
		opts.StreamHeartbeat = def.StreamHeartbeat
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = def.SubscriberBuffer
	}
	return &API{deps: deps, opts: opts}
}

// NewRouter builds a gin engine with middleware and every route.
func NewRouter(a *API) *gin.Engine {
	router := gin.New()
	router.Use(requestID())
	router.Use(requestLogger())
	router.Use(gin.CustomRecovery(recovery))
	router.Use(cors(a.opts.CORSOrigins))
	a.RegisterRoutes(router)
	return router
}

// RegisterRoutes attaches the routes to router.
func (a *API) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", a.health)
	if a.deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(a.deps.Metrics))
	}

	api := router.Group("/api/metrics")
	api.POST("", a.ingest)
	api.GET("/status", a.listStatuses)
	api.GET("/devices", a.devices)
	api.GET("/:deviceId", a.history)
	api.GET("/:deviceId/status", a.deviceStatus)
	if a.deps.Summary != nil {
		api.GET("/:deviceId/summary", a.summary)
	}
	if a.deps.Hub != nil {
		api.GET("/:deviceId/stream", a.stream)
	}
}

// errorResponse is the body of every non-2xx answer.
type errorResponse struct {
	Error     string   `json:"error"`
	Problems  []string `json:"problems,omitempty"`
	RequestID string   `json:"requestId,omitempty"`
}

// fail answers with the status mapped from err.
func fail(c *gin.Context, err error) {
	status := errors.HTTPStatus(err)
	resp := errorResponse{
		Error:     err.Error(),
		RequestID: logging.RequestIDFromContext(c.Request.Context()),
	}

	var verrs *errors.ValidationErrors
	if errors.As(err, &verrs) {
		resp.Error = "validation failed"
		resp.Problems = verrs.Messages()
	}

	l := logging.WithContext(c.Request.Context())
	if status >= http.StatusInternalServerError {
		l.Error("request failed", "path", c.FullPath(), "status", status, "error", err)
		if status == http.StatusInternalServerError {
			resp.Error = http.StatusText(status)
		}
	} else {
		l.Debug("request rejected", "path", c.FullPath(), "status", status, "error", err)
	}

	c.AbortWithStatusJSON(status, resp)
}

func (a *API) health(c *gin.Context) {
	if a.deps.Health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := a.deps.Health.Health(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
