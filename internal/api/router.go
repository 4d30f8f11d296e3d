// Package api exposes the supervisor over HTTP: JSON endpoints per case,
// a Server-Sent Events stream of job events and the health, readiness and
// metrics endpoints.
package api

import (
	"context"
	"time"

	"github.com/windsim/simrunner/internal/broadcast"
	"github.com/windsim/simrunner/internal/model"
	"github.com/windsim/simrunner/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultHeartbeat = 15 * time.Second

// Jobs is the part of *service.Supervisor the handlers use.
type Jobs interface {
	Start(ctx context.Context, id string) (*service.Run, error)
	Status(ctx context.Context, id string) model.Phase
	Job(ctx context.Context, id string) (model.Job, error)
	Progress(ctx context.Context, id string) (model.Progress, error)
	History(ctx context.Context, id string, after int64) ([]model.Event, error)
	Reset(ctx context.Context, id string) error
	CaseDir(id string) string
	Broadcaster() *broadcast.Broadcaster
}

// ReadinessChecker reports whether the service is ready to serve traffic.
type ReadinessChecker interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Jobs        Jobs
	Ready       ReadinessChecker
	Gatherer    prometheus.Gatherer // nil means prometheus.DefaultGatherer
	CORSOrigins []string            // empty allows any origin
	Heartbeat   time.Duration       // SSE keep alive, 15s by default
}

func NewRouter(cfg Config) *gin.Engine {
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	h := &handler{jobs: cfg.Jobs, ready: cfg.Ready, heartbeat: cfg.Heartbeat}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestContext())
	r.Use(requestLogger())
	r.Use(corsMiddleware(cfg.CORSOrigins))

	r.GET("/healthz", h.health)
	r.GET("/readyz", h.readiness)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))

	cases := r.Group("/api/cases/:caseId")
	{
		cases.GET("/calculation-status", h.status)
		cases.POST("/calculate", h.calculate)
		cases.GET("/calculation-progress", h.progress)
		cases.DELETE("/calculation-progress", h.reset)
		cases.GET("/calculation-log", h.calculationLog)
		cases.GET("/events", h.events)
		cases.GET("/stream", h.stream)
	}
	return r
}
