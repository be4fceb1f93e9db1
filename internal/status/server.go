// Package status serves liveness, readiness and runtime status over HTTP, plus a
// websocket feed of alert outcomes.
package status

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/e7canasta/orion-edge-guard/internal/alert"
	"github.com/e7canasta/orion-edge-guard/internal/capture"
	"github.com/e7canasta/orion-edge-guard/internal/ratemon"
	"github.com/e7canasta/orion-edge-guard/internal/supervisor"
)

// Health states.
const (
	Healthy   = "healthy"
	Degraded  = "degraded"
	Unhealthy = "unhealthy"
)

// Supervisor is the graph supervisor as seen by the status API.
type Supervisor interface {
	Ready() bool
	Status() supervisor.Status
}

// Journal returns the newest delivery outcomes.
type Journal interface {
	Recent(n int) ([]alert.Outcome, error)
}

// Deliveries exposes dispatcher counters.
type Deliveries interface {
	Stats() alert.Stats
}

// Rates exposes per-source FPS.
type Rates interface {
	Snapshot() map[int]ratemon.Rate
}

// Broker reports the outbound MQTT connection state.
type Broker interface {
	Connected() bool
}

// Deps are the components inspected by the handlers. Only Supervisor is
// required.
type Deps struct {
	InstanceID string
	Supervisor Supervisor
	Journal    Journal
	Deliveries Deliveries
	Rates      Rates
	Broker     Broker
	Hub        *Hub
}

// Health is the readiness answer.
type Health struct {
	Status        string                  `json:"status"`
	InstanceID    string                  `json:"instance_id"`
	UptimeSeconds int64                   `json:"uptime_seconds"`
	Ready         bool                    `json:"ready"`
	Graphs        map[string]string       `json:"graphs"`
	SourcesUp     int                     `json:"sources_up"`
	SourcesTotal  int                     `json:"sources_total"`
	Rates         map[string]ratemon.Rate `json:"rates,omitempty"`
	MQTTConnected *bool                   `json:"mqtt_connected,omitempty"`
	LastAlert     *alert.Outcome          `json:"last_alert,omitempty"`
}

// Report is the full /status answer.
type Report struct {
	Health     Health            `json:"health"`
	Supervisor supervisor.Status `json:"supervisor"`
	Deliveries *alert.Stats      `json:"deliveries,omitempty"`
	Recent     []alert.Outcome   `json:"recent,omitempty"`
}

// Server is the status HTTP server.
type Server struct {
	deps    Deps
	router  *gin.Engine
	server  *http.Server
	started time.Time

	mu   sync.RWMutex
	last *alert.Outcome
}

// New creates the server and its routes.
func New(addr string, deps Deps) (*Server, error) {
	if deps.Supervisor == nil {
		return nil, errors.New("status: supervisor is required")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	s := &Server{
		deps:    deps,
		router:  router,
		started: time.Now(),
	}
	s.server = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.liveness)
	s.router.GET("/readiness", s.readiness)
	s.router.GET("/status", s.status)
	if s.deps.Hub != nil {
		s.router.GET("/ws/alerts", s.deps.Hub.Serve)
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves in the background.
func (s *Server) Start() {
	slog.Info("status: starting server",
		"addr", s.server.Addr,
		"endpoints", []string{"/health", "/readiness", "/status", "/ws/alerts"},
	)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("status: server failed", "error", err)
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.deps.Hub != nil {
		s.deps.Hub.Close()
	}
	return s.server.Shutdown(ctx)
}

// liveness: if this runs, the process is alive.
func (s *Server) liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "alive",
		"uptime": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) readiness(c *gin.Context) {
	h := s.HealthCheck()
	code := http.StatusOK
	if h.Status == Unhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, h)
}

func (s *Server) status(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}

	report := Report{
		Health:     s.HealthCheck(),
		Supervisor: s.deps.Supervisor.Status(),
	}
	if s.deps.Deliveries != nil {
		st := s.deps.Deliveries.Stats()
		report.Deliveries = &st
	}
	if s.deps.Journal != nil {
		recent, err := s.deps.Journal.Recent(limit)
		if err != nil {
			slog.Warn("status: journal unavailable", "error", err)
		} else {
			report.Recent = recent
		}
	}
	c.JSON(http.StatusOK, report)
}

// HealthCheck computes the readiness snapshot. Unhealthy when the graphs are
// not all running; degraded when some sources failed or MQTT is down.
func (s *Server) HealthCheck() Health {
	st := s.deps.Supervisor.Status()

	h := Health{
		Status:        Healthy,
		InstanceID:    s.deps.InstanceID,
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Ready:         s.deps.Supervisor.Ready(),
		Graphs:        make(map[string]string, len(st.Graphs)),
	}

	for _, g := range st.Graphs {
		h.Graphs[g.Name] = g.State
		for _, src := range g.Sources {
			h.SourcesTotal++
			if src.State == capture.StateConnected.String() {
				h.SourcesUp++
			}
		}
	}

	if s.deps.Rates != nil {
		rates := s.deps.Rates.Snapshot()
		h.Rates = make(map[string]ratemon.Rate, len(rates))
		for id, r := range rates {
			h.Rates[strconv.Itoa(id)] = r
		}
	}

	if s.deps.Broker != nil {
		connected := s.deps.Broker.Connected()
		h.MQTTConnected = &connected
	}

	if last, ok := s.LastAlert(); ok {
		h.LastAlert = &last
	}

	switch {
	case !h.Ready:
		h.Status = Unhealthy
	case h.SourcesUp < h.SourcesTotal:
		h.Status = Degraded
	case h.MQTTConnected != nil && !*h.MQTTConnected:
		h.Status = Degraded
	}
	return h
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("status: request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"code", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
