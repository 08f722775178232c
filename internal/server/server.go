// Package server exposes the worker's operational HTTP surface: a health
// endpoint reporting node identity and throughput counters, and the
// Prometheus metrics handler.
package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Jinn-Network/jinn-node-sub004/internal/claim"
	"github.com/Jinn-Network/jinn-node-sub004/internal/config"
	"github.com/Jinn-Network/jinn-node-sub004/internal/pipeline"
)

const (
	defaultReadTimeout  = 30 * time.Second
	defaultWriteTimeout = 30 * time.Second
	handlerTimeout      = 10 * time.Second
	shutdownTimeout     = 30 * time.Second
)

// LoopStats reports claim-loop counters. *claim.Loop satisfies it.
type LoopStats interface {
	Stats() claim.Stats
}

// PipelineStats reports execution counters. *pipeline.Pipeline satisfies it.
type PipelineStats interface {
	Stats() pipeline.Stats
}

// Deps are the worker components the health payload is assembled from.
// Nil fields render as zero counters so the server can come up before the
// rest of the node is wired.
type Deps struct {
	// Safe is the master safe address; its leading hex identifies the node.
	Safe     common.Address
	Loop     LoopStats
	Pipeline PipelineStats
}

// Server is the ops HTTP server.
type Server struct {
	cfg   config.ServerConfig
	deps  Deps
	log   *slog.Logger
	http  *http.Server
	start time.Time
	now   func() time.Time
}

// New builds the ops server. The returned server does not listen until Run.
func New(cfg config.ServerConfig, deps Deps, log *slog.Logger) *Server {
	s := &Server{
		cfg:   cfg,
		deps:  deps,
		log:   log,
		start: time.Now(),
		now:   time.Now,
	}

	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.routes(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  time.Minute,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogging(s.log))
	r.Use(chimiddleware.Recoverer)
	r.Use(corsHandler())
	r.Use(chimiddleware.Timeout(handlerTimeout))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("ops server listening", slog.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ops server shutdown: %w", err)
	}
	s.log.Info("ops server stopped")
	return <-errCh
}

// NodeID is the short worker identifier used in health output and logs:
// the first 8 hex characters of the master safe address.
func NodeID(safe common.Address) string {
	return hex.EncodeToString(safe.Bytes())[:8]
}

// healthPayload is the GET /health response body.
type healthPayload struct {
	Status              string     `json:"status"`
	NodeID              string     `json:"node_id"`
	UptimeSeconds       int64      `json:"uptime_seconds"`
	LastActivitySeconds int64      `json:"last_activity_seconds"`
	Processed           uint64     `json:"processed"`
	Failed              uint64     `json:"failed"`
	InFlight            int        `json:"in_flight"`
	Efficiency          efficiency `json:"efficiency"`
}

type efficiency struct {
	IdleCycles       uint64  `json:"idle_cycles"`
	AvgJobDurationMS int64   `json:"avg_job_duration_ms"`
	TotalExecMS      int64   `json:"total_execution_ms"`
	TotalIdleMS      int64   `json:"total_idle_ms"`
	IdlePercent      float64 `json:"idle_percent"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	now := s.now()

	var loop claim.Stats
	if s.deps.Loop != nil {
		loop = s.deps.Loop.Stats()
	}
	var pipe pipeline.Stats
	if s.deps.Pipeline != nil {
		pipe = s.deps.Pipeline.Stats()
	}

	// Activity is the most recent claim or settlement; a node that has
	// done nothing reports its age since boot.
	lastActivity := s.start
	if loop.LastClaim.After(lastActivity) {
		lastActivity = loop.LastClaim
	}
	if pipe.LastFinish > 0 {
		if t := time.Unix(pipe.LastFinish, 0); t.After(lastActivity) {
			lastActivity = t
		}
	}

	uptimeMS := now.Sub(s.start).Milliseconds()
	idleMS := uptimeMS - pipe.TotalExecMS
	if idleMS < 0 {
		idleMS = 0
	}
	var idlePct float64
	if uptimeMS > 0 {
		idlePct = math.Round(float64(idleMS)/float64(uptimeMS)*100*100) / 100
	}
	var avgMS int64
	if pipe.Processed > 0 {
		avgMS = pipe.TotalExecMS / int64(pipe.Processed)
	}

	payload := healthPayload{
		Status:              "ok",
		NodeID:              NodeID(s.deps.Safe),
		UptimeSeconds:       int64(now.Sub(s.start).Seconds()),
		LastActivitySeconds: int64(now.Sub(lastActivity).Seconds()),
		Processed:           pipe.Processed,
		Failed:              pipe.Failed,
		InFlight:            loop.InFlight,
		Efficiency: efficiency{
			IdleCycles:       loop.IdleTicks,
			AvgJobDurationMS: avgMS,
			TotalExecMS:      pipe.TotalExecMS,
			TotalIdleMS:      idleMS,
			IdlePercent:      idlePct,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("health payload encode failed", slog.Any("error", err))
	}
}
