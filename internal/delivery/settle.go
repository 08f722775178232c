// Package delivery settles finished requests: it publishes the delivery
// payload to the content store, submits deliver() through the service
// Safe with backoff on transient failures, emits the worker-telemetry
// artifact, and runs the lineage bookkeeping that follows a settlement
// (parent verification, cycle recurrence, loop recovery).
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Jinn-Network/jinn-node-sub004/internal/agent"
	"github.com/Jinn-Network/jinn-node-sub004/internal/contentstore"
	"github.com/Jinn-Network/jinn-node-sub004/internal/indexer"
	"github.com/Jinn-Network/jinn-node-sub004/internal/job"
	"github.com/Jinn-Network/jinn-node-sub004/internal/pkg/faults"
)

var (
	deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jinn_deliveries_total",
		Help: "Delivery settlements by outcome.",
	}, []string{"outcome"})

	deliveryAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "jinn_delivery_attempts",
		Help:    "Chain submissions needed per settled delivery.",
		Buckets: []float64{1, 2, 3, 4, 5},
	})
)

// Payload is the content-addressed delivery document, written exactly
// once per request. The hierarchy walker reads the status field of
// settled runs, so its wire name is load-bearing.
type Payload struct {
	RequestID         string              `json:"requestId"`
	WorkstreamID      string              `json:"workstreamId,omitempty"`
	Status            job.Status          `json:"status"`
	Message           string              `json:"message,omitempty"`
	Output            string              `json:"output,omitempty"`
	StructuredSummary string              `json:"structuredSummary,omitempty"`
	Model             string              `json:"model,omitempty"`
	Telemetry         agent.Telemetry     `json:"telemetry"`
	Artifacts         []agent.ArtifactRef `json:"artifacts,omitempty"`
	PullRequestURL    string              `json:"pullRequestUrl,omitempty"`
	FaultCode         string              `json:"faultCode,omitempty"`
	DurationMS        int64               `json:"durationMs,omitempty"`
	DeliveredAt       int64               `json:"deliveredAt"`
}

// Publisher writes blobs to the content store.
type Publisher interface {
	PutJSON(ctx context.Context, value any) (string, string, error)
}

// ChainSubmitter settles the request on-chain.
type ChainSubmitter interface {
	Deliver(ctx context.Context, safe common.Address, requestID common.Hash, digest [32]byte) (*types.Receipt, error)
}

// ArtifactWriter records artifact pointers with the indexer.
type ArtifactWriter interface {
	CreateArtifact(ctx context.Context, input indexer.ArtifactInput) (string, error)
}

// Config tunes the settler.
type Config struct {
	Safe        common.Address
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Settler publishes and settles delivery payloads.
type Settler struct {
	cfg   Config
	store Publisher
	chain ChainSubmitter
	index ArtifactWriter
	log   *slog.Logger
	now   func() time.Time
}

// NewSettler wires a settler. index may be nil when the indexer has no
// write surface configured; telemetry artifacts are then skipped.
func NewSettler(cfg Config, store Publisher, chain ChainSubmitter, index ArtifactWriter, log *slog.Logger) *Settler {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 2 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Settler{cfg: cfg, store: store, chain: chain, index: index, log: log, now: time.Now}
}

// Settle publishes the payload and submits deliver() until it commits.
// Transient submission failures back off exponentially; a terminal fault
// (SAFE_TX_REVERT, SIM_REVERT) returns immediately, since the chain state
// is authoritative and the request escalates to FAILED locally. On success
// the worker-telemetry artifact is emitted best-effort and the payload
// digest hex is returned.
func (s *Settler) Settle(ctx context.Context, payload *Payload) (string, error) {
	if payload.DeliveredAt == 0 {
		payload.DeliveredAt = s.now().Unix()
	}

	cid, digestHex, err := s.store.PutJSON(ctx, payload)
	if err != nil {
		deliveries.WithLabelValues("store_error").Inc()
		return "", fmt.Errorf("failed to publish delivery payload: %w", err)
	}
	digest, err := contentstore.Digest32(digestHex)
	if err != nil {
		deliveries.WithLabelValues("store_error").Inc()
		return "", err
	}

	requestID := common.HexToHash(payload.RequestID)
	backoff := s.cfg.BaseBackoff
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		_, err := s.chain.Deliver(ctx, s.cfg.Safe, requestID, digest)
		if err == nil {
			deliveries.WithLabelValues("ok").Inc()
			deliveryAttempts.Observe(float64(attempt))
			s.log.Info("delivery settled",
				"request", payload.RequestID,
				"status", payload.Status,
				"cid", cid,
				"attempt", attempt,
			)
			s.emitTelemetry(ctx, payload)
			return digestHex, nil
		}
		if !faults.IsRetryable(err) {
			deliveries.WithLabelValues("terminal").Inc()
			return "", err
		}
		lastErr = err
		s.log.Warn("delivery submit failed, backing off",
			"request", payload.RequestID,
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)
		select {
		case <-ctx.Done():
			deliveries.WithLabelValues("canceled").Inc()
			return "", ctx.Err()
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > s.cfg.MaxBackoff {
			backoff = s.cfg.MaxBackoff
		}
	}

	deliveries.WithLabelValues("exhausted").Inc()
	return "", fmt.Errorf("delivery retries exhausted for %s: %w", payload.RequestID, lastErr)
}

// workerTelemetry is the observability blob attached to every settled
// request under the WORKER_TELEMETRY topic.
type workerTelemetry struct {
	RequestID   string     `json:"requestId"`
	Status      job.Status `json:"status"`
	Model       string     `json:"model,omitempty"`
	ToolCalls   int        `json:"toolCalls"`
	FailedCalls int        `json:"failedCalls"`
	DurationMS  int64      `json:"durationMs"`
	FaultCode   string     `json:"faultCode,omitempty"`
	DeliveredAt int64      `json:"deliveredAt"`
}

func (s *Settler) emitTelemetry(ctx context.Context, payload *Payload) {
	if s.index == nil {
		return
	}

	failed := 0
	for _, call := range payload.Telemetry.ToolCalls {
		if !call.Success {
			failed++
		}
	}
	blob := workerTelemetry{
		RequestID:   payload.RequestID,
		Status:      payload.Status,
		Model:       payload.Model,
		ToolCalls:   len(payload.Telemetry.ToolCalls),
		FailedCalls: failed,
		DurationMS:  payload.DurationMS,
		FaultCode:   payload.FaultCode,
		DeliveredAt: payload.DeliveredAt,
	}

	cid, _, err := s.store.PutJSON(ctx, blob)
	if err != nil {
		s.log.Warn("telemetry blob publish failed", "request", payload.RequestID, "error", err)
		return
	}
	_, err = s.index.CreateArtifact(ctx, indexer.ArtifactInput{
		CID:          cid,
		Topic:        indexer.TopicWorkerTelemetry,
		Name:         "worker-telemetry",
		ArtifactType: "json",
		RequestID:    payload.RequestID,
		WorkstreamID: payload.WorkstreamID,
	})
	if err != nil {
		s.log.Warn("telemetry artifact create failed", "request", payload.RequestID, "error", err)
	}
}
