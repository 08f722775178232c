package contentstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Jinn-Network/jinn-node-sub004/internal/pkg/faults"
)

var gatewayFetches = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "jinn_contentstore_gateway_fetches_total",
	Help: "Gateway fetch attempts by outcome.",
}, []string{"outcome"})

// GatewayConfig tunes the HTTP gateway client.
type GatewayConfig struct {
	// BaseURL is the gateway root, e.g. https://gateway.autonolas.tech.
	BaseURL string

	// Timeout bounds a single fetch attempt (default: 10s).
	Timeout time.Duration

	// MaxRetries is the number of retries after the first attempt
	// (default: 3).
	MaxRetries int

	// InitialBackoff is the first retry delay (default: 1s).
	InitialBackoff time.Duration

	// MaxBackoff caps the retry delay (default: 10s).
	MaxBackoff time.Duration

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// Gateway fetches blocks over an HTTP IPFS gateway with retry.
type Gateway struct {
	cfg    GatewayConfig
	client *http.Client
	log    *slog.Logger
}

// NewGateway creates a gateway client.
func NewGateway(cfg GatewayConfig, log *slog.Logger) *Gateway {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 10 * time.Second
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	return &Gateway{cfg: cfg, client: client, log: log}
}

// Fetch retrieves /ipfs/<cid>[/<path>] from the gateway. A 404 (or 410/451
// gone) returns (nil, nil): absence is a result, not an error. Transient
// failures are retried with exponential backoff and ±25% jitter.
func (g *Gateway) Fetch(ctx context.Context, cidStr, subPath string) ([]byte, error) {
	target, err := url.JoinPath(g.cfg.BaseURL, "ipfs", cidStr)
	if err != nil {
		return nil, fmt.Errorf("failed to build gateway url: %w", err)
	}
	if subPath != "" {
		if target, err = url.JoinPath(target, subPath); err != nil {
			return nil, fmt.Errorf("failed to build gateway url: %w", err)
		}
	}

	var lastErr error
	backoff := g.cfg.InitialBackoff

	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(withJitter(backoff)):
			}
			backoff = min(backoff*2, g.cfg.MaxBackoff)
		}

		data, retryable, err := g.fetchOnce(ctx, target)
		if err == nil {
			if data == nil {
				gatewayFetches.WithLabelValues("not_found").Inc()
			} else {
				gatewayFetches.WithLabelValues("hit").Inc()
			}
			return data, nil
		}

		lastErr = err
		if !retryable {
			gatewayFetches.WithLabelValues("error").Inc()
			return nil, err
		}
		gatewayFetches.WithLabelValues("retry").Inc()
		g.log.Debug("gateway fetch retry",
			"cid", cidStr,
			"attempt", attempt+1,
			"error", err,
		)
	}

	gatewayFetches.WithLabelValues("exhausted").Inc()
	return nil, faults.Wrap(faults.CodeRPCFailure,
		fmt.Sprintf("gateway fetch failed after %d attempts", g.cfg.MaxRetries+1), lastErr)
}

// fetchOnce performs one HTTP GET. The bool reports whether the error is
// worth retrying.
func (g *Gateway) fetchOnce(ctx context.Context, target string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Accept", "application/octet-stream")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, true, fmt.Errorf("failed to read gateway body: %w", err)
		}
		return data, false, nil
	case resp.StatusCode == http.StatusNotFound,
		resp.StatusCode == http.StatusGone,
		resp.StatusCode == http.StatusUnavailableForLegalReasons:
		return nil, false, nil
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= http.StatusInternalServerError:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, true, fmt.Errorf("gateway returned status %d", resp.StatusCode)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, false, fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

// withJitter spreads a delay by ±25% so concurrent workers do not hammer
// the gateway in lockstep.
func withJitter(d time.Duration) time.Duration {
	spread := float64(d) * 0.25
	offset := (rand.Float64()*2 - 1) * spread
	return time.Duration(float64(d) + offset)
}
