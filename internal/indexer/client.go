// Package indexer is the client for the chain indexer's GraphQL API. The
// indexer exposes four entity collections (requests, jobDefinitions,
// artifacts, messages) as items-wrapped list queries with where, orderBy
// and limit arguments. All calls run through a circuit breaker so a dead
// indexer degrades the claim loop instead of hanging it.
package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"

	"github.com/Jinn-Network/jinn-node-sub004/internal/pkg/faults"
)

var queriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "jinn_indexer_queries_total",
	Help: "Indexer GraphQL calls by top-level field and outcome.",
}, []string{"operation", "outcome"})

const (
	defaultTimeout = 10 * time.Second
	contentType    = "application/json"
)

// Config holds indexer client settings.
type Config struct {
	// URL is the GraphQL endpoint.
	URL string
	// Timeout bounds a single HTTP round trip.
	Timeout time.Duration
}

// Client talks to the indexer. Safe for concurrent use.
type Client struct {
	url     string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *slog.Logger
}

// New creates an indexer client with a circuit breaker that opens after
// five consecutive transport failures and probes again after 30 seconds.
func New(cfg Config, log *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "indexer",
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("indexer breaker state change", "from", from.String(), "to", to.String())
		},
	})

	return &Client{
		url:     cfg.URL,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		log:     log,
	}
}

type graphqlRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type graphqlError struct {
	Message string `json:"message"`
}

type graphqlEnvelope struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors,omitempty"`
}

// query posts a GraphQL document and decodes the data envelope into out.
// Transport failures and 5xx responses count against the breaker and come
// back retryable; a 4xx or a GraphQL error means the query itself is bad
// and is terminal.
func (c *Client) query(ctx context.Context, operation, document string, variables map[string]interface{}, out interface{}) error {
	payload, err := json.Marshal(graphqlRequest{Query: document, Variables: variables})
	if err != nil {
		return fmt.Errorf("failed to marshal graphql request: %w", err)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", contentType)

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read response body: %w", err)
		}
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("indexer returned %d: %s", resp.StatusCode, snippet(body))
		}
		return &httpResult{status: resp.StatusCode, body: body}, nil
	})
	if err != nil {
		queriesTotal.WithLabelValues(operation, "error").Inc()
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return &faults.Retryable{Err: faults.Wrap(faults.CodeRPCFailure, "indexer unavailable", err)}
		}
		return &faults.Retryable{Err: faults.Wrap(faults.CodeRPCFailure, "indexer query failed", err)}
	}

	resp := result.(*httpResult)
	if resp.status >= 400 {
		queriesTotal.WithLabelValues(operation, "error").Inc()
		return fmt.Errorf("indexer rejected %s query: %d: %s", operation, resp.status, snippet(resp.body))
	}

	var envelope graphqlEnvelope
	if err := json.Unmarshal(resp.body, &envelope); err != nil {
		queriesTotal.WithLabelValues(operation, "error").Inc()
		return fmt.Errorf("failed to parse indexer response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		queriesTotal.WithLabelValues(operation, "error").Inc()
		return fmt.Errorf("indexer %s query failed: %s", operation, envelope.Errors[0].Message)
	}

	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			queriesTotal.WithLabelValues(operation, "error").Inc()
			return fmt.Errorf("failed to decode %s data: %w", operation, err)
		}
	}

	queriesTotal.WithLabelValues(operation, "ok").Inc()
	return nil
}

type httpResult struct {
	status int
	body   []byte
}

func snippet(body []byte) string {
	const max = 200
	if len(body) > max {
		body = body[:max]
	}
	return string(body)
}
