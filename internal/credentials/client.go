// Package credentials talks to the credential broker: a signed HTTPS
// service that tells a worker which credential providers it holds, hands
// out short-lived OAuth tokens for them, and serves the operator network
// directory used for staking checks and peer discovery. Every request
// carries an RFC-9421 signature so the broker can bind capabilities to the
// operator address.
package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"github.com/Jinn-Network/jinn-node-sub004/internal/identity"
	"github.com/Jinn-Network/jinn-node-sub004/internal/pkg/faults"
)

const defaultTimeout = 15 * time.Second

// Config holds broker client settings.
type Config struct {
	// URL is the broker base URL.
	URL string
	// Timeout bounds a single HTTP round trip.
	Timeout time.Duration
}

// Client is the signed broker client. Safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	signer  *identity.Signer
	log     *slog.Logger
}

// New creates a broker client signing with the operator key.
func New(cfg Config, signer *identity.Signer, log *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{
		baseURL: cfg.URL,
		http:    &http.Client{Timeout: cfg.Timeout},
		signer:  signer,
		log:     log,
	}
}

// Operator is one entry of the broker's network directory. ServiceID zero
// means the operator has not registered a service.
type Operator struct {
	Address    string   `json:"address"`
	Multiaddrs []string `json:"multiaddrs"`
	ServiceID  uint64   `json:"serviceId,omitempty"`
}

// NodeRegistration announces this worker's reachable multiaddrs.
type NodeRegistration struct {
	Address    string   `json:"address"`
	Multiaddrs []string `json:"multiaddrs"`
	ServiceID  uint64   `json:"serviceId,omitempty"`
}

// Probe asks the broker which credential providers this operator holds.
// Called once at startup; the result gates credential-demanding jobs.
func (c *Client) Probe(ctx context.Context) (*Capabilities, error) {
	var resp struct {
		Providers []string `json:"providers"`
	}
	if err := c.do(ctx, http.MethodPost, "/credentials/capabilities", struct{}{}, &resp); err != nil {
		return nil, err
	}
	return NewCapabilities(resp.Providers), nil
}

// Operators fetches the operator network directory.
func (c *Client) Operators(ctx context.Context) ([]Operator, error) {
	var resp struct {
		Operators []Operator `json:"operators"`
	}
	if err := c.do(ctx, http.MethodGet, "/admin/operators/network", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Operators, nil
}

// RegisterNode publishes this worker's multiaddrs to the directory.
// Callers treat failure as non-fatal.
func (c *Client) RegisterNode(ctx context.Context, reg NodeRegistration) error {
	return c.do(ctx, http.MethodPost, "/admin/operators/network", reg, nil)
}

// TokenSource returns an oauth2 token source for one provider. Tokens are
// short-lived; the source refreshes through the broker when the cached
// token expires.
func (c *Client) TokenSource(provider string) oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, &brokerTokenSource{client: c, provider: provider})
}

type brokerTokenSource struct {
	client   *Client
	provider string
}

func (s *brokerTokenSource) Token() (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.client.http.Timeout)
	defer cancel()

	var resp struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	err := s.client.do(ctx, http.MethodPost, "/credentials/token",
		map[string]string{"provider": s.provider}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("broker returned empty token for provider %s", s.provider)
	}

	token := &oauth2.Token{
		AccessToken: resp.AccessToken,
		TokenType:   resp.TokenType,
	}
	if resp.ExpiresIn > 0 {
		token.Expiry = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	return token, nil
}

// do performs one signed request. Transport failures and 5xx responses are
// retryable; anything else is terminal.
func (c *Client) do(ctx context.Context, method, path string, body, result interface{}) error {
	reqURL, err := url.JoinPath(c.baseURL, path)
	if err != nil {
		return fmt.Errorf("failed to build URL: %w", err)
	}

	var payload []byte
	var bodyReader io.Reader
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.signer.SignRequest(req, payload, nil); err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &faults.Retryable{Err: faults.Wrap(faults.CodeRPCFailure, "broker request failed", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 500 {
		return &faults.Retryable{Err: faults.New(faults.CodeRPCFailure,
			fmt.Sprintf("broker returned %d on %s", resp.StatusCode, path))}
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("broker rejected %s %s: %d: %s", method, path, resp.StatusCode, respBody)
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to parse broker response: %w", err)
		}
	}
	return nil
}
