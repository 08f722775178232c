package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signature header errors surfaced by the verifier.
var (
	ErrSignatureMissing = errors.New("request carries no signature")
	ErrSignatureExpired = errors.New("signature expired")
	ErrSignatureFuture  = errors.New("signature created in the future")
	ErrNonceReplayed    = errors.New("signature nonce already used")
	ErrDigestMismatch   = errors.New("content digest does not match body")
	ErrKeyMismatch      = errors.New("signature does not match keyid")
)

const (
	// DefaultSignatureTTL bounds how long a signed request stays valid.
	DefaultSignatureTTL = 60 * time.Second

	// DefaultClockSkew is the tolerance applied to created/expires checks.
	DefaultClockSkew = 10 * time.Second

	signatureLabel = "jinn"
	signatureAlg   = "keccak256-secp256k1"
)

// SignOptions tunes SignRequest. The zero value uses the defaults above.
type SignOptions struct {
	TTL     time.Duration
	Nonce   string
	Created time.Time
}

// SignRequest attaches RFC-9421 signature headers to req, binding the
// method, authority, path and (when a body is present) a SHA-256 content
// digest. The signature is a 65-byte secp256k1 signature over the
// keccak-256 of the signature base, carried base64-encoded.
func (s *Signer) SignRequest(req *http.Request, body []byte, opts *SignOptions) error {
	if opts == nil {
		opts = &SignOptions{}
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultSignatureTTL
	}
	created := opts.Created
	if created.IsZero() {
		created = time.Now()
	}
	nonce := opts.Nonce
	if nonce == "" {
		var err error
		nonce, err = newNonce()
		if err != nil {
			return err
		}
	}

	components := []string{"@method", "@authority", "@path"}
	if len(body) > 0 {
		req.Header.Set("Content-Digest", contentDigest(body))
		components = append(components, "content-digest")
	}

	params := formatParams(components, created.Unix(), created.Add(ttl).Unix(), s.KeyID(), nonce)

	base, err := signatureBase(req, components, params)
	if err != nil {
		return err
	}

	sig, err := s.SignDigest(crypto.Keccak256([]byte(base)))
	if err != nil {
		return err
	}

	req.Header.Set("Signature-Input", fmt.Sprintf("%s=%s", signatureLabel, params))
	req.Header.Set("Signature", fmt.Sprintf("%s=:%s:", signatureLabel, base64.StdEncoding.EncodeToString(sig)))
	return nil
}

// NonceStore tracks signature nonces. Consume returns true exactly once per
// nonce within its ttl; a second call is a replay.
type NonceStore interface {
	Consume(ctx context.Context, nonce string, ttl time.Duration) (bool, error)
}

// Verifier checks RFC-9421 signatures produced by SignRequest.
type Verifier struct {
	chainID int64
	nonces  NonceStore
	skew    time.Duration
	now     func() time.Time
}

// NewVerifier builds a verifier bound to a chain id and nonce store.
func NewVerifier(chainID int64, nonces NonceStore) *Verifier {
	return &Verifier{
		chainID: chainID,
		nonces:  nonces,
		skew:    DefaultClockSkew,
		now:     time.Now,
	}
}

// Verify checks the signature headers on req against body and returns the
// recovered signer address. Expired, future-dated, tampered and replayed
// signatures are rejected.
func (v *Verifier) Verify(ctx context.Context, req *http.Request, body []byte) (common.Address, error) {
	sigInput := req.Header.Get("Signature-Input")
	sigHeader := req.Header.Get("Signature")
	if sigInput == "" || sigHeader == "" {
		return common.Address{}, ErrSignatureMissing
	}

	label, params, err := splitLabel(sigInput)
	if err != nil {
		return common.Address{}, err
	}
	components, fields, err := parseParams(params)
	if err != nil {
		return common.Address{}, err
	}

	created, err := strconv.ParseInt(fields["created"], 10, 64)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid created parameter: %w", err)
	}
	expires, err := strconv.ParseInt(fields["expires"], 10, 64)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid expires parameter: %w", err)
	}

	now := v.now()
	if now.Unix() > expires+int64(v.skew.Seconds()) {
		return common.Address{}, ErrSignatureExpired
	}
	if created > now.Unix()+int64(v.skew.Seconds()) {
		return common.Address{}, ErrSignatureFuture
	}

	for _, c := range components {
		if c == "content-digest" {
			if req.Header.Get("Content-Digest") != contentDigest(body) {
				return common.Address{}, ErrDigestMismatch
			}
		}
	}

	sigLabel, sigValue, err := splitLabel(sigHeader)
	if err != nil {
		return common.Address{}, err
	}
	if sigLabel != label {
		return common.Address{}, fmt.Errorf("signature label %q does not match input label %q", sigLabel, label)
	}
	sig, err := base64.StdEncoding.DecodeString(strings.Trim(sigValue, ":"))
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid signature encoding: %w", err)
	}

	base, err := signatureBase(req, components, params)
	if err != nil {
		return common.Address{}, err
	}

	recovered, err := RecoverAddress(crypto.Keccak256([]byte(base)), sig)
	if err != nil {
		return common.Address{}, err
	}

	keyChain, keyAddr, err := parseKeyID(fields["keyid"])
	if err != nil {
		return common.Address{}, err
	}
	if keyChain != v.chainID || keyAddr != recovered {
		return common.Address{}, ErrKeyMismatch
	}

	nonce := fields["nonce"]
	if nonce == "" {
		return common.Address{}, errors.New("signature carries no nonce")
	}
	ttl := time.Unix(expires, 0).Add(v.skew).Sub(now)
	fresh, err := v.nonces.Consume(ctx, nonce, ttl)
	if err != nil {
		return common.Address{}, fmt.Errorf("nonce store: %w", err)
	}
	if !fresh {
		return common.Address{}, ErrNonceReplayed
	}

	return recovered, nil
}

// signatureBase builds the RFC-9421 signature base for the covered
// components plus the trailing @signature-params line.
func signatureBase(req *http.Request, components []string, params string) (string, error) {
	var b strings.Builder
	for _, c := range components {
		switch c {
		case "@method":
			fmt.Fprintf(&b, "%q: %s\n", c, req.Method)
		case "@authority":
			fmt.Fprintf(&b, "%q: %s\n", c, req.Host)
		case "@path":
			fmt.Fprintf(&b, "%q: %s\n", c, req.URL.Path)
		case "@query":
			fmt.Fprintf(&b, "%q: ?%s\n", c, req.URL.RawQuery)
		default:
			if strings.HasPrefix(c, "@") {
				return "", fmt.Errorf("unsupported derived component %q", c)
			}
			val := req.Header.Get(c)
			if val == "" {
				return "", fmt.Errorf("covered header %q missing from request", c)
			}
			fmt.Fprintf(&b, "%q: %s\n", c, strings.TrimSpace(val))
		}
	}
	fmt.Fprintf(&b, "%q: %s", "@signature-params", params)
	return b.String(), nil
}

func formatParams(components []string, created, expires int64, keyID, nonce string) string {
	quoted := make([]string, len(components))
	for i, c := range components {
		quoted[i] = strconv.Quote(c)
	}
	return fmt.Sprintf("(%s);created=%d;expires=%d;keyid=%q;nonce=%q;alg=%q",
		strings.Join(quoted, " "), created, expires, keyID, nonce, signatureAlg)
}

// splitLabel separates "label=value" at the first equals sign.
func splitLabel(header string) (string, string, error) {
	idx := strings.Index(header, "=")
	if idx <= 0 {
		return "", "", fmt.Errorf("malformed signature header %q", header)
	}
	return header[:idx], header[idx+1:], nil
}

// parseParams decodes `("a" "b");k=v;...` into the component list and the
// parameter map.
func parseParams(params string) ([]string, map[string]string, error) {
	if !strings.HasPrefix(params, "(") {
		return nil, nil, fmt.Errorf("malformed signature params %q", params)
	}
	closeIdx := strings.Index(params, ")")
	if closeIdx < 0 {
		return nil, nil, fmt.Errorf("malformed signature params %q", params)
	}

	var components []string
	for _, tok := range strings.Fields(params[1:closeIdx]) {
		unq, err := strconv.Unquote(tok)
		if err != nil {
			return nil, nil, fmt.Errorf("malformed component %q: %w", tok, err)
		}
		components = append(components, unq)
	}

	fields := make(map[string]string)
	for _, pair := range strings.Split(params[closeIdx+1:], ";") {
		if pair == "" {
			continue
		}
		k, v, found := strings.Cut(pair, "=")
		if !found {
			return nil, nil, fmt.Errorf("malformed parameter %q", pair)
		}
		if unq, err := strconv.Unquote(v); err == nil {
			v = unq
		}
		fields[k] = v
	}
	return components, fields, nil
}

func parseKeyID(keyID string) (int64, common.Address, error) {
	chainStr, addrStr, found := strings.Cut(keyID, ":")
	if !found {
		return 0, common.Address{}, fmt.Errorf("malformed keyid %q", keyID)
	}
	chainID, err := strconv.ParseInt(chainStr, 10, 64)
	if err != nil {
		return 0, common.Address{}, fmt.Errorf("malformed keyid chain %q: %w", chainStr, err)
	}
	if !common.IsHexAddress(addrStr) {
		return 0, common.Address{}, fmt.Errorf("malformed keyid address %q", addrStr)
	}
	return chainID, common.HexToAddress(addrStr), nil
}

// contentDigest renders an RFC-9530 sha-256 digest header value.
func contentDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return fmt.Sprintf("sha-256=:%s:", base64.StdEncoding.EncodeToString(sum[:]))
}

func newNonce() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}
