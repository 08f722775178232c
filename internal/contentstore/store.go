// Package contentstore resolves and publishes content-addressed payloads:
// request metadata, delivery payloads and telemetry. Writes land in the
// local blockstore and are announced to peers; reads fall back from the
// local store to the peer overlay to the HTTP gateway.
package contentstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var resolveSource = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "jinn_contentstore_resolves_total",
	Help: "Content resolutions by source.",
}, []string{"source"})

// PeerFetcher pulls a block from the overlay by digest. Implementations
// return ok=false when no admitted peer has the block.
type PeerFetcher interface {
	FetchBlock(ctx context.Context, digest []byte) ([]byte, bool, error)
}

// Announcer publishes a new block's identity to the overlay.
type Announcer interface {
	AnnounceBlock(ctx context.Context, cidStr string, digest []byte) error
}

// GetOptions tunes a read.
type GetOptions struct {
	// RequestID, when set on legacy reads, enables the directory-pathed
	// candidate keyed by the decimal request id.
	RequestID string

	// LocalOnly skips peer and gateway fallback.
	LocalOnly bool
}

// Store is the content store client.
type Store struct {
	blocks   *Blockstore
	gateway  *Gateway
	peers    PeerFetcher
	announce Announcer
	log      *slog.Logger
}

// NewStore wires the store. peers and announce may be nil when the overlay
// is disabled.
func NewStore(blocks *Blockstore, gateway *Gateway, peers PeerFetcher, announce Announcer, log *slog.Logger) *Store {
	return &Store{
		blocks:   blocks,
		gateway:  gateway,
		peers:    peers,
		announce: announce,
		log:      log,
	}
}

// PutJSON encodes value, stores the bytes locally, announces the block
// and returns the canonical base32 CID plus the 32-byte digest hex that
// settles on chain.
func (s *Store) PutJSON(ctx context.Context, value any) (string, string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode payload: %w", err)
	}
	return s.PutBytes(ctx, data)
}

// PutBytes stores raw bytes. See PutJSON.
func (s *Store) PutBytes(ctx context.Context, data []byte) (string, string, error) {
	digest := sha256.Sum256(data)

	c, err := CIDFromDigest(codecRaw, digest[:])
	if err != nil {
		return "", "", err
	}
	cidStr, err := FormatBase32(c)
	if err != nil {
		return "", "", err
	}

	if err := s.blocks.Put(digest[:], data); err != nil {
		return "", "", fmt.Errorf("failed to store block: %w", err)
	}

	if s.announce != nil {
		if err := s.announce.AnnounceBlock(ctx, cidStr, digest[:]); err != nil {
			// Announcement is best effort; the gateway path still works.
			s.log.Warn("block announcement failed", "cid", cidStr, "error", err)
		}
	}

	return cidStr, hex.EncodeToString(digest[:]), nil
}

// Get resolves a CID: local blockstore, then admitted peers, then the
// gateway. Returns (nil, nil) when the content does not exist anywhere.
func (s *Store) Get(ctx context.Context, cidStr string, opts GetOptions) ([]byte, error) {
	c, err := ParseCID(cidStr)
	if err != nil {
		return nil, err
	}
	digest, err := DigestOf(c)
	if err != nil {
		return nil, err
	}

	data, found, err := s.blocks.Get(digest)
	if err != nil {
		return nil, err
	}
	if found {
		resolveSource.WithLabelValues("local").Inc()
		return data, nil
	}
	if opts.LocalOnly {
		return nil, nil
	}

	if s.peers != nil {
		data, found, err := s.peers.FetchBlock(ctx, digest)
		if err != nil {
			s.log.Debug("peer fetch failed", "cid", cidStr, "error", err)
		} else if found {
			resolveSource.WithLabelValues("peer").Inc()
			s.cache(digest, data)
			return data, nil
		}
	}

	data, err = s.gateway.Fetch(ctx, cidStr, "")
	if err != nil {
		return nil, err
	}
	if data != nil {
		resolveSource.WithLabelValues("gateway").Inc()
		s.cache(digest, data)
	}
	return data, nil
}

// GetLegacy resolves historic content stored under heterogeneous codecs.
// Candidates are tried in order against the local store and then the
// gateway; the first success wins. Returns (nil, nil) when every candidate
// misses.
func (s *Store) GetLegacy(ctx context.Context, digestHex string, opts GetOptions) ([]byte, error) {
	digest, err := hex.DecodeString(strings.TrimPrefix(digestHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse digest %q: %w", digestHex, err)
	}
	if len(digest) != 32 {
		return nil, fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}

	data, found, err := s.blocks.Get(digest)
	if err != nil {
		return nil, err
	}
	if found {
		resolveSource.WithLabelValues("local").Inc()
		return data, nil
	}
	if opts.LocalOnly {
		return nil, nil
	}

	if s.peers != nil {
		data, found, err := s.peers.FetchBlock(ctx, digest)
		if err != nil {
			s.log.Debug("peer fetch failed", "digest", digestHex, "error", err)
		} else if found {
			resolveSource.WithLabelValues("peer").Inc()
			s.cache(digest, data)
			return data, nil
		}
	}

	candidates, err := legacyCandidates(digest, opts.RequestID)
	if err != nil {
		return nil, err
	}

	for _, cand := range candidates {
		data, err := s.gateway.Fetch(ctx, cand.cid, cand.path)
		if err != nil {
			s.log.Debug("legacy candidate failed",
				"cid", cand.cid,
				"path", cand.path,
				"error", err,
			)
			continue
		}
		if data != nil {
			resolveSource.WithLabelValues("gateway").Inc()
			s.cache(digest, data)
			return data, nil
		}
	}

	return nil, nil
}

// GetJSON resolves a CID and decodes it into out. Absent content returns
// ok=false.
func (s *Store) GetJSON(ctx context.Context, cidStr string, opts GetOptions, out any) (bool, error) {
	data, err := s.Get(ctx, cidStr, opts)
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", cidStr, err)
	}
	return true, nil
}

// cache writes fetched bytes into the local store so repeat reads stay
// local. Failures only log; the caller already has the data.
func (s *Store) cache(digest, data []byte) {
	if err := s.blocks.Put(digest, data); err != nil {
		s.log.Warn("failed to cache fetched block", "error", err)
	}
}

// HasLocal reports whether a digest is present in the local blockstore.
func (s *Store) HasLocal(digest []byte) (bool, error) {
	return s.blocks.Has(digest)
}
