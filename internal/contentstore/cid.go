package contentstore

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multihash"
)

// Codecs observed in historic payloads. New content is always written raw.
const (
	codecRaw   = cid.Raw
	codecDagPB = cid.DagProtobuf
)

// Digest32 parses a digest hex string (PutJSON's second return, with or
// without the 0x prefix) into the fixed-size form the chain surface takes.
func Digest32(digestHex string) ([32]byte, error) {
	var digest [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(digestHex, "0x"))
	if err != nil {
		return digest, fmt.Errorf("failed to parse digest %q: %w", digestHex, err)
	}
	if len(raw) != 32 {
		return digest, fmt.Errorf("digest must be 32 bytes, got %d", len(raw))
	}
	copy(digest[:], raw)
	return digest, nil
}

// CIDFromDigest wraps a 32-byte sha2-256 digest in a CIDv1 of the given
// codec.
func CIDFromDigest(codec uint64, digest []byte) (cid.Cid, error) {
	if len(digest) != 32 {
		return cid.Undef, fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	mh, err := multihash.Encode(digest, multihash.SHA2_256)
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to encode multihash: %w", err)
	}
	return cid.NewCidV1(codec, mh), nil
}

// FormatBase32 renders a CID in the canonical lowercase base32 form with
// the 'b' multibase prefix.
func FormatBase32(c cid.Cid) (string, error) {
	s, err := c.StringOfBase(multibase.Base32)
	if err != nil {
		return "", fmt.Errorf("failed to encode cid base32: %w", err)
	}
	return s, nil
}

// DigestOf extracts the 32-byte sha2-256 digest carried by a CID.
func DigestOf(c cid.Cid) ([]byte, error) {
	dec, err := multihash.Decode(c.Hash())
	if err != nil {
		return nil, fmt.Errorf("failed to decode multihash: %w", err)
	}
	if dec.Code != multihash.SHA2_256 || dec.Length != 32 {
		return nil, fmt.Errorf("unsupported multihash code %d length %d", dec.Code, dec.Length)
	}
	return dec.Digest, nil
}

// ParseCID decodes any multibase CID string, including the legacy 'f' hex
// form (f01701220…, f01551220…).
func ParseCID(s string) (cid.Cid, error) {
	c, err := cid.Decode(strings.TrimSpace(s))
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to parse cid %q: %w", s, err)
	}
	return c, nil
}

// DecimalRequestID interprets a 32-byte hex request id as an unsigned
// big-endian integer and returns its decimal rendering. Historic directory
// payloads are keyed by this form.
func DecimalRequestID(hexID string) (string, error) {
	cleaned := strings.TrimPrefix(strings.TrimSpace(hexID), "0x")
	raw, err := hex.DecodeString(cleaned)
	if err != nil {
		return "", fmt.Errorf("failed to parse request id %q: %w", hexID, err)
	}
	if len(raw) != 32 {
		return "", fmt.Errorf("request id must be 32 bytes, got %d", len(raw))
	}
	return new(big.Int).SetBytes(raw).String(), nil
}

// candidate is one gateway lookup the legacy resolver will attempt:
// a CID string plus an optional directory sub-path.
type candidate struct {
	cid  string
	path string
}

// legacyCandidates enumerates the CID forms historic content may live
// under. With a request id the dag-pb directory form is tried first,
// pathing into the decimal-named entry; plain raw and dag-pb forms follow.
func legacyCandidates(digest []byte, requestID string) ([]candidate, error) {
	var out []candidate

	if requestID != "" {
		dirCID, err := CIDFromDigest(codecDagPB, digest)
		if err != nil {
			return nil, err
		}
		dirStr, err := FormatBase32(dirCID)
		if err != nil {
			return nil, err
		}
		decimal, err := DecimalRequestID(requestID)
		if err != nil {
			return nil, err
		}
		out = append(out, candidate{cid: dirStr, path: decimal})
	}

	for _, codec := range []uint64{codecRaw, codecDagPB} {
		c, err := CIDFromDigest(codec, digest)
		if err != nil {
			return nil, err
		}
		s, err := FormatBase32(c)
		if err != nil {
			return nil, err
		}
		out = append(out, candidate{cid: s})
	}
	return out, nil
}
