// Package identity holds the operator key and produces all signatures the
// worker needs: Safe transaction approvals, eth_sign digests, and signed
// HTTP requests toward the credential broker.
package identity

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Jinn-Network/jinn-node-sub004/internal/pkg/faults"
)

// Signer wraps the operator's secp256k1 key.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID int64
}

// LoadSigner reads the operator key from keyFile. Both geth keystore JSON
// (scrypt KDF, AES-128-CTR, MAC-checked) and raw hex key files are accepted;
// keystore files require passwordFile.
func LoadSigner(keyFile, passwordFile string, chainID int64) (*Signer, error) {
	raw, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, faults.Wrap(faults.CodeMissingKey, fmt.Sprintf("read key file %s", keyFile), err)
	}

	key, err := parseKey(raw, passwordFile)
	if err != nil {
		return nil, err
	}

	return NewSigner(key, chainID), nil
}

// NewSigner builds a Signer around an already-loaded private key.
func NewSigner(key *ecdsa.PrivateKey, chainID int64) *Signer {
	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
	}
}

func parseKey(raw []byte, passwordFile string) (*ecdsa.PrivateKey, error) {
	trimmed := strings.TrimSpace(string(raw))

	// Keystore files are JSON objects carrying a "crypto" section.
	if strings.HasPrefix(trimmed, "{") {
		var probe struct {
			Crypto json.RawMessage `json:"crypto"`
		}
		if err := json.Unmarshal([]byte(trimmed), &probe); err == nil && len(probe.Crypto) > 0 {
			if passwordFile == "" {
				return nil, faults.New(faults.CodeMissingKey, "keystore file requires a password file")
			}
			pw, err := os.ReadFile(passwordFile)
			if err != nil {
				return nil, faults.Wrap(faults.CodeMissingKey, "read password file", err)
			}
			decrypted, err := keystore.DecryptKey([]byte(trimmed), strings.TrimSpace(string(pw)))
			if err != nil {
				return nil, faults.Wrap(faults.CodeMissingKey, "decrypt keystore", err)
			}
			return decrypted.PrivateKey, nil
		}
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(trimmed, "0x"))
	if err != nil {
		return nil, faults.Wrap(faults.CodeMissingKey, "parse hex private key", err)
	}
	return key, nil
}

// Address returns the operator address derived from the key.
func (s *Signer) Address() common.Address {
	return s.address
}

// ECDSA exposes the underlying key for subsystems that derive their own
// identity from it (the p2p host reuses the operator key).
func (s *Signer) ECDSA() *ecdsa.PrivateKey {
	return s.key
}

// ChainID returns the chain the signer is configured for.
func (s *Signer) ChainID() int64 {
	return s.chainID
}

// KeyID returns the RFC-9421 key identifier, "chain_id:address".
func (s *Signer) KeyID() string {
	return fmt.Sprintf("%d:%s", s.chainID, strings.ToLower(s.address.Hex()))
}

// SignDigest signs a 32-byte hash and returns a 65-byte R||S||V signature
// with V adjusted to 27/28.
func (s *Signer) SignDigest(hash []byte) ([]byte, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("hash must be 32 bytes, got %d", len(hash))
	}

	sig, err := crypto.Sign(hash, s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign hash: %w", err)
	}

	// crypto.Sign yields V as 0/1; Ethereum tooling expects 27/28.
	sig[64] += 27
	return sig, nil
}

// SignSafeHash signs a Safe transaction hash in eth_sign style: the hash is
// wrapped in the Ethereum signed-message envelope and V is bumped by 4 so
// the Safe contract treats the signature as pre-hashed.
func (s *Signer) SignSafeHash(safeTxHash []byte) ([]byte, error) {
	if len(safeTxHash) != 32 {
		return nil, fmt.Errorf("safe tx hash must be 32 bytes, got %d", len(safeTxHash))
	}

	prefixed := EthSignDigest(safeTxHash)
	sig, err := s.SignDigest(prefixed)
	if err != nil {
		return nil, err
	}

	// v in {27,28} -> {31,32} marks an eth_sign-style approval to the Safe.
	sig[64] += 4
	return sig, nil
}

// EthSignDigest computes keccak256("\x19Ethereum Signed Message:\n32" || hash).
func EthSignDigest(hash []byte) []byte {
	msg := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(hash), hash)
	return crypto.Keccak256([]byte(msg))
}

// RecoverAddress recovers the signing address from a 65-byte signature over
// the given 32-byte hash. V values of 0/1 and 27/28 are both accepted.
func RecoverAddress(hash, signature []byte) (common.Address, error) {
	if len(hash) != 32 {
		return common.Address{}, fmt.Errorf("hash must be 32 bytes, got %d", len(hash))
	}
	if len(signature) != 65 {
		return common.Address{}, fmt.Errorf("signature must be 65 bytes, got %d", len(signature))
	}

	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// ParseHexKey parses a 0x-prefixed or bare hex private key. Exposed for the
// CLI and tests.
func ParseHexKey(s string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return key, nil
}
