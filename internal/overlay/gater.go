package overlay

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/libp2p/go-libp2p/core/control"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var admissions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "jinn_overlay_admissions_total",
	Help: "Peer admission decisions at the secured gate.",
}, []string{"decision"})

// AdmissionGater admits encrypted connections only from staked operators
// or explicitly trusted peers. Dial, addr and upgrade gates always allow;
// the decision happens once the peer identity is authenticated.
type AdmissionGater struct {
	stakes  *StakeCache
	trusted map[peer.ID]struct{}
	log     *slog.Logger
}

// NewAdmissionGater builds the gater. trusted holds peer id strings.
func NewAdmissionGater(stakes *StakeCache, trusted []peer.ID, log *slog.Logger) *AdmissionGater {
	set := make(map[peer.ID]struct{}, len(trusted))
	for _, p := range trusted {
		set[p] = struct{}{}
	}
	return &AdmissionGater{stakes: stakes, trusted: set, log: log}
}

// InterceptPeerDial always allows; admission happens post-handshake.
func (g *AdmissionGater) InterceptPeerDial(peer.ID) bool { return true }

// InterceptAddrDial always allows.
func (g *AdmissionGater) InterceptAddrDial(peer.ID, ma.Multiaddr) bool { return true }

// InterceptAccept always allows; the peer is not yet authenticated.
func (g *AdmissionGater) InterceptAccept(network.ConnMultiaddrs) bool { return true }

// InterceptSecured decides admission once the peer identity is known.
func (g *AdmissionGater) InterceptSecured(dir network.Direction, p peer.ID, _ network.ConnMultiaddrs) bool {
	allow := g.admit(p)
	if allow {
		admissions.WithLabelValues("admit").Inc()
	} else {
		admissions.WithLabelValues("deny").Inc()
		g.log.Debug("peer denied", "peer", p.String(), "direction", dir)
	}
	return allow
}

// InterceptUpgraded always allows; InterceptSecured already decided.
func (g *AdmissionGater) InterceptUpgraded(network.Conn) (bool, control.DisconnectReason) {
	return true, 0
}

func (g *AdmissionGater) admit(p peer.ID) bool {
	if _, ok := g.trusted[p]; ok {
		return true
	}

	addr, err := OperatorAddress(p)
	if err != nil {
		// Peers without a recoverable secp256k1 identity cannot map to
		// an operator and are never admitted.
		g.log.Debug("peer address derivation failed", "peer", p.String(), "error", err)
		return false
	}

	return g.stakes.Admitted(context.Background(), addr)
}

// OperatorAddress derives the chain address behind a secp256k1 peer
// identity: keccak-256 over the uncompressed public key minus its prefix
// byte, taking the low 20 bytes.
func OperatorAddress(p peer.ID) (common.Address, error) {
	pub, err := p.ExtractPublicKey()
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to extract peer public key: %w", err)
	}

	secpPub, ok := pub.(*libp2pcrypto.Secp256k1PublicKey)
	if !ok {
		return common.Address{}, fmt.Errorf("peer key type %T is not secp256k1", pub)
	}

	compressed, err := secpPub.Raw()
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to serialize peer public key: %w", err)
	}

	parsed, err := btcec.ParsePubKey(compressed)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to parse compressed public key: %w", err)
	}

	uncompressed := parsed.SerializeUncompressed()
	hash := ethcrypto.Keccak256(uncompressed[1:])
	return common.BytesToAddress(hash[12:]), nil
}
