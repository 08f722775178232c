// Package overlay runs the worker's peer-to-peer layer: a libp2p host with
// staking-gated admission, gossip announcements for freshly published
// blocks, and a lightweight block fetch protocol between admitted peers.
package overlay

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
)

// ProtocolBlocks is the stream protocol for direct block fetches.
const ProtocolBlocks protocol.ID = "/jinn/blocks/1.0.0"

const (
	maxBlockSize    = 16 << 20 // 16 MiB
	maxRequestLine  = 1024
	streamTimeout   = 30 * time.Second
	fallbackPeers   = 4
	maxProviderSets = 4096
)

// Config holds overlay settings.
type Config struct {
	ListenAddrs   []string
	TrustedPeers  []string
	AnnounceTopic string
}

// BlockSource serves local blocks to peers.
type BlockSource interface {
	Get(digest []byte) ([]byte, bool, error)
}

// Node is the running overlay.
type Node struct {
	host      host.Host
	topic     *pubsub.Topic
	sub       *pubsub.Subscription
	blocks    BlockSource
	providers *providerIndex
	log       *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type announceMsg struct {
	CID    string `json:"cid"`
	Digest string `json:"digest"`
}

type blockRequest struct {
	Digest string `json:"digest"`
}

type blockResponse struct {
	Found bool `json:"found"`
	Size  int  `json:"size"`
}

// New starts the overlay: the libp2p host (identified by the operator key,
// gated by stakes), the gossip topic, and the block stream handler.
func New(ctx context.Context, cfg Config, operatorKey *ecdsa.PrivateKey, stakes *StakeCache, blocks BlockSource, log *slog.Logger) (*Node, error) {
	identity, err := libp2pcrypto.UnmarshalSecp256k1PrivateKey(ethcrypto.FromECDSA(operatorKey))
	if err != nil {
		return nil, fmt.Errorf("failed to build p2p identity: %w", err)
	}

	trustedIDs, trustedAddrs, err := parseTrustedPeers(cfg.TrustedPeers)
	if err != nil {
		return nil, err
	}

	gater := NewAdmissionGater(stakes, trustedIDs, log)

	h, err := libp2p.New(
		libp2p.Identity(identity),
		libp2p.ListenAddrStrings(cfg.ListenAddrs...),
		libp2p.ConnectionGater(gater),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start p2p host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("failed to start gossipsub: %w", err)
	}

	topicName := cfg.AnnounceTopic
	if topicName == "" {
		topicName = "jinn-blocks"
	}
	topic, err := ps.Join(topicName)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("failed to join topic %s: %w", topicName, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("failed to subscribe to topic %s: %w", topicName, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	n := &Node{
		host:      h,
		topic:     topic,
		sub:       sub,
		blocks:    blocks,
		providers: newProviderIndex(),
		log:       log,
		cancel:    cancel,
	}

	h.SetStreamHandler(ProtocolBlocks, n.handleBlockStream)

	for _, info := range trustedAddrs {
		h.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.PermanentAddrTTL)
	}
	// Dial trusted peers in the background; failures are fine, gossip
	// will find them later.
	for _, info := range trustedAddrs {
		info := info
		go func() {
			dialCtx, dialCancel := context.WithTimeout(loopCtx, streamTimeout)
			defer dialCancel()
			if err := h.Connect(dialCtx, info); err != nil {
				log.Debug("trusted peer dial failed", "peer", info.ID.String(), "error", err)
			}
		}()
	}

	n.wg.Add(1)
	go n.readLoop(loopCtx)

	log.Info("overlay started",
		"peer_id", h.ID().String(),
		"topic", topicName,
		"listen_addrs", cfg.ListenAddrs,
	)
	return n, nil
}

// Close shuts the overlay down.
func (n *Node) Close() error {
	n.cancel()
	n.sub.Cancel()
	n.topic.Close()
	err := n.host.Close()
	n.wg.Wait()
	return err
}

// PeerID returns the host identity.
func (n *Node) PeerID() peer.ID {
	return n.host.ID()
}

// Addresses returns the host's dialable multiaddrs including the /p2p
// component, suitable for operator registration.
func (n *Node) Addresses() []string {
	out := make([]string, 0, len(n.host.Addrs()))
	suffix := "/p2p/" + n.host.ID().String()
	for _, a := range n.host.Addrs() {
		out = append(out, a.String()+suffix)
	}
	return out
}

// AnnounceBlock publishes a block announcement to the gossip topic.
func (n *Node) AnnounceBlock(ctx context.Context, cidStr string, digest []byte) error {
	data, err := json.Marshal(announceMsg{CID: cidStr, Digest: hex.EncodeToString(digest)})
	if err != nil {
		return err
	}
	return n.topic.Publish(ctx, data)
}

// FetchBlock asks announced providers (then a few connected peers) for the
// block. Responses are digest-checked before acceptance.
func (n *Node) FetchBlock(ctx context.Context, digest []byte) ([]byte, bool, error) {
	digestHex := hex.EncodeToString(digest)

	candidates := n.providers.get(digestHex)
	if len(candidates) == 0 {
		for _, p := range n.host.Network().Peers() {
			if p == n.host.ID() {
				continue
			}
			candidates = append(candidates, p)
			if len(candidates) >= fallbackPeers {
				break
			}
		}
	}

	for _, p := range candidates {
		data, ok := n.fetchFrom(ctx, p, digest)
		if ok {
			return data, true, nil
		}
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
	}
	return nil, false, nil
}

func (n *Node) fetchFrom(ctx context.Context, p peer.ID, digest []byte) ([]byte, bool) {
	streamCtx, cancel := context.WithTimeout(ctx, streamTimeout)
	defer cancel()

	s, err := n.host.NewStream(streamCtx, p, ProtocolBlocks)
	if err != nil {
		n.log.Debug("block stream open failed", "peer", p.String(), "error", err)
		return nil, false
	}
	defer s.Close()
	s.SetDeadline(time.Now().Add(streamTimeout))

	req, err := json.Marshal(blockRequest{Digest: hex.EncodeToString(digest)})
	if err != nil {
		return nil, false
	}
	if _, err := s.Write(append(req, '\n')); err != nil {
		return nil, false
	}

	reader := bufio.NewReader(io.LimitReader(s, maxBlockSize+maxRequestLine))
	header, err := reader.ReadBytes('\n')
	if err != nil {
		return nil, false
	}
	var resp blockResponse
	if err := json.Unmarshal(header, &resp); err != nil {
		return nil, false
	}
	if !resp.Found {
		return nil, false
	}
	if resp.Size <= 0 || resp.Size > maxBlockSize {
		n.log.Debug("peer offered invalid block size", "peer", p.String(), "size", resp.Size)
		return nil, false
	}

	data := make([]byte, resp.Size)
	if _, err := io.ReadFull(reader, data); err != nil {
		return nil, false
	}

	sum := sha256.Sum256(data)
	if !bytes.Equal(sum[:], digest) {
		n.log.Warn("peer served block with wrong digest", "peer", p.String())
		return nil, false
	}
	return data, true
}

// handleBlockStream serves local blocks to admitted peers.
func (n *Node) handleBlockStream(s network.Stream) {
	defer s.Close()
	s.SetDeadline(time.Now().Add(streamTimeout))

	reader := bufio.NewReaderSize(s, maxRequestLine)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return
	}
	var req blockRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return
	}
	digest, err := hex.DecodeString(req.Digest)
	if err != nil || len(digest) != 32 {
		return
	}

	data, found, err := n.blocks.Get(digest)
	if err != nil {
		n.log.Warn("blockstore read failed during peer fetch", "error", err)
		found = false
	}

	header, err := json.Marshal(blockResponse{Found: found, Size: len(data)})
	if err != nil {
		return
	}
	if _, err := s.Write(append(header, '\n')); err != nil {
		return
	}
	if found {
		s.Write(data)
	}
}

// readLoop consumes gossip announcements and records providers.
func (n *Node) readLoop(ctx context.Context) {
	defer n.wg.Done()
	for {
		msg, err := n.sub.Next(ctx)
		if err != nil {
			return // subscription cancelled
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}

		var ann announceMsg
		if err := json.Unmarshal(msg.Data, &ann); err != nil {
			continue
		}
		if len(ann.Digest) != 64 {
			continue
		}
		if _, err := hex.DecodeString(ann.Digest); err != nil {
			continue
		}
		n.providers.add(ann.Digest, msg.ReceivedFrom)
	}
}

func parseTrustedPeers(entries []string) ([]peer.ID, []peer.AddrInfo, error) {
	var ids []peer.ID
	var infos []peer.AddrInfo
	for _, entry := range entries {
		if info, err := peer.AddrInfoFromString(entry); err == nil {
			ids = append(ids, info.ID)
			if len(info.Addrs) > 0 {
				infos = append(infos, *info)
			}
			continue
		}
		id, err := peer.Decode(entry)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid trusted peer %q: %w", entry, err)
		}
		ids = append(ids, id)
	}
	return ids, infos, nil
}

// providerIndex remembers which peers announced which digests.
type providerIndex struct {
	mu      sync.Mutex
	entries map[string][]peer.ID
}

func newProviderIndex() *providerIndex {
	return &providerIndex{entries: make(map[string][]peer.ID)}
}

func (p *providerIndex) add(digestHex string, id peer.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.entries) >= maxProviderSets {
		for k := range p.entries {
			delete(p.entries, k)
			break
		}
	}

	peers := p.entries[digestHex]
	for _, existing := range peers {
		if existing == id {
			return
		}
	}
	if len(peers) >= 8 {
		peers = peers[1:]
	}
	p.entries[digestHex] = append(peers, id)
}

func (p *providerIndex) get(digestHex string) []peer.ID {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]peer.ID, len(p.entries[digestHex]))
	copy(out, p.entries[digestHex])
	return out
}

