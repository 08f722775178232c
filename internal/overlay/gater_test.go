package overlay

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// secpPeer builds a libp2p peer identity from a fresh secp256k1 key and
// returns it together with the operator address go-ethereum derives.
func secpPeer(t *testing.T) (peer.ID, common.Address) {
	t.Helper()

	ethKey, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	priv, err := libp2pcrypto.UnmarshalSecp256k1PrivateKey(ethcrypto.FromECDSA(ethKey))
	require.NoError(t, err)

	id, err := peer.IDFromPublicKey(priv.GetPublic())
	require.NoError(t, err)

	return id, ethcrypto.PubkeyToAddress(ethKey.PublicKey)
}

func TestOperatorAddress(t *testing.T) {
	t.Run("matches go-ethereum derivation", func(t *testing.T) {
		id, want := secpPeer(t)
		got, err := OperatorAddress(id)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("non-secp256k1 peer fails", func(t *testing.T) {
		priv, _, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
		require.NoError(t, err)
		id, err := peer.IDFromPublicKey(priv.GetPublic())
		require.NoError(t, err)

		_, err = OperatorAddress(id)
		assert.Error(t, err)
	})
}

// fakeStakeSource returns a fixed set or error, counting calls.
type fakeStakeSource struct {
	set   map[common.Address]struct{}
	err   error
	calls int
}

func (f *fakeStakeSource) StakedOperators(context.Context) (map[common.Address]struct{}, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[common.Address]struct{}, len(f.set))
	for k := range f.set {
		out[k] = struct{}{}
	}
	return out, nil
}

func stakedSet(addrs ...common.Address) map[common.Address]struct{} {
	set := make(map[common.Address]struct{}, len(addrs))
	for _, a := range addrs {
		set[a] = struct{}{}
	}
	return set
}

func TestAdmissionGater(t *testing.T) {
	stakedID, stakedAddr := secpPeer(t)
	strangerID, _ := secpPeer(t)
	trustedID, _ := secpPeer(t)

	source := &fakeStakeSource{set: stakedSet(stakedAddr)}
	cache := NewStakeCache(source, testLogger())
	gater := NewAdmissionGater(cache, []peer.ID{trustedID}, testLogger())

	t.Run("staked peer admitted", func(t *testing.T) {
		assert.True(t, gater.InterceptSecured(network.DirInbound, stakedID, nil))
	})

	t.Run("unstaked peer denied", func(t *testing.T) {
		assert.False(t, gater.InterceptSecured(network.DirInbound, strangerID, nil))
	})

	t.Run("trusted peer admitted without stake", func(t *testing.T) {
		assert.True(t, gater.InterceptSecured(network.DirOutbound, trustedID, nil))
	})

	t.Run("non-secp256k1 peer denied", func(t *testing.T) {
		priv, _, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
		require.NoError(t, err)
		id, err := peer.IDFromPublicKey(priv.GetPublic())
		require.NoError(t, err)

		assert.False(t, gater.InterceptSecured(network.DirInbound, id, nil))
	})

	t.Run("dial and upgrade gates always allow", func(t *testing.T) {
		assert.True(t, gater.InterceptPeerDial(strangerID))
		assert.True(t, gater.InterceptAddrDial(strangerID, nil))
		assert.True(t, gater.InterceptAccept(nil))
		allow, _ := gater.InterceptUpgraded(nil)
		assert.True(t, allow)
	})
}

func TestStakeCache(t *testing.T) {
	addr := common.HexToAddress("0x90F8bf6A479f320ead074411a4B0e7944Ea8c9C1")
	other := common.HexToAddress("0x1111111111111111111111111111111111111111")

	t.Run("cached within ttl", func(t *testing.T) {
		source := &fakeStakeSource{set: stakedSet(addr)}
		cache := NewStakeCache(source, testLogger())

		assert.True(t, cache.Admitted(context.Background(), addr))
		assert.False(t, cache.Admitted(context.Background(), other))
		assert.Equal(t, 1, source.calls, "second lookup must hit the cache")
	})

	t.Run("refreshes after ttl", func(t *testing.T) {
		source := &fakeStakeSource{set: stakedSet(addr)}
		cache := NewStakeCache(source, testLogger())

		base := time.Now()
		cache.now = func() time.Time { return base }
		require.True(t, cache.Admitted(context.Background(), addr))

		source.set = stakedSet(other)
		cache.now = func() time.Time { return base.Add(6 * time.Minute) }
		assert.False(t, cache.Admitted(context.Background(), addr))
		assert.True(t, cache.Admitted(context.Background(), other))
		assert.Equal(t, 2, source.calls)
	})

	t.Run("fail static serves previous set", func(t *testing.T) {
		source := &fakeStakeSource{set: stakedSet(addr)}
		cache := NewStakeCache(source, testLogger())

		base := time.Now()
		cache.now = func() time.Time { return base }
		require.True(t, cache.Admitted(context.Background(), addr))

		source.err = errors.New("rpc down")
		cache.now = func() time.Time { return base.Add(6 * time.Minute) }
		assert.True(t, cache.Admitted(context.Background(), addr), "stale set keeps serving")
		assert.False(t, cache.Admitted(context.Background(), other))
	})

	t.Run("cold start fails open", func(t *testing.T) {
		source := &fakeStakeSource{err: errors.New("rpc down")}
		cache := NewStakeCache(source, testLogger())

		assert.True(t, cache.Admitted(context.Background(), other), "cold start admits everyone")
		assert.False(t, cache.Primed())
	})
}

func TestProviderIndex(t *testing.T) {
	idx := newProviderIndex()
	p1, _ := secpPeer(t)
	p2, _ := secpPeer(t)

	idx.add("aa", p1)
	idx.add("aa", p2)
	idx.add("aa", p1) // duplicate

	got := idx.get("aa")
	assert.Len(t, got, 2)
	assert.Empty(t, idx.get("bb"))
}

func TestParseTrustedPeers(t *testing.T) {
	id, _ := secpPeer(t)

	t.Run("bare peer id", func(t *testing.T) {
		ids, infos, err := parseTrustedPeers([]string{id.String()})
		require.NoError(t, err)
		assert.Equal(t, []peer.ID{id}, ids)
		assert.Empty(t, infos)
	})

	t.Run("full multiaddr", func(t *testing.T) {
		ids, infos, err := parseTrustedPeers([]string{"/ip4/10.0.0.5/tcp/9044/p2p/" + id.String()})
		require.NoError(t, err)
		require.Len(t, ids, 1)
		assert.Equal(t, id, ids[0])
		require.Len(t, infos, 1)
		assert.Equal(t, id, infos[0].ID)
	})

	t.Run("garbage rejected", func(t *testing.T) {
		_, _, err := parseTrustedPeers([]string{"not-a-peer"})
		assert.Error(t, err)
	})
}
