package claim

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jinn-Network/jinn-node-sub004/internal/contentstore"
	"github.com/Jinn-Network/jinn-node-sub004/internal/credentials"
	"github.com/Jinn-Network/jinn-node-sub004/internal/indexer"
	"github.com/Jinn-Network/jinn-node-sub004/internal/pkg/faults"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func retryableErr() error { return faults.New(faults.CodeRPCFailure, "rpc flake") }
func terminalErr() error  { return faults.New(faults.CodeSimRevert, "request already claimed") }

const (
	mechAddr      = "0x1111111111111111111111111111111111111111"
	requesterAddr = "0x2222222222222222222222222222222222222222"
	safeAddr      = "0x3333333333333333333333333333333333333333"
)

func reqID(n int) string {
	return fmt.Sprintf("0x%064x", n)
}

type fakeDirectory struct {
	mu       sync.Mutex
	rows     []indexer.Request
	queryErr error
}

func (d *fakeDirectory) UnclaimedRequests(ctx context.Context, mechs []string, limit int) ([]indexer.Request, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.queryErr != nil {
		return nil, d.queryErr
	}
	mechSet := make(map[string]struct{}, len(mechs))
	for _, m := range mechs {
		mechSet[m] = struct{}{}
	}
	var out []indexer.Request
	for _, row := range d.rows {
		if _, ok := mechSet[row.Mech]; ok && !row.Delivered {
			out = append(out, row)
		}
	}
	return out, nil
}

func (d *fakeDirectory) RequestByID(ctx context.Context, id string) (*indexer.Request, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, row := range d.rows {
		if row.ID == id {
			r := row
			return &r, true, nil
		}
	}
	return nil, false, nil
}

func (d *fakeDirectory) RequestsByIDs(ctx context.Context, ids []string) ([]indexer.Request, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []indexer.Request
	for _, row := range d.rows {
		for _, id := range ids {
			if row.ID == id {
				out = append(out, row)
			}
		}
	}
	return out, nil
}

func (d *fakeDirectory) add(req indexer.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rows = append(d.rows, req)
}

func (d *fakeDirectory) mutate(id string, fn func(*indexer.Request)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.rows {
		if d.rows[i].ID == id {
			fn(&d.rows[i])
		}
	}
}

func (d *fakeDirectory) markDelivered(id string) {
	d.mutate(id, func(req *indexer.Request) { req.Delivered = true })
}

type fakeClaimer struct {
	mu       sync.Mutex
	err      error
	safes    []common.Address
	attempts []string
}

func (c *fakeClaimer) Claim(ctx context.Context, safe common.Address, requestID common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.safes = append(c.safes, safe)
	c.attempts = append(c.attempts, requestID.Hex())
	if c.err != nil {
		return nil, c.err
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful}, nil
}

func (c *fakeClaimer) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *fakeClaimer) claimed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.attempts...)
}

type fakeStake struct {
	mu     sync.Mutex
	denied map[common.Address]struct{}
}

func (s *fakeStake) Admitted(ctx context.Context, addr common.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, deny := s.denied[addr]
	return !deny
}

func (s *fakeStake) deny(hexAddr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.denied == nil {
		s.denied = make(map[common.Address]struct{})
	}
	s.denied[common.HexToAddress(hexAddr)] = struct{}{}
}

type fakeStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func (s *fakeStore) Get(ctx context.Context, cidStr string, opts contentstore.GetOptions) ([]byte, error) {
	return s.lookup(cidStr), nil
}

func (s *fakeStore) GetLegacy(ctx context.Context, digestHex string, opts contentstore.GetOptions) ([]byte, error) {
	return s.lookup(digestHex), nil
}

func (s *fakeStore) lookup(key string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blobs[key]
}

func (s *fakeStore) put(key string, blob []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blobs == nil {
		s.blobs = make(map[string][]byte)
	}
	s.blobs[key] = blob
}

func (s *fakeStore) remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, key)
}

type fakeSink struct {
	mu      sync.Mutex
	handed  []indexer.Request
	release chan struct{}
}

func (s *fakeSink) Process(ctx context.Context, req indexer.Request) {
	s.mu.Lock()
	s.handed = append(s.handed, req)
	s.mu.Unlock()
	if s.release != nil {
		<-s.release
	}
}

func (s *fakeSink) requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(s.handed))
	for i, req := range s.handed {
		ids[i] = req.ID
	}
	return ids
}

type fixture struct {
	t     *testing.T
	dir   *fakeDirectory
	chain *fakeClaimer
	stake *fakeStake
	store *fakeStore
	sink  *fakeSink
	loop  *Loop
}

func newFixture(t *testing.T, cfg Config, caps *credentials.Capabilities) *fixture {
	t.Helper()
	if caps == nil {
		caps = credentials.NewCapabilities(nil)
	}
	if cfg.Mechs == nil {
		cfg.Mechs = []string{mechAddr}
	}
	if cfg.Safe == (common.Address{}) {
		cfg.Safe = common.HexToAddress(safeAddr)
	}
	f := &fixture{
		t:     t,
		dir:   &fakeDirectory{},
		chain: &fakeClaimer{},
		stake: &fakeStake{},
		store: &fakeStore{},
		sink:  &fakeSink{},
	}
	f.loop = NewLoop(cfg, f.dir, f.chain, f.stake, caps, f.store, f.sink, testLogger())
	return f
}

// addRequest registers a request plus its content-addressed metadata. The
// metadata pointer is a bare 32-byte digest, the on-chain form.
func (f *fixture) addRequest(n int, ts int64, tools ...string) indexer.Request {
	f.t.Helper()
	meta := map[string]any{
		"jobDefinitionId": fmt.Sprintf("def-%d", n),
		"prompt":          "do the work",
	}
	if len(tools) > 0 {
		meta["enabledTools"] = tools
	}
	blob, err := json.Marshal(meta)
	require.NoError(f.t, err)

	digest := fmt.Sprintf("%064x", 0xff00+n)
	f.store.put(digest, blob)

	req := indexer.Request{
		ID:             reqID(n),
		Requester:      requesterAddr,
		Mech:           mechAddr,
		IPFSHash:       "0x" + digest,
		BlockTimestamp: ts,
	}
	f.dir.add(req)
	return req
}

// drain waits for the pipeline handoff goroutine to finish.
func (f *fixture) drain() {
	f.t.Helper()
	require.Eventually(f.t, func() bool {
		return f.loop.Stats().InFlight == 0
	}, time.Second, 2*time.Millisecond)
}

func TestTickClaimsOldestEligible(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.addRequest(1, 200)
	f.addRequest(2, 100)

	f.loop.tick(context.Background())
	f.drain()

	require.Equal(t, []string{reqID(2)}, f.chain.claimed())
	assert.Equal(t, []string{reqID(2)}, f.sink.requests())
	assert.Equal(t, common.HexToAddress(safeAddr), f.chain.safes[0])

	stats := f.loop.Stats()
	assert.EqualValues(t, 1, stats.Claims)
	assert.False(t, stats.LastClaim.IsZero())
}

func TestHandoffHappensOncePerProcess(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.addRequest(1, 100)

	// The indexer keeps returning the row until delivery settles; the
	// seen set must keep the loop from claiming it twice.
	f.loop.tick(context.Background())
	f.drain()
	f.loop.tick(context.Background())
	f.drain()

	assert.Len(t, f.chain.claimed(), 1)
	assert.Len(t, f.sink.requests(), 1)
	assert.EqualValues(t, 1, f.loop.Stats().IdleTicks)
}

func TestStakeGateSkipsUnstakedRequester(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	unstaked := f.addRequest(1, 100)
	f.addRequest(2, 200)

	other := "0x4444444444444444444444444444444444444444"
	f.dir.mutate(unstaked.ID, func(req *indexer.Request) { req.Requester = other })
	f.stake.deny(other)

	f.loop.tick(context.Background())
	f.drain()

	assert.Equal(t, []string{reqID(2)}, f.chain.claimed())
}

func TestCredentialGateRequiresProviders(t *testing.T) {
	t.Run("missing provider skips", func(t *testing.T) {
		f := newFixture(t, Config{}, credentials.NewCapabilities(nil))
		f.addRequest(1, 100, "web_search")

		f.loop.tick(context.Background())

		assert.Empty(t, f.chain.claimed())
		assert.EqualValues(t, 1, f.loop.Stats().IdleTicks)
	})

	t.Run("held provider claims", func(t *testing.T) {
		f := newFixture(t, Config{}, credentials.NewCapabilities([]string{"serper"}))
		f.addRequest(1, 100, "web_search")

		f.loop.tick(context.Background())
		f.drain()

		assert.Equal(t, []string{reqID(1)}, f.chain.claimed())
	})

	t.Run("credential-free job always eligible", func(t *testing.T) {
		f := newFixture(t, Config{}, credentials.NewCapabilities(nil))
		f.addRequest(1, 100)

		f.loop.tick(context.Background())
		f.drain()

		assert.Equal(t, []string{reqID(1)}, f.chain.claimed())
	})
}

func TestDependencyGateWaitsForDelivery(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	settled := f.addRequest(1, 100)
	f.dir.markDelivered(settled.ID) // settled by another worker

	blocked := f.addRequest(2, 200)
	pending := f.addRequest(3, 150)
	f.dir.mutate(blocked.ID, func(req *indexer.Request) {
		req.Dependencies = []string{settled.ID, pending.ID}
	})

	// Request 3 is still unsettled, so request 2 must wait; the loop
	// claims request 3 itself instead.
	f.loop.tick(context.Background())
	f.drain()
	require.Equal(t, []string{reqID(3)}, f.chain.claimed())

	f.dir.markDelivered(pending.ID)
	f.loop.tick(context.Background())
	f.drain()
	assert.Equal(t, []string{reqID(3), reqID(2)}, f.chain.claimed())
}

func TestDependencyMissingFromIndexCountsUnsettled(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	req := f.addRequest(1, 100)
	f.dir.mutate(req.ID, func(r *indexer.Request) { r.Dependencies = []string{reqID(99)} })

	f.loop.tick(context.Background())

	assert.Empty(t, f.chain.claimed())
	assert.EqualValues(t, 1, f.loop.Stats().IdleTicks)
}

func TestTrustedWorkerPrefersCredentialJobs(t *testing.T) {
	caps := credentials.NewCapabilities([]string{"github"})

	t.Run("trusted", func(t *testing.T) {
		f := newFixture(t, Config{Trusted: true}, caps)
		f.addRequest(1, 100)
		f.addRequest(2, 200, "github_operations")

		f.loop.tick(context.Background())
		f.drain()

		assert.Equal(t, []string{reqID(2)}, f.chain.claimed())
	})

	t.Run("untrusted keeps age order", func(t *testing.T) {
		f := newFixture(t, Config{}, caps)
		f.addRequest(1, 100)
		f.addRequest(2, 200, "github_operations")

		f.loop.tick(context.Background())
		f.drain()

		assert.Equal(t, []string{reqID(1)}, f.chain.claimed())
	})
}

func TestPreClaimRecheckSkipsDelivered(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	req := f.addRequest(1, 100)

	// Settled between the unclaimed query and the claim: the recheck
	// must prevent a claim transaction that can only revert. Feed the
	// stale row to claim directly, the way tick would have.
	f.dir.markDelivered(req.ID)
	f.loop.claim(context.Background(), req)

	assert.Empty(t, f.chain.claimed())
	assert.Empty(t, f.sink.requests())
}

func TestRetryableClaimFailureRetriesNextTick(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.addRequest(1, 100)
	f.chain.setErr(retryableErr())

	f.loop.tick(context.Background())
	require.Len(t, f.chain.claimed(), 1)
	assert.Empty(t, f.sink.requests())

	f.chain.setErr(nil)
	f.loop.tick(context.Background())
	f.drain()

	assert.Equal(t, []string{reqID(1), reqID(1)}, f.chain.claimed())
	assert.Equal(t, []string{reqID(1)}, f.sink.requests())
}

func TestTerminalClaimFailureAbandonsRequest(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.addRequest(1, 100)
	f.addRequest(2, 200)
	f.chain.setErr(terminalErr())

	f.loop.tick(context.Background())
	require.Equal(t, []string{reqID(1)}, f.chain.claimed())

	// Request 1 is abandoned for this process; the next tick moves on.
	f.chain.setErr(nil)
	f.loop.tick(context.Background())
	f.drain()

	assert.Equal(t, []string{reqID(1), reqID(2)}, f.chain.claimed())
	assert.Equal(t, []string{reqID(2)}, f.sink.requests())
}

func TestInFlightCapThrottlesClaims(t *testing.T) {
	f := newFixture(t, Config{InFlight: 1}, nil)
	f.sink.release = make(chan struct{})
	f.addRequest(1, 100)
	f.addRequest(2, 200)

	f.loop.tick(context.Background())
	require.Eventually(t, func() bool {
		return len(f.sink.requests()) == 1
	}, time.Second, 2*time.Millisecond)

	f.loop.tick(context.Background())
	assert.Len(t, f.chain.claimed(), 1, "no claim while the pipeline is busy")

	close(f.sink.release)
	f.drain()
	f.loop.tick(context.Background())
	f.drain()

	assert.Equal(t, []string{reqID(1), reqID(2)}, f.chain.claimed())
}

func TestMalformedMetadataStillClaims(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	req := f.addRequest(1, 100)
	f.store.put(req.IPFSHash[2:], []byte("{not json"))

	// The pipeline owns failure settlement; the loop must claim the
	// request so a FAILED delivery can close it out.
	f.loop.tick(context.Background())
	f.drain()

	assert.Equal(t, []string{reqID(1)}, f.chain.claimed())
	assert.Equal(t, []string{reqID(1)}, f.sink.requests())
}

func TestUnresolvableMetadataDefers(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	req := f.addRequest(1, 100)
	digest := req.IPFSHash[2:]
	blob := f.store.lookup(digest)
	f.store.remove(digest)

	f.loop.tick(context.Background())
	assert.Empty(t, f.chain.claimed())
	assert.EqualValues(t, 1, f.loop.Stats().IdleTicks)

	// Blob finishes propagating.
	f.store.put(digest, blob)
	f.loop.tick(context.Background())
	f.drain()

	assert.Equal(t, []string{reqID(1)}, f.chain.claimed())
}

func TestQueryFailureCountsAsError(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.dir.mu.Lock()
	f.dir.queryErr = fmt.Errorf("indexer down")
	f.dir.mu.Unlock()

	f.loop.tick(context.Background())

	stats := f.loop.Stats()
	assert.EqualValues(t, 1, stats.Ticks)
	assert.EqualValues(t, 0, stats.IdleTicks)
	assert.Empty(t, f.chain.claimed())
}

func TestRunStopsOnCancelAndDrains(t *testing.T) {
	f := newFixture(t, Config{TickInterval: 5 * time.Millisecond}, nil)
	f.sink.release = make(chan struct{})
	f.addRequest(1, 100)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.loop.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(f.sink.requests()) == 1
	}, 2*time.Second, 2*time.Millisecond)

	cancel()
	select {
	case <-done:
		t.Fatal("Run returned while a request was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(f.sink.release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the pipeline drained")
	}
}
