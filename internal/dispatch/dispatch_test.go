package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jinn-Network/jinn-node-sub004/internal/job"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakePublisher struct {
	published []any
	err       error
}

func (p *fakePublisher) PutJSON(ctx context.Context, value any) (string, string, error) {
	if p.err != nil {
		return "", "", p.err
	}
	p.published = append(p.published, value)
	data, err := json.Marshal(value)
	if err != nil {
		return "", "", err
	}
	digest := sha256.Sum256(data)
	return "bafy-test", hex.EncodeToString(digest[:]), nil
}

type fakeRequester struct {
	safe    common.Address
	mech    common.Address
	digests [][32]byte
	err     error
}

func (r *fakeRequester) Request(ctx context.Context, safe, priorityMech common.Address, digest [32]byte) (common.Hash, error) {
	if r.err != nil {
		return common.Hash{}, r.err
	}
	r.safe = safe
	r.mech = priorityMech
	r.digests = append(r.digests, digest)
	return common.HexToHash("0x00000000000000000000000000000000000000000000000000000000000000aa"), nil
}

func baseMeta() *job.Metadata {
	return &job.Metadata{
		JobDefinitionID: "def-1",
		JobName:         "Summarize venture state",
		Blueprint:       `{"guidance":"do it"}`,
		WorkstreamID:    "ws-1",
		Dependencies:    []string{"0xdep"},
	}
}

func TestDispatchPublishesThenPosts(t *testing.T) {
	store := &fakePublisher{}
	chain := &fakeRequester{}
	safe := common.HexToAddress("0x3333333333333333333333333333333333333333")
	mech := common.HexToAddress("0x1111111111111111111111111111111111111111")
	d := NewDispatcher(store, chain, safe, mech, testLogger())

	id, err := d.Dispatch(context.Background(), "verification", baseMeta())
	require.NoError(t, err)
	assert.Equal(t, "0x00000000000000000000000000000000000000000000000000000000000000aa", id)

	require.Len(t, store.published, 1)
	require.Len(t, chain.digests, 1)
	assert.Equal(t, safe, chain.safe)
	assert.Equal(t, mech, chain.mech)

	// The posted digest must be the digest of the published blob.
	data, err := json.Marshal(store.published[0])
	require.NoError(t, err)
	want := sha256.Sum256(data)
	assert.Equal(t, want, chain.digests[0])
}

func TestDispatchStoreFailureSkipsChain(t *testing.T) {
	store := &fakePublisher{err: fmt.Errorf("blockstore closed")}
	chain := &fakeRequester{}
	d := NewDispatcher(store, chain, common.Address{}, common.Address{}, testLogger())

	_, err := d.Dispatch(context.Background(), "cycle", baseMeta())
	require.Error(t, err)
	assert.Empty(t, chain.digests)
}

func TestVerificationRun(t *testing.T) {
	parent := baseMeta()
	parent.Additional = &job.AdditionalContext{
		Cycle:        &job.Cycle{IsCycleRun: true, CycleNumber: 2},
		LoopRecovery: &job.LoopRecovery{Attempt: 1, LoopMessage: "old"},
	}

	run := VerificationRun(parent)

	assert.True(t, run.Additional.VerificationRequired)
	assert.Nil(t, run.Additional.Cycle)
	assert.Nil(t, run.Additional.LoopRecovery)
	assert.Empty(t, run.Dependencies)
	assert.Equal(t, "def-1", run.JobDefinitionID)

	// The source metadata must stay untouched.
	assert.False(t, parent.Additional.VerificationRequired)
	assert.Equal(t, []string{"0xdep"}, parent.Dependencies)
}

func TestCycleRun(t *testing.T) {
	t.Run("first recurrence", func(t *testing.T) {
		run := CycleRun(baseMeta(), 0)
		require.NotNil(t, run.Additional.Cycle)
		assert.True(t, run.Additional.Cycle.IsCycleRun)
		assert.Equal(t, 1, run.Additional.Cycle.CycleNumber)
	})

	t.Run("increments the cycle number", func(t *testing.T) {
		prev := baseMeta()
		prev.Additional = &job.AdditionalContext{Cycle: &job.Cycle{IsCycleRun: true, CycleNumber: 4}}
		run := CycleRun(prev, 4)
		assert.Equal(t, 5, run.Additional.Cycle.CycleNumber)
	})
}

func TestRecoveryRun(t *testing.T) {
	t.Run("first attempt", func(t *testing.T) {
		run, ok := RecoveryRun(baseMeta(), "Repeating edit of file F")
		require.True(t, ok)
		require.NotNil(t, run.Additional.LoopRecovery)
		assert.Equal(t, 1, run.Additional.LoopRecovery.Attempt)
		assert.Equal(t, "Repeating edit of file F", run.Additional.LoopRecovery.LoopMessage)
	})

	t.Run("counts attempts up", func(t *testing.T) {
		prev := baseMeta()
		prev.Additional = &job.AdditionalContext{LoopRecovery: &job.LoopRecovery{Attempt: 1, LoopMessage: "x"}}
		run, ok := RecoveryRun(prev, "still looping")
		require.True(t, ok)
		assert.Equal(t, 2, run.Additional.LoopRecovery.Attempt)
	})

	t.Run("budget exhausted", func(t *testing.T) {
		prev := baseMeta()
		prev.Additional = &job.AdditionalContext{LoopRecovery: &job.LoopRecovery{Attempt: job.MaxLoopAttempts, LoopMessage: "x"}}
		run, ok := RecoveryRun(prev, "still looping")
		assert.False(t, ok)
		assert.Nil(t, run)
	})
}
