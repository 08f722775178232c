package worker

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/Jinn-Network/jinn-node-sub004/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAdmitAllAcceptsAnyRequester(t *testing.T) {
	gate := admitAll{}
	require.True(t, gate.Admitted(context.Background(), common.Address{}))
	require.True(t, gate.Admitted(context.Background(), common.HexToAddress("0x77af31De935740567Cf4fF1986D04B2c964A786a")))
}

func TestNewRequiresMechs(t *testing.T) {
	cfg := &config.Config{}

	_, err := New(context.Background(), cfg, testLogger())
	require.ErrorContains(t, err, "mech")
}

func TestNewRequiresOperatorKey(t *testing.T) {
	cfg := &config.Config{}
	cfg.Service.Mechs = []string{"0x77af31De935740567Cf4fF1986D04B2c964A786a"}
	cfg.Service.KeyFile = filepath.Join(t.TempDir(), "missing_key.json")
	cfg.Chain.ChainID = 100

	_, err := New(context.Background(), cfg, testLogger())
	require.ErrorContains(t, err, "operator key")
}

func TestCloseIsIdempotentOnPartialWorker(t *testing.T) {
	w := &Worker{log: testLogger()}
	w.Close()
	w.Close()
}
