// Package worker assembles a running node from configuration: operator
// identity, chain gateway, content store, overlay, claim loop, execution
// pipeline, venture scheduler and the ops server, wired in dependency
// order and torn down in reverse.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/Jinn-Network/jinn-node-sub004/internal/agent"
	"github.com/Jinn-Network/jinn-node-sub004/internal/chain"
	"github.com/Jinn-Network/jinn-node-sub004/internal/claim"
	"github.com/Jinn-Network/jinn-node-sub004/internal/config"
	"github.com/Jinn-Network/jinn-node-sub004/internal/contentstore"
	"github.com/Jinn-Network/jinn-node-sub004/internal/credentials"
	"github.com/Jinn-Network/jinn-node-sub004/internal/delivery"
	"github.com/Jinn-Network/jinn-node-sub004/internal/dispatch"
	"github.com/Jinn-Network/jinn-node-sub004/internal/gitops"
	"github.com/Jinn-Network/jinn-node-sub004/internal/identity"
	"github.com/Jinn-Network/jinn-node-sub004/internal/indexer"
	"github.com/Jinn-Network/jinn-node-sub004/internal/job"
	"github.com/Jinn-Network/jinn-node-sub004/internal/overlay"
	"github.com/Jinn-Network/jinn-node-sub004/internal/pipeline"
	"github.com/Jinn-Network/jinn-node-sub004/internal/prompt"
	"github.com/Jinn-Network/jinn-node-sub004/internal/server"
	"github.com/Jinn-Network/jinn-node-sub004/internal/venture"
)

// Worker is an assembled node. Build with New, drive with Run.
type Worker struct {
	log *slog.Logger

	gateway  *chain.Gateway
	blocks   *contentstore.Blockstore
	node     *overlay.Node
	ventures *venture.Store

	loop  *claim.Loop
	sched *venture.Scheduler
	srv   *server.Server
}

// admitAll stands in for the stake gate when no credential broker is
// configured: without an operator directory there is no staked set to
// check against.
type admitAll struct{}

func (admitAll) Admitted(context.Context, common.Address) bool { return true }

// New wires every component from a validated configuration. ctx bounds
// the boot-time chain reads and broker probes; a failure tears down
// whatever was already open.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *Worker, err error) {
	w := &Worker{log: log}
	defer func() {
		if err != nil {
			w.Close()
		}
	}()

	if len(cfg.Service.Mechs) == 0 {
		return nil, errors.New("no mech addresses configured")
	}

	signer, err := identity.LoadSigner(cfg.Service.KeyFile, cfg.Service.PasswordFile, cfg.Chain.ChainID)
	if err != nil {
		return nil, fmt.Errorf("operator key: %w", err)
	}
	log.Info("operator identity loaded", "address", signer.Address().Hex())

	rpc, err := chain.Dial(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("chain rpc: %w", err)
	}
	w.gateway = chain.NewGateway(rpc, signer, chain.Config{
		Marketplace:   common.HexToAddress(cfg.Chain.MarketplaceAddress),
		Registry:      common.HexToAddress(cfg.Chain.RegistryAddress),
		Staking:       common.HexToAddress(cfg.Chain.StakingAddress),
		Confirmations: cfg.Chain.Confirmations,
	}, log)

	safe, err := w.gateway.ServiceMultisig(ctx, cfg.Service.ServiceID)
	if err != nil {
		return nil, fmt.Errorf("service %d multisig: %w", cfg.Service.ServiceID, err)
	}

	if balance, berr := w.gateway.Balance(ctx); berr != nil {
		log.Warn("operator balance check failed", "error", berr)
	} else {
		log.Info("operator funded", "balance_wei", balance.String())
		if balance.Sign() == 0 {
			log.Warn("operator balance is zero, transaction submission will fail")
		}
	}

	w.blocks, err = contentstore.OpenBlockstore(cfg.Store.DataDir, cfg.Store.CompressThreshold)
	if err != nil {
		return nil, fmt.Errorf("blockstore: %w", err)
	}
	ipfsGateway := contentstore.NewGateway(contentstore.GatewayConfig{
		BaseURL:    cfg.Store.GatewayURL,
		Timeout:    cfg.Store.GatewayTimeout,
		MaxRetries: cfg.Store.GatewayRetries,
	}, log)

	var (
		broker    *credentials.Client
		caps      *credentials.Capabilities
		stakes    *overlay.StakeCache
		stakeGate claim.StakeGate
	)
	if cfg.Broker.URL != "" {
		broker = credentials.New(credentials.Config{URL: cfg.Broker.URL, Timeout: cfg.Broker.Timeout}, signer, log)
		probed, perr := broker.Probe(ctx)
		if perr != nil {
			log.Warn("capability probe failed, credential-demanding jobs stay gated off", "error", perr)
			probed = credentials.NewCapabilities(nil)
		}
		caps = probed
		stakes = overlay.NewStakeCache(credentials.NewStakeDirectory(broker, w.gateway, log), log)
		stakeGate = stakes
	} else {
		log.Warn("no credential broker configured, stake gate admits all requesters")
		caps = credentials.NewCapabilities(nil)
		stakeGate = admitAll{}
	}

	if cfg.P2P.Enabled {
		if stakes == nil {
			return nil, errors.New("p2p overlay needs a credential broker for the operator directory")
		}
		w.node, err = overlay.New(ctx, overlay.Config{
			ListenAddrs:   cfg.P2P.ListenAddrs,
			TrustedPeers:  cfg.P2P.TrustedPeers,
			AnnounceTopic: cfg.P2P.AnnounceTopic,
		}, signer.ECDSA(), stakes, w.blocks, log)
		if err != nil {
			return nil, fmt.Errorf("overlay: %w", err)
		}
		log.Info("overlay started", "peer", w.node.PeerID().String(), "addrs", w.node.Addresses())
	}

	var (
		peers    contentstore.PeerFetcher
		announce contentstore.Announcer
	)
	if w.node != nil {
		peers = w.node
		announce = w.node
	}
	store := contentstore.NewStore(w.blocks, ipfsGateway, peers, announce, log)

	index := indexer.New(indexer.Config{URL: cfg.Indexer.URL, Timeout: cfg.Indexer.Timeout}, log)

	if broker != nil {
		reg := credentials.NodeRegistration{
			Address:   signer.Address().Hex(),
			ServiceID: cfg.Service.ServiceID,
		}
		if w.node != nil {
			reg.Multiaddrs = w.node.Addresses()
		}
		if rerr := broker.RegisterNode(ctx, reg); rerr != nil {
			log.Warn("operator network registration failed", "error", rerr)
		}
	}

	priorityMech := common.HexToAddress(cfg.Service.Mechs[0])
	dispatcher := dispatch.NewDispatcher(store, w.gateway, safe, priorityMech, log)

	runner := agent.NewRunner(agent.Config{
		Command:       cfg.Worker.AgentBinary,
		Timeout:       cfg.Worker.AgentTimeout,
		AllowedModels: cfg.Worker.AllowedModels,
		DefaultModel:  cfg.Worker.DefaultModel,
	}, log)

	deps := pipeline.Deps{
		Contexts: job.NewBuilder(index, store, job.BuilderConfig{
			MaxDepth:      cfg.Worker.HierarchyDepth,
			ToolRegistry:  cfg.Worker.Tools,
			AllowedModels: cfg.Worker.AllowedModels,
			DefaultModel:  cfg.Worker.DefaultModel,
		}, log),
		Prompts:   prompt.NewBuilder(prompt.DefaultConfig(), log),
		Runner:    runner,
		Settler:   delivery.NewSettler(delivery.Config{Safe: safe}, store, w.gateway, index, log),
		Lineage:   delivery.NewLineage(index, store, dispatcher, log),
		Directory: index,
		Artifacts: index,
	}
	if cfg.Worker.Reflection {
		deps.Reflector = agent.NewReflector(runner, 0, log)
	}
	if broker != nil {
		deps.Broker = broker
	}
	if cfg.Worker.WorkspacePath != "" {
		deps.Workspace = gitops.NewWorkspace(gitops.Config{
			WorkspaceDir: cfg.Worker.WorkspacePath,
			SSHHostAlias: cfg.Worker.SSHHostAlias,
		}, log)
	} else {
		log.Warn("no workspace path configured, coding jobs will be refused")
	}

	pipe := pipeline.New(pipeline.Config{}, deps, log)

	w.loop = claim.NewLoop(claim.Config{
		Mechs:        cfg.Service.Mechs,
		Safe:         safe,
		Trusted:      cfg.Service.Trusted,
		TickInterval: cfg.Worker.TickInterval,
		InFlight:     cfg.Worker.InFlight,
	}, index, w.gateway, stakeGate, caps, store, pipe, log)

	if cfg.Database.Enabled() {
		if merr := venture.RunMigrations(cfg.Database); merr != nil {
			return nil, fmt.Errorf("venture migrations: %w", merr)
		}
		w.ventures, err = venture.NewStore(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("venture store: %w", err)
		}
		w.sched = venture.NewScheduler(venture.SchedulerConfig{}, w.ventures, index, store, dispatcher, log)
	}

	w.srv = server.New(cfg.Server, server.Deps{Safe: safe, Loop: w.loop, Pipeline: pipe}, log)

	log.Info("worker assembled",
		"node", server.NodeID(safe),
		"safe", safe.Hex(),
		"service", cfg.Service.ServiceID,
		"mechs", len(cfg.Service.Mechs),
		"ventures", w.sched != nil,
	)
	return w, nil
}

// Run drives the claim loop, the ops server and (when configured) the
// venture scheduler until ctx is cancelled or one of them fails, then
// releases every resource.
func (w *Worker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.loop.Run(gctx) })
	g.Go(func() error { return w.srv.Run(gctx) })
	if w.sched != nil {
		g.Go(func() error { return w.sched.Run(gctx) })
	}

	err := g.Wait()
	w.Close()
	return err
}

// Close releases resources in reverse construction order. Safe on a
// partially-built worker.
func (w *Worker) Close() {
	if w.node != nil {
		if err := w.node.Close(); err != nil {
			w.log.Warn("overlay close failed", "error", err)
		}
		w.node = nil
	}
	if w.ventures != nil {
		w.ventures.Close()
		w.ventures = nil
	}
	if w.blocks != nil {
		if err := w.blocks.Close(); err != nil {
			w.log.Warn("blockstore close failed", "error", err)
		}
		w.blocks = nil
	}
	if w.gateway != nil {
		w.gateway.Close()
		w.gateway = nil
	}
}
