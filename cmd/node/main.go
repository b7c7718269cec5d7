package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/quantaledger/params"
	"github.com/uhyunpark/quantaledger/pkg/api"
	"github.com/uhyunpark/quantaledger/pkg/crypto"
	"github.com/uhyunpark/quantaledger/pkg/node"
	"github.com/uhyunpark/quantaledger/pkg/p2p"
	"github.com/uhyunpark/quantaledger/pkg/storage"
	"github.com/uhyunpark/quantaledger/pkg/util"
)

func main() {
	envPath := flag.String("env", "", "path of the .env file (default: .env in the working directory)")
	keygen := flag.Bool("keygen", false, "print a fresh node seed and its node id, then exit")
	flag.Parse()

	if *keygen {
		key, err := crypto.GenerateNodeKey()
		if err != nil {
			log.Fatalf("keygen: %v", err)
		}
		fmt.Printf("NODE_SEED=%s\nnode id: %s\n", key.SeedHex(), key.NodeID())
		return
	}

	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv(*envPath)

	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile)

	if err := cfg.Validate(); err != nil {
		sugar.Fatalw("config_invalid", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, sugar); err != nil {
		sugar.Errorw("node_exit", "err", err)
		logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg params.Config, log *zap.SugaredLogger) error {
	key, err := nodeKey(cfg.Node.Seed, log)
	if err != nil {
		return err
	}

	store, closeStore, err := openStore(cfg.Node.DataDir)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	ncfg := node.ConfigFromParams(cfg)
	ncfg.Registerer = reg
	if cfg.Node.JournalLog != "" {
		j, err := storage.NewFileJournal(cfg.Node.JournalLog, log)
		if err != nil {
			return fmt.Errorf("journal: %w", err)
		}
		defer j.Close()
		ncfg.Journal = j
	}

	net, err := p2p.NewLibp2pNet(ctx, p2p.Libp2pConfig{
		ListenAddr: cfg.Node.ListenAddr,
		Bootstrap:  cfg.Node.Bootstrap,
		Key:        key,
		Logger:     log,
	})
	if err != nil {
		return fmt.Errorf("libp2p: %w", err)
	}
	defer net.Close()

	n, err := node.New(ncfg, key, store, net, log)
	if err != nil {
		return err
	}
	log.Infow("node_starting",
		"node", key.NodeID(),
		"role", n.Role().String(),
		"constellation", len(ncfg.Settings.Nodes),
		"addrs", net.Addrs(),
		"data_dir", cfg.Node.DataDir)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.Run(gctx) })

	if cfg.Node.APIAddr != "" {
		acfg := api.DefaultConfig()
		acfg.Gatherer = reg
		server := api.NewServer(acfg, n, log)
		n.AddListener(server.Hub())
		g.Go(func() error { return server.Run(gctx, cfg.Node.APIAddr) })
	}
	return g.Wait()
}

func nodeKey(seed string, log *zap.SugaredLogger) (*crypto.NodeKey, error) {
	if seed != "" {
		return crypto.NodeKeyFromSeed(seed)
	}
	key, err := crypto.GenerateNodeKey()
	if err != nil {
		return nil, err
	}
	log.Warnw("node_seed_generated", "node", key.NodeID(), "hint", "set NODE_SEED to keep this identity")
	return key, nil
}

// openStore opens pebble under dataDir, or an in-memory store when dataDir
// is empty.
func openStore(dataDir string) (node.Store, func(), error) {
	if dataDir == "" {
		return storage.NewMemoryStore(), func() {}, nil
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, nil, err
	}
	ps, err := storage.NewPebbleStore(dataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("open pebble at %s: %w", dataDir, err)
	}
	return ps, func() { _ = ps.Close() }, nil
}
