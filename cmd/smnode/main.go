package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"golang.org/x/sync/errgroup"

	"github.com/vinaypunrao68/fds-src-sub013/internal/config"
	"github.com/vinaypunrao68/fds-src-sub013/internal/metrics"
	"github.com/vinaypunrao68/fds-src-sub013/internal/migration"
	"github.com/vinaypunrao68/fds-src-sub013/internal/placement"
	"github.com/vinaypunrao68/fds-src-sub013/internal/protocol"
	"github.com/vinaypunrao68/fds-src-sub013/internal/store"
	"github.com/vinaypunrao68/fds-src-sub013/internal/transport"
)

var version = "dev"

var (
	configPath  = flag.String("config", "", "YAML config file")
	addr        = flag.String("addr", "", "RESP listen address")
	metricsAddr = flag.String("metrics-addr", "", "metrics listen address (empty disables)")
	nodeID      = flag.String("node-id", "", "node id in the placement table")
	dataDir     = flag.String("data-dir", "", "data directory for objects and placement state")
	inMemory    = flag.Bool("in-memory", false, "keep objects in memory only")
	peers       = flag.String("peers", "", "comma-separated id=host:port peers")
	verbosity   = flag.Int("v", 0, "log verbosity")

	// CLI flags
	cliMode = flag.Bool("cli", false, "run in CLI mode")
	cliAddr = flag.String("h", "127.0.0.1:7000", "node address (CLI mode)")
)

func main() {
	flag.Parse()

	if *cliMode {
		os.Exit(runCLI(*cliAddr, flag.Args()))
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	stdr.SetVerbosity(cfg.Verbosity)
	logger := stdr.New(log.New(os.Stderr, "", log.LstdFlags)).WithValues("node", cfg.NodeID)

	if err := run(cfg, logger); err != nil {
		logger.Error(err, "storage node failed")
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies the flags that were set.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, err
	}

	var parseErr error
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Addr = *addr
		case "metrics-addr":
			cfg.MetricsAddr = *metricsAddr
		case "node-id":
			cfg.NodeID = *nodeID
		case "data-dir":
			cfg.DataDir = *dataDir
		case "in-memory":
			cfg.InMemory = *inMemory
		case "v":
			cfg.Verbosity = *verbosity
		case "peers":
			for _, p := range strings.Split(*peers, ",") {
				if p == "" {
					continue
				}
				id, hostport, ok := strings.Cut(p, "=")
				if !ok {
					parseErr = fmt.Errorf("peer %q is not id=host:port", p)
					return
				}
				cfg.Peers[id] = hostport
			}
		}
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return cfg, cfg.Validate()
}

func run(cfg *config.Config, logger logr.Logger) error {
	st, err := store.Open(cfg.StoreOptions(logger))
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error(err, "error closing store")
		}
	}()

	table := placement.NewTable(cfg.NodeID, nil)
	if !cfg.InMemory {
		stateManager, err := placement.NewStateManager(cfg.DataDir, logger)
		if err != nil {
			return err
		}
		stateManager.SetProvider(table)
		table.SetStateManager(stateManager)
		if err := stateManager.Load(); err != nil {
			logger.Error(err, "failed to load placement state")
		}
		defer func() {
			if err := stateManager.Close(); err != nil {
				logger.Error(err, "error closing state manager")
			}
		}()
	}
	if cur := table.Current(); cur != nil && cur.BitsPerToken != st.BitsPerToken() {
		return fmt.Errorf("placement table uses %d bits per token, store %d", cur.BitsPerToken, st.BitsPerToken())
	}

	peerClient := transport.NewClient(cfg.TransportOptions(logger))
	defer peerClient.Close()

	mgr, err := migration.NewManager(cfg.MigrationOptions(logger), st, table, peerClient)
	if err != nil {
		return err
	}
	defer func() {
		if err := mgr.Close(); err != nil {
			logger.Error(err, "error closing migration manager")
		}
	}()
	resumeCampaign(table, mgr, logger)

	handler := protocol.NewHandler(st, table, mgr, migration.NewGate(mgr), logger)
	server := protocol.NewServer(cfg.Addr, handler, logger)

	metrics.InitInfo(version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	exporter := metrics.NewExporter(cfg.MetricsAddr, st)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	if cfg.MetricsAddr != "" {
		g.Go(exporter.Start)
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		return errors.Join(server.Stop(), exporter.Stop())
	})
	return g.Wait()
}

// resumeCampaign restarts the migration to a target table that was pending
// when the node stopped.
func resumeCampaign(table *placement.Table, mgr *migration.Manager, logger logr.Logger) {
	cur, target := table.GetTables()
	if cur == nil || target == nil {
		return
	}
	plan, err := placement.ComputePlan(cur, target, table.NodeID(), false)
	if err != nil {
		logger.Error(err, "cannot resume migration", "version", target.Version)
		return
	}
	ack := func(err error) {
		if err != nil {
			logger.Error(err, "resumed migration failed", "version", target.Version)
			return
		}
		logger.Info("resumed migration complete", "version", target.Version)
	}
	if err := mgr.StartMigration(plan, ack, target.BitsPerToken); err != nil {
		logger.Error(err, "cannot resume migration", "version", target.Version)
		return
	}
	logger.Info("resuming migration", "version", target.Version, "tokens", len(plan.Entries))
}

func runCLI(addr string, args []string) int {
	if len(args) == 0 {
		fmt.Println("Usage: smnode -cli -h <host:port> <command> [args...]")
		return 1
	}

	c := transport.NewClient(nil)
	defer c.Close()
	c.SetPeer("node", addr)

	req := make([][]byte, len(args))
	for i, a := range args {
		req[i] = []byte(a)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reply, err := c.Do(ctx, "node", req...)
	if err != nil {
		fmt.Printf("(error) %v\n", err)
		return 1
	}
	printReply(reply, "")
	return 0
}

func printReply(reply any, indent string) {
	switch v := reply.(type) {
	case nil:
		fmt.Println(indent + "(nil)")
	case int64:
		fmt.Printf("%s(integer) %d\n", indent, v)
	case string:
		fmt.Printf("%s%q\n", indent, v)
	case []any:
		if len(v) == 0 {
			fmt.Println(indent + "(empty array)")
		}
		for i, item := range v {
			fmt.Printf("%s%d)\n", indent, i+1)
			printReply(item, indent+"   ")
		}
	default:
		fmt.Printf("%s%v\n", indent, v)
	}
}
