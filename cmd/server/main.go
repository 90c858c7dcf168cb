// Command server runs one node of a raftkv cluster: it loads a YAML
// config, recovers from its write-ahead log, joins consensus, and serves
// the HTTP control/client API until signaled to stop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mathdee/raftkv/internal/config"
	"github.com/mathdee/raftkv/internal/metrics"
	"github.com/mathdee/raftkv/internal/raft"
	"github.com/mathdee/raftkv/internal/server"
	"github.com/mathdee/raftkv/internal/statemachine"
	"github.com/mathdee/raftkv/internal/store"
	"github.com/mathdee/raftkv/internal/transport"
	"github.com/mathdee/raftkv/internal/wal"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "server",
		Short: "Run one node of a raftkv cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the node's YAML config file")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("server: build logger: %w", err)
	}
	defer logger.Sync()
	logger = logger.With(zap.String("id", cfg.ID))

	// Recover from the prior session's write-ahead log before opening it
	// for new writes, so this boot doesn't read back its own output.
	state, recoveredLog, err := wal.Recover(cfg.WALPath)
	if err != nil {
		return fmt.Errorf("server: recover wal: %w", err)
	}
	walHandle, err := wal.Open(cfg.WALPath)
	if err != nil {
		return fmt.Errorf("server: open wal: %w", err)
	}
	defer walHandle.Close()

	sm := statemachine.New()
	raftLog := make([]raft.LogEntry, 0, len(recoveredLog))
	for _, e := range recoveredLog {
		raftLog = append(raftLog, raft.LogEntry{Term: e.Term, Index: e.Index, Command: e.Command, Timestamp: e.Timestamp})
	}
	logger.Info("recovered from write-ahead log", zap.Int("entries", len(raftLog)), zap.Uint64("term", state.Term))

	kvStore := store.New()
	collector := metrics.New(cfg.ID)

	self := transport.Peer{Host: selfHost(cfg), Port: cfg.ListenPort}
	peers := make([]transport.Peer, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		peers = append(peers, transport.Peer{Host: p.Host, Port: p.Port})
	}

	transportSrv := transport.NewServer(cfg.ListenPort, logger)

	onCommit := func(entry raft.LogEntry, _ string) {
		kvStore.Observe(entry.Command, entry.Timestamp)
		op := "other"
		if fields := strings.Fields(entry.Command); len(fields) > 0 && (fields[0] == "SET" || fields[0] == "GET") {
			op = fields[0]
		}
		collector.RecordStoreOp(op)
	}

	nodeCfg := raft.Config{
		ElectionTimeoutMin: cfg.ElectionTimeoutMin,
		ElectionTimeoutMax: cfg.ElectionTimeoutMax,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		RPCTimeout:         cfg.RPCTimeout,
	}
	node := raft.New(self, peers, nodeCfg, transportSrv, sm, onCommit, collector, wal.NewAdapter(walHandle), logger)
	node.Restore(state.Term, state.VotedFor, raftLog)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- node.Run(ctx)
	}()

	httpAddr := fmt.Sprintf(":%d", cfg.HTTPPort)
	httpSrv := server.New(httpAddr, node, kvStore, collector)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil {
			logger.Info("http server stopped", zap.Error(err))
		}
	}()

	logger.Info("node started", zap.Int("raftPort", cfg.ListenPort), zap.Int("httpPort", cfg.HTTPPort), zap.Int("peers", len(peers)))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
		cancel()
		<-runErrCh
	case err := <-runErrCh:
		logger.Error("raft node exited unexpectedly", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", zap.Error(err))
	}

	return nil
}

func selfHost(cfg config.Config) string {
	for _, p := range cfg.Peers {
		if p.Port == cfg.ListenPort {
			return p.Host
		}
	}
	return "127.0.0.1"
}
