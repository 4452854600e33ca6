package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/stealq/internal/archive"
	"github.com/ChuLiYu/stealq/internal/config"
	"github.com/ChuLiYu/stealq/internal/coordinator"
	"github.com/ChuLiYu/stealq/internal/httpapi"
	"github.com/ChuLiYu/stealq/internal/journal"
	"github.com/ChuLiYu/stealq/internal/metrics"
	"github.com/ChuLiYu/stealq/internal/snapshot"
	"github.com/ChuLiYu/stealq/internal/transport"
)

const (
	journalFile  = "journal.log"
	snapshotFile = "snapshot.json"
	archiveFile  = "archive.db"

	shutdownTimeout = 5 * time.Second
)

func buildServerCommand(opts *rootOptions) *cobra.Command {
	var listen, httpListen, dataDir string

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the coordinator",
		Long: `Start the coordinator: the central queue, worker registry and
scheduler. With a data directory the queue survives restarts.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.Listen = listen
			}
			if httpListen != "" {
				cfg.Server.HTTPListen = httpListen
			}
			if dataDir != "" {
				cfg.Storage.Dir = dataDir
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runServer(ctx, cfg, newLogger(cfg))
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "address to accept workers and clients on")
	cmd.Flags().StringVar(&httpListen, "http", "", "address of the HTTP status API (empty disables)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "directory for journal, snapshot and archive (empty keeps state in memory)")
	return cmd
}

// runServer serves until ctx is done or a listener fails.
func runServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	node, err := startServer(ctx, cfg, logger)
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal, stopping gracefully...")
		node.shutdown()
		return nil
	case err := <-node.errc:
		node.shutdown()
		return err
	}
}

// serverNode is a running coordinator with its listeners.
type serverNode struct {
	coord   *coordinator.Coordinator
	journal *journal.Journal
	archive *archive.Store
	rpc     *transport.Server
	rpcLis  net.Listener
	http    *http.Server
	httpLis net.Listener
	log     *slog.Logger
	errc    chan error
}

func startServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*serverNode, error) {
	n := &serverNode{log: logger, errc: make(chan error, 2)}
	opts := coordinator.Options{Logger: logger}
	fail := func(err error) (*serverNode, error) {
		n.shutdown()
		return nil, err
	}

	var reg *prometheus.Registry
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		opts.Metrics = metrics.NewCollector(reg)
	}

	if dir := cfg.Storage.Dir; dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		j, err := journal.Open(filepath.Join(dir, journalFile), cfg.Storage.JournalBufferSize, cfg.Storage.JournalFlushInterval)
		if err != nil {
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		n.journal = j
		opts.Journal = j
		opts.Snapshot = snapshot.NewManager(filepath.Join(dir, snapshotFile))

		if cfg.Storage.Archive {
			store, err := archive.Open(ctx, filepath.Join(dir, archiveFile), logger)
			if err != nil {
				return fail(fmt.Errorf("failed to open archive: %w", err))
			}
			n.archive = store
			opts.Archive = store
		}
	}

	coord := coordinator.New(coordinatorConfig(cfg), opts)
	if err := coord.Start(); err != nil {
		return fail(fmt.Errorf("failed to start coordinator: %w", err))
	}
	n.coord = coord

	lis, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return fail(fmt.Errorf("failed to listen on %s: %w", cfg.Server.Listen, err))
	}
	n.rpcLis = lis
	n.rpc = transport.NewServer(coord)
	go func() {
		if err := n.rpc.Serve(lis); err != nil {
			n.errc <- fmt.Errorf("coordinator listener: %w", err)
		}
	}()
	logger.Info("Coordinator listening", "addr", lis.Addr().String())

	if cfg.Server.HTTPListen != "" {
		var apiOpts []httpapi.Option
		if reg != nil {
			apiOpts = append(apiOpts, httpapi.WithMetrics(reg))
		}
		if n.archive != nil {
			apiOpts = append(apiOpts, httpapi.WithArchive(n.archive))
		}
		httpLis, err := net.Listen("tcp", cfg.Server.HTTPListen)
		if err != nil {
			return fail(fmt.Errorf("failed to listen on %s: %w", cfg.Server.HTTPListen, err))
		}
		n.httpLis = httpLis
		n.http = &http.Server{
			Handler:           httpapi.New(coord, logger, apiOpts...),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := n.http.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				n.errc <- fmt.Errorf("status API: %w", err)
			}
		}()
		logger.Info("Status API listening", "addr", httpLis.Addr().String(), "metrics", reg != nil)
	}

	logger.Info("System started successfully")
	return n, nil
}

func (n *serverNode) addr() string { return n.rpcLis.Addr().String() }

func (n *serverNode) httpAddr() string {
	if n.httpLis == nil {
		return ""
	}
	return n.httpLis.Addr().String()
}

// shutdown releases whatever startServer got to. The coordinator writes the
// final snapshot and closes the journal.
func (n *serverNode) shutdown() {
	if n.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := n.http.Shutdown(ctx); err != nil {
			n.log.Warn("Status API shutdown", "error", err)
		}
		cancel()
	}
	switch {
	case n.coord != nil:
		n.coord.Stop()
	case n.journal != nil:
		n.journal.Close()
	}
	if n.rpc != nil {
		n.rpc.Stop()
	} else if n.rpcLis != nil {
		n.rpcLis.Close()
	}
	if n.archive != nil {
		if err := n.archive.Close(); err != nil {
			n.log.Warn("Failed to close archive", "error", err)
		}
	}
	n.log.Info("System stopped. Goodbye!")
}

func coordinatorConfig(cfg *config.Config) coordinator.Config {
	s := cfg.Scheduler
	return coordinator.Config{
		HeartbeatInterval:      s.HeartbeatInterval,
		HeartbeatTimeoutFactor: s.HeartbeatTimeoutFactor,
		MaxAttempts:            s.MaxAttempts,
		StealMinGap:            s.StealMinGap,
		Retention:              s.Retention,
		MaintenanceInterval:    s.MaintenanceInterval,
		SnapshotInterval:       cfg.Storage.SnapshotInterval,
		SharedSecret:           cfg.Secret,
	}
}
