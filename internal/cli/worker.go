package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/stealq/internal/config"
	"github.com/ChuLiYu/stealq/internal/sampler"
	"github.com/ChuLiYu/stealq/internal/transport"
	"github.com/ChuLiYu/stealq/internal/worker"
)

func buildWorkerCommand(opts *rootOptions) *cobra.Command {
	var name string
	var capacity, parallel int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Start a worker agent",
		Long: `Connect to the coordinator, ask for work and run jobs on this host.
The agent reconnects with backoff when the coordinator goes away.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if name != "" {
				cfg.Worker.Name = name
			}
			if capacity > 0 {
				cfg.Worker.Capacity = capacity
			}
			if parallel > 0 {
				cfg.Worker.Parallel = parallel
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return newAgent(cfg).Serve(ctx)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "worker id to request (default: hostname)")
	cmd.Flags().IntVar(&capacity, "capacity", 0, "local queue slots (offered + running)")
	cmd.Flags().IntVar(&parallel, "parallel", 0, "jobs run at the same time")
	return cmd
}

func newAgent(cfg *config.Config) *worker.Agent {
	w := cfg.Worker
	addr := cfg.Server.Address
	dial := func(ctx context.Context) (transport.Conn, error) {
		return transport.Dial(ctx, addr)
	}
	return worker.New(worker.Config{
		Name:     w.Name,
		Capacity: w.Capacity,
		Parallel: w.Parallel,
		Backoff:  w.Backoff,
		Secret:   cfg.Secret,
		Limits: sampler.Limits{
			MaxLoad:         w.MaxLoad,
			MinFreeMemoryMB: w.MinFreeMemoryMB,
		},
		MaxOutputBytes: w.MaxOutputBytes,
	}, dial, nil, newLogger(cfg))
}
