// ============================================================================
// stealq CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for the coordinator, the worker agent and the
// client commands
//
// Command Structure:
//   stealq                         # Root command
//   ├── server                     # Run the coordinator
//   ├── worker                     # Run a worker agent
//   ├── submit -- cmd args...      # Submit a job (--wait, --follow)
//   ├── list                       # List jobs (--status, --limit)
//   ├── show <id>                  # Show one job, archived ones included
//   ├── cancel <id>                # Withdraw a job
//   ├── remove <id>                # Archive a terminal job (--kill)
//   ├── clean                      # Archive every terminal job
//   ├── tail <id>                  # Stream a job's output until it ends
//   └── workers [id]               # List workers or show one
//
// Global flags:
//   --config, -c    YAML config file (missing file means defaults)
//   --addr          coordinator address (or STEALQ_ADDR env)
//   --secret        shared secret (or STEALQ_SECRET env)
//   --log-level     debug, info, warn, error
//   --log-format    text, json
//
// Output:
//   Command results go to stdout, logs go to stderr. A followed job's own
//   stdout and stderr are copied to the matching stream, and `submit
//   --follow` exits with the job's exit code.
//
// Signal Handling:
//   server and worker stop gracefully on SIGINT/SIGTERM: the coordinator
//   writes a final snapshot, the worker kills its children and says goodbye.
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/stealq/internal/client"
	"github.com/ChuLiYu/stealq/internal/config"
	"github.com/ChuLiYu/stealq/internal/logging"
)

// Version is set at build time.
var Version = "dev"

// ExitError carries a job's exit code out of `submit --follow`.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("job exited with code %d", e.Code)
}

// rootOptions holds the global flags.
type rootOptions struct {
	configFile string
	addr       string
	secret     string
	logLevel   string
	logFormat  string
}

// BuildCLI builds the root command.
func BuildCLI() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "stealq",
		Short: "stealq: a work-stealing distributed job scheduler",
		Long: `stealq runs shell commands on a pool of worker machines.

A coordinator keeps the central queue and offers jobs to workers that ask
for them. Offered jobs that have not started can be stolen by an idle
worker, so no machine sits idle while another holds a backlog.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configFile, "config", "c", "", "config file path")
	flags.StringVar(&opts.addr, "addr", os.Getenv("STEALQ_ADDR"), "coordinator address (or STEALQ_ADDR env)")
	flags.StringVar(&opts.secret, "secret", os.Getenv("STEALQ_SECRET"), "shared secret (or STEALQ_SECRET env)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", "", "log format (text, json)")

	rootCmd.AddCommand(
		buildServerCommand(opts),
		buildWorkerCommand(opts),
		buildSubmitCommand(opts),
		buildListCommand(opts),
		buildShowCommand(opts),
		buildCancelCommand(opts),
		buildRemoveCommand(opts),
		buildCleanCommand(opts),
		buildTailCommand(opts),
		buildWorkersCommand(opts),
	)
	return rootCmd
}

// load reads the config file and applies the global flag overrides.
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if o.addr != "" {
		cfg.Server.Address = o.addr
	}
	if o.secret != "" {
		cfg.Secret = o.secret
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Log.Format = o.logFormat
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	return logging.NewLogger(logging.ParseLevel(cfg.Log.Level), cfg.Log.Format)
}

// dial connects a client using the loaded config. The client lives until
// ctx is done.
func (o *rootOptions) dial(ctx context.Context) (*client.Client, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, err
	}
	cl, err := client.Dial(ctx, cfg.Server.Address, client.Options{
		Secret: cfg.Secret,
		Logger: newLogger(cfg),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Server.Address, err)
	}
	return cl, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
