package cli

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/stealq/internal/client"
	"github.com/ChuLiYu/stealq/pkg/types"
)

// withClient dials the coordinator for the duration of fn.
func withClient(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, cl *client.Client) error) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	cl, err := opts.dial(ctx)
	if err != nil {
		return err
	}
	defer cl.Close()
	return fn(ctx, cl)
}

func parseID(arg string) (types.JobID, error) {
	id, err := types.ParseJobID(arg)
	if err != nil {
		return 0, fmt.Errorf("invalid job id %q", arg)
	}
	return id, nil
}

// ============================================================================
// submit
// ============================================================================

type submitOptions struct {
	workDir     string
	env         []string
	timeout     time.Duration
	maxAttempts int
	retry       bool
	slots       int
	label       string
	wait        bool
	follow      bool
}

func (o *submitOptions) spec(args []string) (types.JobSpec, error) {
	env, err := parseEnv(o.env)
	if err != nil {
		return types.JobSpec{}, err
	}
	workDir := o.workDir
	if workDir == "." {
		if workDir, err = os.Getwd(); err != nil {
			return types.JobSpec{}, err
		}
	}
	return types.JobSpec{
		Command:        args[0],
		Args:           args[1:],
		WorkDir:        workDir,
		Env:            env,
		Slots:          o.slots,
		Timeout:        o.timeout,
		MaxAttempts:    o.maxAttempts,
		RetryOnFailure: o.retry,
		Label:          o.label,
	}, nil
}

func buildSubmitCommand(opts *rootOptions) *cobra.Command {
	so := &submitOptions{}

	cmd := &cobra.Command{
		Use:   "submit [flags] -- command [args...]",
		Short: "Submit a job",
		Long: `Submit a command to the queue. Put the command after -- so its own
flags are not parsed by stealq.

With --wait the job's final state is printed once it ends. With --follow
its output is streamed while it runs and stealq exits with its exit code.`,
		Example: `  stealq submit -- make -j4 test
  stealq submit --workdir . --env CI=1 --follow -- ./build.sh`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := so.spec(args)
			if err != nil {
				return err
			}
			return withClient(cmd, opts, func(ctx context.Context, cl *client.Client) error {
				out := cmd.OutOrStdout()

				if so.follow {
					_, job, err := cl.Run(ctx, spec, out, cmd.ErrOrStderr())
					if err != nil {
						return err
					}
					return jobExit(job)
				}

				id, err := cl.Submit(ctx, spec)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Submitted job %s\n", id)
				if !so.wait {
					return nil
				}

				job, err := cl.Wait(ctx, id)
				if err != nil {
					return err
				}
				printJob(out, job)
				return jobExit(job)
			})
		},
	}

	f := cmd.Flags()
	f.StringVarP(&so.workDir, "workdir", "C", "", "working directory on the worker (\".\" for the current one)")
	f.StringArrayVarP(&so.env, "env", "e", nil, "environment override KEY=VALUE (repeatable)")
	f.DurationVar(&so.timeout, "timeout", 0, "kill the job after this long (0 means no limit)")
	f.IntVar(&so.maxAttempts, "max-attempts", 0, "start attempts before the job fails (0 uses the coordinator default)")
	f.BoolVar(&so.retry, "retry", false, "requeue the job when it exits non-zero")
	f.IntVar(&so.slots, "slots", 1, "resource hint")
	f.StringVarP(&so.label, "label", "l", "", "free-form label")
	f.BoolVarP(&so.wait, "wait", "w", false, "wait for the job to end")
	f.BoolVarP(&so.follow, "follow", "f", false, "stream the job's output and exit with its exit code")
	return cmd
}

// jobExit maps a terminal job to the command's exit status.
func jobExit(job *types.Job) error {
	switch job.Status {
	case types.StatusFinished:
		if job.Result != nil && job.Result.ExitCode != 0 {
			return &ExitError{Code: job.Result.ExitCode}
		}
		return nil
	case types.StatusFailed, types.StatusCancelled:
		reason := ""
		if job.Result != nil {
			reason = job.Result.Reason
		}
		return fmt.Errorf("job %s %s: %s", job.ID, job.Status, reason)
	}
	return nil
}

func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid env %q, want KEY=VALUE", kv)
		}
		env[k] = v
	}
	return env, nil
}

// ============================================================================
// list / show / tail
// ============================================================================

func buildListCommand(opts *rootOptions) *cobra.Command {
	var statuses []string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter []types.JobStatus
			for _, s := range statuses {
				st := types.JobStatus(s)
				if !st.IsValid() {
					return fmt.Errorf("unknown status %q", s)
				}
				filter = append(filter, st)
			}
			return withClient(cmd, opts, func(ctx context.Context, cl *client.Client) error {
				jobs, err := cl.List(ctx, filter, limit)
				if err != nil {
					return err
				}
				printJobs(cmd.OutOrStdout(), jobs)
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "only jobs with these statuses")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum number of jobs (0 means all)")
	return cmd
}

func buildShowCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withClient(cmd, opts, func(ctx context.Context, cl *client.Client) error {
				job, err := cl.Show(ctx, id)
				if err != nil {
					return err
				}
				printJob(cmd.OutOrStdout(), job)
				return nil
			})
		},
	}
}

func buildTailCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tail <id>",
		Short: "Stream a job's output until it ends",
		Long: `Copy a running job's stdout and stderr until it ends. Output written
before tail started is not replayed; for a job that already ended the
captured output is printed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withClient(cmd, opts, func(ctx context.Context, cl *client.Client) error {
				job, err := cl.Tail(ctx, id, cmd.OutOrStdout(), cmd.ErrOrStderr())
				if err != nil {
					return err
				}
				return jobExit(job)
			})
		},
	}
}

// ============================================================================
// cancel / remove / clean
// ============================================================================

func buildCancelCommand(opts *rootOptions) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel <id>...",
		Short: "Cancel jobs that have not ended",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return withClient(cmd, opts, func(ctx context.Context, cl *client.Client) error {
				for _, id := range ids {
					if err := cl.Cancel(ctx, id, reason); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Cancelled job %s\n", id)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the job")
	return cmd
}

func buildRemoveCommand(opts *rootOptions) *cobra.Command {
	var kill bool

	cmd := &cobra.Command{
		Use:   "remove <id>...",
		Short: "Remove ended jobs from the queue",
		Long:  "Remove ended jobs from coordinator memory. With the archive enabled they stay visible to show.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			return withClient(cmd, opts, func(ctx context.Context, cl *client.Client) error {
				for _, id := range ids {
					if err := cl.Remove(ctx, id, kill); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Removed job %s\n", id)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&kill, "kill", "k", false, "cancel the job first if it has not ended")
	return cmd
}

func buildCleanCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove every ended job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, cl *client.Client) error {
				n, err := cl.Clean(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d jobs\n", n)
				return nil
			})
		},
	}
}

func parseIDs(args []string) ([]types.JobID, error) {
	ids := make([]types.JobID, 0, len(args))
	for _, a := range args {
		id, err := parseID(a)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ============================================================================
// workers
// ============================================================================

func buildWorkersCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "workers [id]",
		Short: "List workers, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, opts, func(ctx context.Context, cl *client.Client) error {
				if len(args) == 1 {
					w, err := cl.Worker(ctx, args[0])
					if err != nil {
						return err
					}
					printWorker(cmd.OutOrStdout(), w)
					return nil
				}
				workers, err := cl.Workers(ctx)
				if err != nil {
					return err
				}
				sort.Slice(workers, func(i, j int) bool { return workers[i].ID < workers[j].ID })
				printWorkers(cmd.OutOrStdout(), workers)
				return nil
			})
		},
	}
}
