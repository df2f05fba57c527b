package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/metyatech/agent-runner/internal/async"
	"github.com/metyatech/agent-runner/internal/locks"
	"github.com/metyatech/agent-runner/internal/webhook"
)

func newRunCmd() *cobra.Command {
	var (
		once        bool
		dryRun      bool
		yes         bool
		interval    int
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler loop (or one cycle with --once)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, !dryRun)
			if err != nil {
				return err
			}
			defer a.Close()

			if interval > 0 {
				a.cfg.Scheduler.IntervalSeconds = interval
			}
			if concurrency > 0 {
				a.cfg.Scheduler.Concurrency = concurrency
			}

			if dryRun {
				return runDryRun(cmd, a)
			}
			if err := confirm("Start the scheduler against the configured repos", yes); err != nil {
				return err
			}

			lock, err := locks.AcquireRunner(a.cfg.RunnerLockPath())
			if err != nil {
				if locks.IsHeld(err) && once {
					// A cron-style --once overlapping the daemon is routine,
					// not a failure.
					fmt.Fprintln(cmd.OutOrStdout(), gray("another runner is active, nothing to do"))
					return nil
				}
				return err
			}
			defer lock.Release()

			driver := a.newDriver()

			if a.cfg.Webhook.Enabled {
				server := webhook.NewServer(
					a.cfg.Webhook, a.store,
					driver.Deps.Review,
					a.metrics, a.logger)
				async.Go(a.logger, "webhook-server", func() {
					if err := server.Start(ctx); err != nil {
						a.logger.Error("webhook server: %v", err)
					}
				})
			}

			if once {
				return driver.RunCycle(ctx)
			}
			return driver.Run(ctx)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single cycle and exit")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "resolve config and repos without dispatching anything")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	cmd.Flags().IntVar(&interval, "interval", 0, "override the cycle interval in seconds")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "override the parallel-run budget")
	cmd.Flags().BoolVar(&flagJSONLog, "json", false, "emit structured JSON logs")
	return cmd
}

// runDryRun prints what a cycle would act on, touching nothing.
func runDryRun(cmd *cobra.Command, a *app) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	repos, err := a.resolveRepos(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, bold("agent-runner dry run"))
	fmt.Fprintf(out, "interval     %s\n", a.cfg.Interval())
	fmt.Fprintf(out, "concurrency  %d\n", a.cfg.Scheduler.Concurrency)
	fmt.Fprintf(out, "webhook      %v\n", a.cfg.Webhook.Enabled)
	fmt.Fprintf(out, "repos        %d\n", len(repos))
	for _, repo := range repos {
		fmt.Fprintf(out, "  %s\n", repo.String())
	}

	retries, err := a.store.ListScheduledRetries(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, r := range retries {
		state := green("due")
		if r.RunAfter.After(now) {
			state = yellow("waits until " + r.RunAfter.Local().Format(time.RFC3339))
		}
		fmt.Fprintf(out, "retry        %s#%d %s\n", r.Repo().String(), r.IssueNumber, state)
	}
	return nil
}
