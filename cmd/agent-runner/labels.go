package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/metyatech/agent-runner/internal/labels"
)

func newLabelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "labels",
		Short: "Manage the runner's state labels on watched repos",
	}
	cmd.AddCommand(newLabelsSyncCmd())
	return cmd
}

func newLabelsSyncCmd() *cobra.Command {
	var (
		dryRun bool
		yes    bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Create missing state labels on every watched repo",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			repos, err := a.resolveRepos(ctx)
			if err != nil {
				return err
			}
			defs := labels.Definitions(a.cfg.GitHub.Labels)
			out := cmd.OutOrStdout()

			if dryRun {
				for _, repo := range repos {
					current, err := a.reader.ListRepoLabels(ctx, repo)
					if err != nil {
						return err
					}
					diff := labels.DryRunDiff(current, defs)
					if diff == "" {
						fmt.Fprintf(out, "%s %s\n", green("ok"), repo.String())
						continue
					}
					fmt.Fprintf(out, "%s %s\n%s", yellow("would change"), repo.String(), diff)
				}
				return nil
			}

			if err := confirm(fmt.Sprintf("Create labels on %d repos", len(repos)), yes); err != nil {
				return err
			}

			results, err := labels.NewSyncer(a.writer, a.logger).Sync(ctx, repos, defs)
			for _, res := range results {
				if len(res.Created) == 0 {
					fmt.Fprintf(out, "%s %s\n", green("ok"), res.Repo.String())
					continue
				}
				fmt.Fprintf(out, "%s %s created %v\n", green("synced"), res.Repo.String(), res.Created)
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would change without writing")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}
