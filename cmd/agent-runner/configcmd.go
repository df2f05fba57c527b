package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/metyatech/agent-runner/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or bootstrap the configuration",
	}
	cmd.AddCommand(newConfigInitCmd(), newConfigShowCmd())
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a commented default config file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := flagConfig
			if path == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				path = filepath.Join(home, config.DefaultFileName)
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.WriteExample(path); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), green("wrote"), path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "workdir_root  %s\n", cfg.WorkdirRoot)
			fmt.Fprintf(out, "owner         %s\n", cfg.GitHub.Owner)
			fmt.Fprintf(out, "repos         %v\n", cfg.GitHub.Repos)
			fmt.Fprintf(out, "interval      %s\n", cfg.Interval())
			fmt.Fprintf(out, "concurrency   %d\n", cfg.Scheduler.Concurrency)
			fmt.Fprintf(out, "webhook       %v\n", cfg.Webhook.Enabled)
			fmt.Fprintf(out, "idle          %v\n", cfg.Idle.Enabled)
			fmt.Fprintf(out, "db            %s\n", cfg.DBPath())
			fmt.Fprintf(out, "logs          %s\n", cfg.LogsDir())
			if config.GitHubToken() == "" {
				fmt.Fprintln(out, yellow("no GitHub token in the environment"))
			}
			return nil
		},
	}
}
