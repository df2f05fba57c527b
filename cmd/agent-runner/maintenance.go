package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"github.com/metyatech/agent-runner/internal/config"
	"github.com/metyatech/agent-runner/internal/maintenance"
)

func newLogsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Manage engine run logs",
	}
	cmd.AddCommand(newPruneCmd("logs", func(p *maintenance.Pruner, cfg *config.Config, dry bool) (maintenance.Report, error) {
		return p.PruneLogs(cfg, dry)
	}))
	return cmd
}

func newReportsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reports",
		Short: "Manage idle-run reports",
	}
	cmd.AddCommand(newPruneCmd("reports", func(p *maintenance.Pruner, cfg *config.Config, dry bool) (maintenance.Report, error) {
		return p.PruneReports(cfg, dry)
	}))
	cmd.AddCommand(newReportsShowCmd())
	return cmd
}

func newPruneCmd(what string, prune func(*maintenance.Pruner, *config.Config, bool) (maintenance.Report, error)) *cobra.Command {
	var (
		dryRun bool
		yes    bool
	)

	cmd := &cobra.Command{
		Use:   "prune",
		Short: fmt.Sprintf("Delete %s beyond the retention policy", what),
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := setupLogging(cfg, false)
			if err != nil {
				return err
			}

			if !dryRun {
				if err := confirm(fmt.Sprintf("Delete old %s", what), yes); err != nil {
					return err
				}
			}

			report, err := prune(maintenance.NewPruner(logger), cfg, dryRun)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			verb := green("pruned")
			if dryRun {
				verb = yellow("would prune")
			}
			for _, c := range report.Pruned {
				fmt.Fprintf(out, "%s %s %s\n", verb, c.Path, gray(c.Reason))
			}
			fmt.Fprintf(out, "%s %d files (%d bytes), kept %d\n", verb, len(report.Pruned), report.Bytes(), report.Kept)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list what would be deleted")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

func newReportsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [file]",
		Short: "Render an idle-run report (latest when no file is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			var path string
			if len(args) == 1 {
				path = args[0]
				if !filepath.IsAbs(path) && !strings.ContainsRune(path, os.PathSeparator) {
					path = filepath.Join(cfg.ReportsDir(), path)
				}
			} else {
				path, err = latestReport(cfg.ReportsDir())
				if err != nil {
					return err
				}
			}

			raw, err := os.ReadFile(path)
			if err != nil {
				return err
			}

			if !isTTY() {
				fmt.Fprint(cmd.OutOrStdout(), string(raw))
				return nil
			}
			renderer, err := glamour.NewTermRenderer(
				glamour.WithStandardStyle("dark"),
				glamour.WithWordWrap(100),
			)
			if err != nil {
				return err
			}
			rendered, err := renderer.Render(string(raw))
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), rendered)
			return nil
		},
	}
}

func latestReport(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("no reports yet: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", fmt.Errorf("no reports in %s", dir)
	}
	// Report names end in a unix timestamp, so the lexicographic maximum
	// within one repo is the newest; across repos modification time wins.
	sort.Slice(names, func(i, j int) bool {
		fi, _ := os.Stat(filepath.Join(dir, names[i]))
		fj, _ := os.Stat(filepath.Join(dir, names[j]))
		if fi == nil || fj == nil {
			return names[i] < names[j]
		}
		return fi.ModTime().Before(fj.ModTime())
	})
	return filepath.Join(dir, names[len(names)-1]), nil
}
