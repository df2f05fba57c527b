package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/metyatech/agent-runner/internal/cycle"
)

func newStatusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show running work, pending retries, and follow-ups",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			snap, err := cycle.BuildSnapshot(ctx, a.cfg, a.store)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}

			fmt.Fprintln(out, bold("agent-runner status"), gray(snap.GeneratedAt.Local().Format(time.RFC3339)))
			if snap.StopFlagSet {
				fmt.Fprintln(out, red("stop requested: the loop drains and exits after the current work"))
			}
			if snap.BlockedUntil != nil {
				fmt.Fprintln(out, yellow("github rate-limited until "+snap.BlockedUntil.Local().Format(time.RFC3339)))
			}

			if len(snap.Running) == 0 {
				fmt.Fprintln(out, gray("nothing running"))
			}
			for _, r := range snap.Running {
				target := r.Task
				if r.IssueNumber > 0 {
					target = fmt.Sprintf("#%d", r.IssueNumber)
				}
				fmt.Fprintf(out, "%s %s %s %s pid %d since %s\n",
					green("run"), r.Repo, target, r.Engine, r.PID, r.StartedAt.Local().Format("15:04:05"))
			}
			for _, r := range snap.Retries {
				fmt.Fprintf(out, "%s %s#%d at %s (%s)\n",
					yellow("retry"), r.Repo, r.IssueNumber, r.RunAfter.Local().Format(time.RFC3339), r.Reason)
			}
			for _, f := range snap.Followups {
				fmt.Fprintf(out, "%s %s#%d %s\n", yellow("follow-up"), f.Repo, f.PRNumber, f.Reason)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit the snapshot as JSON")
	return cmd
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Ask the running loop to drain and exit",
		Long:  "Sets the stop flag. The loop finishes in-flight runs, skips new work, and exits; child processes are never killed.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			path := cfg.StopFlagPath()
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(time.Now().Format(time.RFC3339)+"\n"), 0o644); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), green("stop requested"), gray(path))
			return nil
		},
	}
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Clear the stop flag so the next start runs normally",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			err = os.Remove(cfg.StopFlagPath())
			if os.IsNotExist(err) {
				fmt.Fprintln(cmd.OutOrStdout(), gray("stop flag was not set"))
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), green("stop flag cleared"))
			return nil
		},
	}
}
