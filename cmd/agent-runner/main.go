// Command agent-runner schedules autonomous coding-agent runs against
// GitHub repositories.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/metyatech/agent-runner/internal/config"
	"github.com/metyatech/agent-runner/internal/logging"
	"github.com/metyatech/agent-runner/internal/observability"
)

// version is stamped by the release build.
var version = "dev"

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

var (
	flagConfig  string
	flagJSONLog bool
)

func main() {
	root := &cobra.Command{
		Use:           "agent-runner",
		Short:         "Autonomous coding-agent scheduler for GitHub repositories",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default ~/"+config.DefaultFileName+")")
	root.PersistentFlags().BoolVar(&flagJSONLog, "json-log", false, "emit structured JSON logs")

	root.AddCommand(
		newRunCmd(),
		newStatusCmd(),
		newStopCmd(),
		newResumeCmd(),
		newLabelsCmd(),
		newLogsCmd(),
		newReportsCmd(),
		newUICmd(),
		newWebhookCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, red("error:"), err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the runner version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "agent-runner", version)
		},
	}
}

// loadConfig reads the configuration honoring the global --config flag.
func loadConfig() (*config.Config, error) {
	return config.Load(flagConfig)
}

// setupLogging installs the process-wide logger. Daemon commands log to
// the rotating runner log in addition to stderr.
func setupLogging(cfg *config.Config, daemon bool) (logging.Logger, error) {
	logCfg := observability.LogConfig{
		Level:  cfg.Observability.Logging.Level,
		Format: cfg.Observability.Logging.Format,
	}
	if flagJSONLog {
		logCfg.Format = "json"
	}

	if daemon {
		writer, err := observability.NewRotatingWriter(cfg.RunnerLogPath(), cfg.Observability.Logging.Rotate)
		if err != nil {
			return nil, fmt.Errorf("open runner log: %w", err)
		}
		logCfg.Output = io.MultiWriter(os.Stderr, writer)
	}

	base := observability.NewLogger(logCfg)
	logging.SetDefault(base)
	return logging.FromObservabilityWithComponent(base, "cli"), nil
}

func isTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// confirm asks before a mutating command proceeds. --yes and non-TTY
// sessions skip the prompt; non-TTY without --yes refuses.
func confirm(label string, yes bool) error {
	if yes {
		return nil
	}
	if !isTTY() {
		return fmt.Errorf("refusing to proceed without --yes in a non-interactive session")
	}
	prompt := promptui.Prompt{
		Label:     label,
		IsConfirm: true,
	}
	if _, err := prompt.Run(); err != nil {
		return fmt.Errorf("aborted")
	}
	return nil
}
