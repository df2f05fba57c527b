package main

import (
	"github.com/spf13/cobra"

	"github.com/metyatech/agent-runner/internal/review"
	"github.com/metyatech/agent-runner/internal/statusui"
	"github.com/metyatech/agent-runner/internal/webhook"
)

func newUICmd() *cobra.Command {
	var (
		host string
		port int
	)

	cmd := &cobra.Command{
		Use:   "ui",
		Short: "Serve the status dashboard",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			if host != "" {
				a.cfg.UI.Host = host
			}
			if port > 0 {
				a.cfg.UI.Port = port
			}

			server := statusui.NewServer(a.cfg, a.store, a.logger)
			return server.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "bind address override")
	cmd.Flags().IntVar(&port, "port", 0, "listen port override")
	return cmd
}

func newWebhookCmd() *cobra.Command {
	var (
		host string
		port int
		path string
	)

	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Run the GitHub webhook listener standalone",
		Long:  "Receives deliveries and persists queue entries; a separate `agent-runner run` drains them. `run` already embeds this listener when webhook mode is enabled.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			if host != "" {
				a.cfg.Webhook.Host = host
			}
			if port > 0 {
				a.cfg.Webhook.Port = port
			}
			if path != "" {
				a.cfg.Webhook.Path = path
			}

			classifier := review.NewClassifier(a.cfg.Review, a.cfg.GitHub.ReviewBots)
			server := webhook.NewServer(a.cfg.Webhook, a.store, classifier, a.metrics, a.logger)
			return server.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "bind address override")
	cmd.Flags().IntVar(&port, "port", 0, "listen port override")
	cmd.Flags().StringVar(&path, "path", "", "delivery path override")
	return cmd
}
