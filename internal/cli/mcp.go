package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"moodvoice/internal/api"
)

func (a *app) mcpCmd() *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Run as an MCP server over stdio",
		Long: `Run a Model Context Protocol server on stdin/stdout exposing the
classify_audio and list_models tools. Logs go to stderr.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			// stdout carries the protocol
			cfg.Log.Output = "stderr"

			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := newRuntime(ctx, cfg, logger, runtimeOptions{history: user != api.AnonymousUser})
			if err != nil {
				return err
			}
			defer rt.Close()

			return api.NewMCPServer("moodvoice", Version, rt.predictions, rt.modelMgr, user, logger).Run(ctx)
		},
	}

	cmd.Flags().StringVar(&user, "user", api.AnonymousUser, "username the tools act as; history is stored for named users")
	return cmd
}
