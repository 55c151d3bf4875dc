package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"agentgate/internal/app"
	"agentgate/internal/config"
	"agentgate/internal/logging"
)

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the tool gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return Serve(cmd.Context(), rf.Config, rf.Env, addr, rf.DSN)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr and PORT)")
	return cmd
}

// Serve loads configuration and blocks until SIGINT or SIGTERM.
func Serve(ctx context.Context, configPath, env, addr, dsn string) error {
	cfg, err := config.Load(configPath, env)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if dsn != "" {
		cfg.Store.DSN = dsn
	}
	log := logging.New(logging.Config{Level: cfg.Logging.Level, Pretty: cfg.Logging.Pretty})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return a.Run(ctx)
}
