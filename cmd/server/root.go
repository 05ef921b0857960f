package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Tyrowin/linechat/internal/logging"
	"github.com/Tyrowin/linechat/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "linechat",
		Short: "Line-oriented TCP chat relay",
		Long: `linechat relays newline-delimited messages between connected peers.

A client's first line is its name. Every following line of the form
"bob,carol: hello" is delivered to each named peer as "from <name>: hello".`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), v)
		},
	}

	server.SetDefaults(v)
	server.BindEnv(v)

	flags := cmd.Flags()
	flags.StringP("config", "c", "", "config file (yaml, toml or json)")
	flags.String("addr", "", "TCP listen address for chat clients")
	flags.String("http-addr", "", "HTTP listen address for the WebSocket gateway, /peers and /metrics (disabled when empty)")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("log-format", "", "log format: text or json")

	_ = v.BindPFlag("config", flags.Lookup("config"))
	_ = v.BindPFlag("addr", flags.Lookup("addr"))
	_ = v.BindPFlag("http_addr", flags.Lookup("http-addr"))
	_ = v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = v.BindPFlag("log.format", flags.Lookup("log-format"))

	return cmd
}

func run(parent context.Context, v *viper.Viper) error {
	cfg, err := server.LoadConfig(v)
	if err != nil {
		return err
	}

	logger := logging.New(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting linechat relay", "addr", cfg.Addr, "http_addr", cfg.HTTPAddr)
	if err := server.New(*cfg, logger).Run(ctx); err != nil {
		logger.Error("Relay failed", "error", err)
		return err
	}
	return nil
}
