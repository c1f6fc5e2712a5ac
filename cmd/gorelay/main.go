package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chenxilol/gorelay/configs"
	"github.com/chenxilol/gorelay/internal/metrics"
	"github.com/chenxilol/gorelay/server"

	"github.com/spf13/cobra"
)

// version 构建时通过 -ldflags "-X main.version=..." 注入
var version = "dev"

func main() {
	var cfgPath string

	root := &cobra.Command{
		Use:          "gorelay",
		Short:        "WebSocket message relay",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (yaml)")

	root.AddCommand(serveCmd(&cfgPath))
	root.AddCommand(clientCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd(cfgPath *string) *cobra.Command {
	var addr, logLevel string
	var shutdownTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept websocket connections and relay every text message to all clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configs.LoadConfig(*cfgPath)
			if err != nil {
				return err
			}
			// 命令行参数优先于配置文件和环境变量
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Log.Level = logLevel
			}
			if cfg.Version == "dev" {
				cfg.Version = version
			}

			level := new(slog.LevelVar)
			slog.SetDefault(configs.NewLogger(os.Stdout, cfg.Log, level))
			cfg.WatchLogLevel(level)
			slog.Info("logger initialized", "level", level.Level().String(), "format", cfg.Log.Format)

			metrics.Default()

			srv, err := server.NewServer(cfg)
			if err != nil {
				return fmt.Errorf("create server: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := srv.Run(ctx, shutdownTimeout); err != nil {
				slog.Error("server stopped with error", "error", err)
				return err
			}
			slog.Info("server stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (host:port), overrides server.addr")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second, "graceful shutdown timeout")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
