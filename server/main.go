package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"pixelwar/config"
	"pixelwar/discovery"
	"pixelwar/ledger"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type flags struct {
	configPath string
	listen     string
	storage    string
	ledger     string
	logLevel   string
}

func rootCmd() *cobra.Command {
	var f flags
	root := &cobra.Command{
		Use:           "pixelwar",
		Short:         "Live shared pixel canvas server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, &f)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				return err
			}
			logger := newLogger(cfg.Log.Level)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := run(ctx, cfg, logger); err != nil {
				logger.Error("server exited", "error", err)
				return err
			}
			return nil
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&f.configPath, "config", "", "path to a YAML config file")
	pf.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	root.Flags().StringVar(&f.listen, "listen", "", "address to serve HTTP and websockets on")
	root.Flags().StringVar(&f.storage, "storage", "", "canvas storage: file, bolt or postgres")
	root.Flags().StringVar(&f.ledger, "ledger", "", "credit ledger: memory, http or solana")

	root.AddCommand(peersCmd(&f), invalidateCmd(&f))
	return root
}

func loadConfig(cmd *cobra.Command, f *flags) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("listen") {
		cfg.Listen = f.listen
	}
	if cmd.Flags().Changed("storage") {
		cfg.Storage.Kind = f.storage
	}
	if cmd.Flags().Changed("ledger") {
		cfg.Ledger.Kind = f.ledger
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func peersCmd(f *flags) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "List canvas servers advertised on the local network",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			peers, err := discovery.Browse(ctx, newLogger(f.logLevel))
			if err != nil {
				return err
			}
			if len(peers) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no peers found")
				return nil
			}
			for _, p := range peers {
				fmt.Fprintln(cmd.OutOrStdout(), p.String())
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "how long to listen for announcements")
	return cmd
}

// invalidateCmd is for the ledger side: after a purchase or key rotation
// it tells every running server to drop its cached grant for the owners.
func invalidateCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate OWNER...",
		Short: "Publish grant invalidations for owners over Redis",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(f.configPath)
			if err != nil {
				return err
			}
			if cfg.Redis.Addr == "" {
				return fmt.Errorf("redis.addr (or REDIS_ADDR) is required")
			}
			rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
			defer rdb.Close()
			for _, owner := range args {
				if err := ledger.Publish(cmd.Context(), rdb, cfg.Redis.Channel, owner); err != nil {
					return fmt.Errorf("publish %s: %w", owner, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "invalidated %s\n", owner)
			}
			return nil
		},
	}
}
