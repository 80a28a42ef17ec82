package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"shellcache/internal/logger"
	"shellcache/internal/shellcache"
)

var version = "dev"

var configPath string

func main() {
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "shellcache",
		Short:         "Offline application-shell cache for a single-page web app",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	root.PersistentFlags().StringVar(&configPath, "config", getenvDefault("SHELLCACHE_CONFIG", "/shellcache.yaml"), "path to shellcache.yaml")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the caching proxy",
			RunE:  runServe,
		},
		&cobra.Command{
			Use:   "generations",
			Short: "List cache generations in the configured storage",
			RunE:  runGenerations,
		},
		&cobra.Command{
			Use:   "prune",
			Short: "Delete every cache generation except the configured one",
			RunE:  runPrune,
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "shellcache %s\n", version)
			},
		},
	)
	return root
}

func setup() (shellcache.Config, logger.Logger, error) {
	cfg, err := shellcache.LoadConfig(configPath)
	if err != nil {
		return shellcache.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(logger.Config{Level: cfg.Logging.Level, Development: cfg.Logging.Development})
	if err != nil {
		return shellcache.Config{}, nil, err
	}
	return cfg, log, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	store, err := shellcache.OpenStorage(cfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	svc, err := shellcache.NewService(cfg, log, store)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("init service: %w", err)
	}
	defer svc.Close()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc.Start()
	go func() {
		log.Info("listening", logger.String("addr", addr))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", logger.Error(err))
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runGenerations(cmd *cobra.Command, _ []string) error {
	cfg, _, err := setup()
	if err != nil {
		return err
	}
	store, err := shellcache.OpenStorage(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	names, err := store.Names(cmd.Context())
	if err != nil {
		return err
	}
	current := cfg.GenerationName()
	for _, n := range names {
		marker := " "
		if n == current {
			marker = "*"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", marker, n)
	}
	return nil
}

func runPrune(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	store, err := shellcache.OpenStorage(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	pruned, err := shellcache.PruneGenerations(cmd.Context(), store, cfg.GenerationName(), log)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "pruned %d generation(s)\n", len(pruned))
	return nil
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
