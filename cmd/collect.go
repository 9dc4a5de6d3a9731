package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/onetaplabs/mirror/internal/collector"
	"github.com/onetaplabs/mirror/internal/config"
	"github.com/onetaplabs/mirror/internal/store"
)

func collectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "collect",
		Short: "Run the collector sessions for every configured token",
		Run: func(cmd *cobra.Command, args []string) {
			runCollect()
		},
	}
}

func runCollect() {
	log := setupLogging("collector")

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Error("load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Connect(ctx, cfg.RedisURL, 5*time.Second)
	if err != nil {
		log.Error("connect routing store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	manager := collector.NewManager(cfg, cfgPath, st, log)
	dmServer := collector.NewDMServer(manager, "", log)
	watcher := config.NewWatcher(cfgPath, cfg, log)
	watcher.OnApply(manager.Apply)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return manager.Run(ctx) })
	g.Go(func() error { return dmServer.Run(ctx) })
	g.Go(func() error { return watcher.Run(ctx) })

	log.Info("collector started", "version", Version, "tokens", len(cfg.ActiveTokens()))
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("collector stopped", "error", err)
		os.Exit(1)
	}
	log.Info("collector shut down")
}
