package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/onetaplabs/mirror/internal/config"
	"github.com/onetaplabs/mirror/internal/control"
	"github.com/onetaplabs/mirror/internal/guardian"
	"github.com/onetaplabs/mirror/internal/republisher"
	"github.com/onetaplabs/mirror/internal/store"
)

func publishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish",
		Short: "Run the republisher, intake server, and destination guardian",
		Run: func(cmd *cobra.Command, args []string) {
			runPublish()
		},
	}
}

func runPublish() {
	log := setupLogging("republisher")

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

	dg, err := discordgo.New("Bot " + cfg.BotToken)
	if err != nil {
		log.Error("create bot session", "error", err)
		os.Exit(1)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentMessageContent
	dg.StateEnabled = true

	rep := republisher.New(dg, cfg, cfgPath, st, log)
	rep.DM().Register()

	if err := dg.Open(); err != nil {
		log.Error("open gateway", "error", err)
		os.Exit(1)
	}
	defer dg.Close()

	guard := guardian.New(dg, cfg, st, log)
	intake := republisher.NewIntake(st, cfg, "", log)
	sweep := republisher.NewSweep(rep.Routes(), rep.Client(), log)
	watcher := config.NewWatcher(cfgPath, cfg, log)

	registry := control.New(dg, control.Deps{
		Cfg:     cfg,
		CfgPath: cfgPath,
		Store:   st,
		Rep:     rep,
		Guard:   guard,
		Version: Version,
		Started: time.Now(),
	}, log)
	if err := registry.Register(); err != nil {
		log.Error("register operator commands", "error", err)
		os.Exit(1)
	}
	defer registry.Unregister()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rep.Run(ctx) })
	g.Go(func() error { return intake.Run(ctx) })
	g.Go(func() error { return sweep.Run(ctx) })
	g.Go(func() error { return guard.RunOrganizer(ctx) })
	g.Go(func() error { return guard.RunRetention(ctx) })
	g.Go(func() error { return watcher.Run(ctx) })

	log.Info("republisher started", "version", Version, "destination", cfg.Destination())
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("republisher stopped", "error", err)
		os.Exit(1)
	}
	log.Info("republisher shut down")
}
