package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/zulandar/turntable/internal/bridge"
	bdiscord "github.com/zulandar/turntable/internal/bridge/discord"
	"github.com/zulandar/turntable/internal/config"
	"github.com/zulandar/turntable/internal/fetcher"
	"github.com/zulandar/turntable/internal/history"
	"github.com/zulandar/turntable/internal/resolver"
	"github.com/zulandar/turntable/internal/router"
	"github.com/zulandar/turntable/internal/server"
	"github.com/zulandar/turntable/internal/session"
	vdiscord "github.com/zulandar/turntable/internal/voice/discord"
	"github.com/zulandar/turntable/internal/watchdog"
)

// tokenEnvVar names the env variable holding the Discord bot token.
const tokenEnvVar = "TURNTABLE_BOT_TOKEN"

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Turntable service",
		Long:  "Connects the messaging bridge and voice transport, then serves the HTTP control surface until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "turntable.yaml", "path to Turntable config file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	// A missing .env is fine; the token may come from the environment.
	godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	token := os.Getenv(tokenEnvVar)
	if token == "" {
		return fmt.Errorf("%s is not set", tokenEnvVar)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()

	store, err := openHistory(cfg.History)
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}

	adapter, err := bdiscord.New(bdiscord.AdapterOpts{BotToken: token})
	if err != nil {
		return err
	}
	if err := adapter.Connect(ctx); err != nil {
		return fmt.Errorf("connect messaging bridge: %w", err)
	}
	defer adapter.Close()

	// The voice transport rides its own gateway connection so a wedged
	// stream cannot stall message delivery.
	vsess, err := discordgo.New("Bot " + token)
	if err != nil {
		return fmt.Errorf("create voice session: %w", err)
	}
	vsess.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
	if err := vsess.Open(); err != nil {
		return fmt.Errorf("open voice session: %w", err)
	}
	defer vsess.Close()
	transport := vdiscord.New(vsess)

	res, err := resolver.New(resolver.Opts{BaseURL: cfg.SearchBaseURL})
	if err != nil {
		return err
	}
	ftch, err := fetcher.New(fetcher.Opts{
		BaseURL:   cfg.DownloadBaseURL,
		Dir:       cfg.DownloadsDir,
		Timeout:   time.Duration(cfg.Fetch.TimeoutSec) * time.Second,
		MaxBytes:  cfg.Fetch.MaxBytes,
		Chunk:     cfg.Fetch.ChunkBytes,
		Serialize: cfg.Fetch.SerializeDownloads(),
	})
	if err != nil {
		return err
	}

	mgr, err := session.New(session.Opts{
		Transport:       transport,
		Fetcher:         ftch,
		Notifier:        adapter,
		Recorder:        store,
		StatusChannelID: cfg.StatusChannelID,
		Out:             out,
	})
	if err != nil {
		return err
	}
	defer mgr.Close()
	mgr.EnsureStarted()

	rt := router.New(mgr.Registry(), cfg.Capacity.MaxLocalSessions, cfg.Capacity.SecondaryURL)

	var probe *watchdog.BridgeProbe
	if cfg.Watchdog.Enabled {
		probe = watchdog.NewBridgeProbe(adapter, cfg.Watchdog.PeerID)
		wd, err := watchdog.New(watchdog.Opts{
			Probe:    probe,
			Recovery: watchdog.NewHTTPRecovery(cfg.Watchdog.RestartURL, nil),
			Schedule: cfg.Watchdog.Schedule,
			Timeout:  time.Duration(cfg.Watchdog.ProbeTimeoutSec) * time.Second,
			Out:      out,
		})
		if err != nil {
			return err
		}
		go wd.Run(ctx)
	}
	responder := watchdog.NewResponder(adapter)

	msgs, err := adapter.Listen(ctx)
	if err != nil {
		return fmt.Errorf("listen on messaging bridge: %w", err)
	}
	go pumpInbound(ctx, msgs, probe, responder)

	sweeper := cron.New()
	maxAge := time.Duration(cfg.Fetch.MaxAgeMin) * time.Minute
	if _, err := sweeper.AddFunc(cfg.Fetch.SweepSchedule, func() {
		if n := ftch.Sweep(maxAge); n > 0 {
			log.Printf("serve: swept %d stale downloads", n)
		}
	}); err != nil {
		return fmt.Errorf("schedule download sweep: %w", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	srv, err := server.New(server.Opts{
		Resolver: res,
		Sessions: mgr,
		Admitter: rt,
		Joiner:   adapter,
		History:  store,
		Port:     cfg.Port,
		Out:      out,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Turntable serving on :%d (cap %d local sessions)\n", cfg.Port, cfg.Capacity.MaxLocalSessions)
	return srv.Start(ctx)
}

// pumpInbound routes bridge messages to the watchdog pieces. Everything else
// is chat noise and dropped.
func pumpInbound(ctx context.Context, msgs <-chan bridge.InboundMessage, probe *watchdog.BridgeProbe, responder *watchdog.Responder) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			if probe != nil && probe.HandleInbound(msg.UserID, msg.Text) {
				continue
			}
			responder.HandleInbound(ctx, msg.UserID, msg.Text)
		}
	}
}

func openHistory(cfg config.HistoryConfig) (*history.Store, error) {
	if cfg.Driver == "mysql" {
		return history.OpenMySQL(cfg.Host, cfg.DBPort, cfg.Database)
	}
	return history.OpenSQLite(cfg.Path)
}
