package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/stratoforge/quantra/config"
	"github.com/stratoforge/quantra/internal/api"
	"github.com/stratoforge/quantra/internal/auth"
	"github.com/stratoforge/quantra/internal/bot"
	"github.com/stratoforge/quantra/internal/database"
	"github.com/stratoforge/quantra/internal/events"
	"github.com/stratoforge/quantra/internal/llm"
	"github.com/stratoforge/quantra/internal/logging"
	"github.com/stratoforge/quantra/internal/nodes"
	"github.com/stratoforge/quantra/internal/pipeline"
	"github.com/stratoforge/quantra/internal/ratelimit"
	"github.com/stratoforge/quantra/internal/status"
	"github.com/stratoforge/quantra/internal/vault"
)

const (
	// botRowTTL bounds how stale a worker's view of its own row can get.
	// Workers re-read at every cycle boundary; the TTL only matters for
	// bots on very short intervals.
	botRowTTL = 10 * time.Second

	// settingTTL caches system_configs reads shared by all workers.
	settingTTL = 30 * time.Second
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to a config file (optional, env applies on top)")
	flag.Parse()

	// A .env file is a developer convenience; absence is normal.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	if err := logging.Setup(logging.Config{
		Level:  cfg.Logging.Level,
		Dir:    cfg.Logging.Dir,
		Pretty: cfg.Logging.Pretty,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "setup logging: %v\n", err)
		os.Exit(1)
	}
	log := logging.Component("main")

	ctx := context.Background()

	db, err := database.NewDB(ctx, cfg.Database.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	if err := db.Init(ctx); err != nil {
		log.Fatal().Err(err).Msg("database init failed")
	}
	log.Info().Str("host", cfg.Database.Host).Str("db", cfg.Database.Database).Msg("database ready")

	repo := database.NewRepository(db)
	botLoader := database.NewBotLoader(repo, botRowTTL)
	checkpoints := database.NewCheckpointStore(db)
	settings := database.NewSystemConfigStore(db, settingTTL)

	var redisClient *redis.Client
	if cfg.Redis.Enabled() {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		log.Info().Str("addr", cfg.Redis.Addr).Msg("status mirror configured")
	}

	publisher := status.NewPublisher(cfg.Status.Dir, redisClient, log)
	bus := events.NewEventBus()
	bus.SubscribeAll(events.LogSink(logging.Component("events")))
	factory := llm.NewFactory(repo)

	registry := pipeline.NewRegistry()
	if err := nodes.RegisterBuiltins(registry); err != nil {
		log.Fatal().Err(err).Msg("plugin registration failed")
	}
	// Auto-sync appends new builtin plugins to workflows nobody has edited.
	// A failure here leaves existing graphs runnable, so it does not abort.
	if err := nodes.SyncWorkflows(ctx, repo, registry, log); err != nil {
		log.Warn().Err(err).Msg("workflow auto-sync failed")
	}

	var credentials bot.CredentialSource
	if cfg.Vault.Enabled {
		source, err := vault.New(cfg.Vault)
		if err != nil {
			log.Fatal().Err(err).Msg("vault client failed")
		}
		credentials = source
		log.Info().Str("addr", cfg.Vault.Address).Msg("exchange credentials served from vault")
	}

	limits := ratelimit.NewRegistry()

	supervisor := bot.NewSupervisor(bot.Services{
		Bots:        botLoader,
		Store:       repo,
		Checkpoints: checkpoints,
		Trades:      repo,
		Settings:    settings,
		LLM:         factory,
		Credentials: credentials,
		Registry:    registry,
		Status:      publisher,
		Bus:         bus,
		Limits:      limits,
	})

	var manager *auth.Manager
	if cfg.Auth.AllowUnauthenticated {
		log.Warn().Msg("control plane running without authentication")
	} else {
		if cfg.Auth.OperatorPassHash == "" {
			log.Warn().Msg("auth.operator_pass_hash is empty, every login will be rejected")
		}
		manager = auth.NewManager(
			cfg.Auth.JWTSecret,
			cfg.Auth.AccessTokenExpiry,
			cfg.Auth.OperatorUser,
			cfg.Auth.OperatorPassHash,
		)
	}

	server := api.NewServer(
		api.Config{
			Host:           cfg.Server.Host,
			Port:           cfg.Server.Port,
			AllowedOrigins: cfg.Server.AllowedOrigins,
			LogDir:         cfg.Logging.Dir,
			Debug:          cfg.Logging.Pretty,
		},
		api.Services{
			Store:    repo,
			Settings: settings,
			Bots:     supervisor,
			Status:   publisher,
			Plugins:  registry,
			LLM:      factory,
			Limits:   limits,
			Auth:     manager,
		},
	)

	go func() {
		if err := server.Start(); err != nil {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	supervisor.StartActive(ctx)
	log.Info().Str("addr", cfg.Server.Addr()).Msg("quantra is up")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutting down")

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown failed")
	}
	supervisor.StopAll(shutdownCtx)

	log.Info().Msg("shutdown complete")
}
