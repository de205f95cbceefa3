/**
 * @description
 * This is the main entry point for the egg-service. It loads configuration, opens the
 * selected storage driver, connects to RabbitMQ (and optionally Redis and S3), builds
 * the ledger, command index and executor, then serves chat events from the broker and
 * the management API over HTTP until it receives a shutdown signal.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Shared cooldown store across replicas.
 * - github.com/joho/godotenv: Local .env loading for development.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/rabbitmq, pkg/archive: Broker and audit archive clients.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/maddeth/boozie-bot-sub000/internal/api"
	"github.com/maddeth/boozie-bot-sub000/internal/app"
	"github.com/maddeth/boozie-bot-sub000/internal/config"
	"github.com/maddeth/boozie-bot-sub000/internal/store"
	"github.com/maddeth/boozie-bot-sub000/pkg/archive"
	rmrabbit "github.com/maddeth/boozie-bot-sub000/pkg/rabbitmq"
	"github.com/redis/go-redis/v9"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"invalid configuration\" err=%v", err)
	}
	log.Printf("level=info component=bootstrap msg=\"starting egg-service\" port=%s store=%s cooldowns=%s", cfg.ServerPort, cfg.StoreDriver, cfg.CooldownBackend)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	repository, err := openRepository(cfg)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"storage init failed\" driver=%s err=%v", cfg.StoreDriver, err)
	}
	defer repository.Close()

	if cfg.AutoMigrate {
		migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
		err := repository.Migrate(migrateCtx)
		cancelMigrate()
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"schema migration failed\" err=%v", err)
		}
		log.Println("level=info component=bootstrap msg=\"schema migrated\"")
	}

	var cooldowns app.CooldownStore
	var pruner app.Pruner
	if cfg.CooldownBackend == config.CooldownBackendRedis {
		redisOptions, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"redis url parse failed\" err=%v", err)
		}
		redisClient := redis.NewClient(redisOptions)
		pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
		err = redisClient.Ping(pingCtx).Err()
		cancelPing()
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"redis ping failed\" err=%v", err)
		}
		defer redisClient.Close()
		log.Println("level=info component=bootstrap msg=\"redis connected\"")
		cooldowns = app.NewRedisCooldownStore(redisClient, cfg.RedisCooldownPrefix)
	} else {
		memory := app.NewMemoryCooldownStore()
		cooldowns = memory
		pruner = memory
	}

	var producer rmrabbit.Publisher
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rmrabbit.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		producer = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}
	broadcaster := app.NewBroadcastPublisher(producer, cfg.BroadcastExchange)

	ledger := app.NewLedgerService(repository, app.LedgerOptions{
		Timeout:        cfg.LedgerTimeout(),
		RepointHistory: cfg.MergeRepointHistory,
	})

	index := app.NewCommandIndex(repository)
	refreshCtx, cancelRefresh := context.WithTimeout(context.Background(), cfg.LedgerTimeout())
	if err := index.Refresh(refreshCtx); err != nil {
		// The periodic refresh retries; until then no command matches.
		log.Printf("level=warn component=bootstrap msg=\"initial command index refresh failed\" err=%v", err)
	}
	cancelRefresh()

	appCtx, cancelApp := context.WithCancel(context.Background())
	defer cancelApp()
	go index.Run(appCtx, cfg.LedgerTimeout())

	commands := app.NewCommandService(repository, index, cfg.LedgerTimeout())
	executor := app.NewExecutor(index, ledger, cooldowns, repository, broadcaster, app.ExecutorOptions{
		InsufficientFundsReply: cfg.InsufficientFundsReply,
		Verbose:                cfg.ExecutorVerbose,
	})

	dispatcher := app.NewChatDispatcher(executor, ledger, cfg.ChatWorkers, cfg.ChatQueueSize, cfg.LedgerTimeout())
	dispatcher.Start()

	rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL, cfg.ChatQueueSize)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq consumer init failed\" err=%v", err)
	}

	chatBindings := map[string]func([]byte) bool{
		app.RoutingKeyChatMessage:    dispatcher.HandleChatMessage,
		app.RoutingKeyCurrencyReward: dispatcher.HandleReward,
	}
	if err := rabbitConsumer.ConsumeWithBindings(cfg.ChatExchange, cfg.ChatEventQueue, chatBindings); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"chat consumer start failed\" err=%v", err)
	}

	var archiver *app.AuditArchiver
	archiveSchedule := ""
	if cfg.AuditArchiveBucket != "" {
		uploader, err := archive.NewS3Uploader(context.Background(), cfg.AWSRegion, cfg.AuditArchiveBucket)
		if err != nil {
			log.Printf("level=warn component=bootstrap msg=\"audit archive disabled\" err=%v", err)
		} else {
			archiver = app.NewAuditArchiver(repository, uploader, cfg.AuditArchivePrefix)
			archiveSchedule = cfg.AuditArchiveSchedule
		}
	}

	pruneSchedule := cfg.CooldownPruneSchedule
	if pruner == nil {
		// Redis expires cooldown keys on its own.
		pruneSchedule = ""
	}
	jobs := app.NewJobs(index, pruner, archiver, logger, time.Minute)
	scheduler := app.NewScheduler(jobs, logger, app.ScheduleConfig{
		CommandRefresh: fmt.Sprintf("@every %ds", cfg.CommandRefreshSeconds),
		CooldownPrune:  pruneSchedule,
		LedgerArchive:  archiveSchedule,
	})
	scheduler.Start()

	handlers := api.NewHandlers(ledger, commands, index)
	router := api.NewRouter(handlers, cfg.InternalAPIKey, api.NewJWKSCache(cfg.JWKSURL))

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}
	<-scheduler.Stop().Done()
	// Stop consuming before draining the workers.
	rabbitConsumer.Close()
	dispatcher.Stop()
	cancelApp()

	log.Printf("level=info component=http msg=\"shutdown complete\" chat_messages_handled=%d", dispatcher.Handled())
}

// openRepository opens the configured storage driver.
func openRepository(cfg config.Config) (store.Repository, error) {
	if cfg.StoreDriver == config.StoreDriverSQLite {
		log.Printf("level=info component=bootstrap msg=\"opening sqlite store\" path=%s", cfg.SQLitePath)
		return store.NewSQLiteRepository(cfg.SQLitePath)
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database url parse failed: %w", err)
	}
	poolConfig.MaxConns = int32(cfg.DBMaxConns)
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	// Disable prepared statement caching to stay compatible with poolers.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := dbpool.Ping(pingCtx); err != nil {
		dbpool.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	log.Println("level=info component=bootstrap msg=\"database connected\"")
	return store.NewPostgresRepository(dbpool), nil
}
