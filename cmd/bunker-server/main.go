package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/ulule/limiter/v3"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/bunker-saas/bunker/internal/api"
	"github.com/bunker-saas/bunker/internal/auth"
	"github.com/bunker-saas/bunker/internal/billing"
	"github.com/bunker-saas/bunker/internal/config"
	"github.com/bunker-saas/bunker/internal/events"
	"github.com/bunker-saas/bunker/internal/server"
	"github.com/bunker-saas/bunker/internal/storage"
	"github.com/bunker-saas/bunker/internal/tenant"
)

func main() {
	// Command line flags
	var configFile string
	var migrate bool
	flag.StringVar(&configFile, "config", "config/bunker.yml", "Configuration file path")
	flag.BoolVar(&migrate, "migrate", false, "Apply the database schema before serving")
	flag.Parse()

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("Failed to read .env file")
	}

	// Load configuration
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Set log level and format
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Log.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	cfg.LogSummary()

	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, closeStore := openStore(ctx, cfg, migrate)
	defer closeStore()

	var opts api.Options

	// Optional: Redis for the tenant cache and the shared rate limit
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()

		if err := client.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis unreachable, tenant cache disabled")
		} else {
			log.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis")
			opts.TenantCache = tenant.NewRedisCache(client, cfg.Redis.TenantTTL)

			if cfg.Security.RateLimitRedis {
				opts.LimiterStore, err = sredis.NewStoreWithOptions(client, limiter.StoreOptions{
					Prefix:   "bunker:ratelimit",
					MaxRetry: 3,
				})
				if err != nil {
					log.Fatal().Err(err).Msg("Failed to create rate limit store")
				}
			}
		}
	}

	// Optional: NATS for subscription notifications and cleanup requests
	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		log.Info().Str("url", cfg.NATS.URL).Msg("Connecting to NATS...")
		nc, err = events.Connect(cfg.NATS)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to connect to NATS, continuing without notifications")
			nc = nil
		} else {
			publisher := events.NewNATSPublisher(nc, cfg.NATS.SubjectPrefix)
			defer publisher.Close()
			opts.Publisher = publisher
			log.Info().Msg("Connected to NATS")
		}
	} else {
		log.Info().Msg("NATS not configured, subscription notifications disabled")
	}

	if cfg.Stripe.SecretKey != "" {
		opts.Provider = billing.NewStripeProvider(cfg.Stripe.SecretKey, cfg.Stripe.WebhookSecret)
	} else {
		log.Warn().Msg("STRIPE_SECRET_KEY not set, billing endpoints are disabled")
	}

	apiServer, err := api.NewRESTServer(cfg, store, opts)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create API server")
	}

	// WaitGroup for services
	var wg sync.WaitGroup

	// Start API server
	wg.Add(1)
	go func() {
		defer wg.Done()
		addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
		if err := apiServer.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("REST API server failed")
		}
	}()

	// Optional: background session cleanup
	if cfg.Session.CleanupInterval > 0 || nc != nil {
		worker := server.NewCleanupWorker(
			auth.NewSessionManager(store, cfg.Session),
			store,
			nc,
			cfg.Session.CleanupInterval,
			24*time.Hour,
		)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := worker.Start(ctx); err != nil && err != context.Canceled {
				log.Error().Err(err).Msg("Session cleanup worker stopped")
			}
		}()
	}

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")

	// Cancel context
	cancel()

	// Shutdown API server
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown API server gracefully")
	}

	// Wait for all services
	wg.Wait()

	log.Info().Msg("Bunker server stopped")
}

// openStore connects to Postgres. Outside production a missing DSN falls back
// to an in-memory store.
func openStore(ctx context.Context, cfg *config.Config, migrate bool) (storage.Store, func()) {
	if cfg.Database.DSN == "" {
		if cfg.IsProduction() {
			log.Fatal().Msg("DATABASE_URL is required in production")
		}
		log.Warn().Msg("DATABASE_URL not set, using in-memory store")
		return storage.NewMemoryStore(), func() {}
	}

	store, err := storage.NewPostgresStore(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	log.Info().Msg("Connected to database")

	if migrate {
		if err := store.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to apply schema")
		}
		log.Info().Msg("Database schema applied")
	}

	return store, func() { store.Close() }
}
