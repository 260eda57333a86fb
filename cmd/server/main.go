/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the camp enrollment server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (if present) and ENROLL_* configuration
  2. Apply command-line flag overrides
  3. Initialize SQLite store and pricing
  4. Start audit dispatcher (log + SQLite + optional AMQP)
  5. Create engine, handler, expiry scheduler
  6. Configure HTTP router and serve

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides ENROLL_PORT)
  -db      SQLite database path (overrides ENROLL_DB_PATH)
  -env     Path of a .env file to load (default: .env)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the expiry scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Drain the audit dispatcher
  5. Close database connection

EXAMPLES:
  # Local development with demo scenarios and dev tokens
  ENROLL_DEV_MODE=true ./server -db=":memory:"

  # Production-like
  ENROLL_JWT_SECRET=... ENROLL_REDIS_ADDR=localhost:6379 ./server

SEE ALSO:
  - config/config.go: Every ENROLL_* key
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/warp/enrollment-engine/api"
	"github.com/warp/enrollment-engine/audit"
	"github.com/warp/enrollment-engine/config"
	"github.com/warp/enrollment-engine/enrollment"
	"github.com/warp/enrollment-engine/factory"
	"github.com/warp/enrollment-engine/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func run() error {
	// Flags
	port := flag.Int("port", 0, "HTTP server port (overrides ENROLL_PORT)")
	dbPath := flag.String("db", "", "SQLite database path (overrides ENROLL_DB_PATH)")
	envFile := flag.String("env", ".env", "Path of a .env file to load")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", *envFile, err)
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	// Initialize store
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	pricing, err := factory.NewPricingFactory().LoadFile(cfg.PricingFile)
	if err != nil {
		return err
	}

	// Audit trail
	sinks := []audit.Sink{audit.LogSink{}, store}
	if cfg.AMQPURL != "" {
		amqpSink := audit.NewAMQPSink(cfg.AMQPURL, audit.DefaultQueue)
		defer amqpSink.Close()
		sinks = append(sinks, amqpSink)
		log.Printf("[Audit] Publishing events to AMQP")
	}
	dispatcher := audit.NewDispatcher(cfg.AuditBuffer, sinks...)
	dispatcher.Start()

	engine := enrollment.NewEngine(store,
		enrollment.WithConfig(cfg.Engine()),
		enrollment.WithPricing(pricing),
		enrollment.WithRecorder(dispatcher),
	)

	// Coupon claim limiter
	var limiterClient redis.Scripter
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			log.Printf("[RateLimit] Redis at %s not reachable yet, limiter fails open: %v", cfg.RedisAddr, err)
		}
		cancel()
		limiterClient = rdb
	}

	secret := cfg.JWTSecret
	if secret == "" {
		secret = "dev-only-secret"
		log.Println("WARNING: ENROLL_JWT_SECRET not set, using an insecure dev secret")
	}
	auth := api.NewAuthenticator(secret)

	scheduler := api.NewExpiryScheduler(engine, cfg.SweepInterval)

	handler := api.NewHandler(engine)
	handler.Auth = auth
	handler.Activity = store
	handler.Scheduler = scheduler
	if cfg.DevMode {
		handler.Resetter = store
	}

	router := api.NewRouter(handler, api.RouterOptions{
		Auth:           auth,
		ClaimLimiter:   api.NewClaimLimiter(limiterClient, cfg.ClaimRate.Capacity, cfg.ClaimRate.Refill),
		AllowedOrigins: cfg.CORSOrigins,
		DevMode:        cfg.DevMode,
		Health:         store,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scheduler.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("Server starting on http://localhost:%d", cfg.Port)
		if cfg.DevMode {
			log.Printf("Dev mode: tokens at POST /api/dev/token, scenarios at /api/dev/scenarios")
		}
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Println("Shutting down server...")
		scheduler.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		if err := dispatcher.Close(shutdownCtx); err != nil {
			log.Printf("[Audit] Drain incomplete: %v", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Println("Server stopped")
	return nil
}
