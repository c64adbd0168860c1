package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"escrowflow/auth"
	"escrowflow/catalog"
	"escrowflow/db"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/outbox"
)

type config struct {
	databaseURL    string
	jwtSecret      string
	port           string
	sweepInterval  time.Duration
	outboxInterval time.Duration
}

func loadConfig() (config, error) {
	// A missing .env is fine, real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := config{
		databaseURL:    os.Getenv("DATABASE_URL"),
		jwtSecret:      os.Getenv("JWT_SECRET"),
		port:           envOr("PORT", "8080"),
		sweepInterval:  time.Hour,
		outboxInterval: 5 * time.Second,
	}
	if cfg.databaseURL == "" {
		return cfg, errors.New("DATABASE_URL is required")
	}
	if cfg.jwtSecret == "" {
		return cfg, errors.New("JWT_SECRET is required")
	}

	var err error
	if cfg.sweepInterval, err = durationOr("SWEEP_INTERVAL", cfg.sweepInterval); err != nil {
		return cfg, err
	}
	if cfg.outboxInterval, err = durationOr("OUTBOX_INTERVAL", cfg.outboxInterval); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationOr(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errors.New(key + " must be a duration like 30m or 5s")
	}
	return d, nil
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.databaseURL)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	escrowRepo := escrow.NewRepository(pool)
	escrowService := escrow.NewService(pool, escrowRepo)
	disputeRepo := dispute.NewRepository(pool)
	disputeService := dispute.NewService(pool, disputeRepo, escrowRepo)
	authService := auth.NewService(auth.NewRepository(pool), cfg.jwtSecret)
	productService := catalog.NewService(catalog.NewRepository(pool))

	sweeper := escrow.NewSweeper(pool, escrowRepo)
	worker := outbox.NewWorker(pool, outbox.LogPublisher{})

	api := NewAPI(escrowService, disputeService, authService, productService)
	server := &http.Server{
		Addr:              ":" + cfg.port,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("api listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return sweeper.Run(gctx, cfg.sweepInterval)
	})

	g.Go(func() error {
		return worker.Run(gctx, cfg.outboxInterval)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("shutdown: %v", err)
	}
	log.Println("shutdown complete")
}
