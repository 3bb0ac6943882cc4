package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"

	"pieceflow-backend/internal/config"
	"pieceflow-backend/internal/database"
	"pieceflow-backend/internal/ledger"
	"pieceflow-backend/internal/logger"
	"pieceflow-backend/internal/notify"
	"pieceflow-backend/internal/observability"
	"pieceflow-backend/internal/production"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "[FATAL]", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Fprintln(os.Stderr, "[FATAL] logger:", err)
		os.Exit(1)
	}
	defer log.Sync()
	for _, w := range cfg.Warnings {
		log.Warn(w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing := observability.InitOTel(ctx, log, observability.OtelConfig{
		Enabled:      cfg.OtelEnabled,
		ServiceName:  "pieceflow-backend",
		Environment:  cfg.OtelEnvironment,
		OTLPEndpoint: cfg.OtelEndpoint,
		SampleRatio:  cfg.OtelSampleRatio,
	})

	db, err := database.Open(cfg, log)
	if err != nil {
		log.Fatal("database init failed", "error", err)
	}

	var events notify.Publisher = notify.Nop{}
	if cfg.RedisAddr != "" {
		pub, err := notify.NewRedisPublisher(log, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisChannel)
		if err != nil {
			log.Warn("redis unavailable, events disabled", "error", err)
		} else {
			events = pub
		}
	}
	defer events.Close()

	svc := production.NewService(db, log, ledger.Config{
		MaxRetries:   cfg.LedgerMaxRetries,
		RetryBackoff: cfg.LedgerRetryBackoff,
	}, events)

	if cfg.SeedFile != "" {
		if err := svc.RefData.LoadSeedFile(ctx, cfg.SeedFile); err != nil {
			log.Fatal("seed failed", "file", cfg.SeedFile, "error", err)
		}
	}

	app := fiber.New(fiber.Config{
		ErrorHandler: production.ErrorHandler(log),
	})

	// CORS origins'i virgülle ayrılmış string'den array'e çevir
	corsOrigins := strings.Split(cfg.CORSOrigins, ",")
	for i := range corsOrigins {
		corsOrigins[i] = strings.TrimSpace(corsOrigins[i])
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(corsOrigins, ","),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, Idempotency-Key",
		AllowMethods: "GET,POST,OPTIONS",
	}))
	app.Use(production.RequestLogger(log))

	production.Register(app, svc, cfg.JWTSecret)

	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		_ = app.ShutdownWithTimeout(10 * time.Second)
	}()

	log.Info("Server çalışıyor", "port", cfg.HTTPPort)
	if err := app.Listen(":" + cfg.HTTPPort); err != nil {
		log.Error("server stopped", "error", err)
	}

	tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTracing(tctx); err != nil {
		log.Warn("otel shutdown failed", "error", err)
	}
}
