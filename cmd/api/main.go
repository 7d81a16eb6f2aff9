package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/knowledge-engine/backend/internal/api/handlers"
	"github.com/knowledge-engine/backend/internal/bootstrap"
	"github.com/knowledge-engine/backend/internal/metrics"
	"github.com/knowledge-engine/backend/internal/middleware/ratelimit"
	"github.com/knowledge-engine/backend/internal/middleware/security"
	"github.com/knowledge-engine/backend/internal/middleware/validation"
	"github.com/knowledge-engine/backend/pkg/config"
	appLogger "github.com/knowledge-engine/backend/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	dev := flag.Bool("dev", false, "development mode (no HSTS, permissive CORS)")
	flag.Parse()

	cfg, err := config.LoadFrom(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting Knowledge Engine API Server")

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	engine, err := bootstrap.New(startCtx, cfg)
	cancel()
	if err != nil {
		appLogger.Fatal("Failed to initialize engine", zap.Error(err))
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.Server.MaxRequestsPerMinute,
		Logger:               appLogger.Named("ratelimit"),
	})
	defer limiter.Stop()

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(security.HeadersMiddleware(security.HeadersConfig{IsDevelopment: *dev}))
	if *dev {
		app.Use(cors.New(cors.Config{
			AllowOrigins: "*",
			AllowHeaders: "Origin, Content-Type, Accept, X-User-ID",
			AllowMethods: "GET, POST, OPTIONS",
		}))
	}

	app.Get("/metrics", metrics.MetricsHandler())

	validationCfg := validation.Config{Logger: appLogger.Named("validation")}
	binder := validation.NewBinder(validationCfg)

	pingers := map[string]handlers.Pinger{"sqlite": engine.Store}
	if engine.Cache != nil {
		pingers["redis"] = engine.Cache
	}

	api := app.Group("/api/v1", validation.Middleware(validationCfg), limiter.Middleware())
	handlers.Register(api, handlers.Routes{
		Feedback:  handlers.NewFeedbackHandler(engine.Ledger, engine.Analyzer, binder),
		Search:    handlers.NewSearchHandler(engine.Index, engine.Composer, binder, cfg.Engine.DefaultTopK),
		Knowledge: handlers.NewKnowledgeHandler(engine.Synthesizer, engine.Ingestor, engine.Decay, binder),
		Health:    handlers.NewHealthHandler(pingers),
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
		appLogger.Error("Server shutdown failed", zap.Error(err))
	}
	if err := engine.Close(); err != nil {
		appLogger.Error("Failed to release engine resources", zap.Error(err))
	}
	appLogger.Info("Server stopped")
}
