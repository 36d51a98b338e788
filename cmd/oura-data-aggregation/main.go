package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	// Timezone names must resolve in minimal containers.
	_ "time/tzdata"

	httpapi "github.com/i474232898/oura-data-aggregation/internal/api/http"
	"github.com/i474232898/oura-data-aggregation/internal/config"
	"github.com/i474232898/oura-data-aggregation/internal/logger"
	"github.com/i474232898/oura-data-aggregation/internal/metrics"
	"github.com/i474232898/oura-data-aggregation/internal/oura"
	"github.com/i474232898/oura-data-aggregation/internal/oura/client"
	"github.com/i474232898/oura-data-aggregation/internal/scheduler"
	"github.com/i474232898/oura-data-aggregation/internal/statistics"
	"github.com/i474232898/oura-data-aggregation/internal/store"
)

const appName = "oura-data-aggregation"

func main() {
	log := logger.New(os.Stdout).Named("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log); err != nil {
		log.Error(ctx, "service exited", logger.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, log logger.Logger) error {
	cfg, err := config.Load(ctx, log)
	if err != nil {
		return err
	}
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mgr := metrics.NewManager(metrics.WithRegistry(reg))

	// Outbound client authorized with a static token or refreshing OAuth2.
	auth := client.Auth{
		AccessToken:  cfg.AccessToken,
		ClientID:     cfg.OAuthClientID,
		ClientSecret: cfg.OAuthClientSecret,
		RefreshToken: cfg.OAuthRefreshToken,
		TokenURL:     cfg.OAuthTokenURL,
	}
	ts, err := auth.TokenSource(ctx)
	if err != nil {
		return err
	}
	api := client.New(client.NewHTTPClient(ts, cfg.HTTPTimeout),
		client.WithBaseURL(cfg.BaseURL),
		client.WithRateLimit(cfg.RateLimitPerMinute),
		client.WithFailureHook(mgr.EndpointFailed),
		client.WithLogger(log.Named("client")),
	)

	memStore := store.NewMemoryStore(cfg.StoreMaxHistory, cfg.StoreMaxAge)

	stats, err := statistics.Open(ctx, cfg.DBPath, log.Named("statistics"))
	if err != nil {
		return err
	}
	defer stats.Close()

	aggregator := oura.NewAggregator(stats, log.Named("aggregator"),
		oura.WithStatisticID(func(key string) string { return cfg.StatisticIDPrefix + key }),
		oura.WithImportObserver(mgr.PointsImported),
	)

	service := oura.NewService(api, memStore, aggregator, stats,
		oura.WithObserver(mgr),
		oura.WithLogger(log.Named("service")),
	)

	sched := scheduler.New(scheduler.Config{
		Interval:         cfg.PollInterval(),
		Location:         loc,
		HistoricalImport: cfg.HistoricalImport,
		HistoricalDays:   cfg.HistoricalDays(),
		PollTimeout:      2 * cfg.HTTPTimeout,
	}, service, log.Named("scheduler"))
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	app := fiber.New(fiber.Config{
		AppName:               appName,
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error":   true,
				"message": err.Error(),
			})
		},
	})

	app.Use(fiberlogger.New())
	app.Use(recover.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": appName,
		})
	})

	httpapi.RegisterRoutes(app, httpapi.Deps{
		Service:           service,
		Statistics:        stats,
		Cache:             cache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		StatisticIDPrefix: cfg.StatisticIDPrefix,
		Metrics:           mgr.Handler(),
	})

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Warn(ctx, "fiber server stopped", logger.Error(err))
		}
	}()
	log.Info(ctx, "listening", logger.String("port", cfg.Port))

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Warn(shutdownCtx, "error during shutdown", logger.Error(err))
	}
	return nil
}
