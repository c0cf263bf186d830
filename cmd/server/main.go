package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"paper-tape/internal/bot"
	"paper-tape/internal/cache"
	"paper-tape/internal/config"
	"paper-tape/internal/db"
	"paper-tape/internal/engine"
	"paper-tape/internal/gate"
	"paper-tape/internal/handler"
	"paper-tape/internal/job"
	"paper-tape/internal/lock"
	"paper-tape/internal/mcpserver"
	"paper-tape/internal/metrics"
	mloverlay "paper-tape/internal/ml/overlay"
	mlregistry "paper-tape/internal/ml/registry"
	"paper-tape/internal/outcomes"
	"paper-tape/internal/predictions"
	"paper-tape/internal/prices"
	"paper-tape/internal/provider"
	"paper-tape/internal/quality"
	"paper-tape/internal/scores"
	"paper-tape/internal/service"
	"paper-tape/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	_ "paper-tape/docs"
)

var (
	loadEnvFunc      = godotenv.Load
	loadConfigFunc   = config.Load
	initPostgresFunc = db.InitPostgres
	initRedisFunc    = cache.InitRedis
	initTracerFunc   = tracing.InitTracer

	startTelegramBotFunc = bot.StartTelegramBot
	startScorerJobFunc   = func(j *job.ScorerJob, ctx context.Context) { go j.Start(ctx) }
	newRouterFunc        = gin.Default

	setupSignalNotify      = signal.Notify
	waitForSignalFunc      = func(quit <-chan os.Signal) { <-quit }
	startHTTPServerFunc    = func(srv *http.Server) error { return srv.ListenAndServe() }
	shutdownHTTPServerFunc = func(srv *http.Server, ctx context.Context) error { return srv.Shutdown(ctx) }
)

// @title           Paper Tape API
// @version         1.0
// @description     Equities trading-signal engine: weighted component scoring, risk-vetoed decisions and horizon outcome evaluation.

// @host      localhost:8080
// @BasePath  /

// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key
func main() {
	loadEnvFunc()

	cfg := loadConfigFunc()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	initPostgresFunc(ctx, cfg.DatabaseURL)
	initRedisFunc(ctx, cfg.RedisURL)

	tp, tracer, err := initTracerFunc(ctx)
	if err != nil {
		log.Fatalf("failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("error shutting down tracer provider: %v", err)
		}
	}()

	// Repositories.
	predictionRepo := predictions.NewRepository(db.Pool, tracer)
	outcomeRepo := outcomes.NewRepository(db.Pool, tracer)
	barRepo := prices.NewRepository(db.Pool, tracer)
	scoreRepo := scores.NewRepository(db.Pool, tracer)
	registryRepo := mlregistry.NewRepository(db.Pool, tracer)
	runRepo := engine.NewRunRepository(db.Pool, tracer)

	// Market data and price resolution.
	marketData := provider.NewClient(provider.Options{
		APIKey:     cfg.MarketDataAPIKey,
		BaseURL:    cfg.MarketDataBaseURL,
		RatePerMin: cfg.MarketDataRatePerMin,
	}, tracer)
	resolver := prices.NewResolver(tracer, barRepo, marketData, cache.Client, prices.ResolverConfig{
		FreshWindow: time.Duration(cfg.PriceFreshSecs) * time.Second,
	})
	refresher := prices.NewRefresher(tracer, marketData, barRepo)

	// Component scoring.
	overlay := mloverlay.NewService(tracer, registryRepo, barRepo, mloverlay.Config{
		LongThreshold:  cfg.MLLongThreshold,
		ShortThreshold: cfg.MLShortThreshold,
	})
	scorer := scores.NewScorer(nil, 0)
	if llm := scores.NewOpenAIScorer(cfg.OpenAIAPIKey, cfg.OpenAIModel); llm != nil {
		scorer = scores.NewScorer(llm, 0)
	}
	assembler := scores.NewAssembler(tracer, scoreRepo, barRepo, overlay, scores.AssemblerConfig{})
	screen := quality.NewScreen(tracer, quality.Config{})

	// Decision and outcome machinery.
	locker := lock.New(cache.Client, tracer, time.Duration(cfg.LockTTLSecs)*time.Second)
	committer := gate.NewGate(predictionRepo, outcomeRepo, tracer, gate.Config{
		AllowSupersede: cfg.SupersedeActive,
	})
	evaluator := outcomes.NewEvaluator(tracer, predictionRepo, resolver, outcomes.EvaluatorConfig{
		Tolerance: time.Duration(cfg.BarToleranceSecs) * time.Second,
	})

	eng := engine.New(tracer, engine.Deps{
		Locker:    locker,
		Assembler: assembler,
		Snapshots: scoreRepo,
		Bars:      barRepo,
		Prices:    resolver,
		Prewarm:   refresher,
		Screen:    screen,
		Committer: committer,
		Evaluator: evaluator,
		Runs:      runRepo,
	}, engine.Config{
		Watchlist:           cfg.Watchlist,
		IndexSymbol:         cfg.IndexSymbol,
		Workers:             cfg.DecisionWorkers,
		MinActionConfidence: cfg.MinActionConfidence,
		WeightsFile:         cfg.WeightsFile,
		ScreenSize:          cfg.AnomalyScreenSize,
	})

	// Background work: cron batches plus the sentiment scoring sweep.
	batchMetrics := metrics.New()
	scheduler := job.NewScheduler(eng, batchMetrics, tracer, job.Config{
		DecisionSchedule: cfg.DecisionCron,
		OutcomeSchedule:  cfg.OutcomeCron,
	})
	if err := scheduler.Start(); err != nil {
		log.Fatalf("failed to start scheduler: %v", err)
	}
	defer scheduler.Stop()

	scorerJob := job.NewScorerJob(tracer, scoreRepo, scorer, cfg.ScorerIntervalSecs, 0)
	startScorerJobFunc(scorerJob, ctx)

	// Read-only surfaces.
	query := service.NewQueryService(tracer, predictionRepo, outcomeRepo)

	os.Setenv("TELEGRAM_BOT_TOKEN", cfg.TelegramBotToken)
	startTelegramBotFunc(query)

	mcpSrv := mcpserver.New(tracer, query, mcpserver.Config{
		Transport:       cfg.MCPTransport,
		HTTPEnabled:     cfg.MCPHTTPEnabled,
		HTTPBind:        cfg.MCPHTTPBind,
		HTTPPort:        cfg.MCPHTTPPort,
		AuthToken:       cfg.MCPAuthToken,
		RequestTimeout:  time.Duration(cfg.MCPRequestTimeoutSecs) * time.Second,
		RateLimitPerMin: cfg.MCPRateLimitPerMin,
	})
	if cfg.MCPHTTPEnabled {
		if err := mcpSrv.Start(ctx); err != nil {
			log.Printf("MCP server not started: %v", err)
		}
	}

	h := handler.New(tracer, query, eng, runRepo, batchMetrics.Handler())

	r := newRouterFunc()
	r.Use(otelgin.Middleware("paper-tape"))

	h.RegisterRoutes(r, cfg.APIKey)
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: r,
	}

	go func() {
		if err := startHTTPServerFunc(srv); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	setupSignalNotify(quit, syscall.SIGINT, syscall.SIGTERM)
	waitForSignalFunc(quit)
	log.Println("Shutting down server...")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := shutdownHTTPServerFunc(srv, shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server exiting")
}
