package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/cppla/ecoreceipt/config"
	"github.com/cppla/ecoreceipt/routes"
	"github.com/cppla/ecoreceipt/services/emissions"
	"github.com/cppla/ecoreceipt/services/gamification"
	"github.com/cppla/ecoreceipt/services/normalizer"
	"github.com/cppla/ecoreceipt/services/ocr"
	"github.com/cppla/ecoreceipt/services/pipeline"
	"github.com/cppla/ecoreceipt/services/store"
	"github.com/cppla/ecoreceipt/utils"
)

func main() {
	cfg := config.Load()

	// Initialize logger early
	if err := utils.InitLogger(cfg); err != nil {
		panic(err)
	}
	defer func() { _ = utils.Logger.Sync() }()
	logger := utils.Logger

	db := config.InitDatabase()
	bootCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := gamification.SeedBadges(bootCtx, db); err != nil {
		logger.Fatal("seed badges", zap.Error(err))
	}

	loc, err := time.LoadLocation(cfg.StreakTimezone)
	if err != nil {
		logger.Fatal("invalid streak timezone", zap.String("tz", cfg.StreakTimezone), zap.Error(err))
	}

	storeOpts := []store.Option{store.WithLocation(loc)}
	if rc := utils.GetRedis(); rc != nil {
		storeOpts = append(storeOpts, store.WithCache(utils.NewRedisCache(rc)))
	}
	st := store.New(db, storeOpts...)

	calc, err := emissions.New(bootCtx, emissions.Options{
		Strategy:     cfg.EmissionsStrategy,
		GeminiAPIKey: cfg.GeminiAPIKey,
		GeminiModel:  cfg.GeminiModel,
		Logger:       logger,
	})
	if err != nil {
		logger.Fatal("emissions calculator", zap.Error(err))
	}

	schema := normalizer.DefaultSchema()
	schema.MaxDropRate = cfg.MaxDropRate
	schema.Location = loc

	engine := gamification.NewEngine(db, gamification.Config{
		XPPerUpload:        cfg.XPPerUpload,
		GreenItemKg:        cfg.GreenItemKg,
		LowEmissionsWeekKg: cfg.LowEmissionsWeekKg,
		Location:           loc,
	}, logger)

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	if cfg.ReconcileIntervalSec > 0 {
		engine.StartSweeper(sweepCtx,
			time.Duration(cfg.ReconcileIntervalSec)*time.Second,
			time.Duration(cfg.ReconcileMinAgeSec)*time.Second)
	}

	maxImage := int64(cfg.MaxUploadMB) << 20
	orchestrator := pipeline.New(
		ocr.NewClient(cfg.OCRBaseURL, time.Duration(cfg.OCRTimeoutSec)*time.Second, cfg.OCRMaxRetries, logger),
		normalizer.New(schema),
		calc,
		st,
		engine,
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(pipeline.NewMetrics(prometheus.DefaultRegisterer)),
		pipeline.WithFetcher(pipeline.NewHTTPFetcher(15*time.Second, maxImage)),
		pipeline.WithMaxImageBytes(maxImage),
	)

	r := routes.SetupRouter(routes.Dependencies{
		DB:         db,
		Store:      st,
		Engine:     engine,
		Pipeline:   orchestrator,
		Registerer: prometheus.DefaultRegisterer,
		Gatherer:   prometheus.DefaultGatherer,
	})

	closeDB := func(context.Context) {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	closeCalc := func(context.Context) { _ = emissions.Close(calc) }

	logger.Info("starting server", zap.String("port", cfg.AppPort), zap.String("emissions", cfg.EmissionsStrategy))
	stop := func(context.Context) { stopSweeper() }
	if err := utils.GraceServer(":"+cfg.AppPort, r, stop, closeCalc, closeDB); err != nil {
		logger.Fatal("server stopped with error", zap.Error(err))
	}
}
