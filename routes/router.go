package routes

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/cppla/ecoreceipt/config"
	"github.com/cppla/ecoreceipt/controllers"
	"github.com/cppla/ecoreceipt/middleware"
	"github.com/cppla/ecoreceipt/services/gamification"
	"github.com/cppla/ecoreceipt/services/pipeline"
	"github.com/cppla/ecoreceipt/services/store"
	"github.com/cppla/ecoreceipt/utils"
)

// Dependencies are the services the HTTP layer is built on.
type Dependencies struct {
	DB       *gorm.DB
	Store    *store.Store
	Engine   *gamification.Engine
	Pipeline *pipeline.Orchestrator
	// Registerer receives the HTTP metrics; Gatherer is served on /metrics.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// SetupRouter wires routes, middlewares, and controllers.
func SetupRouter(deps Dependencies) *gin.Engine {
	cfg := config.Get()
	switch strings.ToLower(cfg.GinMode) {
	case "debug":
		gin.SetMode(gin.DebugMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(middleware.RequestID())
	gl, err := utils.NewRollingFileLogger(cfg.GinPath, cfg.LogLevel, cfg.LogMaxSizeMB, cfg.LogMaxBackups, cfg.LogMaxAgeDays, cfg.LogCompress)
	if err == nil {
		r.Use(utils.Ginzap(gl, time.RFC3339, true))
		r.Use(utils.RecoveryWithZap(gl, false))
	} else {
		utils.Sugar.Warnf("access log disabled: %v", err)
		r.Use(utils.RecoveryWithZap(utils.Logger, false))
	}
	if deps.Registerer != nil {
		r.Use(middleware.Metrics(middleware.NewHTTPMetrics(deps.Registerer)))
	}

	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
		ExposeHeaders:    []string{"Content-Length", middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*" {
		corsCfg.AllowAllOrigins = true
		corsCfg.AllowCredentials = false
	} else {
		corsCfg.AllowOrigins = cfg.AllowedOrigins
	}
	r.Use(cors.New(corsCfg))

	r.GET("/health", func(ctx *gin.Context) {
		if deps.DB != nil {
			if sqlDB, err := deps.DB.DB(); err != nil || sqlDB.PingContext(ctx.Request.Context()) != nil {
				utils.Error(ctx, http.StatusServiceUnavailable, 50301, "database unreachable")
				return
			}
		}
		utils.Success(ctx, gin.H{"status": "ok"})
	})
	if deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	maxUpload := int64(cfg.MaxUploadMB) << 20
	authController := controllers.NewAuthController(deps.Store)
	receiptController := controllers.NewReceiptController(deps.Pipeline, deps.Store, deps.Engine, maxUpload)
	dashboardController := controllers.NewDashboardController(deps.Store)
	gamificationController := controllers.NewGamificationController(deps.Engine)

	api := r.Group("/api/v1")
	api.Use(middleware.AuthRequired(deps.Store), middleware.RateLimit(cfg.RateLimitPerMinute))

	api.GET("/auth/me", authController.Me)
	api.POST("/auth/logout", authController.Logout)

	receipts := api.Group("/receipts")
	// base64 JSON bodies are about a third larger than the image
	receipts.POST("/process", middleware.BodyLimit(maxUpload*4/3+(1<<20)), receiptController.Process)
	receipts.GET("", receiptController.List)
	receipts.GET("/:id", receiptController.Get)
	receipts.DELETE("/:id", receiptController.Delete)

	dashboard := api.Group("/dashboard")
	dashboard.GET("/summary", dashboardController.Summary)
	dashboard.GET("/categories", dashboardController.Categories)
	dashboard.GET("/monthly", dashboardController.Monthly)

	game := api.Group("/gamification")
	game.GET("/profile", gamificationController.Profile)
	game.GET("/achievements", gamificationController.Achievements)
	game.POST("/reconcile", gamificationController.Reconcile)

	r.NoRoute(func(ctx *gin.Context) {
		utils.Error(ctx, http.StatusNotFound, 40400, "route not found")
	})

	return r
}
