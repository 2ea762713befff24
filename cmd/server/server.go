package main

import (
	"net/http"

	"github.com/damacus/drive-index/internal/config"
	"github.com/damacus/drive-index/internal/handlers"
	"github.com/damacus/drive-index/internal/logging"
	"github.com/damacus/drive-index/internal/metrics"
	customMiddleware "github.com/damacus/drive-index/internal/middleware"
	"github.com/damacus/drive-index/internal/services"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

func newServer(cfg *config.Config, store services.ObjectStore, rootID string, logger *zap.Logger) (*echo.Echo, error) {
	logger = logging.Or(logger)

	// Services
	crypto, err := services.NewCryptoService(cfg.SecretKey, logger)
	if err != nil {
		return nil, err
	}
	cache := services.NewCache(cfg.CacheTTL)
	cache.Observe(metrics.RecordCacheHit, metrics.RecordCacheMiss)

	indexHandler := handlers.NewIndexHandler(handlers.IndexServices{
		Paths:      services.NewPathService(store, cache, rootID, cfg.ResolveConcurrency, logger),
		Protection: services.NewProtectionService(store, cache, cfg.PasswordName, cfg.ResolveConcurrency, logger),
		Lister: services.NewListService(store, crypto, services.ListConfig{
			PasswordName:   cfg.PasswordName,
			ReadmeName:     cfg.ReadmeName,
			BannerName:     cfg.BannerName,
			HiddenPrefixes: cfg.HiddenPrefixes,
		}),
		Tokens: services.NewTokenService(crypto, cfg.TokenTTL),
		Streams: services.NewStreamService(store, services.StreamConfig{
			ChunkSize:    cfg.StreamChunkSize,
			HardCap:      cfg.StreamMaxSize,
			ChunkTimeout: cfg.StreamChunkTimeout,
		}, logger),
		Crypto: crypto,
	}, cfg.DownloadSizeLimit, logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = handlers.ErrorHandler(logger)

	// Middleware
	e.Use(middleware.RequestID())
	e.Use(logging.RequestLogger(logger))
	e.Use(middleware.Recover())
	e.Use(metrics.Middleware(handlers.StatusOf))
	e.Use(customMiddleware.SecurityHeaders())
	e.Use(customMiddleware.CSRF())
	e.Use(customMiddleware.Credentials(crypto))

	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	api := e.Group("/api")
	api.GET("/csrf", indexHandler.CSRFToken)
	api.GET("/resolve", indexHandler.Resolve)
	api.GET("/list", indexHandler.List)
	api.POST("/unlock", indexHandler.Unlock)
	api.DELETE("/unlock", indexHandler.Lock)
	api.POST("/token", indexHandler.IssueToken)

	// Downloads
	api.GET("/download/:ref", indexHandler.Download)
	api.HEAD("/download/:ref", indexHandler.Download)
	api.GET("/stream/:ref", indexHandler.Stream)
	api.HEAD("/stream/:ref", indexHandler.Stream)

	return e, nil
}
