package main

import (
	"github.com/nirmalramchandani/barcode/handlers"
	"github.com/nirmalramchandani/barcode/logger"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

// newRouter builds the gin engine with recovery, request logging, tracing and CORS.
func newRouter(cfg *handlers.AppConfig, products handlers.ProductLookup, log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	r.Use(otelgin.Middleware(cfg.Tracing.ServiceName))
	r.Use(handlers.CORSMiddleware(cfg.CORS))

	registerAPIs(r, cfg, products, log)
	return r
}

// registerAPIs registers HTTP handlers on the provided gin Engine.
func registerAPIs(r *gin.Engine, cfg *handlers.AppConfig, products handlers.ProductLookup, log *zap.Logger) {
	// Health check endpoint
	health := handlers.NewHealthHandler(cfg.App)
	r.GET("/", health.Status)
	r.GET("/health", health.Status)

	scan := handlers.NewScanHandler(products, log)
	r.GET("/scan/:barcode", scan.Scan)

	// live scanning clients keep one socket open instead of polling /scan
	stream := handlers.NewScanStreamHandler(products, cfg.CORS.AllowedOrigins, cfg.Stream, log)
	r.GET("/ws/scan", stream.Stream)
}
