package handlers

import (
	"net/http"
	"time"

	"github.com/nirmalramchandani/barcode/logger"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// CORSMiddleware allows the configured origins with any method and header, credentials included.
// Preflight requests from those origins are answered with 204 and echo the requested headers back,
// since browsers do not honour a "*" Allow-Headers on credentialed requests.
func CORSMiddleware(cfg CORSConfig) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		allowed[origin] = struct{}{}
	}

	// AllowHeaders stays empty so the preflight handler leaves Access-Control-Allow-Headers to us.
	handler := cors.New(cors.Config{
		AllowOrigins: cfg.AllowedOrigins,
		AllowMethods: []string{
			http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
			http.MethodPatch, http.MethodDelete, http.MethodOptions,
		},
		ExposeHeaders:    []string{logger.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})

	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			if _, ok := allowed[c.GetHeader("Origin")]; ok {
				if requested := c.GetHeader("Access-Control-Request-Headers"); requested != "" {
					c.Header("Access-Control-Allow-Headers", requested)
				}
			}
		}
		handler(c)
	}
}
