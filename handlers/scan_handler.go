package handlers

import (
	"context"

	"github.com/nirmalramchandani/barcode/logger"
	"github.com/nirmalramchandani/barcode/services"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ProductLookup resolves a barcode against the upstream product database.
type ProductLookup interface {
	Lookup(ctx context.Context, barcode string) services.LookupOutcome
}

// ScanHandler serves GET /scan/:barcode.
type ScanHandler struct {
	products ProductLookup
	log      *zap.Logger
}

func NewScanHandler(products ProductLookup, log *zap.Logger) *ScanHandler {
	return &ScanHandler{products: products, log: log}
}

// Scan relays the barcode from the path to the upstream and returns the projected result.
func (h *ScanHandler) Scan(c *gin.Context) {
	barcode := c.Param("barcode")

	outcome := h.products.Lookup(c.Request.Context(), barcode)
	logOutcome(logger.FromContext(c, h.log), barcode, outcome)

	status, body := outcome.Result()
	c.JSON(status, body)
}

func logOutcome(log *zap.Logger, barcode string, outcome services.LookupOutcome) {
	if outcome.Err != nil {
		log.Warn("product lookup failed",
			zap.String("barcode", barcode),
			zap.Stringer("outcome", outcome.Kind),
			zap.Error(outcome.Err),
		)
		return
	}
	log.Debug("product lookup",
		zap.String("barcode", barcode),
		zap.Stringer("outcome", outcome.Kind),
	)
}
