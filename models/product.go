package models

import "encoding/json"

// Scan status values returned to callers.
const (
	StatusSuccess       = "success"
	StatusError         = "error"
	StatusUpstreamError = "upstream_error"
)

// ProductNotFoundMessage is the fixed message for barcodes the upstream does not know.
const ProductNotFoundMessage = "Product not found"

// ScanResult is the projection of an upstream product returned for a known barcode.
// Projected fields carry the upstream JSON value untouched; a nil field encodes as null.
type ScanResult struct {
	Status      string          `json:"status"`
	Barcode     string          `json:"barcode"`
	Name        json.RawMessage `json:"name"`
	Brand       json.RawMessage `json:"brand"`
	Ingredients json.RawMessage `json:"ingredients"`
	Nutrients   json.RawMessage `json:"nutrients"`
	Allergens   json.RawMessage `json:"allergens"`
	Nutriscore  json.RawMessage `json:"nutriscore"`
	NovaGroup   json.RawMessage `json:"nova_group"`
	Image       json.RawMessage `json:"image"`
}

// ScanError is returned when no product could be projected.
type ScanError struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}
