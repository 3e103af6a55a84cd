package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nirmalramchandani/barcode/models"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	DefaultBaseURL      = "https://world.openfoodfacts.org"
	DefaultUserAgent    = "barcode-relay/1.0"
	DefaultTimeout      = 10 * time.Second
	DefaultMaxBodyBytes = 8 << 20
)

var (
	ErrUpstreamStatus   = errors.New("unexpected upstream status")
	ErrInvalidResponse  = errors.New("invalid upstream response")
	ErrResponseTooLarge = errors.New("upstream response too large")
)

// ProductServiceConfig configures the upstream product lookup.
type ProductServiceConfig struct {
	BaseURL      string
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int64
}

// OutcomeKind classifies a single upstream lookup.
type OutcomeKind int

const (
	OutcomeFound OutcomeKind = iota
	OutcomeNotFound
	OutcomeUpstreamError
	OutcomeInvalidResponse
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeFound:
		return "found"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeUpstreamError:
		return "upstream_error"
	case OutcomeInvalidResponse:
		return "invalid_response"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// LookupOutcome is the result of a lookup. Product is set only for OutcomeFound,
// Err only for OutcomeUpstreamError and OutcomeInvalidResponse.
type LookupOutcome struct {
	Kind    OutcomeKind
	Product *models.ScanResult
	Err     error
}

// Result maps the outcome to the HTTP status and body returned to the caller.
func (o LookupOutcome) Result() (int, any) {
	switch o.Kind {
	case OutcomeFound:
		return http.StatusOK, o.Product
	case OutcomeNotFound:
		return http.StatusOK, models.ScanError{
			Status:  models.StatusError,
			Message: models.ProductNotFoundMessage,
		}
	case OutcomeUpstreamError:
		return http.StatusBadGateway, models.ScanError{
			Status:  models.StatusUpstreamError,
			Message: "Product service unavailable",
		}
	case OutcomeInvalidResponse:
		return http.StatusBadGateway, models.ScanError{
			Status:  models.StatusUpstreamError,
			Message: "Invalid response from product service",
		}
	default:
		return http.StatusInternalServerError, models.ScanError{
			Status:  models.StatusError,
			Message: "Unclassified lookup outcome",
		}
	}
}

// ProductService looks barcodes up in the Open Food Facts product API.
type ProductService struct {
	config     ProductServiceConfig
	httpClient *http.Client
}

// NewProductService creates a ProductService with an instrumented HTTP client
// bounded by config.Timeout.
func NewProductService(config ProductServiceConfig) *ProductService {
	config = withDefaults(config)
	client := &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   config.Timeout,
	}
	return NewProductServiceWithHTTPClient(config, client)
}

// NewProductServiceWithHTTPClient creates a ProductService around a specific *http.Client.
func NewProductServiceWithHTTPClient(config ProductServiceConfig, client *http.Client) *ProductService {
	config = withDefaults(config)
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	return &ProductService{
		config:     config,
		httpClient: client,
	}
}

func withDefaults(config ProductServiceConfig) ProductServiceConfig {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.UserAgent == "" {
		config.UserAgent = DefaultUserAgent
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return config
}

// ProductURL returns the upstream resource for a barcode.
func (s *ProductService) ProductURL(barcode string) string {
	return fmt.Sprintf("%s/api/v2/product/%s.json", s.config.BaseURL, url.PathEscape(barcode))
}

// Lookup fetches a barcode from the upstream and classifies the response.
func (s *ProductService) Lookup(ctx context.Context, barcode string) LookupOutcome {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	body, err := s.fetch(ctx, barcode)
	if err != nil {
		if errors.Is(err, ErrResponseTooLarge) {
			return LookupOutcome{Kind: OutcomeInvalidResponse, Err: err}
		}
		return LookupOutcome{Kind: OutcomeUpstreamError, Err: err}
	}

	return ProjectProduct(barcode, body)
}

func (s *ProductService) fetch(ctx context.Context, barcode string) ([]byte, error) {
	targetURL := s.ProductURL(barcode)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request to %s: %w", targetURL, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", s.config.UserAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get product from %s: %w", targetURL, err)
	}
	defer resp.Body.Close()

	// Unknown barcodes come back as 404 with a regular JSON payload.
	if resp.StatusCode != http.StatusNotFound && (resp.StatusCode < 200 || resp.StatusCode > 299) {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: %d from %s: %s", ErrUpstreamStatus, resp.StatusCode, targetURL, string(snippet))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, s.config.MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read product response from %s: %w", targetURL, err)
	}
	if int64(len(body)) > s.config.MaxBodyBytes {
		return nil, fmt.Errorf("%w: more than %d bytes from %s", ErrResponseTooLarge, s.config.MaxBodyBytes, targetURL)
	}

	return body, nil
}

// ProjectProduct classifies an upstream payload and projects the product fields.
func ProjectProduct(barcode string, body []byte) LookupOutcome {
	if !gjson.ValidBytes(body) {
		return LookupOutcome{Kind: OutcomeInvalidResponse, Err: fmt.Errorf("%w: body is not valid JSON", ErrInvalidResponse)}
	}

	doc := gjson.ParseBytes(body)
	if !doc.IsObject() {
		return LookupOutcome{Kind: OutcomeInvalidResponse, Err: fmt.Errorf("%w: expected a JSON object", ErrInvalidResponse)}
	}

	product := lastMember(doc, "product")
	if !product.Exists() {
		return LookupOutcome{Kind: OutcomeNotFound}
	}
	if !product.IsObject() {
		return LookupOutcome{Kind: OutcomeInvalidResponse, Err: fmt.Errorf("%w: product is %s", ErrInvalidResponse, product.Type)}
	}

	return LookupOutcome{
		Kind: OutcomeFound,
		Product: &models.ScanResult{
			Status:      models.StatusSuccess,
			Barcode:     barcode,
			Name:        rawField(product, "product_name"),
			Brand:       rawField(product, "brands"),
			Ingredients: rawField(product, "ingredients_text"),
			Nutrients:   rawField(product, "nutriments"),
			Allergens:   rawField(product, "allergens_tags"),
			Nutriscore:  rawField(product, "nutriscore_grade"),
			NovaGroup:   rawField(product, "nova_group"),
			Image:       rawField(product, "image_front_url"),
		},
	}
}

func rawField(product gjson.Result, key string) json.RawMessage {
	v := lastMember(product, key)
	if !v.Exists() {
		return nil
	}
	return json.RawMessage(v.Raw)
}

// lastMember returns the last value stored under key in obj. Get stops at the first match,
// while encoding/json and most JSON decoders let a repeated key overwrite earlier ones.
func lastMember(obj gjson.Result, key string) gjson.Result {
	var found gjson.Result
	obj.ForEach(func(k, v gjson.Result) bool {
		if k.String() == key {
			found = v
		}
		return true
	})
	return found
}
