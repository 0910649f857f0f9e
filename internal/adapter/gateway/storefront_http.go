package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/tn604/stock-mirror/internal/port"
)

type StorefrontConfig struct {
	BaseURL           string
	Token             string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	Retry             RetryConfig
	Logger            *slog.Logger
}

// StorefrontHTTP implements port.StorefrontGateway against the storefront
// admin API.
type StorefrontHTTP struct {
	client *apiClient
}

func NewStorefrontHTTP(cfg StorefrontConfig) *StorefrontHTTP {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 2
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 4
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &StorefrontHTTP{
		client: &apiClient{
			gateway: "storefront",
			baseURL: cfg.BaseURL,
			token:   cfg.Token,
			http:    &http.Client{Timeout: cfg.Timeout},
			limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
			retry:   cfg.Retry.withDefaults(),
			logger:  logger.With("component", "storefront_gateway"),
		},
	}
}

type storefrontProductResponse struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	Status     string   `json:"status"`
	Quantity   int      `json:"quantity"`
	PriceMinor int64    `json:"price"`
	Tags       []string `json:"tags"`
}

func (s *StorefrontHTTP) QueryListing(ctx context.Context, id string) (*port.StorefrontListing, error) {
	var out storefrontProductResponse
	err := s.client.withRetry(ctx, func() error {
		return s.client.doJSON(ctx, http.MethodGet, "/admin/products/"+url.PathEscape(id), nil, nil, &out)
	})
	if err != nil {
		return nil, err
	}
	return &port.StorefrontListing{
		ID:         out.ID,
		Title:      out.Title,
		Status:     out.Status,
		Quantity:   out.Quantity,
		PriceMinor: out.PriceMinor,
		Tags:       out.Tags,
	}, nil
}

type updateProductRequest struct {
	Status string   `json:"status"`
	Title  string   `json:"title"`
	Tags   []string `json:"tags"`
}

func (s *StorefrontHTTP) SetListingStatusAndTags(ctx context.Context, id, status, title string, tags []string) error {
	if tags == nil {
		tags = []string{}
	}
	return s.client.withRetry(ctx, func() error {
		return s.client.doJSON(ctx, http.MethodPut, "/admin/products/"+url.PathEscape(id), nil,
			updateProductRequest{Status: status, Title: title, Tags: tags}, nil)
	})
}

type setQuantityRequest struct {
	ItemID     string `json:"item_id"`
	LocationID string `json:"location_id"`
	Quantity   int    `json:"quantity"`
}

// SetQuantity is the single idempotent stock mutation. Callers never chase it
// with alternative mutation calls; transient failures are retried right here.
func (s *StorefrontHTTP) SetQuantity(ctx context.Context, itemID, locationID string, qty int) error {
	return s.client.withRetry(ctx, func() error {
		return s.client.doJSON(ctx, http.MethodPost, "/admin/inventory/set", nil,
			setQuantityRequest{ItemID: itemID, LocationID: locationID, Quantity: qty}, nil)
	})
}

type storefrontOrderResponse struct {
	ID              string            `json:"id"`
	ProductIDs      []string          `json:"product_ids"`
	FinancialStatus string            `json:"financial_status"`
	Tags            []string          `json:"tags"`
	Metadata        map[string]string `json:"metadata"`
}

func (s *StorefrontHTTP) QueryOrder(ctx context.Context, id string) (*port.StorefrontOrder, error) {
	var out storefrontOrderResponse
	err := s.client.withRetry(ctx, func() error {
		return s.client.doJSON(ctx, http.MethodGet, "/admin/orders/"+url.PathEscape(id), nil, nil, &out)
	})
	if err != nil {
		return nil, err
	}
	return &port.StorefrontOrder{
		ID:              out.ID,
		ProductIDs:      out.ProductIDs,
		FinancialStatus: out.FinancialStatus,
		Tags:            out.Tags,
		Metadata:        out.Metadata,
	}, nil
}

type annotateOrderRequest struct {
	Tags     []string          `json:"tags"`
	Metadata map[string]string `json:"metadata"`
}

func (s *StorefrontHTTP) AnnotateOrder(ctx context.Context, id string, tags []string, metadata map[string]string) error {
	if tags == nil {
		tags = []string{}
	}
	if metadata == nil {
		metadata = map[string]string{}
	}
	return s.client.withRetry(ctx, func() error {
		return s.client.doJSON(ctx, http.MethodPost, "/admin/orders/"+url.PathEscape(id)+"/annotate", nil,
			annotateOrderRequest{Tags: tags, Metadata: metadata}, nil)
	})
}
