package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/tn604/stock-mirror/internal/core/domain"
	"github.com/tn604/stock-mirror/internal/port"
)

type MarketplaceConfig struct {
	BaseURL           string
	Token             string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	Retry             RetryConfig
	// BreakerCooldown is how long order placement stays suspended after a
	// funds or auth failure before a single probe is let through.
	BreakerCooldown time.Duration
	Logger          *slog.Logger
}

// MarketplaceHTTP implements port.MarketplaceGateway against the marketplace
// REST API. Order mutations run behind a circuit breaker that trips on the
// first funds or auth failure; reads are never suspended.
type MarketplaceHTTP struct {
	client *apiClient
	orders *gobreaker.CircuitBreaker[string]
}

func NewMarketplaceHTTP(cfg MarketplaceConfig) *MarketplaceHTTP {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "marketplace_gateway")

	m := &MarketplaceHTTP{
		client: &apiClient{
			gateway: "marketplace",
			baseURL: cfg.BaseURL,
			token:   cfg.Token,
			http:    &http.Client{Timeout: cfg.Timeout},
			limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
			retry:   cfg.Retry.withDefaults(),
			logger:  logger,
		},
	}

	m.orders = gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "marketplace-orders",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 1
		},
		// Only failures that make every further order pointless count
		// against the breaker. Transient and business rejections pass
		// through without tripping it.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			return !port.IsAuthFailure(err) && !port.IsInsufficientFunds(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("order circuit state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return m
}

func (m *MarketplaceHTTP) GetListingDetails(ctx context.Context, pid int64) (*port.MarketplaceListing, error) {
	var payload map[string]any
	err := m.client.withRetry(ctx, func() error {
		return m.client.doJSON(ctx, http.MethodGet, fmt.Sprintf("/api/items/%d", pid), nil, nil, &payload)
	})
	if err != nil {
		return nil, err
	}

	status := domain.NormalizeSellStatus(payload)
	listing := &port.MarketplaceListing{
		Pid:        pid,
		Status:     status,
		PriceMinor: numberField(payload, "price", "current_price", "sale_price", "price_minor"),
	}

	if qty, ok := intField(payload, "quantity", "stock", "num_in_stock"); ok {
		listing.Quantity = qty
	} else if status == domain.SellStatusSelling {
		listing.Quantity = 1
	}
	return listing, nil
}

type createOrderRequest struct {
	ItemID        int64 `json:"item_id"`
	PriceMinor    int64 `json:"price"`
	DeliveryPrice int64 `json:"delivery_price"`
}

type createOrderResponse struct {
	OrderID string `json:"order_id"`
}

func (m *MarketplaceHTTP) CreateOrder(ctx context.Context, order port.NewRemoteOrder) (string, error) {
	orderID, err := m.orders.Execute(func() (string, error) {
		var out createOrderResponse
		err := m.client.withRetry(ctx, func() error {
			return m.client.doJSON(ctx, http.MethodPost, "/api/orders", nil, createOrderRequest{
				ItemID:        order.Pid,
				PriceMinor:    order.PriceMinor,
				DeliveryPrice: order.DeliveryPriceMinor,
			}, &out)
		})
		if err != nil {
			return "", err
		}
		if out.OrderID == "" {
			return "", &port.GatewayError{Gateway: "marketplace", Class: port.GatewayTransient, Code: port.CodeNetworkError,
				Err: errors.New("order response missing order_id")}
		}
		return out.OrderID, nil
	})
	if err != nil {
		return "", m.mapBreakerErr(err)
	}
	return orderID, nil
}

func (m *MarketplaceHTTP) ConfirmOrder(ctx context.Context, orderID string) error {
	_, err := m.orders.Execute(func() (string, error) {
		err := m.client.withRetry(ctx, func() error {
			return m.client.doJSON(ctx, http.MethodPost, "/api/orders/"+url.PathEscape(orderID)+"/confirm", nil, nil, nil)
		})
		return "", err
	})
	err = m.mapBreakerErr(err)

	// Redelivered confirmations are fine; the order is in the state we want.
	var ge *port.GatewayError
	if errors.As(err, &ge) && ge.Code == "already_confirmed" {
		return nil
	}
	return err
}

type marketplaceOrdersResponse struct {
	Orders []struct {
		OrderID    string    `json:"order_id"`
		ItemID     int64     `json:"item_id"`
		Status     string    `json:"status"`
		PriceMinor int64     `json:"price"`
		UpdatedAt  time.Time `json:"updated_at"`
	} `json:"orders"`
	Page       int `json:"page"`
	TotalPages int `json:"total_pages"`
}

func (m *MarketplaceHTTP) GetOrders(ctx context.Context, start, end time.Time, page, size int) (port.MarketplaceOrdersPage, error) {
	if end.Before(start) {
		return port.MarketplaceOrdersPage{}, &port.GatewayError{
			Gateway: "marketplace", Class: port.GatewayPermanent, Code: port.CodeBadRequest,
			Err: fmt.Errorf("order range end %s before start %s", end.Format(time.RFC3339), start.Format(time.RFC3339)),
		}
	}
	// The API enforces this ceiling server-side; reject locally so a bad
	// range never costs a remote call.
	if end.Sub(start) > port.OrdersMaxRangeDays*24*time.Hour {
		return port.MarketplaceOrdersPage{}, &port.GatewayError{
			Gateway: "marketplace", Class: port.GatewayPermanent, Code: port.CodeBadRequest,
			Err: fmt.Errorf("order range %s exceeds %d days", end.Sub(start), port.OrdersMaxRangeDays),
		}
	}

	query := url.Values{}
	query.Set("start", start.UTC().Format(time.RFC3339))
	query.Set("end", end.UTC().Format(time.RFC3339))
	query.Set("page", strconv.Itoa(page))
	query.Set("size", strconv.Itoa(size))

	var out marketplaceOrdersResponse
	err := m.client.withRetry(ctx, func() error {
		return m.client.doJSON(ctx, http.MethodGet, "/api/orders", query, nil, &out)
	})
	if err != nil {
		return port.MarketplaceOrdersPage{}, err
	}

	result := port.MarketplaceOrdersPage{Page: out.Page, TotalPages: out.TotalPages}
	for _, o := range out.Orders {
		result.Orders = append(result.Orders, port.MarketplaceOrder{
			OrderID:    o.OrderID,
			Pid:        o.ItemID,
			Status:     o.Status,
			PriceMinor: o.PriceMinor,
			UpdatedAt:  o.UpdatedAt,
		})
	}
	return result, nil
}

func (m *MarketplaceHTTP) GetAccountBalance(ctx context.Context) (int64, error) {
	var out struct {
		Balance int64 `json:"balance"`
	}
	err := m.client.withRetry(ctx, func() error {
		return m.client.doJSON(ctx, http.MethodGet, "/api/account/balance", nil, nil, &out)
	})
	if err != nil {
		return 0, err
	}
	return out.Balance, nil
}

// OrderCircuitState exposes the breaker state for health reporting.
func (m *MarketplaceHTTP) OrderCircuitState() string {
	return m.orders.State().String()
}

func (m *MarketplaceHTTP) mapBreakerErr(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &port.GatewayError{Gateway: "marketplace", Class: port.GatewayTransient, Code: port.CodeCircuitOpen, Err: err}
	}
	return err
}

func numberField(payload map[string]any, keys ...string) int64 {
	for _, key := range keys {
		if raw, ok := payload[key]; ok {
			if f, ok := raw.(float64); ok {
				return int64(f)
			}
		}
	}
	return 0
}

func intField(payload map[string]any, keys ...string) (int, bool) {
	for _, key := range keys {
		if raw, ok := payload[key]; ok {
			if f, ok := raw.(float64); ok {
				return int(f), true
			}
		}
	}
	return 0, false
}
