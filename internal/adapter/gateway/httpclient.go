package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/tn604/stock-mirror/internal/port"
)

const maxResponseBytes = 4 << 20

// RetryConfig bounds transient retries for one gateway client. Zero values
// fall back to the defaults.
type RetryConfig struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxRetries == 0 {
		c.MaxRetries = 4
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 200 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 5 * time.Second
	}
	return c
}

// apiClient is the plumbing shared by both platform gateways: auth header,
// client-side rate limit, JSON codec and error classification.
type apiClient struct {
	gateway string
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
	retry   RetryConfig
	logger  *slog.Logger
}

type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *apiClient) doJSON(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(payload)
	}

	endpoint := strings.TrimRight(c.baseURL, "/") + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &port.GatewayError{Gateway: c.gateway, Class: port.GatewayTransient, Code: port.CodeNetworkError, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &port.GatewayError{Gateway: c.gateway, Class: port.GatewayTransient, Code: port.CodeNetworkError, Err: err}
	}

	if resp.StatusCode >= 400 {
		var envelope apiErrorEnvelope
		// Best effort; classification falls back to the status code alone.
		_ = json.Unmarshal(raw, &envelope)
		return classify(c.gateway, resp.StatusCode, envelope.Error.Code, envelope.Error.Message)
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode %s %s response: %w", method, path, err)
		}
	}
	return nil
}

// withRetry retries op on transient classifications with exponential backoff.
// Permanent, auth and funds errors short-circuit immediately.
func (c *apiClient) withRetry(ctx context.Context, op func() error) error {
	wrapped := func() error {
		err := op()
		if err == nil || port.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Debug("retrying gateway call", "gateway", c.gateway, "wait", wait, "error", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retry.InitialInterval
	b.MaxInterval = c.retry.MaxInterval
	b.MaxElapsedTime = 0 // bounded by attempt count, not wall clock

	return backoff.RetryNotify(wrapped, backoff.WithContext(backoff.WithMaxRetries(b, c.retry.MaxRetries), ctx), notify)
}

// classify maps one failed platform response to the gateway error taxonomy.
// Body error codes win over the raw HTTP status.
func classify(gatewayName string, status int, code, message string) *port.GatewayError {
	ge := &port.GatewayError{Gateway: gatewayName, HTTPStatus: status, Code: strings.ToLower(strings.TrimSpace(code))}
	if message != "" {
		ge.Err = errors.New(message)
	}

	switch ge.Code {
	case "insufficient_balance", "insufficient_funds", "balance_too_low":
		ge.Class = port.GatewayInsufficientFunds
		ge.Code = port.CodeInsufficientBalance
		return ge
	case "already_sold", "item_sold", "sold_out":
		ge.Class = port.GatewayPermanent
		ge.Code = port.CodeAlreadySold
		return ge
	case "not_found", "item_not_found":
		ge.Class = port.GatewayPermanent
		ge.Code = port.CodeNotFound
		return ge
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		ge.Class = port.GatewayAuth
		ge.Code = port.CodeAuthFailed
	case status == http.StatusPaymentRequired:
		ge.Class = port.GatewayInsufficientFunds
		ge.Code = port.CodeInsufficientBalance
	case status == http.StatusNotFound || status == http.StatusGone:
		ge.Class = port.GatewayPermanent
		ge.Code = port.CodeNotFound
	case status == http.StatusConflict:
		ge.Class = port.GatewayPermanent
		if ge.Code == "" {
			ge.Code = port.CodeAlreadySold
		}
	case status == http.StatusTooManyRequests:
		ge.Class = port.GatewayTransient
		ge.Code = port.CodeRateLimited
	case status == http.StatusRequestTimeout || status >= 500:
		ge.Class = port.GatewayTransient
		if ge.Code == "" {
			ge.Code = "http_" + strconv.Itoa(status)
		}
	default:
		ge.Class = port.GatewayPermanent
		if ge.Code == "" {
			ge.Code = port.CodeBadRequest
		}
	}
	return ge
}
