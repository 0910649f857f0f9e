package handler

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tn604/stock-mirror/internal/core/domain"
	"github.com/tn604/stock-mirror/internal/port"
)

// Webhook headers set by the storefront platform.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderDelivery  = "X-Webhook-Delivery"
)

const defaultMaxBody = 1 << 20

// WebhookHandler ingests storefront webhooks. The signature is verified
// against the raw body before any parsing; unsigned or tampered deliveries
// are rejected without detail. Verified deliveries are deduplicated by
// delivery id and translated into canonical events.
type WebhookHandler struct {
	secret   []byte
	listings port.ListingRepository
	guards   port.GuardRepository
	sink     port.EventSink
	logger   *slog.Logger
	maxBody  int64
}

func NewWebhookHandler(secret string, listings port.ListingRepository, guards port.GuardRepository, sink port.EventSink, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		secret:   []byte(secret),
		listings: listings,
		guards:   guards,
		sink:     sink,
		logger:   logger.With("component", "webhook"),
		maxBody:  defaultMaxBody,
	}
}

// OrderPaid handles the storefront's order-paid webhook.
func (h *WebhookHandler) OrderPaid(w http.ResponseWriter, r *http.Request) {
	h.ingest(w, r, domain.EventStorefrontSale)
}

// OrderCancelled handles the storefront's order-cancelled webhook.
func (h *WebhookHandler) OrderCancelled(w http.ResponseWriter, r *http.Request) {
	h.ingest(w, r, domain.EventStorefrontOrderCancelled)
}

type webhookAck struct {
	Status string `json:"status"`
	Events int    `json:"events,omitempty"`
}

type storefrontOrderPayload struct {
	ID              string               `json:"id"`
	FinancialStatus string               `json:"financial_status"`
	CreatedAt       string               `json:"created_at"`
	CancelledAt     string               `json:"cancelled_at"`
	LineItems       []storefrontLineItem `json:"line_items"`
}

type storefrontLineItem struct {
	ProductID json.RawMessage `json:"product_id"`
	Quantity  int             `json:"quantity"`
}

func (h *WebhookHandler) ingest(w http.ResponseWriter, r *http.Request, kind domain.EventKind) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, h.maxBody+1))
	if err != nil {
		http.Error(w, "cannot read body", http.StatusBadRequest)
		return
	}
	if int64(len(raw)) > h.maxBody {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}

	if !h.verifySignature(r.Header.Get(HeaderSignature), raw) {
		h.logger.Warn("webhook signature rejected", "remote", r.RemoteAddr)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	deliveryID := r.Header.Get(HeaderDelivery)
	if deliveryID == "" {
		writeJSON(w, http.StatusBadRequest, webhookAck{Status: "missing delivery id"})
		return
	}
	fresh, err := h.guards.MarkEventSeen(r.Context(), deliveryID)
	if err != nil {
		h.logger.Error("delivery dedup check failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, webhookAck{Status: "error"})
		return
	}
	if !fresh {
		h.logger.Info("duplicate webhook delivery suppressed", "delivery_id", deliveryID)
		writeJSON(w, http.StatusOK, webhookAck{Status: "duplicate"})
		return
	}

	// From here on the delivery is acknowledged with 200 even when nothing
	// is enqueued: the signature was valid, and a non-2xx would only make
	// the storefront redeliver a payload we already know we cannot use.
	var payload storefrontOrderPayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.ID == "" {
		h.logger.Warn("webhook payload not usable", "delivery_id", deliveryID, "error", err)
		writeJSON(w, http.StatusOK, webhookAck{Status: "ignored"})
		return
	}

	observedAt := h.observedAt(payload, kind)
	events := 0
	for _, item := range payload.LineItems {
		productID := rawProductID(item.ProductID)
		if productID == "" {
			continue
		}
		listing, err := h.listings.GetByStorefrontID(r.Context(), productID)
		if err != nil {
			h.logger.Error("webhook listing lookup failed", "product_id", productID, "error", err)
			writeJSON(w, http.StatusInternalServerError, webhookAck{Status: "error"})
			return
		}
		if listing == nil {
			h.logger.Debug("webhook line item is not a mirrored listing", "product_id", productID)
			continue
		}
		ev := domain.ReconciliationEvent{
			ID:              uuid.NewString(),
			Kind:            kind,
			ListingKey:      listing.MarketplacePid,
			PlatformOrderID: payload.ID,
			ObservedAt:      observedAt,
		}
		if err := h.sink.Enqueue(r.Context(), ev); err != nil {
			h.logger.Error("webhook enqueue failed", "pid", listing.MarketplacePid, "error", err)
			writeJSON(w, http.StatusInternalServerError, webhookAck{Status: "error"})
			return
		}
		events++
	}

	h.logger.Info("webhook accepted", "kind", kind, "order_id", payload.ID, "delivery_id", deliveryID, "events", events)
	writeJSON(w, http.StatusOK, webhookAck{Status: "accepted", Events: events})
}

func (h *WebhookHandler) verifySignature(header string, body []byte) bool {
	if header == "" || len(h.secret) == 0 {
		return false
	}
	sig := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(header), "sha256="))
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(sig))
}

func (h *WebhookHandler) observedAt(payload storefrontOrderPayload, kind domain.EventKind) time.Time {
	stamp := payload.CreatedAt
	if kind == domain.EventStorefrontOrderCancelled && payload.CancelledAt != "" {
		stamp = payload.CancelledAt
	}
	if stamp != "" {
		if t, err := time.Parse(time.RFC3339, stamp); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}

// rawProductID accepts both string and numeric product ids; storefront
// payloads are not consistent about which they send.
func rawProductID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}
