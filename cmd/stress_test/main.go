package main

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tn604/stock-mirror/internal/adapter/handler"
)

const (
	defaultBaseURL = "http://localhost:8080"
	defaultSecret  = "whsec_dev"

	totalDeliveries  = 100
	tamperedRequests = 20

	// References a product the server does not track, so the intake path is
	// exercised end to end without mutating live listings.
	productID = "stress-test-product"
)

type lineItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type orderPayload struct {
	ID              string     `json:"id"`
	FinancialStatus string     `json:"financial_status"`
	CreatedAt       string     `json:"created_at"`
	LineItems       []lineItem `json:"line_items"`
}

func main() {
	baseURL := envOr("WEBHOOK_BASE_URL", defaultBaseURL)
	secret := envOr("WEBHOOK_SECRET", defaultSecret)
	target := baseURL + "/webhooks/storefront/orders-paid"

	client := &http.Client{Timeout: 10 * time.Second}

	// Preflight: make sure the server is up before blasting it.
	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		log.Fatalf("server not reachable at %s: %v", baseURL, err)
	}
	resp.Body.Close()

	var accepted, duplicates, rejected, failures atomic.Int32

	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < totalDeliveries; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()

			body, err := json.Marshal(orderPayload{
				ID:              fmt.Sprintf("stress-order-%d", n),
				FinancialStatus: "paid",
				CreatedAt:       time.Now().UTC().Format(time.RFC3339),
				LineItems:       []lineItem{{ProductID: productID, Quantity: 1}},
			})
			if err != nil {
				failures.Add(1)
				return
			}
			deliveryID := uuid.NewString()
			signature := sign(secret, body)

			code, ack, err := post(client, target, body, deliveryID, signature)
			if err != nil || code != http.StatusOK || ack != "accepted" {
				failures.Add(1)
				return
			}
			accepted.Add(1)

			// Redeliver with the same delivery ID; the server must drop it.
			code, ack, err = post(client, target, body, deliveryID, signature)
			if err == nil && code == http.StatusOK && ack == "duplicate" {
				duplicates.Add(1)
			}
		}(i)
	}

	for i := 0; i < tamperedRequests; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()

			body, err := json.Marshal(orderPayload{
				ID:              fmt.Sprintf("tampered-order-%d", n),
				FinancialStatus: "paid",
				CreatedAt:       time.Now().UTC().Format(time.RFC3339),
				LineItems:       []lineItem{{ProductID: productID, Quantity: 1}},
			})
			if err != nil {
				return
			}
			code, _, err := post(client, target, body, uuid.NewString(), sign("not-the-secret", body))
			if err == nil && code == http.StatusUnauthorized {
				rejected.Add(1)
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	fmt.Println("========== WEBHOOK INTAKE RESULTS ==========")
	fmt.Printf("Signed Deliveries:   %d\n", totalDeliveries)
	fmt.Printf("Accepted:            %d\n", accepted.Load())
	fmt.Printf("Duplicates Dropped:  %d\n", duplicates.Load())
	fmt.Printf("Tampered Requests:   %d\n", tamperedRequests)
	fmt.Printf("Rejected (401):      %d\n", rejected.Load())
	fmt.Printf("Transport Failures:  %d\n", failures.Load())
	fmt.Printf("Duration:            %v\n", elapsed)
	fmt.Println("============================================")

	if accepted.Load() == totalDeliveries && duplicates.Load() == totalDeliveries {
		fmt.Println("PASS: every delivery accepted once and suppressed on redelivery")
	} else {
		fmt.Printf("FAIL: expected %d accepted and %d suppressed, got %d/%d\n",
			totalDeliveries, totalDeliveries, accepted.Load(), duplicates.Load())
	}

	if rejected.Load() == tamperedRequests {
		fmt.Println("PASS: every tampered request rejected")
	} else {
		fmt.Printf("FAIL: expected %d rejections, got %d\n", tamperedRequests, rejected.Load())
	}
}

func post(client *http.Client, url string, body []byte, deliveryID, signature string) (int, string, error) {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(handler.HeaderDelivery, deliveryID)
	req.Header.Set(handler.HeaderSignature, signature)

	resp, err := client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	var ack struct {
		Status string `json:"status"`
	}
	raw, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(raw, &ack)
	return resp.StatusCode, ack.Status, nil
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
