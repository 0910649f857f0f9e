package storage

import (
	"context"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tn604/stock-mirror/internal/core/domain"
)

func getRedisClient(t *testing.T) *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return client
}

func TestMarkEventSeen(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	guards := NewRedisGuardStore(client)
	deliveryID := uuid.NewString()

	ok, err := guards.MarkEventSeen(ctx, deliveryID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected first delivery to be new")
	}

	ok, err = guards.MarkEventSeen(ctx, deliveryID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected redelivery to be recognized")
	}
}

func TestMarkEventSeen_Concurrent(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	guards := NewRedisGuardStore(client)
	deliveryID := uuid.NewString()

	var successCount atomic.Int32
	var wg sync.WaitGroup
	concurrency := 100

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := guards.MarkEventSeen(ctx, deliveryID)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if ok {
				successCount.Add(1)
			}
		}()
	}

	wg.Wait()

	// Only one delivery may win
	if successCount.Load() != 1 {
		t.Errorf("expected exactly 1 new delivery, got %d", successCount.Load())
	}
}

func TestReserveAndReleasePlacement(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	guards := NewRedisGuardStore(client)
	pid := time.Now().UnixNano()

	ok, err := guards.ReservePlacement(ctx, pid)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected first reservation to succeed")
	}

	ok, err = guards.ReservePlacement(ctx, pid)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected second reservation to be refused")
	}

	if err := guards.ReleasePlacement(ctx, pid); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	ok, err = guards.ReservePlacement(ctx, pid)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected reservation after release to succeed")
	}

	guards.ReleasePlacement(ctx, pid)
}

func TestParkEvent_RoundTrip(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	guards := NewRedisGuardStore(client)

	client.Del(ctx, parkedEventsKey)

	first := domain.ParkedEvent{
		Event: domain.ReconciliationEvent{
			ID:         uuid.NewString(),
			Kind:       domain.EventStorefrontSale,
			ListingKey: 910010,
			ObservedAt: time.Now().UTC().Truncate(time.Second),
		},
		Cause:    "gateway timeout",
		Attempts: 5,
		ParkedAt: time.Now().UTC().Truncate(time.Second),
	}
	second := first
	second.Event.ID = uuid.NewString()
	second.Event.ListingKey = 910011

	if err := guards.ParkEvent(ctx, first); err != nil {
		t.Fatalf("park failed: %v", err)
	}
	if err := guards.ParkEvent(ctx, second); err != nil {
		t.Fatalf("park failed: %v", err)
	}

	parked, err := guards.ParkedEvents(ctx, 10)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(parked) != 2 {
		t.Fatalf("expected 2 parked events, got %d", len(parked))
	}

	// Most recent first
	if parked[0].Event.ListingKey != 910011 {
		t.Errorf("expected newest event first, got pid %d", parked[0].Event.ListingKey)
	}
	if parked[1].Cause != "gateway timeout" {
		t.Errorf("cause lost in round trip: %q", parked[1].Cause)
	}
	if parked[1].Attempts != 5 {
		t.Errorf("attempts lost in round trip: %d", parked[1].Attempts)
	}
}

func TestPushUrgentAlert(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	guards := NewRedisGuardStore(client)

	client.Del(ctx, urgentAlertsKey)

	if err := guards.PushUrgentAlert(ctx, "INSUFFICIENT_FUNDS", "balance 0 below order price 50000"); err != nil {
		t.Fatalf("push failed: %v", err)
	}

	raw, err := client.LRange(ctx, urgentAlertsKey, 0, 0).Result()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(raw) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(raw))
	}
	if !strings.Contains(raw[0], "INSUFFICIENT_FUNDS") {
		t.Errorf("alert payload missing code: %s", raw[0])
	}
}
