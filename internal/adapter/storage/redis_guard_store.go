package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tn604/stock-mirror/internal/core/domain"
)

const (
	eventSeenKeyPrefix = "webhook:delivery:"
	placementKeyPrefix = "placement:"
	parkedEventsKey    = "events:parked"
	urgentAlertsKey    = "alerts:urgent"

	eventSeenTTL = 24 * time.Hour
	// A placement claim outlives the longest possible attempt (gateway
	// timeouts plus bounded retries) so a crashed worker cannot block a
	// listing forever.
	placementClaimTTL = 10 * time.Minute

	parkedEventsMax = 10000
	urgentAlertsMax = 1000
)

type RedisGuardStore struct {
	client *redis.Client
}

func NewRedisGuardStore(client *redis.Client) *RedisGuardStore {
	return &RedisGuardStore{client: client}
}

func (r *RedisGuardStore) MarkEventSeen(ctx context.Context, deliveryID string) (bool, error) {
	ok, err := r.client.SetNX(ctx, eventSeenKeyPrefix+deliveryID, 1, eventSeenTTL).Result()
	if err != nil {
		return false, fmt.Errorf("mark event seen: %w", err)
	}
	return ok, nil
}

func (r *RedisGuardStore) ReservePlacement(ctx context.Context, pid int64) (bool, error) {
	key := fmt.Sprintf("%s%d", placementKeyPrefix, pid)
	ok, err := r.client.SetNX(ctx, key, 1, placementClaimTTL).Result()
	if err != nil {
		return false, fmt.Errorf("reserve placement: %w", err)
	}
	return ok, nil
}

func (r *RedisGuardStore) ReleasePlacement(ctx context.Context, pid int64) error {
	key := fmt.Sprintf("%s%d", placementKeyPrefix, pid)
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("release placement: %w", err)
	}
	return nil
}

func (r *RedisGuardStore) ParkEvent(ctx context.Context, parked domain.ParkedEvent) error {
	payload, err := json.Marshal(parked)
	if err != nil {
		return fmt.Errorf("marshal parked event: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, parkedEventsKey, payload)
	pipe.LTrim(ctx, parkedEventsKey, 0, parkedEventsMax-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("park event: %w", err)
	}
	return nil
}

func (r *RedisGuardStore) ParkedEvents(ctx context.Context, limit int64) ([]domain.ParkedEvent, error) {
	if limit <= 0 {
		limit = parkedEventsMax
	}
	raw, err := r.client.LRange(ctx, parkedEventsKey, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read parked events: %w", err)
	}

	parked := make([]domain.ParkedEvent, 0, len(raw))
	for _, item := range raw {
		var p domain.ParkedEvent
		if err := json.Unmarshal([]byte(item), &p); err != nil {
			return nil, fmt.Errorf("unmarshal parked event: %w", err)
		}
		parked = append(parked, p)
	}
	return parked, nil
}

func (r *RedisGuardStore) PushUrgentAlert(ctx context.Context, code, detail string) error {
	payload, err := json.Marshal(map[string]string{
		"code":   code,
		"detail": detail,
		"at":     time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, urgentAlertsKey, payload)
	pipe.LTrim(ctx, urgentAlertsKey, 0, urgentAlertsMax-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push urgent alert: %w", err)
	}
	return nil
}
