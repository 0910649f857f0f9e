package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tn604/stock-mirror/internal/core/domain"
)

type handlerFunc func(ctx context.Context, ev domain.ReconciliationEvent) error

func (f handlerFunc) Handle(ctx context.Context, ev domain.ReconciliationEvent) error {
	return f(ctx, ev)
}

func TestDispatcherKeepsPerListingOrder(t *testing.T) {
	var mu sync.Mutex
	var got []string
	handler := handlerFunc(func(_ context.Context, ev domain.ReconciliationEvent) error {
		time.Sleep(time.Millisecond)
		mu.Lock()
		got = append(got, ev.ID)
		mu.Unlock()
		return nil
	})

	d := NewDispatcher(DispatcherConfig{Workers: 4, QueueSize: 64}, handler, newFakeGuards(), discardLogger())
	ctx := context.Background()
	d.Start(ctx)

	want := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("ev-%02d", i)
		want = append(want, id)
		require.NoError(t, d.Enqueue(ctx, domain.ReconciliationEvent{
			ID:         id,
			Kind:       domain.EventStorefrontSale,
			ListingKey: 7,
		}))
	}
	d.Close()

	assert.Equal(t, want, got)
}

func TestDispatcherRunsKeysInParallel(t *testing.T) {
	const workers = 4
	keyA := int64(1)
	keyB := int64(2)
	for partition(keyB, workers) == partition(keyA, workers) {
		keyB++
	}

	release := make(chan struct{})
	done := make(chan int64, 2)
	handler := handlerFunc(func(_ context.Context, ev domain.ReconciliationEvent) error {
		if ev.ListingKey == keyA {
			<-release
		}
		done <- ev.ListingKey
		return nil
	})

	d := NewDispatcher(DispatcherConfig{Workers: workers, QueueSize: 8}, handler, newFakeGuards(), discardLogger())
	ctx := context.Background()
	d.Start(ctx)

	require.NoError(t, d.Enqueue(ctx, domain.ReconciliationEvent{Kind: domain.EventStorefrontSale, ListingKey: keyA}))
	require.NoError(t, d.Enqueue(ctx, domain.ReconciliationEvent{Kind: domain.EventStorefrontSale, ListingKey: keyB}))

	select {
	case pid := <-done:
		assert.Equal(t, keyB, pid, "another key should finish while the first is blocked")
	case <-time.After(2 * time.Second):
		t.Fatal("cross-key event did not run while another key was blocked")
	}
	close(release)
	d.Close()
}

func TestDispatcherParksAfterRetriesExhausted(t *testing.T) {
	guards := newFakeGuards()
	var mu sync.Mutex
	calls := 0
	handler := handlerFunc(func(_ context.Context, _ domain.ReconciliationEvent) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return errors.New("db down")
	})

	d := NewDispatcher(DispatcherConfig{
		Workers: 1, QueueSize: 4,
		MaxRetries: 2, RetryInitial: time.Millisecond, RetryMax: 2 * time.Millisecond,
	}, handler, guards, discardLogger())
	ctx := context.Background()
	d.Start(ctx)

	require.NoError(t, d.Enqueue(ctx, domain.ReconciliationEvent{
		ID: "ev-1", Kind: domain.EventStorefrontSale, ListingKey: 42,
	}))
	d.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, calls) // first try plus two retries

	parked := guards.parkedEvents()
	require.Len(t, parked, 1)
	assert.Equal(t, "ev-1", parked[0].Event.ID)
	assert.Equal(t, 3, parked[0].Attempts)
	assert.Contains(t, parked[0].Cause, "db down")
}

func TestDispatcherRetriesUntilSuccess(t *testing.T) {
	guards := newFakeGuards()
	var mu sync.Mutex
	calls := 0
	handler := handlerFunc(func(_ context.Context, _ domain.ReconciliationEvent) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	d := NewDispatcher(DispatcherConfig{
		Workers: 1, QueueSize: 4,
		MaxRetries: 4, RetryInitial: time.Millisecond, RetryMax: 2 * time.Millisecond,
	}, handler, guards, discardLogger())
	ctx := context.Background()
	d.Start(ctx)

	require.NoError(t, d.Enqueue(ctx, domain.ReconciliationEvent{Kind: domain.EventStorefrontSale, ListingKey: 42}))
	d.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, calls)
	assert.Empty(t, guards.parkedEvents())
}

func TestDispatcherAssignsEventIDs(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	handler := handlerFunc(func(_ context.Context, ev domain.ReconciliationEvent) error {
		mu.Lock()
		seen = append(seen, ev.ID)
		mu.Unlock()
		return nil
	})

	d := NewDispatcher(DispatcherConfig{Workers: 1, QueueSize: 4}, handler, newFakeGuards(), discardLogger())
	ctx := context.Background()
	d.Start(ctx)
	require.NoError(t, d.Enqueue(ctx, domain.ReconciliationEvent{Kind: domain.EventStorefrontSale, ListingKey: 1}))
	d.Close()

	require.Len(t, seen, 1)
	assert.NotEmpty(t, seen[0])
}

func TestDispatcherEnqueueHonorsContext(t *testing.T) {
	release := make(chan struct{})
	handler := handlerFunc(func(_ context.Context, _ domain.ReconciliationEvent) error {
		<-release
		return nil
	})

	d := NewDispatcher(DispatcherConfig{Workers: 1, QueueSize: 1}, handler, newFakeGuards(), discardLogger())
	ctx := context.Background()
	d.Start(ctx)

	// First event occupies the worker, second fills the buffer.
	require.NoError(t, d.Enqueue(ctx, domain.ReconciliationEvent{Kind: domain.EventStorefrontSale, ListingKey: 1}))
	require.NoError(t, d.Enqueue(ctx, domain.ReconciliationEvent{Kind: domain.EventStorefrontSale, ListingKey: 1}))

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	err := d.Enqueue(cancelled, domain.ReconciliationEvent{Kind: domain.EventStorefrontSale, ListingKey: 1})
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
	d.Close()
}

func TestPartitionIsStable(t *testing.T) {
	for _, buckets := range []int{1, 4, 8} {
		for pid := int64(0); pid < 100; pid++ {
			first := partition(pid, buckets)
			assert.Equal(t, first, partition(pid, buckets))
			assert.GreaterOrEqual(t, first, 0)
			assert.Less(t, first, buckets)
		}
	}
}
