package service

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/tn604/stock-mirror/internal/core/domain"
	"github.com/tn604/stock-mirror/internal/port"
)

// Handler consumes canonical reconciliation events.
type Handler interface {
	Handle(ctx context.Context, ev domain.ReconciliationEvent) error
}

type DispatcherConfig struct {
	Workers      int
	QueueSize    int
	MaxRetries   uint64
	RetryInitial time.Duration
	RetryMax     time.Duration
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 4
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 500 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 30 * time.Second
	}
	return c
}

// Dispatcher fans events out to a fixed pool of workers. Every listing key
// hashes to exactly one worker, so events for one listing are processed
// strictly one at a time and in arrival order, while different listings run
// in parallel.
type Dispatcher struct {
	cfg     DispatcherConfig
	handler Handler
	guards  port.GuardRepository
	logger  *slog.Logger

	queues []chan domain.ReconciliationEvent
	wg     sync.WaitGroup
}

func NewDispatcher(cfg DispatcherConfig, handler Handler, guards port.GuardRepository, logger *slog.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	queues := make([]chan domain.ReconciliationEvent, cfg.Workers)
	for i := range queues {
		queues[i] = make(chan domain.ReconciliationEvent, cfg.QueueSize)
	}
	return &Dispatcher{
		cfg:     cfg,
		handler: handler,
		guards:  guards,
		logger:  logger.With("component", "dispatcher"),
		queues:  queues,
	}
}

// Start launches the worker pool. The context bounds in-flight handler calls;
// queue draining is controlled by Close.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := range d.queues {
		d.wg.Add(1)
		go func(id int, queue <-chan domain.ReconciliationEvent) {
			defer d.wg.Done()
			for ev := range queue {
				d.process(ctx, id, ev)
			}
		}(i, d.queues[i])
	}
	d.logger.Info("dispatcher started", "workers", d.cfg.Workers, "queue_size", d.cfg.QueueSize)
}

// Enqueue routes an event to the worker owning its listing key. It blocks
// when that worker's queue is full, pushing back on the producer. Enqueue
// must not be called after Close.
func (d *Dispatcher) Enqueue(ctx context.Context, ev domain.ReconciliationEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	idx := partition(ev.ListingKey, len(d.queues))
	select {
	case d.queues[idx] <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events and waits for the workers to drain their
// queues.
func (d *Dispatcher) Close() {
	for _, q := range d.queues {
		close(q)
	}
	d.wg.Wait()
	d.logger.Info("dispatcher drained")
}

// process delivers one event, retrying with backoff on infrastructure errors.
// The retry blocks the worker on purpose: events behind it on the same
// partition must not overtake. Events that still fail are parked for replay.
func (d *Dispatcher) process(ctx context.Context, workerID int, ev domain.ReconciliationEvent) {
	attempts := 0
	operation := func() error {
		attempts++
		return d.handler.Handle(ctx, ev)
	}
	notify := func(err error, wait time.Duration) {
		d.logger.Warn("event delivery failed, backing off",
			"worker", workerID, "event", ev.Kind, "pid", ev.ListingKey,
			"attempt", attempts, "wait", wait, "error", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.RetryInitial
	b.MaxInterval = d.cfg.RetryMax
	b.MaxElapsedTime = 0

	err := backoff.RetryNotify(operation, backoff.WithContext(backoff.WithMaxRetries(b, d.cfg.MaxRetries), ctx), notify)
	if err == nil {
		return
	}

	d.logger.Error("event exhausted delivery retries, parking",
		"worker", workerID, "event", ev.Kind, "pid", ev.ListingKey, "event_id", ev.ID, "error", err)
	parked := domain.ParkedEvent{
		Event:    ev,
		Cause:    err.Error(),
		Attempts: attempts,
		ParkedAt: time.Now().UTC(),
	}
	if parkErr := d.guards.ParkEvent(ctx, parked); parkErr != nil {
		d.logger.Error("CRITICAL: failed to park event, manual replay impossible",
			"event_id", ev.ID, "error", parkErr)
	}
}

func partition(key int64, buckets int) int {
	h := fnv.New64a()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(key))
	h.Write(buf[:])
	return int(h.Sum64() % uint64(buckets))
}
