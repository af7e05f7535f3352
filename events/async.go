package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/payroll-engine/metrics"
	"github.com/warp/payroll-engine/payroll"
)

// ErrQueueFull is returned when the async queue cannot take another event.
var ErrQueueFull = errors.New("event queue full")

// ErrStopped is returned by Publish after Stop.
var ErrStopped = errors.New("event publisher stopped")

// Async queues events and delivers them to a sink from one background
// goroutine. A delivery is retried MaxRetries times with a linear backoff,
// then dropped with an error log.
type Async struct {
	Sink       payroll.Publisher
	MaxRetries int
	Backoff    time.Duration
	Timeout    time.Duration

	logger  *slog.Logger
	queue   chan payroll.StructureActivated
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
	stopped bool
}

// NewAsync creates an async publisher with a queue of 256 events.
func NewAsync(sink payroll.Publisher, logger *slog.Logger) *Async {
	return NewAsyncSize(sink, logger, 256)
}

// NewAsyncSize creates an async publisher with the given queue capacity.
func NewAsyncSize(sink payroll.Publisher, logger *slog.Logger, size int) *Async {
	if logger == nil {
		logger = slog.Default()
	}
	return &Async{
		Sink:       sink,
		MaxRetries: 3,
		Backoff:    200 * time.Millisecond,
		Timeout:    5 * time.Second,
		logger:     logger,
		queue:      make(chan payroll.StructureActivated, size),
		stop:       make(chan struct{}),
	}
}

// Start launches the delivery worker. Calling Start twice is a no-op.
func (a *Async) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started || a.stopped {
		return
	}
	a.started = true
	a.wg.Add(1)
	go a.run()
	a.logger.Info("event publisher started", slog.Int("queue_size", cap(a.queue)))
}

// Stop drains the queue and waits for the worker to exit.
func (a *Async) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	started := a.started
	close(a.stop)
	a.mu.Unlock()

	if started {
		a.wg.Wait()
	}
	a.logger.Info("event publisher stopped")
}

// PublishStructureActivated enqueues ev. It never blocks.
func (a *Async) PublishStructureActivated(_ context.Context, ev payroll.StructureActivated) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return ErrStopped
	}
	select {
	case a.queue <- ev:
		metrics.SetEventQueueDepth(len(a.queue))
		return nil
	default:
		metrics.ObserveEventPublish("async", "dropped")
		return ErrQueueFull
	}
}

// Pending returns the number of queued events.
func (a *Async) Pending() int {
	return len(a.queue)
}

func (a *Async) run() {
	defer a.wg.Done()
	for {
		select {
		case ev := <-a.queue:
			a.deliver(ev)
		case <-a.stop:
			// Drain what was accepted before Stop.
			for {
				select {
				case ev := <-a.queue:
					a.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (a *Async) deliver(ev payroll.StructureActivated) {
	metrics.SetEventQueueDepth(len(a.queue))
	var err error
	for attempt := 0; attempt <= a.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * a.Backoff)
		}
		ctx, cancel := context.WithTimeout(context.Background(), a.Timeout)
		err = a.Sink.PublishStructureActivated(ctx, ev)
		cancel()
		if err == nil {
			return
		}
		a.logger.Warn("event delivery failed",
			slog.String("event_id", ev.EventID), slog.Int("attempt", attempt+1), slog.Any("error", err))
	}
	metrics.ObserveEventPublish("async", "error")
	a.logger.Error("event dropped after retries",
		slog.String("event_id", ev.EventID), slog.String("structure", ev.StructureID), slog.Any("error", err))
}
