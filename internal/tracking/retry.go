package tracking

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/chachabrian/mooveit-tanker/internal/metrics"
	"github.com/chachabrian/mooveit-tanker/internal/models"
)

// RetryQueue holds pings whose delivery failed. Pop returns the oldest first.
// Requeue puts popped pings back at the oldest end, in their original order.
type RetryQueue interface {
	Push(ctx context.Context, p models.QueuedPing) error
	Pop(ctx context.Context, max int) ([]models.QueuedPing, error)
	Requeue(ctx context.Context, ps []models.QueuedPing) error
}

// MemoryQueue is a bounded in-process RetryQueue; when full the oldest entry
// is discarded.
type MemoryQueue struct {
	mu    sync.Mutex
	items []models.QueuedPing
	limit int
}

func NewMemoryQueue(limit int) *MemoryQueue {
	if limit <= 0 {
		limit = 1000
	}
	return &MemoryQueue{limit: limit}
}

func (q *MemoryQueue) Push(_ context.Context, p models.QueuedPing) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.limit {
		q.items = q.items[1:]
		metrics.LocationDeliveriesTotal.WithLabelValues("dropped").Inc()
	}
	q.items = append(q.items, p)
	return nil
}

func (q *MemoryQueue) Requeue(_ context.Context, ps []models.QueuedPing) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := make([]models.QueuedPing, 0, len(ps)+len(q.items))
	items = append(items, ps...)
	items = append(items, q.items...)
	if over := len(items) - q.limit; over > 0 {
		items = items[over:]
		metrics.LocationDeliveriesTotal.WithLabelValues("dropped").Add(float64(over))
	}
	q.items = items
	return nil
}

func (q *MemoryQueue) Pop(_ context.Context, max int) ([]models.QueuedPing, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if max > len(q.items) {
		max = len(q.items)
	}
	out := make([]models.QueuedPing, max)
	copy(out, q.items[:max])
	q.items = q.items[max:]
	return out, nil
}

func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

type RetryConfig struct {
	// Window is how long a failed ping is kept before it is dropped.
	Window time.Duration
	// Idle is the pause between drains when the last drain succeeded.
	Idle        time.Duration
	MaxInterval time.Duration
	Batch       int
	SendTimeout time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Window:      30 * time.Minute,
		Idle:        15 * time.Second,
		MaxInterval: 5 * time.Minute,
		Batch:       50,
		SendTimeout: 10 * time.Second,
	}
}

// Retrier drains the retry queue into the sink on its own schedule, backing off
// exponentially while the trip service is unreachable. It never touches the
// sampling path.
type Retrier struct {
	queue  RetryQueue
	sink   Sink
	cfg    RetryConfig
	logger *slog.Logger
	now    func() time.Time
}

func NewRetrier(queue RetryQueue, sink Sink, cfg RetryConfig, logger *slog.Logger) *Retrier {
	def := DefaultRetryConfig()
	if cfg.Batch <= 0 {
		cfg.Batch = def.Batch
	}
	if cfg.Idle <= 0 {
		cfg.Idle = def.Idle
	}
	if cfg.MaxInterval < cfg.Idle {
		cfg.MaxInterval = cfg.Idle
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	return &Retrier{queue: queue, sink: sink, cfg: cfg, logger: logger, now: time.Now}
}

// Run drains until ctx is cancelled.
func (r *Retrier) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.Idle
	b.MaxInterval = r.cfg.MaxInterval
	b.Reset()

	wait := r.cfg.Idle
	for {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		delivered, err := r.FlushOnce(ctx)
		if err != nil {
			wait = b.NextBackOff()
			r.logger.Warn("location retry flush failed", "delivered", delivered, "next_attempt_in", wait, "error", err)
			continue
		}
		if delivered > 0 {
			r.logger.Info("redelivered queued location pings", "count", delivered)
		}
		b.Reset()
		wait = r.cfg.Idle
	}
}

// FlushOnce sends one batch. On the first failure the unsent remainder goes
// back to the queue and the error is returned.
func (r *Retrier) FlushOnce(ctx context.Context) (int, error) {
	items, err := r.queue.Pop(ctx, r.cfg.Batch)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for i, item := range items {
		if r.cfg.Window > 0 && r.now().Sub(item.QueuedAt) > r.cfg.Window {
			metrics.LocationDeliveriesTotal.WithLabelValues("dropped").Inc()
			r.logger.Debug("dropping expired location ping", "id", item.ID, "trip_id", item.TripID)
			continue
		}

		sctx, cancel := context.WithTimeout(ctx, r.cfg.SendTimeout)
		err := r.sink.SendLocationUpdate(sctx, item.TripID, item.Ping)
		cancel()
		if err != nil {
			r.requeue(ctx, items[i:])
			return delivered, err
		}
		delivered++
		metrics.LocationDeliveriesTotal.WithLabelValues("redelivered").Inc()
	}
	return delivered, nil
}

func (r *Retrier) requeue(ctx context.Context, items []models.QueuedPing) {
	back := make([]models.QueuedPing, len(items))
	for i, item := range items {
		item.Attempts++
		back[i] = item
	}
	if err := r.queue.Requeue(ctx, back); err != nil {
		metrics.LocationDeliveriesTotal.WithLabelValues("dropped").Add(float64(len(back)))
		r.logger.Error("failed to requeue location pings", "count", len(back), "error", err)
	}
}
