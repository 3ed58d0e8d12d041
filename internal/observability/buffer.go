package observability

import (
	"context"
	"sync"
	"time"

	"github.com/tensorzero/tensorzero-sub029/internal/log"
)

// rowBuffer is a mutex-guarded deque for one table (spec §4.8 "per-table
// mutex-guarded deques" under §5 Shared resources), flushed by flushFn
// either on a batch_size overflow signal or on the flush_interval ticker,
// whichever fires first.
type rowBuffer[T any] struct {
	table   string
	cfg     TableConfig
	flushFn func(ctx context.Context, rows []T) error

	mu   sync.Mutex
	rows []T

	triggerCh chan struct{}
}

func newRowBuffer[T any](table string, cfg TableConfig, flushFn func(context.Context, []T) error) *rowBuffer[T] {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}

	return &rowBuffer[T]{table: table, cfg: cfg, flushFn: flushFn, triggerCh: make(chan struct{}, 1)}
}

// append adds row to the buffer, dropping the oldest buffered row if
// max_size is already reached (spec §4.8: "hard cap, drop oldest or
// reject"), and signals an early flush once batch_size is reached.
func (b *rowBuffer[T]) append(ctx context.Context, row T) {
	b.mu.Lock()

	delta := int64(1)

	if len(b.rows) >= b.cfg.MaxSize {
		b.rows = b.rows[1:]
		delta = 0

		log.Warn(ctx, "observability buffer at max_size, dropping oldest row")
	}

	b.rows = append(b.rows, row)
	shouldTrigger := len(b.rows) >= b.cfg.BatchSize

	b.mu.Unlock()

	metrics().recordQueueDepth(ctx, b.table, delta)

	if shouldTrigger {
		select {
		case b.triggerCh <- struct{}{}:
		default:
		}
	}
}

func (b *rowBuffer[T]) drain() []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.rows) == 0 {
		return nil
	}

	rows := b.rows
	b.rows = nil

	return rows
}

// run drives the background flush loop until ctx is cancelled, performing
// one last flush on the way out so a shutdown doesn't drop buffered rows.
func (b *rowBuffer[T]) run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.flushOnce(context.Background())
			return
		case <-ticker.C:
			b.flushOnce(ctx)
		case <-b.triggerCh:
			b.flushOnce(ctx)
		}
	}
}

func (b *rowBuffer[T]) flushOnce(ctx context.Context) {
	rows := b.drain()
	if len(rows) == 0 {
		return
	}

	metrics().recordQueueDepth(ctx, b.table, -int64(len(rows)))

	err := b.flushFn(ctx, rows)
	metrics().recordFlush(ctx, b.table, len(rows), err)

	if err != nil {
		log.Error(ctx, "observability: batch flush failed", log.Cause(err))
	}
}
