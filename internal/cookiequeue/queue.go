// Package cookiequeue implements the Cookie Upload Queue: a bounded
// FIFO with a single consumer that batches cookie snapshots and POSTs
// them to two independent backend endpoints, treated as siblings
// rather than primary/fallback.
package cookiequeue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"collectoragent/internal/logging"
)

// Envelope is a single cookie snapshot queued for upload.
type Envelope struct {
	AccountID string
	Cookies   map[string]string
	EnqueuedAt time.Time
}

// Uploader delivers a batch of envelopes to one backend endpoint.
// Returning an error only logs; there is no retry queue, per
// spec.md §4.3 — the next keepalive cycle produces a fresh snapshot.
type Uploader interface {
	Upload(ctx context.Context, batch []Envelope) error
}

const sentinelAccount = "\x00shutdown"

// Queue is the bounded cookie upload queue.
type Queue struct {
	log       *logging.Logger
	items     chan Envelope
	batchSize int
	flushEvery time.Duration
	endpoints []Uploader

	doneCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Queue with the given capacity, batch size, flush
// interval, and the set of independent upload endpoints.
func New(capacity, batchSize int, flushEvery time.Duration, endpoints []Uploader, log *logging.Logger) *Queue {
	return &Queue{
		log:        log,
		items:      make(chan Envelope, capacity),
		batchSize:  batchSize,
		flushEvery: flushEvery,
		endpoints:  endpoints,
		doneCh:     make(chan struct{}),
	}
}

// Put enqueues a cookie snapshot without blocking the producer. If
// the queue is full, the newest item is dropped and a warning logged.
func (q *Queue) Put(account string, cookies map[string]string) {
	env := Envelope{AccountID: account, Cookies: cookies, EnqueuedAt: time.Now()}
	select {
	case q.items <- env:
	default:
		q.log.Warn("cookie upload queue full, dropping newest envelope", zap.String("account_id", account))
	}
}

// Run starts the single consumer loop. It must run on its own
// goroutine — it only ever does HTTP, never touches the browser
// engine.
func (q *Queue) Run(ctx context.Context) {
	q.wg.Add(1)
	defer q.wg.Done()

	batch := make([]Envelope, 0, q.batchSize)
	ticker := time.NewTicker(q.flushEvery)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		q.deliver(ctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case env := <-q.items:
			if env.AccountID == sentinelAccount {
				flush()
				return
			}
			batch = append(batch, env)
			if len(batch) >= q.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			flush()
			return
		}
	}
}

// deliver POSTs the batch to every configured endpoint independently.
// A failure on one endpoint does not block delivery to the others;
// both-failed is logged and the batch is abandoned.
func (q *Queue) deliver(ctx context.Context, batch []Envelope) {
	delivered := false
	for _, ep := range q.endpoints {
		if err := ep.Upload(ctx, batch); err != nil {
			q.log.Warn("cookie batch upload failed on one endpoint", zap.Error(err), zap.Int("batch_size", len(batch)))
			continue
		}
		delivered = true
	}
	if !delivered {
		q.log.Error("cookie batch upload failed on all endpoints, abandoning batch", zap.Int("batch_size", len(batch)))
	}
}

// Shutdown enqueues a sentinel that unblocks the consumer, which
// flushes the remaining buffer before exiting Run, then waits for the
// consumer goroutine to finish.
func (q *Queue) Shutdown() {
	q.items <- Envelope{AccountID: sentinelAccount}
	q.wg.Wait()
}
