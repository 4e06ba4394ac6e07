package memory

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// vectorizeItem is one pending embedding job.
type vectorizeItem struct {
	entryID string
	content string
}

// VectorizationQueue embeds promoted entries in the background. Exactly one
// consumer drains a bounded channel, batching up to the configured batch
// size or flushing on an idle timeout, then calls the Embedder once per
// batch and writes the vectors back onto the matching store entries.
//
// Producers never block on embedding latency: Enqueue is a non-blocking
// send, and a full queue drops the item with a logged warning rather than
// stalling promotion. With a single consumer, embedding write-back never
// races; completion order need not match enqueue order.
type VectorizationQueue struct {
	store     *Store
	embedder  Embedder
	batchSize int
	idleFlush time.Duration
	logger    *zap.Logger

	in   chan vectorizeItem
	done chan struct{}

	// mu guards the pending batch and the closed flag, and is also held
	// across both the Enqueue send and the Shutdown close so a producer
	// can never send on a closed channel.
	mu      sync.Mutex
	pending []vectorizeItem
	closed  bool
	started bool

	workerCtx    context.Context
	workerCancel context.CancelFunc
	startOnce    sync.Once
	stopOnce     sync.Once
}

// defaultIdleFlush is how long the consumer waits on an empty queue before
// flushing a partial batch.
const defaultIdleFlush = 250 * time.Millisecond

// NewVectorizationQueue creates a queue over the store. Call Start to spawn
// the consumer; items enqueued before Start wait in the channel.
func NewVectorizationQueue(store *Store, embedder Embedder, cfg VectorizationConfig, logger *zap.Logger) *VectorizationQueue {
	batch := cfg.BatchSize
	if batch < 1 {
		batch = 16
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &VectorizationQueue{
		store:        store,
		embedder:     embedder,
		batchSize:    batch,
		idleFlush:    defaultIdleFlush,
		logger:       logger,
		in:           make(chan vectorizeItem, batch*8),
		done:         make(chan struct{}),
		workerCtx:    ctx,
		workerCancel: cancel,
	}
}

// Start spawns the single background consumer. Safe to call once.
func (q *VectorizationQueue) Start() {
	q.startOnce.Do(func() {
		q.mu.Lock()
		q.started = true
		q.mu.Unlock()
		go q.consume()
	})
}

// Enqueue submits an entry for background embedding. It never blocks: a
// closed or full queue returns false and the entry simply stays
// non-vectorized. The mutex is held across the send so the closed check
// and the send are atomic with respect to Shutdown closing the channel;
// the send itself never waits.
func (q *VectorizationQueue) Enqueue(entryID, content string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}

	select {
	case q.in <- vectorizeItem{entryID: entryID, content: content}:
		return true
	default:
		q.logger.Warn("vectorization queue full, dropping item",
			zap.String("entry_id", entryID))
		return false
	}
}

// consume is the single background consumer loop.
func (q *VectorizationQueue) consume() {
	defer close(q.done)

	timer := time.NewTimer(q.idleFlush)
	defer timer.Stop()

	for {
		// A timed-out shutdown cancels the worker and takes over the
		// remainder; stop consuming as soon as that happens.
		if q.workerCtx.Err() != nil {
			return
		}

		select {
		case item, ok := <-q.in:
			if !ok {
				// Drain phase: everything still queued goes out in
				// one final batch before the consumer exits.
				q.flush(q.takePending())
				return
			}
			if full := q.appendPending(item); full {
				q.flush(q.takePending())
			}

		case <-timer.C:
			q.flush(q.takePending())

		case <-q.workerCtx.Done():
			// Shutdown timed out and took over the remainder.
			return
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(q.idleFlush)
	}
}

// appendPending adds an item to the consumer's batch, reporting whether the
// batch is now full.
func (q *VectorizationQueue) appendPending(item vectorizeItem) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, item)
	return len(q.pending) >= q.batchSize
}

// takePending removes and returns the current partial batch.
func (q *VectorizationQueue) takePending() []vectorizeItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	batch := q.pending
	q.pending = nil
	return batch
}

// flush embeds one batch and writes the vectors back. Embedder failure is
// logged and the batch's entries stay non-vectorized; nothing propagates.
func (q *VectorizationQueue) flush(batch []vectorizeItem) {
	if len(batch) == 0 {
		return
	}

	texts := make([]string, len(batch))
	for i, item := range batch {
		texts[i] = item.content
	}

	vectors, err := embedBatchWithTimeout(q.workerCtx, q.embedder, texts)
	if err != nil {
		q.logger.Warn("embedding batch failed, entries stay non-vectorized",
			zap.Int("batch", len(batch)),
			zap.Error(err))
		return
	}
	if len(vectors) != len(batch) {
		q.logger.Warn("embedder returned wrong vector count",
			zap.Int("want", len(batch)),
			zap.Int("got", len(vectors)))
		return
	}

	written := 0
	for i, item := range batch {
		if q.store.SetEmbedding(item.entryID, vectors[i]) {
			written++
		}
	}
	q.logger.Debug("embedding batch written",
		zap.Int("batch", len(batch)),
		zap.Int("written", written))
}

// Shutdown stops accepting new items, waits up to timeout for the consumer
// to drain, and processes any remainder synchronously in one final batch
// before returning. Accepted items are never silently lost.
func (q *VectorizationQueue) Shutdown(timeout time.Duration) error {
	var timedOut bool
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		close(q.in)
		started := q.started
		q.mu.Unlock()

		if started {
			select {
			case <-q.done:
				return
			case <-time.After(timeout):
				timedOut = true
			}

			// The consumer is stuck (most likely inside a slow embed
			// call). Cancel it and wait for it to exit, so nothing it
			// already moved into the pending batch can be missed below.
			q.workerCancel()
			<-q.done
		}

		remainder := q.takePending()
		for item := range q.in {
			remainder = append(remainder, item)
		}
		q.flushSync(remainder)
	})
	if timedOut {
		return context.DeadlineExceeded
	}
	return nil
}

// flushSync embeds the shutdown remainder on the caller's goroutine using a
// fresh context, since workerCtx is already cancelled.
func (q *VectorizationQueue) flushSync(batch []vectorizeItem) {
	if len(batch) == 0 {
		return
	}
	texts := make([]string, len(batch))
	for i, item := range batch {
		texts[i] = item.content
	}
	vectors, err := embedBatchWithTimeout(context.Background(), q.embedder, texts)
	if err != nil || len(vectors) != len(batch) {
		q.logger.Warn("final shutdown batch failed",
			zap.Int("batch", len(batch)),
			zap.Error(err))
		return
	}
	for i, item := range batch {
		q.store.SetEmbedding(item.entryID, vectors[i])
	}
}
