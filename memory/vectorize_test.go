package memory_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/tiermem/core"
	"github.com/becomeliminal/tiermem/memory"
)

func newQueue(t *testing.T, store *memory.Store, embedder memory.Embedder, batchSize int) *memory.VectorizationQueue {
	t.Helper()
	return memory.NewVectorizationQueue(store, embedder,
		memory.VectorizationConfig{Enabled: true, BatchSize: batchSize}, nil)
}

func addUnvectorized(t *testing.T, store *memory.Store, content string) *core.MemoryEntry {
	t.Helper()
	e := core.NewEntry(content, core.TierL3SessionSummary, core.TypeSummary, 0.5)
	require.NoError(t, store.Add(e))
	return e
}

func TestVectorizeFullBatchWriteBack(t *testing.T) {
	store := memory.NewStore()
	embedder := &stubEmbedder{vector: []float32{0.5, 0.5}}
	q := newQueue(t, store, embedder, 2)
	q.Start()

	a := addUnvectorized(t, store, "summary a")
	b := addUnvectorized(t, store, "summary b")
	assert.True(t, q.Enqueue(a.ID, a.Content))
	assert.True(t, q.Enqueue(b.ID, b.Content))

	assert.Eventually(t, func() bool {
		ea, _ := store.Get(a.ID)
		eb, _ := store.Get(b.ID)
		return ea.Embedding != nil && eb.Embedding != nil
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, q.Shutdown(time.Second))
}

func TestVectorizeIdleFlushHandlesPartialBatch(t *testing.T) {
	store := memory.NewStore()
	embedder := &stubEmbedder{vector: []float32{1}}
	q := newQueue(t, store, embedder, 16)
	q.Start()
	defer q.Shutdown(time.Second)

	e := addUnvectorized(t, store, "lonely summary")
	require.True(t, q.Enqueue(e.ID, e.Content))

	assert.Eventually(t, func() bool {
		got, _ := store.Get(e.ID)
		return got.Embedding != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestVectorizeShutdownDrainsAcceptedItems(t *testing.T) {
	store := memory.NewStore()
	embedder := &stubEmbedder{vector: []float32{1}}
	q := newQueue(t, store, embedder, 16)
	q.Start()

	var entries []*core.MemoryEntry
	for i := 0; i < 5; i++ {
		e := addUnvectorized(t, store, "summary")
		require.True(t, q.Enqueue(e.ID, e.Content))
		entries = append(entries, e)
	}

	require.NoError(t, q.Shutdown(2*time.Second))

	for _, e := range entries {
		got, _ := store.Get(e.ID)
		assert.NotNil(t, got.Embedding, "accepted items are embedded before shutdown returns")
	}
}

func TestVectorizeEnqueueAfterShutdown(t *testing.T) {
	store := memory.NewStore()
	q := newQueue(t, store, &stubEmbedder{vector: []float32{1}}, 2)
	q.Start()
	require.NoError(t, q.Shutdown(time.Second))

	assert.False(t, q.Enqueue("id", "content"))
}

func TestVectorizeFullQueueDropsInsteadOfBlocking(t *testing.T) {
	store := memory.NewStore()
	// Never started: nothing consumes, so the channel (cap 8 at batch
	// size 1) fills up and further enqueues are rejected.
	q := newQueue(t, store, &stubEmbedder{vector: []float32{1}}, 1)

	for i := 0; i < 8; i++ {
		require.True(t, q.Enqueue("id", "content"))
	}
	assert.False(t, q.Enqueue("id", "overflow"))
}

func TestVectorizeEmbedderFailureLeavesEntries(t *testing.T) {
	store := memory.NewStore()
	embedder := &stubEmbedder{err: context.DeadlineExceeded}
	q := newQueue(t, store, embedder, 2)
	q.Start()

	a := addUnvectorized(t, store, "summary a")
	b := addUnvectorized(t, store, "summary b")
	q.Enqueue(a.ID, a.Content)
	q.Enqueue(b.ID, b.Content)

	require.NoError(t, q.Shutdown(time.Second))

	got, _ := store.Get(a.ID)
	assert.Nil(t, got.Embedding, "failed batches stay non-vectorized")
}

// stuckEmbedder blocks its first call until the context is cancelled;
// later calls succeed immediately.
type stuckEmbedder struct {
	mu    sync.Mutex
	calls int
}

func (e *stuckEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	first := e.calls == 1
	e.mu.Unlock()

	if first {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1}
	}
	return out, nil
}

func (e *stuckEmbedder) Dimensions() int { return 1 }

func TestVectorizeShutdownTimeout(t *testing.T) {
	store := memory.NewStore()
	q := newQueue(t, store, &stuckEmbedder{}, 1)
	q.Start()

	e := addUnvectorized(t, store, "summary")
	require.True(t, q.Enqueue(e.ID, e.Content))

	// Batch size 1 flushes immediately and the embedder wedges, so the
	// drain cannot finish in time.
	err := q.Shutdown(200 * time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestVectorizeShutdownTimeoutFlushesRemainder(t *testing.T) {
	store := memory.NewStore()
	q := newQueue(t, store, &stuckEmbedder{}, 1)
	q.Start()

	wedged := addUnvectorized(t, store, "wedged summary")
	require.True(t, q.Enqueue(wedged.ID, wedged.Content))

	var rest []*core.MemoryEntry
	for i := 0; i < 3; i++ {
		e := addUnvectorized(t, store, "queued behind the wedge")
		require.True(t, q.Enqueue(e.ID, e.Content))
		rest = append(rest, e)
	}

	err := q.Shutdown(200 * time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The batch in flight when the timeout hit fails with the cancelled
	// context, but every accepted item behind it is embedded in the final
	// synchronous flush before Shutdown returns.
	got, _ := store.Get(wedged.ID)
	assert.Nil(t, got.Embedding)
	for _, e := range rest {
		got, _ := store.Get(e.ID)
		assert.NotNil(t, got.Embedding, "accepted items behind a wedged batch are not lost")
	}
}

func TestVectorizeEnqueueRacesShutdown(t *testing.T) {
	store := memory.NewStore()
	q := newQueue(t, store, &stubEmbedder{vector: []float32{1}}, 4)
	q.Start()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					q.Enqueue("id", "content")
				}
			}
		}()
	}

	// Close the queue while producers are mid-enqueue; a send on the
	// closed channel would panic the process.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Shutdown(time.Second))

	close(stop)
	wg.Wait()
	assert.False(t, q.Enqueue("id", "content"))
}
