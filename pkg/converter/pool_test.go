package converter_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackvity/batch-converter/pkg/converter"
)

type recordingHandler struct {
	mu        sync.Mutex
	handled   []string
	recovered map[string]any
	inFlight  atomic.Int32
	peak      atomic.Int32
	delay     time.Duration
	panicOn   string
}

func (h *recordingHandler) Handle(ctx context.Context, job *converter.ConversionJob) {
	n := h.inFlight.Add(1)
	defer h.inFlight.Add(-1)
	for {
		p := h.peak.Load()
		if n <= p || h.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if job.ID == h.panicOn {
		panic("engine exploded")
	}
	time.Sleep(h.delay)
	h.mu.Lock()
	h.handled = append(h.handled, job.ID)
	h.mu.Unlock()
}

func (h *recordingHandler) Recovered(job *converter.ConversionJob, value any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.recovered == nil {
		h.recovered = make(map[string]any)
	}
	h.recovered[job.ID] = value
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handled) + len(h.recovered)
}

func TestWorkerPool_BoundsConcurrency(t *testing.T) {
	q := converter.NewJobQueue(5 * time.Millisecond)
	h := &recordingHandler{delay: 15 * time.Millisecond}
	pool := converter.NewWorkerPool(3, q, h, nil)
	assert.Equal(t, 3, pool.Size())

	for i := 0; i < 12; i++ {
		require.NoError(t, q.Push(testJob(string(rune('a'+i)), "b1")))
	}
	pool.Start(context.Background())
	pool.Start(context.Background()) // no effect

	require.Eventually(t, func() bool { return h.count() == 12 }, 3*time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, int(h.peak.Load()), 3)
	assert.Equal(t, int32(3), h.peak.Load(), "all workers were busy at some point")

	q.Close()
	pool.Wait()
	assert.Zero(t, pool.Active())
}

func TestWorkerPool_PanicIsolatedToOneJob(t *testing.T) {
	q := converter.NewJobQueue(5 * time.Millisecond)
	h := &recordingHandler{panicOn: "b"}
	pool := converter.NewWorkerPool(1, q, h, nil)
	require.NoError(t, q.Push(testJob("a", "b1"), testJob("b", "b1"), testJob("c", "b1")))
	pool.Start(context.Background())

	require.Eventually(t, func() bool { return h.count() == 3 }, 2*time.Second, 5*time.Millisecond)
	h.mu.Lock()
	assert.Equal(t, []string{"a", "c"}, h.handled, "the worker survives the panic")
	assert.Equal(t, "engine exploded", h.recovered["b"])
	h.mu.Unlock()

	q.Close()
	pool.Wait()
}

func TestWorkerPool_StopsOnContextCancel(t *testing.T) {
	q := converter.NewJobQueue(time.Hour)
	pool := converter.NewWorkerPool(2, q, &recordingHandler{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		pool.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("workers did not exit after cancellation")
	}
}

func TestNewWorkerPool_ClampsSize(t *testing.T) {
	pool := converter.NewWorkerPool(0, converter.NewJobQueue(0), &recordingHandler{}, nil)
	assert.Equal(t, 1, pool.Size())
}
