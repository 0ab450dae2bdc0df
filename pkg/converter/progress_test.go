package converter_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackvity/batch-converter/pkg/converter"
)

type snapshotRecorder struct {
	mu    sync.Mutex
	snaps []converter.BatchProgress
}

func (r *snapshotRecorder) record(p converter.BatchProgress) {
	r.mu.Lock()
	r.snaps = append(r.snaps, p)
	r.mu.Unlock()
}

func (r *snapshotRecorder) all() []converter.BatchProgress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]converter.BatchProgress(nil), r.snaps...)
}

func result(batch, job string, status converter.JobStatus) converter.ConversionResult {
	r := converter.ConversionResult{JobID: job, BatchID: batch, Status: status, File: converter.FileInfo{Path: "/in/" + job}}
	if status == converter.JobFailed {
		r.Err = converter.NewFatalError("/in/"+job, assert.AnError)
		r.ErrorKind = converter.KindFatal
	}
	return r
}

func TestProgressAggregator_LifecycleAndSnapshots(t *testing.T) {
	agg := converter.NewProgressAggregator(nil)
	rec := &snapshotRecorder{}
	agg.Subscribe(rec.record)

	require.NoError(t, agg.Register("b1", 3))
	assert.ErrorIs(t, agg.Register("b1", 3), converter.ErrBatchExists)

	agg.Start("b1", "/in/a")
	assert.True(t, agg.Finish(result("b1", "a", converter.JobSuccess)))
	assert.False(t, agg.Finish(result("b1", "a", converter.JobFailed)), "a second result for the same job is ignored")
	assert.True(t, agg.Finish(result("b1", "b", converter.JobFailed)))

	p, err := agg.Progress("b1")
	require.NoError(t, err)
	assert.Equal(t, converter.BatchRunning, p.Status)
	assert.InDelta(t, 66.67, p.ProgressPercent(), 0.01)

	assert.True(t, agg.Finish(result("b1", "c", converter.JobSuccess)))
	done, err := agg.Done("b1")
	require.NoError(t, err)
	select {
	case <-done:
	default:
		t.Fatal("batch should be terminal")
	}
	assert.False(t, agg.Finish(result("b1", "d", converter.JobSuccess)), "terminal batches accept no results")

	agg.Close()
	snaps := rec.all()
	require.NotEmpty(t, snaps)
	assert.Equal(t, converter.BatchPending, snaps[0].Status)
	last := snaps[len(snaps)-1]
	assert.Equal(t, converter.BatchCompleted, last.Status)
	assert.Equal(t, 3, last.CompletedFiles)
	assert.Equal(t, 2, last.SucceededFiles)
	assert.Equal(t, 1, last.FailedFiles)
	assert.Empty(t, last.CurrentFile)
	require.Len(t, last.Failures, 1)
	assert.Equal(t, "b", last.Failures[0].JobID)
	assert.Equal(t, converter.KindFatal, last.Failures[0].Kind)
	assert.Equal(t, 100.0, last.ProgressPercent())

	for i := 1; i < len(snaps); i++ {
		assert.GreaterOrEqual(t, snaps[i].CompletedFiles, snaps[i-1].CompletedFiles, "completed count never decreases")
		assert.LessOrEqual(t, snaps[i].CompletedFiles+snaps[i].CancelledFiles, snaps[i].TotalFiles)
	}

	results, err := agg.Results("b1")
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "a", results[0].JobID)
}

func TestProgressAggregator_CancelledBatch(t *testing.T) {
	agg := converter.NewProgressAggregator(nil)
	defer agg.Close()
	require.NoError(t, agg.Register("b1", 2))
	require.NoError(t, agg.MarkCancelRequested("b1"))
	agg.Finish(result("b1", "a", converter.JobSuccess))
	agg.Finish(result("b1", "b", converter.JobCancelled))

	p, err := agg.Progress("b1")
	require.NoError(t, err)
	assert.Equal(t, converter.BatchCancelled, p.Status)
	assert.Equal(t, 1, p.CompletedFiles)
	assert.Equal(t, 1, p.CancelledFiles)
	assert.Equal(t, 50.0, p.ProgressPercent())
}

func TestProgressAggregator_UnknownBatch(t *testing.T) {
	agg := converter.NewProgressAggregator(nil)
	defer agg.Close()
	_, err := agg.Progress("nope")
	assert.ErrorIs(t, err, converter.ErrBatchNotFound)
	_, err = agg.Results("nope")
	assert.ErrorIs(t, err, converter.ErrBatchNotFound)
	_, err = agg.Done("nope")
	assert.ErrorIs(t, err, converter.ErrBatchNotFound)
	assert.ErrorIs(t, agg.MarkCancelRequested("nope"), converter.ErrBatchNotFound)
	assert.False(t, agg.Finish(result("nope", "a", converter.JobSuccess)))
}

func TestProgressPercent_EmptyBatch(t *testing.T) {
	assert.Zero(t, converter.BatchProgress{}.ProgressPercent())
}

func TestProgressAggregator_UnsubscribeStopsDelivery(t *testing.T) {
	agg := converter.NewProgressAggregator(nil)
	defer agg.Close()

	var mu sync.Mutex
	count := 0
	h := agg.Subscribe(func(converter.BatchProgress) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.NoError(t, agg.Register("b1", 10))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, time.Second, time.Millisecond)

	agg.Unsubscribe(h)
	agg.Unsubscribe(h) // idempotent
	for i := 0; i < 5; i++ {
		agg.Finish(result("b1", string(rune('a'+i)), converter.JobSuccess))
	}
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, count)
	mu.Unlock()
}

func TestProgressAggregator_UnsubscribeFromInsideCallback(t *testing.T) {
	agg := converter.NewProgressAggregator(nil)
	var (
		mu     sync.Mutex
		calls  int
		handle converter.SubscriptionHandle
	)
	ready := make(chan struct{})
	handle = agg.Subscribe(func(converter.BatchProgress) {
		<-ready
		mu.Lock()
		calls++
		mu.Unlock()
		agg.Unsubscribe(handle) // must not deadlock
	})
	close(ready)
	require.NoError(t, agg.Register("b1", 3))
	agg.Finish(result("b1", "a", converter.JobSuccess))
	agg.Finish(result("b1", "b", converter.JobSuccess))

	closed := make(chan struct{})
	go func() {
		agg.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher deadlocked")
	}
	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
}

func TestProgressAggregator_SubscriberPanicDoesNotStopOthers(t *testing.T) {
	agg := converter.NewProgressAggregator(nil)
	rec := &snapshotRecorder{}
	agg.Subscribe(func(converter.BatchProgress) { panic("bad subscriber") })
	agg.Subscribe(rec.record)

	require.NoError(t, agg.Register("b1", 1))
	agg.Finish(result("b1", "a", converter.JobSuccess))
	agg.Close()
	assert.Len(t, rec.all(), 2)
}

func TestProgressAggregator_SnapshotsAreCopies(t *testing.T) {
	agg := converter.NewProgressAggregator(nil)
	defer agg.Close()
	require.NoError(t, agg.Register("b1", 2))
	agg.Finish(result("b1", "a", converter.JobFailed))

	p, err := agg.Progress("b1")
	require.NoError(t, err)
	p.Failures[0].Error = "tampered"

	again, err := agg.Progress("b1")
	require.NoError(t, err)
	assert.NotEqual(t, "tampered", again.Failures[0].Error)
}
