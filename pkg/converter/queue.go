package converter

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// JobQueue is an unbounded, thread-safe FIFO of pending jobs.
//
// Order is defined by a per-job sequence number assigned on Push. MoveToFront gives a
// job a sequence number smaller than any other, and Requeue re-inserts a job at the
// position its sequence number dictates, so a retried job keeps its place instead of
// going to the back. A requeued job may carry a backoff deadline; until it passes,
// Pop serves the next ready job behind it.
type JobQueue struct {
	mu       sync.Mutex
	items    *list.List // *ConversionJob ordered by seq
	index    map[string]*list.Element
	nextSeq  int64
	frontSeq int64
	changed  chan struct{} // closed and replaced on every mutation
	paused   bool
	closed   bool
	poll     time.Duration
}

// NewJobQueue returns an empty queue. Blocked Pop calls re-check state at least
// every pollInterval.
func NewJobQueue(pollInterval time.Duration) *JobQueue {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &JobQueue{
		items:   list.New(),
		index:   make(map[string]*list.Element),
		changed: make(chan struct{}),
		poll:    pollInterval,
	}
}

// notifyLocked wakes every waiting Pop. Caller holds q.mu.
func (q *JobQueue) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// Push appends jobs in order.
func (q *JobQueue) Push(jobs ...*ConversionJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	for _, j := range jobs {
		q.nextSeq++
		j.seq = q.nextSeq
		q.index[j.ID] = q.items.PushBack(j)
	}
	q.notifyLocked()
	return nil
}

// Requeue puts a job that already left the queue back at its original position.
// The job is not handed out again before notBefore.
func (q *JobQueue) Requeue(j *ConversionJob, notBefore time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	j.setReadyAt(notBefore)

	mark := q.items.Back()
	for mark != nil && mark.Value.(*ConversionJob).seq > j.seq {
		mark = mark.Prev()
	}
	if mark == nil {
		q.index[j.ID] = q.items.PushFront(j)
	} else {
		q.index[j.ID] = q.items.InsertAfter(j, mark)
	}
	q.notifyLocked()
	return nil
}

// MoveToFront makes the queued job with jobID the next one to be dequeued.
func (q *JobQueue) MoveToFront(jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	el, ok := q.index[jobID]
	if !ok {
		return ErrJobNotQueued
	}
	q.frontSeq--
	el.Value.(*ConversionJob).seq = q.frontSeq
	q.items.MoveToFront(el)
	q.notifyLocked()
	return nil
}

// Pop blocks until a ready job is available and removes it from the queue.
// It returns ErrQueueClosed after Close and ctx.Err() when ctx is done.
// While the queue is paused nothing is dequeued.
func (q *JobQueue) Pop(ctx context.Context) (*ConversionJob, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}

		wait := q.poll
		if !q.paused {
			now := time.Now()
			for el := q.items.Front(); el != nil; el = el.Next() {
				j := el.Value.(*ConversionJob)
				ready := j.readyAt()
				if !ready.After(now) {
					q.items.Remove(el)
					delete(q.index, j.ID)
					q.mu.Unlock()
					return j, nil
				}
				if d := ready.Sub(now); d < wait {
					wait = d
				}
			}
		}
		changed := q.changed
		q.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-changed:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// Remove takes a still-queued job out of the queue. It reports false when the job
// was already dequeued (or never queued).
func (q *JobQueue) Remove(jobID string) (*ConversionJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	el, ok := q.index[jobID]
	if !ok {
		return nil, false
	}
	q.items.Remove(el)
	delete(q.index, jobID)
	q.notifyLocked()
	return el.Value.(*ConversionJob), true
}

// RemoveBatch removes and returns every queued job of batchID, in queue order.
func (q *JobQueue) RemoveBatch(batchID string) []*ConversionJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	var removed []*ConversionJob
	for el := q.items.Front(); el != nil; {
		next := el.Next()
		if j := el.Value.(*ConversionJob); j.BatchID == batchID {
			q.items.Remove(el)
			delete(q.index, j.ID)
			removed = append(removed, j)
		}
		el = next
	}
	if len(removed) > 0 {
		q.notifyLocked()
	}
	return removed
}

// Snapshot returns the queued job ids in dequeue order.
func (q *JobQueue) Snapshot() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, 0, q.items.Len())
	for el := q.items.Front(); el != nil; el = el.Next() {
		ids = append(ids, el.Value.(*ConversionJob).ID)
	}
	return ids
}

// Len returns the queue depth.
func (q *JobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Pause stops Pop from handing out jobs until Resume.
func (q *JobQueue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume re-enables dequeueing and wakes waiting workers.
func (q *JobQueue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.paused {
		q.paused = false
		q.notifyLocked()
	}
}

// Paused reports whether dequeueing is suspended.
func (q *JobQueue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Close wakes every Pop with ErrQueueClosed and returns the jobs still queued.
func (q *JobQueue) Close() []*ConversionJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	var remaining []*ConversionJob
	for el := q.items.Front(); el != nil; el = el.Next() {
		remaining = append(remaining, el.Value.(*ConversionJob))
	}
	q.items.Init()
	q.index = make(map[string]*list.Element)
	q.notifyLocked()
	return remaining
}
