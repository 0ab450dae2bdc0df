package converter

import (
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// FileFailure is one entry of a batch's failures list.
type FileFailure struct {
	JobID string    `json:"jobId" yaml:"jobId"`
	Path  string    `json:"path" yaml:"path"`
	Kind  ErrorKind `json:"kind" yaml:"kind"`
	Error string    `json:"error" yaml:"error"`
}

// BatchProgress is an immutable snapshot of one batch.
// CompletedFiles counts Success and Failed jobs; cancelled jobs are counted in CancelledFiles.
type BatchProgress struct {
	BatchID        string        `json:"batchId" yaml:"batchId"`
	TotalFiles     int           `json:"totalFiles" yaml:"totalFiles"`
	CompletedFiles int           `json:"completedFiles" yaml:"completedFiles"`
	SucceededFiles int           `json:"succeededFiles" yaml:"succeededFiles"`
	FailedFiles    int           `json:"failedFiles" yaml:"failedFiles"`
	CancelledFiles int           `json:"cancelledFiles" yaml:"cancelledFiles"`
	CurrentFile    string        `json:"currentFile,omitempty" yaml:"currentFile,omitempty"`
	Failures       []FileFailure `json:"failures,omitempty" yaml:"failures,omitempty"`
	Status         BatchStatus   `json:"status" yaml:"status"`
	UpdatedAt      time.Time     `json:"updatedAt" yaml:"updatedAt"`
}

// ProgressPercent is CompletedFiles / TotalFiles × 100. It is always derived, never stored.
func (p BatchProgress) ProgressPercent() float64 {
	if p.TotalFiles == 0 {
		return 0
	}
	return float64(p.CompletedFiles) / float64(p.TotalFiles) * 100
}

// SubscriptionHandle identifies a progress subscription.
type SubscriptionHandle uint64

const (
	subIdle int32 = iota
	subDelivering
	subClosed
)

type subscription struct {
	id    SubscriptionHandle
	cb    func(BatchProgress)
	state atomic.Int32 // subIdle, subDelivering or subClosed
}

type batchState struct {
	progress        BatchProgress
	cancelRequested bool
	results         map[string]ConversionResult
	order           []string // job ids in finish order
	done            chan struct{}
}

// ProgressAggregator turns per-job events into batch snapshots and publishes them
// to subscribers from a single dispatcher goroutine, never from workers.
type ProgressAggregator struct {
	mu      sync.Mutex
	batches map[string]*batchState

	subsMu sync.RWMutex
	subs   map[SubscriptionHandle]*subscription
	nextID SubscriptionHandle

	qmu     sync.Mutex
	pending []BatchProgress
	signal  chan struct{}
	closing bool
	stopped chan struct{}

	logger *slog.Logger
}

// NewProgressAggregator starts the dispatcher goroutine. Call Close to stop it.
func NewProgressAggregator(loggerHandler slog.Handler) *ProgressAggregator {
	if loggerHandler == nil {
		loggerHandler = slog.NewTextHandler(io.Discard, nil)
	}
	a := &ProgressAggregator{
		batches: make(map[string]*batchState),
		subs:    make(map[SubscriptionHandle]*subscription),
		signal:  make(chan struct{}, 1),
		stopped: make(chan struct{}),
		logger:  slog.New(loggerHandler).With(slog.String("component", "progressAggregator")),
	}
	go a.dispatch()
	return a
}

// Register creates a Pending batch of total files and publishes its first snapshot.
func (a *ProgressAggregator) Register(batchID string, total int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.batches[batchID]; exists {
		return fmt.Errorf("%w: %s", ErrBatchExists, batchID)
	}
	st := &batchState{
		progress: BatchProgress{BatchID: batchID, TotalFiles: total, Status: BatchPending, UpdatedAt: time.Now()},
		results:  make(map[string]ConversionResult, total),
		done:     make(chan struct{}),
	}
	a.batches[batchID] = st
	a.publishLocked(st)
	return nil
}

// Start records that a worker began path. The first call moves the batch to Running.
func (a *ProgressAggregator) Start(batchID, path string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.batches[batchID]
	if !ok || st.progress.Status.IsTerminal() {
		return
	}
	st.progress.Status = BatchRunning
	st.progress.CurrentFile = path
	a.publishLocked(st)
}

// Finish records the terminal result of one job. A second result for the same job
// is ignored and false is returned.
func (a *ProgressAggregator) Finish(r ConversionResult) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.batches[r.BatchID]
	if !ok || st.progress.Status.IsTerminal() {
		return false
	}
	if _, dup := st.results[r.JobID]; dup {
		a.logger.Warn("Duplicate terminal result ignored", slog.String("job_id", r.JobID), slog.String("batch_id", r.BatchID))
		return false
	}
	st.results[r.JobID] = r
	st.order = append(st.order, r.JobID)

	p := &st.progress
	switch r.Status {
	case JobSuccess:
		p.CompletedFiles++
		p.SucceededFiles++
	case JobFailed:
		p.CompletedFiles++
		p.FailedFiles++
		p.Failures = append(p.Failures, FileFailure{
			JobID: r.JobID,
			Path:  r.File.Path,
			Kind:  r.ErrorKind,
			Error: r.ErrorMessage(),
		})
	case JobCancelled:
		p.CancelledFiles++
	}
	if p.Status == BatchPending {
		p.Status = BatchRunning
	}
	a.settleLocked(st)
	a.publishLocked(st)
	return true
}

// MarkCancelRequested flags the batch so that it ends Cancelled instead of Completed.
func (a *ProgressAggregator) MarkCancelRequested(batchID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.batches[batchID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
	}
	if !st.progress.Status.IsTerminal() {
		st.cancelRequested = true
	}
	return nil
}

// settleLocked applies the terminal transition once every job is accounted for.
func (a *ProgressAggregator) settleLocked(st *batchState) {
	p := &st.progress
	if p.CompletedFiles+p.CancelledFiles < p.TotalFiles {
		return
	}
	if st.cancelRequested {
		p.Status = BatchCancelled
	} else {
		p.Status = BatchCompleted
	}
	p.CurrentFile = ""
	close(st.done)
	a.logger.Info("Batch finished",
		slog.String("batch_id", p.BatchID),
		slog.String("status", string(p.Status)),
		slog.Int("succeeded", p.SucceededFiles),
		slog.Int("failed", p.FailedFiles),
		slog.Int("cancelled", p.CancelledFiles),
	)
}

// Progress returns the current snapshot of batchID.
func (a *ProgressAggregator) Progress(batchID string) (BatchProgress, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.batches[batchID]
	if !ok {
		return BatchProgress{}, fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
	}
	return snapshotOf(st), nil
}

// Results returns the terminal results recorded so far, in finish order.
func (a *ProgressAggregator) Results(batchID string) ([]ConversionResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.batches[batchID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
	}
	out := make([]ConversionResult, 0, len(st.order))
	for _, id := range st.order {
		out = append(out, st.results[id])
	}
	return out, nil
}

// Done returns a channel closed when batchID reaches a terminal status.
func (a *ProgressAggregator) Done(batchID string) (<-chan struct{}, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.batches[batchID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
	}
	return st.done, nil
}

func snapshotOf(st *batchState) BatchProgress {
	p := st.progress
	p.Failures = slices.Clone(st.progress.Failures)
	return p
}

// publishLocked enqueues a snapshot for delivery. Caller holds a.mu, which keeps the
// delivery order equal to the mutation order.
func (a *ProgressAggregator) publishLocked(st *batchState) {
	st.progress.UpdatedAt = time.Now()
	snap := snapshotOf(st)

	a.qmu.Lock()
	if a.closing {
		a.qmu.Unlock()
		return
	}
	a.pending = append(a.pending, snap)
	a.qmu.Unlock()

	select {
	case a.signal <- struct{}{}:
	default:
	}
}

// Subscribe registers cb for every future snapshot of every batch.
// Callbacks run on the dispatcher goroutine, one at a time, in publication order.
func (a *ProgressAggregator) Subscribe(cb func(BatchProgress)) SubscriptionHandle {
	a.subsMu.Lock()
	defer a.subsMu.Unlock()
	a.nextID++
	s := &subscription{id: a.nextID, cb: cb}
	a.subs[s.id] = s
	return s.id
}

// Unsubscribe removes h. After it returns no new callback invocation for h begins;
// an invocation already running is allowed to finish. It never blocks, so it may be
// called from inside the callback itself.
func (a *ProgressAggregator) Unsubscribe(h SubscriptionHandle) {
	a.subsMu.Lock()
	s, ok := a.subs[h]
	delete(a.subs, h)
	a.subsMu.Unlock()
	if ok {
		s.state.Store(subClosed)
	}
}

// Close stops accepting snapshots, delivers the ones already queued and stops the dispatcher.
func (a *ProgressAggregator) Close() {
	a.qmu.Lock()
	if a.closing {
		a.qmu.Unlock()
		<-a.stopped
		return
	}
	a.closing = true
	a.qmu.Unlock()
	select {
	case a.signal <- struct{}{}:
	default:
	}
	<-a.stopped
}

func (a *ProgressAggregator) dispatch() {
	defer close(a.stopped)
	for range a.signal {
		a.qmu.Lock()
		batch := a.pending
		a.pending = nil
		closing := a.closing
		a.qmu.Unlock()

		for _, snap := range batch {
			a.deliver(snap)
		}
		if closing {
			a.qmu.Lock()
			empty := len(a.pending) == 0
			a.qmu.Unlock()
			if empty {
				return
			}
		}
	}
}

func (a *ProgressAggregator) deliver(snap BatchProgress) {
	a.subsMu.RLock()
	subs := make([]*subscription, 0, len(a.subs))
	for _, s := range a.subs {
		subs = append(subs, s)
	}
	a.subsMu.RUnlock()
	slices.SortFunc(subs, func(x, y *subscription) int { return int(x.id) - int(y.id) })

	for _, s := range subs {
		// The idle->delivering swap is the start of an invocation; it fails once Unsubscribe closed s.
		if !s.state.CompareAndSwap(subIdle, subDelivering) {
			continue
		}
		a.safeCall(s, snap)
		s.state.CompareAndSwap(subDelivering, subIdle)
	}
}

func (a *ProgressAggregator) safeCall(s *subscription, snap BatchProgress) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Progress subscriber panicked",
				slog.Uint64("subscription", uint64(s.id)),
				slog.Any("panicValue", r),
			)
		}
	}()
	s.cb(snap)
}
