package track17

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// TaskResult is the outcome of resolving one tracking number.
type TaskResult struct {
	Number   string
	Response *TrackingResponse
	Err      error
	Fatal    bool
}

// maxWorkerAttempts bounds retries of one number across proxy rotations.
const maxWorkerAttempts = 3

type Worker struct {
	id      string
	tracker *Tracker
	logger  Logger
}

// Scheduler fans tracking numbers out over a pool of workers. Every worker
// has its own HTTP client (and proxy, when a manager is supplied) but all of
// them share one credential cache, so a single refresh serves the pool.
type Scheduler struct {
	workers      []*Worker
	workChan     chan string
	resultsChan  chan TaskResult
	wg           sync.WaitGroup
	cache        *CredentialCache
	proxyManager *ProxyManager
	carrier      uint32
	logger       Logger
	staggerDelay time.Duration
	cancel       context.CancelFunc
	fatalOnce    sync.Once
	stopped      atomic.Bool
}

// NewScheduler builds a pool of workerCount workers sharing the given cache.
// proxyManager may be nil for direct connections.
func NewScheduler(workerCount int, cache *CredentialCache, proxyManager *ProxyManager, carrier uint32, staggerDelay time.Duration, logger Logger) (*Scheduler, error) {
	if logger == nil {
		logger = NopLogger()
	}

	s := &Scheduler{
		workers:      make([]*Worker, workerCount),
		workChan:     make(chan string, workerCount*2),
		resultsChan:  make(chan TaskResult, workerCount*2),
		cache:        cache,
		proxyManager: proxyManager,
		carrier:      carrier,
		logger:       logger,
		staggerDelay: staggerDelay,
	}

	for i := 0; i < workerCount; i++ {
		worker, err := s.createWorker()
		if err != nil {
			return nil, err
		}
		s.workers[i] = worker
	}

	return s, nil
}

func generateWorkerID() string {
	return uuid.New().String()[:8]
}

func (s *Scheduler) createWorker() (*Worker, error) {
	id := generateWorkerID()
	logger := &workerLogger{id: id, base: s.logger}

	tracker, err := s.buildTracker(logger)
	if err != nil {
		return nil, err
	}

	return &Worker{id: id, tracker: tracker, logger: logger}, nil
}

func (s *Scheduler) buildTracker(logger Logger) (*Tracker, error) {
	proxyURL := ""
	if s.proxyManager != nil {
		proxy, idx := s.proxyManager.Random()
		proxyURL = proxy.URL()
		logger.Log("Using proxy: %s", s.proxyManager.DisplayAt(idx))
	}

	client, err := NewHTTPClient(nil, proxyURL)
	if err != nil {
		return nil, err
	}
	return NewTracker(client, s.cache, logger), nil
}

// workerLogger wraps a logger with worker ID prefix.
type workerLogger struct {
	id   string
	base Logger
}

func (w *workerLogger) Log(format string, args ...any) {
	w.base.Log("[%s] "+format, append([]any{w.id}, args...)...)
}

// Start launches the workers, optionally staggered to spread out the first
// wave of requests.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	for i, worker := range s.workers {
		s.wg.Add(1)
		go s.runWorker(ctx, worker)

		if s.staggerDelay > 0 && i < len(s.workers)-1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.staggerDelay):
			}
		}
	}
}

func (s *Scheduler) handleFatalError(err error) {
	s.fatalOnce.Do(func() {
		s.stopped.Store(true)
		s.logger.Log("FATAL ERROR: %v - stopping all workers", err)

		if s.cancel != nil {
			s.cancel()
		}

		select {
		case s.resultsChan <- TaskResult{Fatal: true, Err: err}:
		default:
		}
	})
}

func (s *Scheduler) runWorker(ctx context.Context, worker *Worker) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case number, ok := <-s.workChan:
			if !ok {
				return
			}
			if s.stopped.Load() {
				return
			}

			worker.logger.Log("Processing: %s", number)
			resp, err := s.resolveWithRetry(ctx, worker, number)

			if err != nil && IsFatalError(err) {
				s.handleFatalError(err)
				return
			}

			select {
			case s.resultsChan <- TaskResult{Number: number, Response: resp, Err: err}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// resolveWithRetry retries transient transport failures with a fresh client
// and proxy. Fatal and non-retryable errors are returned as-is.
func (s *Scheduler) resolveWithRetry(ctx context.Context, worker *Worker, number string) (*TrackingResponse, error) {
	var lastErr error
	for attempt := 0; attempt < maxWorkerAttempts; attempt++ {
		if s.stopped.Load() {
			return nil, lastErr
		}

		resp, err := worker.tracker.Track(ctx, number, s.carrier)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !IsRetryableError(err) {
			return nil, err
		}

		worker.logger.Log("Failed: %v, rotating proxy (attempt %d/%d)...", err, attempt+1, maxWorkerAttempts)
		tracker, buildErr := s.buildTracker(worker.logger)
		if buildErr != nil {
			worker.logger.Log("Failed to create new client: %v", buildErr)
			continue
		}
		worker.tracker = tracker
	}
	return nil, lastErr
}

// Submit adds a tracking number to the work queue.
func (s *Scheduler) Submit(number string) {
	s.workChan <- number
}

// Results returns the results channel for reading task outcomes.
func (s *Scheduler) Results() <-chan TaskResult {
	return s.resultsChan
}

// Close shuts down the scheduler and waits for workers to finish.
func (s *Scheduler) Close() {
	close(s.workChan)
	s.wg.Wait()
	close(s.resultsChan)
}

// WorkerCount returns the number of workers.
func (s *Scheduler) WorkerCount() int {
	return len(s.workers)
}
