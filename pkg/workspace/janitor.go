package workspace

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Janitor tears workspaces down in the background so a slow or failing
// removal never delays a response that has already been produced.
//
// Removals are retried with exponential backoff. When the queue is full the
// request is dropped and logged; Store.Prune reclaims such leftovers later.
type Janitor struct {
	store    *Store
	logger   *zap.Logger
	attempts int
	backoff  time.Duration

	queue  chan string
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool

	// destroy is Store.Destroy, replaceable in tests.
	destroy func(token string) error
}

// JanitorOption configures a Janitor.
type JanitorOption func(*Janitor)

// WithRetry sets the attempt budget and initial backoff.
func WithRetry(attempts int, backoff time.Duration) JanitorOption {
	return func(j *Janitor) {
		if attempts > 0 {
			j.attempts = attempts
		}
		if backoff > 0 {
			j.backoff = backoff
		}
	}
}

// WithQueueSize sets the pending-teardown capacity.
func WithQueueSize(n int) JanitorOption {
	return func(j *Janitor) {
		if n > 0 {
			j.queue = make(chan string, n)
		}
	}
}

// NewJanitor starts a janitor for store. Close must be called to drain it.
func NewJanitor(store *Store, logger *zap.Logger, opts ...JanitorOption) *Janitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	j := &Janitor{
		store:    store,
		logger:   logger,
		attempts: 3,
		backoff:  500 * time.Millisecond,
		queue:    make(chan string, 256),
		destroy:  store.Destroy,
	}
	for _, opt := range opts {
		opt(j)
	}

	j.wg.Add(1)
	go j.run()
	return j
}

// Discard queues token for removal. It never blocks.
func (j *Janitor) Discard(token string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		j.logger.Warn("Janitor closed; workspace left for gc", zap.String("job_id", token))
		return
	}
	select {
	case j.queue <- token:
	default:
		j.logger.Warn("Janitor queue full; workspace left for gc", zap.String("job_id", token))
	}
}

// Close stops accepting work and waits for queued removals, or for ctx.
func (j *Janitor) Close(ctx context.Context) error {
	j.mu.Lock()
	if !j.closed {
		j.closed = true
		close(j.queue)
	}
	j.mu.Unlock()

	done := make(chan struct{})
	go func() {
		j.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Janitor) run() {
	defer j.wg.Done()
	for token := range j.queue {
		j.remove(token)
	}
}

func (j *Janitor) remove(token string) {
	delay := j.backoff
	var err error
	for attempt := 1; attempt <= j.attempts; attempt++ {
		if err = j.destroy(token); err == nil {
			j.logger.Debug("Workspace removed", zap.String("job_id", token))
			return
		}
		if attempt < j.attempts {
			time.Sleep(delay)
			delay *= 2
		}
	}
	j.logger.Error("Failed to remove workspace",
		zap.String("job_id", token),
		zap.Int("attempts", j.attempts),
		zap.Error(err))
}
