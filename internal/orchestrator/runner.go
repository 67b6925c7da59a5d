package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/halcyon-dev/parley/internal/logging"
)

// DueIndex lists conversations whose wake-up time has passed.
type DueIndex interface {
	Due(now time.Time, limit int) ([]string, error)
}

// Runner polls the due index and dispatches wake-up handlers. It is the
// process-wide replacement for a per-conversation alarm primitive: one
// scan loop, one goroutine per due conversation, and a keyed lock that
// guarantees the single-writer rule.
type Runner struct {
	index    DueIndex
	monitor  *Monitor
	log      *logging.Logger
	interval time.Duration
	batch    int
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	wg   sync.WaitGroup
	stop chan struct{}
	once sync.Once
}

func NewRunner(index DueIndex, monitor *Monitor, log *logging.Logger, scanInterval time.Duration) *Runner {
	if scanInterval <= 0 {
		scanInterval = 500 * time.Millisecond
	}
	return &Runner{
		index:    index,
		monitor:  monitor,
		log:      log,
		interval: scanInterval,
		batch:    32,
		locks:    map[string]*sync.Mutex{},
		now:      func() time.Time { return time.Now().UTC() },
		stop:     make(chan struct{}),
	}
}

// Start launches the scan loop. It returns immediately.
func (r *Runner) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.scan(ctx)
			}
		}
	}()
}

// Stop halts the scan loop and waits for in-flight handlers to finish.
func (r *Runner) Stop() {
	r.once.Do(func() { close(r.stop) })
	r.wg.Wait()
}

// ForceStop terminates a conversation from outside the wake-up cycle. It
// blocks until any in-flight handler for the same conversation has
// finished, so the stop applies at a handler boundary.
func (r *Runner) ForceStop(ctx context.Context, id, reason string) error {
	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	return r.monitor.ForceStop(ctx, id, reason)
}

func (r *Runner) scan(ctx context.Context) {
	due, err := r.index.Due(r.now(), r.batch)
	if err != nil {
		r.log.Printf("runner: scan due index: %v", err)
		return
	}
	for _, id := range due {
		r.dispatch(ctx, id)
	}
}

// dispatch runs the handler for one conversation unless one is already in
// flight for it; an overlapping wake-up is simply skipped and picked up
// by a later scan if still due.
func (r *Runner) dispatch(ctx context.Context, id string) {
	lock := r.lockFor(id)
	if !lock.TryLock() {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer lock.Unlock()
		if err := r.monitor.HandleWake(ctx, id); err != nil {
			r.log.Printf("runner: conversation %s: %v", id, err)
		}
	}()
}

func (r *Runner) lockFor(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[id] = lock
	}
	return lock
}
