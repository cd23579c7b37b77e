package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/meridianpay/riskengine/internal/metrics"
	"github.com/meridianpay/riskengine/internal/perf"
	"github.com/meridianpay/riskengine/internal/retry"
)

const (
	persistQueueSize    = 1024
	persistWorkers      = 4
	persistMaxAttempts  = 5
	persistBaseDelay    = 50 * time.Millisecond
	persistTaskDeadline = 10 * time.Second
)

// persistTask is a unit of background write work with a label for logging.
type persistTask struct {
	kind string
	fn   func(ctx context.Context) error
}

// persister runs audit writes off the request path. The queue is bounded so
// a stalled database produces dropped writes (counted and logged) instead of
// unbounded memory growth or blown evaluation deadlines.
type persister struct {
	tasks   chan persistTask
	monitor *perf.Monitor
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	once    sync.Once

	mu     sync.Mutex
	closed bool
}

func newPersister(monitor *perf.Monitor) *persister {
	return &persister{
		tasks:   make(chan persistTask, persistQueueSize),
		monitor: monitor,
	}
}

func (p *persister) start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	for i := 0; i < persistWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// stop closes the queue, lets workers drain what is already enqueued, then
// cancels any in-flight retries.
func (p *persister) stop() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		close(p.tasks)
	})
	p.wg.Wait()
	if p.cancel != nil {
		p.cancel()
	}
}

// submit enqueues a task without blocking. A full queue drops the task, and
// a stopped persister drops it too rather than sending on a closed channel.
func (p *persister) submit(kind string, fn func(ctx context.Context) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		metrics.PersistFailuresTotal.Inc()
		p.monitor.RecordPersistFailure()
		slog.Warn("persister stopped, dropping task", "kind", kind)
		return
	}
	select {
	case p.tasks <- persistTask{kind: kind, fn: fn}:
	default:
		metrics.PersistFailuresTotal.Inc()
		p.monitor.RecordPersistFailure()
		slog.Error("persist queue full, dropping task", "kind", kind)
	}
}

func (p *persister) worker(ctx context.Context) {
	defer p.wg.Done()
	for task := range p.tasks {
		err := retry.Do(ctx, persistMaxAttempts, persistBaseDelay, func() error {
			tctx, cancel := context.WithTimeout(ctx, persistTaskDeadline)
			defer cancel()
			return task.fn(tctx)
		})
		if err != nil {
			metrics.PersistFailuresTotal.Inc()
			p.monitor.RecordPersistFailure()
			slog.Error("background persist failed", "kind", task.kind, "error", err)
		}
	}
}
