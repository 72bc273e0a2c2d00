package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/angelmondragon/fleetpulse-inbound/internal/events"
	"github.com/angelmondragon/fleetpulse-inbound/internal/registry"
	"github.com/angelmondragon/fleetpulse-inbound/internal/router"
	pkgerrors "github.com/angelmondragon/fleetpulse-inbound/pkg/errors"
	"github.com/angelmondragon/fleetpulse-inbound/pkg/logger"
	"github.com/angelmondragon/fleetpulse-inbound/pkg/metrics"
)

// Config sizes the validation worker pool.
type Config struct {
	ThreadCount int
}

// SinkWriter is the routing surface the dispatcher writes to.
type SinkWriter interface {
	Send(ctx context.Context, sink router.Sink, key string, payload []byte) error
}

// ContextProvider decorates each task's context with the execution
// identity the validation work runs under.
type ContextProvider func(ctx context.Context) context.Context

// Dispatcher owns the worker pool that validates and routes decoded
// event payloads. Start and Stop manage the pool; Process fans a batch
// out as one independent task per payload.
type Dispatcher struct {
	registry    registry.Client
	sinks       SinkWriter
	metrics     *metrics.InboundMetrics
	logg        *logger.Logger
	ctxProvider ContextProvider

	mu   sync.Mutex
	pool *workerPool
}

// Params collects the dispatcher dependencies.
type Params struct {
	Registry        registry.Client
	Sinks           SinkWriter
	Metrics         *metrics.InboundMetrics
	Logger          *logger.Logger
	ContextProvider ContextProvider
}

// New builds a stopped dispatcher.
func New(params Params) (*Dispatcher, error) {
	if params.Registry == nil {
		return nil, errors.New("registry client is required")
	}
	if params.Sinks == nil {
		return nil, errors.New("sink writer is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	provider := params.ContextProvider
	if provider == nil {
		provider = func(ctx context.Context) context.Context { return ctx }
	}
	return &Dispatcher{
		registry:    params.Registry,
		sinks:       params.Sinks,
		metrics:     params.Metrics,
		logg:        params.Logger,
		ctxProvider: provider,
	}, nil
}

// Start allocates the worker pool. A pre-existing pool is terminated
// first, so Start doubles as a hard restart.
func (d *Dispatcher) Start(cfg Config) error {
	if cfg.ThreadCount <= 0 {
		return pkgerrors.New(pkgerrors.CodeConfig, fmt.Sprintf("processing thread count must be positive, got %d", cfg.ThreadCount))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pool != nil {
		d.pool.terminate()
	}
	d.pool = newWorkerPool(cfg.ThreadCount, d.runTask)

	d.logg.Info(context.Background(), fmt.Sprintf("validation dispatcher started with %d workers", cfg.ThreadCount))
	return nil
}

// Stop hard-cancels the pool: queued tasks are discarded and in-flight
// tasks see their context cancelled rather than being drained. Safe to
// call repeatedly.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pool == nil {
		return
	}
	d.pool.terminate()
	d.pool = nil
	d.logg.Info(context.Background(), "validation dispatcher stopped")
}

// Process submits one task per payload and returns as soon as all are
// queued. Per-payload failures never surface here; they are contained
// inside each task.
func (d *Dispatcher) Process(ctx context.Context, partition string, payloads []events.DecodedEventPayload) error {
	d.mu.Lock()
	pool := d.pool
	d.mu.Unlock()
	if pool == nil {
		return pkgerrors.New(pkgerrors.CodeInternal, "dispatcher is not started")
	}

	d.metrics.IncBatch()
	for _, payload := range payloads {
		pool.submit(task{partition: partition, payload: payload})
	}
	return nil
}

// runTask is the ambient execution wrapper: it attaches the execution
// identity and log fields, and contains panics so one payload can never
// take down a worker.
func (d *Dispatcher) runTask(ctx context.Context, t task) {
	taskCtx := d.ctxProvider(ctx)
	taskCtx = d.logg.WithPartition(taskCtx, t.partition)
	taskCtx = d.logg.WithDeviceToken(taskCtx, t.payload.DeviceToken)

	defer func() {
		if r := recover(); r != nil {
			d.metrics.IncFailure(metrics.StageRouting)
			d.logg.Error(taskCtx, "validation task panicked", fmt.Errorf("panic: %v", r))
		}
	}()

	d.runValidation(taskCtx, t.payload)
}

type task struct {
	partition string
	payload   events.DecodedEventPayload
}

// workerPool is a fixed set of workers draining an unbounded FIFO queue.
// If lookups or sink writes stall, queued work accumulates without
// bound; backpressure belongs to the collaborators.
type workerPool struct {
	ctx    context.Context
	cancel context.CancelFunc
	run    func(context.Context, task)

	mu    sync.Mutex
	cond  *sync.Cond
	queue []task
	done  bool
}

func newWorkerPool(size int, run func(context.Context, task)) *workerPool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &workerPool{
		ctx:    ctx,
		cancel: cancel,
		run:    run,
	}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < size; i++ {
		go p.worker()
	}
	return p
}

func (p *workerPool) worker() {
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.done {
			p.cond.Wait()
		}
		if p.done {
			p.mu.Unlock()
			return
		}
		next := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.run(p.ctx, next)
	}
}

// submit enqueues a task. Submissions after terminate are dropped; the
// upstream delivery contract owns redelivery at that point.
func (p *workerPool) submit(t task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return false
	}
	p.queue = append(p.queue, t)
	p.cond.Signal()
	return true
}

// terminate cancels in-flight task contexts and discards queued work.
// It does not wait for workers to finish their current task.
func (p *workerPool) terminate() {
	p.cancel()
	p.mu.Lock()
	p.done = true
	p.queue = nil
	p.mu.Unlock()
	p.cond.Broadcast()
}
