// Package admission queues and rate-limits deployment requests ahead of the
// pipeline: a priority queue with anti-starvation aging, per-tenant and
// per-requester token buckets, a circuit breaker for overload shedding and
// a bounded worker pool that runs the pipeline itself.
package admission

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/kernelforge/kernelforge/deployment"
	"github.com/kernelforge/kernelforge/observability"
)

var (
	ErrQueueFull   = errors.New("admission queue is full")
	ErrCircuitOpen = errors.New("admission circuit is open")
)

// Executor runs one deployment request to completion.
type Executor interface {
	Execute(ctx context.Context, req *deployment.Request) *deployment.Result
}

// Config tunes the admission controller.
type Config struct {
	// MaxConcurrency bounds the pipeline worker pool.
	MaxConcurrency int
	// MaxQueueDepth is the self-protection bound; low-priority tasks are
	// rejected beyond it and the circuit opens.
	MaxQueueDepth int
	// MaxExecutionTime forcibly cancels a run that outlives it, so a hung
	// node cannot leak a worker.
	MaxExecutionTime time.Duration
	// TenantRate / RequesterRate are token-bucket rates per second.
	TenantRate     float64
	TenantBurst    int
	RequesterRate  float64
	RequesterBurst int
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrency:   10,
		MaxQueueDepth:    1000,
		MaxExecutionTime: 5 * time.Minute,
		TenantRate:       50,
		TenantBurst:      10,
		RequesterRate:    5,
		RequesterBurst:   2,
	}
}

// Controller admits, queues and dispatches deployment requests.
type Controller struct {
	cfg               Config
	queue             *Queue
	tenantLimiters    *TokenBucketLimiter
	requesterLimiters *TokenBucketLimiter
	breaker           *CircuitBreaker
	executor          Executor
	active            atomic.Int64
}

func NewController(executor Executor, cfg Config) *Controller {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultConfig().MaxConcurrency
	}
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = DefaultConfig().MaxQueueDepth
	}
	if cfg.MaxExecutionTime <= 0 {
		cfg.MaxExecutionTime = DefaultConfig().MaxExecutionTime
	}
	return &Controller{
		cfg:               cfg,
		queue:             NewQueue(),
		tenantLimiters:    NewTokenBucketLimiter(cfg.TenantRate, cfg.TenantBurst),
		requesterLimiters: NewTokenBucketLimiter(cfg.RequesterRate, cfg.RequesterBurst),
		breaker:           NewCircuitBreaker(cfg.MaxQueueDepth),
		executor:          executor,
	}
}

// Submit admits a request into the queue. The returned task's Done channel
// receives the pipeline result exactly once.
func (c *Controller) Submit(req *deployment.Request, priority int) (*Task, error) {
	depth := c.queue.Len()
	saturation := c.saturation()

	if !c.breaker.ShouldAdmit(depth, saturation) {
		observability.AdmissionRejections.WithLabelValues("circuit_open").Inc()
		return nil, ErrCircuitOpen
	}
	if depth >= c.cfg.MaxQueueDepth && priority > 0 {
		observability.AdmissionRejections.WithLabelValues("queue_full").Inc()
		return nil, ErrQueueFull
	}

	now := time.Now()
	task := &Task{
		Request:    req,
		Priority:   priority,
		Deadline:   now.Add(c.cfg.MaxExecutionTime),
		SubmitTime: now,
		EnqueuedAt: now,
		Done:       make(chan *deployment.Result, 1),
	}
	c.queue.Push(task)
	observability.AdmissionQueueDepth.Set(float64(c.queue.Len()))
	return task, nil
}

// Start begins the dispatch loop. It returns immediately; cancel ctx to
// stop.
func (c *Controller) Start(ctx context.Context) {
	go c.dispatch(ctx)
}

func (c *Controller) dispatch(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	// Worker slots: dispatch blocks on a slot before popping a task so
	// priority ordering holds while the pool is busy.
	slots := make(chan struct{}, c.cfg.MaxConcurrency)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for c.queue.Len() > 0 {
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				return
			}

			task := c.queue.Pop()
			if task == nil {
				<-slots
				break
			}
			observability.AdmissionQueueDepth.Set(float64(c.queue.Len()))

			// Rate limits: a throttled task is re-queued with backoff
			// rather than dropped.
			if !c.requesterLimiters.Allow(task.Request.Requester) {
				observability.AdmissionRejections.WithLabelValues("rate_limited").Inc()
				c.queue.PushDelayed(task, time.Second)
				<-slots
				continue
			}
			if !c.tenantLimiters.Allow(task.Request.TenantID) {
				observability.AdmissionRejections.WithLabelValues("rate_limited").Inc()
				c.queue.PushDelayed(task, 5*time.Second)
				<-slots
				continue
			}

			observability.AdmissionWaitSeconds.Observe(time.Since(task.EnqueuedAt).Seconds())
			go c.runTask(ctx, task, slots)
		}
	}
}

func (c *Controller) runTask(ctx context.Context, task *Task, slots chan struct{}) {
	c.active.Add(1)
	observability.WorkerSaturation.Set(c.saturation())
	defer func() {
		c.active.Add(-1)
		observability.WorkerSaturation.Set(c.saturation())
		<-slots
	}()

	runCtx, cancel := context.WithTimeout(ctx, c.cfg.MaxExecutionTime)
	defer cancel()

	result := c.executor.Execute(runCtx, task.Request)
	if result != nil && result.Success {
		c.breaker.RecordSuccess()
	} else {
		c.breaker.RecordFailure()
	}

	select {
	case task.Done <- result:
	default:
		log.Printf("[admission] result for %s dropped: done channel full", task.Request.ExecutionID)
	}
}

func (c *Controller) saturation() float64 {
	return float64(c.active.Load()) / float64(c.cfg.MaxConcurrency)
}

// QueueDepth returns the number of tasks awaiting dispatch.
func (c *Controller) QueueDepth() int {
	return c.queue.Len()
}

// BreakerState exposes the circuit position for health endpoints.
func (c *Controller) BreakerState() string {
	return c.breaker.State().String()
}
