package ingest

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrQueueFull is returned by Enqueue when the task queue is at capacity.
var ErrQueueFull = errors.New("ingest: task queue is full")

// ErrPoolClosed is returned by Enqueue after Stop.
var ErrPoolClosed = errors.New("ingest: worker pool is stopped")

var (
	tasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_tasks_total",
		Help: "Ingestion tasks by final status.",
	}, []string{"status"})

	taskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ingest_task_duration_seconds",
		Help:    "Wall time per ingestion task including retries.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_queue_depth",
		Help: "Tasks currently waiting in the ingestion queue.",
	})
)

// PoolConfig tunes the worker pool.
type PoolConfig struct {
	Concurrency   int           // worker goroutines
	QueueDepth    int           // buffered tasks before Enqueue rejects
	MaxRetries    int           // retries after the first attempt, transient errors only
	SoftTimeLimit time.Duration // log a warning past this
	HardTimeLimit time.Duration // cancel the attempt past this
}

// Pool runs ingestion tasks on a fixed set of workers.
type Pool struct {
	pipeline *Pipeline
	cfg      PoolConfig

	mu     sync.Mutex
	queue  chan string
	wg     sync.WaitGroup
	cancel context.CancelFunc
	closed bool
}

// NewPool creates a worker pool; call Start before Enqueue.
func NewPool(pipeline *Pipeline, cfg PoolConfig) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 64
	}
	if cfg.HardTimeLimit <= 0 {
		cfg.HardTimeLimit = 15 * time.Minute
	}
	if cfg.SoftTimeLimit <= 0 || cfg.SoftTimeLimit > cfg.HardTimeLimit {
		cfg.SoftTimeLimit = cfg.HardTimeLimit * 9 / 10
	}
	return &Pool{
		pipeline: pipeline,
		cfg:      cfg,
		queue:    make(chan string, cfg.QueueDepth),
	}
}

// Start launches the workers. The context bounds the pool's lifetime;
// cancelling it abandons queued work.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	slog.Info("ingest: worker pool started",
		"concurrency", p.cfg.Concurrency, "queue_depth", p.cfg.QueueDepth)
}

// Enqueue schedules a source for ingestion without blocking.
func (p *Pool) Enqueue(sourceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.queue <- sourceID:
		queueDepth.Inc()
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop drains the queue: no new tasks are accepted, queued tasks finish,
// then the workers exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	if p.cancel != nil {
		p.cancel()
	}
	slog.Info("ingest: worker pool stopped")
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case sourceID, ok := <-p.queue:
			if !ok {
				return
			}
			queueDepth.Dec()
			p.process(ctx, sourceID)
		}
	}
}

// process runs one task with bounded retries on transient failures.
func (p *Pool) process(ctx context.Context, sourceID string) {
	start := time.Now()
	defer func() { taskDuration.Observe(time.Since(start).Seconds()) }()

	var err error
	for attempt := 0; ; attempt++ {
		// The first attempt claims the source via the PROCESSING gate;
		// retries resume a source this worker already holds.
		run := p.pipeline.Run
		if attempt > 0 {
			run = p.pipeline.Resume
		}
		err = p.runAttempt(ctx, sourceID, run)
		if err == nil {
			tasksTotal.WithLabelValues("ok").Inc()
			return
		}
		if errors.Is(err, ErrConflict) {
			slog.Info("ingest: skipping task, source already processing", "source_id", sourceID)
			tasksTotal.WithLabelValues("conflict").Inc()
			return
		}
		if !isTransient(err) || attempt >= p.cfg.MaxRetries {
			break
		}

		backoff := time.Duration(math.Pow(2, float64(attempt))) * time.Second
		slog.Warn("ingest: retrying after transient failure",
			"source_id", sourceID, "attempt", attempt+1,
			"max_retries", p.cfg.MaxRetries, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			tasksTotal.WithLabelValues("cancelled").Inc()
			return
		case <-time.After(backoff):
		}
	}

	// Transient failures mark FAILED only here, once retries are spent;
	// permanent ones were already marked by the pipeline.
	if isTransient(err) {
		p.pipeline.MarkFailed(ctx, sourceID, err)
	}
	slog.Error("ingest: task failed", "source_id", sourceID, "error", err)
	tasksTotal.WithLabelValues("failed").Inc()
}

// runAttempt runs one pipeline attempt under the soft and hard time
// limits.
func (p *Pool) runAttempt(ctx context.Context, sourceID string, run func(context.Context, string) error) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.HardTimeLimit)
	defer cancel()

	soft := time.AfterFunc(p.cfg.SoftTimeLimit, func() {
		slog.Warn("ingest: task exceeded soft time limit",
			"source_id", sourceID, "soft_limit", p.cfg.SoftTimeLimit)
	})
	defer soft.Stop()

	return run(ctx, sourceID)
}
