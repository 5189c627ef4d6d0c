package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var (
	ErrUnknownTask = errors.New("unknown task")
	ErrQueueFull   = errors.New("queue is full")
	ErrClosed      = errors.New("queue is shut down")
)

var (
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "feedhub_queue_depth",
		Help: "Jobs waiting for a worker",
	})

	delayedJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "feedhub_queue_delayed_jobs",
		Help: "Jobs waiting for their delay to elapse",
	})

	jobResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedhub_queue_jobs_total",
		Help: "Finished jobs by task and result",
	}, []string{"task", "result"})

	jobRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedhub_queue_retries_total",
		Help: "Failed job attempts that were retried",
	}, []string{"task"})
)

// Handler runs one job for a feed. Wrap an error in backoff.Permanent to stop retries.
type Handler func(ctx context.Context, feedID int64) error

type Job struct {
	ID     string
	Task   string
	FeedID int64
}

type Config struct {
	Workers   int
	QueueSize int
	// MaxRetries is the number of retries after the first attempt
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Queue is an in-process job queue drained by a fixed pool of workers
type Queue struct {
	cfg      Config
	jobs     chan Job
	mu       sync.Mutex
	handlers map[string]Handler
	timers   map[string]*time.Timer
	started  bool
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

func New(ctx context.Context, cfg Config) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = time.Minute
	}

	ctx, cancel := context.WithCancel(ctx)
	return &Queue{
		cfg:      cfg,
		jobs:     make(chan Job, cfg.QueueSize),
		handlers: make(map[string]Handler),
		timers:   make(map[string]*time.Timer),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (q *Queue) Register(task string, handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[task] = handler
}

// Start launches the workers. Calling it again is a no-op.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.startWorker(i)
	}
}

// ScheduleNow enqueues a job without blocking
func (q *Queue) ScheduleNow(task string, feedID int64) error {
	job, err := q.newJob(task, feedID)
	if err != nil {
		return err
	}
	return q.enqueue(job)
}

// ScheduleAfterDelay enqueues a job once delay has elapsed. Pending delayed
// jobs are dropped on shutdown.
func (q *Queue) ScheduleAfterDelay(task string, feedID int64, delay time.Duration) error {
	job, err := q.newJob(task, feedID)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	delayedJobs.Inc()
	q.timers[job.ID] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		_, pending := q.timers[job.ID]
		delete(q.timers, job.ID)
		q.mu.Unlock()
		if !pending {
			return
		}
		delayedJobs.Dec()
		if err := q.enqueue(job); err != nil {
			log.WithFields(log.Fields{
				"job":  job.ID,
				"task": job.Task,
				"feed": job.FeedID,
			}).WithError(err).Error("Unable to enqueue delayed job")
		}
	})
	return nil
}

// Shutdown stops the workers after their current job and drops pending jobs
func (q *Queue) Shutdown() {
	q.cancel()

	q.mu.Lock()
	for id, timer := range q.timers {
		if timer.Stop() {
			delayedJobs.Dec()
		}
		delete(q.timers, id)
	}
	q.mu.Unlock()

	q.wg.Wait()
}

func (q *Queue) newJob(task string, feedID int64) (Job, error) {
	if q.ctx.Err() != nil {
		return Job{}, ErrClosed
	}
	q.mu.Lock()
	_, ok := q.handlers[task]
	q.mu.Unlock()
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrUnknownTask, task)
	}
	return Job{ID: uuid.New().String(), Task: task, FeedID: feedID}, nil
}

func (q *Queue) enqueue(job Job) error {
	select {
	case <-q.ctx.Done():
		return ErrClosed
	default:
	}
	select {
	case q.jobs <- job:
		queueDepth.Inc()
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *Queue) startWorker(id int) {
	defer q.wg.Done()

	for {
		select {
		case <-q.ctx.Done():
			log.Debugf("Worker %d: Shutting down", id)
			return
		case job := <-q.jobs:
			queueDepth.Dec()
			q.process(id, job)
		}
	}
}

func (q *Queue) process(worker int, job Job) {
	q.mu.Lock()
	handler := q.handlers[job.Task]
	q.mu.Unlock()

	logger := log.WithFields(log.Fields{
		"worker": worker,
		"job":    job.ID,
		"task":   job.Task,
		"feed":   job.FeedID,
	})

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = q.cfg.InitialInterval
	policy.MaxInterval = q.cfg.MaxInterval
	policy.MaxElapsedTime = 0

	operation := func() error {
		return handler(q.ctx, job.FeedID)
	}
	notify := func(err error, wait time.Duration) {
		jobRetries.WithLabelValues(job.Task).Inc()
		logger.WithError(err).WithField("wait", wait).Warn("Job failed, retrying")
	}

	err := backoff.RetryNotify(operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, q.cfg.MaxRetries), q.ctx),
		notify)
	if err != nil {
		jobResults.WithLabelValues(job.Task, "failed").Inc()
		logger.WithError(err).Error("Job failed")
		return
	}
	jobResults.WithLabelValues(job.Task, "success").Inc()
	logger.Debug("Job done")
}
