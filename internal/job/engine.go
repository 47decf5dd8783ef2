package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chain-crawler/internal/logging"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultPollInterval = 200 * time.Millisecond
	defaultLockDuration = 30 * time.Second
	promoteBatch        = 100
)

// EngineConfig configures an Engine
type EngineConfig struct {
	Redis        redis.UniversalClient
	Prefix       string
	PollInterval time.Duration
	// LockDuration is how long an active job stays locked without a heartbeat.
	// A job whose lock expired is considered stalled and runs again.
	LockDuration time.Duration
	// StalledInterval is how often each queue looks for stalled jobs, LockDuration by default
	StalledInterval time.Duration
	Logger          *logging.Logger
}

// Engine runs the registered queue processors
type Engine struct {
	store           *store
	token           string
	pollInterval    time.Duration
	lockDuration    time.Duration
	stalledInterval time.Duration
	logger          *logging.Logger
	now             func() time.Time

	mu         sync.RWMutex
	processors map[string]*processor
	listeners  []Listener
	started    bool
	stopCh     chan struct{}
	loops      sync.WaitGroup
	inflight   sync.WaitGroup
}

// processor binds a handler to a queue with a bounded number of concurrent runs
type processor struct {
	queue   string
	handler Handler
	sem     chan struct{}

	// only touched by the queue's polling loop
	lastStalledCheck time.Time
}

// NewEngine creates a new job queue engine
func NewEngine(cfg *EngineConfig) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if cfg.Redis == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "bull"
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	lockDuration := cfg.LockDuration
	if lockDuration <= 0 {
		lockDuration = defaultLockDuration
	}
	stalledInterval := cfg.StalledInterval
	if stalledInterval <= 0 {
		stalledInterval = lockDuration
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &Engine{
		store:           &store{client: cfg.Redis, prefix: prefix},
		token:           uuid.NewString(),
		pollInterval:    pollInterval,
		lockDuration:    lockDuration,
		stalledInterval: stalledInterval,
		logger:          logger.WithComponent("job-engine"),
		now:             time.Now,
		processors:      make(map[string]*processor),
		stopCh:          make(chan struct{}),
	}, nil
}

// AddListener registers an observer of job notifications
func (e *Engine) AddListener(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

// RegisterProcessor binds handler to queue. At most concurrency handlers run at once for the queue.
func (e *Engine) RegisterProcessor(queue string, concurrency int, handler Handler) error {
	if concurrency <= 0 {
		return fmt.Errorf("concurrency for queue %s must be positive, got %d", queue, concurrency)
	}
	if handler == nil {
		return fmt.Errorf("handler for queue %s is nil", queue)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return fmt.Errorf("cannot register queue %s after start", queue)
	}
	if _, exists := e.processors[queue]; exists {
		return fmt.Errorf("queue %s already has a processor", queue)
	}

	e.processors[queue] = &processor{
		queue:   queue,
		handler: handler,
		sem:     make(chan struct{}, concurrency),
	}
	return nil
}

// CreateJob enqueues a job. A repeating job whose queue, interval and payload
// match a live repeat chain is not created twice; the live chain's head is returned instead.
func (e *Engine) CreateJob(ctx context.Context, queue string, payload interface{}, opts Options) (*Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload for %s: %w", queue, err)
	}

	if opts.Repeat != nil && opts.Repeat.EveryMillis <= 0 {
		return nil, fmt.Errorf("repeat interval for %s must be positive", queue)
	}

	id, err := e.store.nextID(ctx, queue)
	if err != nil {
		return nil, err
	}

	job := &Job{
		ID:        id,
		Queue:     queue,
		Payload:   data,
		Options:   opts,
		State:     StateWaiting,
		CreatedAt: e.now(),
	}

	if opts.Repeat != nil && opts.Repeat.Count == 0 {
		head, err := e.reserveRepeat(ctx, job)
		if err != nil {
			return nil, err
		}
		if head != nil {
			e.logger.WithFields(map[string]interface{}{
				"queue": queue,
				"every": opts.Repeat.EveryMillis,
				"jobId": head.ID,
			}).Debug("repeat chain already scheduled")
			return head, nil
		}
	}

	return job, e.enqueue(ctx, job)
}

// reserveRepeat registers job as the head of its repeat chain. When a live
// chain already exists its head is returned and job must not be enqueued.
// A chain whose head finished without a successor, or vanished, is replaced.
func (e *Engine) reserveRepeat(ctx context.Context, job *Job) (*Job, error) {
	key := repeatKey(job)
	reserved, err := e.store.reserveRepeat(ctx, job.Queue, key, job.ID)
	if err != nil || reserved {
		return nil, err
	}

	var headID string
	for attempt := 0; attempt < 3; attempt++ {
		headID, err = e.store.repeatHead(ctx, job.Queue, key)
		if err != nil {
			return nil, err
		}
		if headID == "" {
			break
		}

		head, err := e.store.load(ctx, job.Queue, headID)
		switch {
		case errors.Is(err, errJobNotFound):
		case err != nil:
			return nil, err
		case head.State == StateWaiting:
			head.engine = e
			return head, nil
		case head.State == StateActive:
			// An active head is live while its lock is held or once it is back on the waiting list
			live, err := e.store.activeIsLive(ctx, job.Queue, headID)
			if err != nil {
				return nil, err
			}
			if live {
				head.engine = e
				return head, nil
			}
		}

		// A finishing head links its successor first; a moved pointer means the chain is alive
		current, err := e.store.repeatHead(ctx, job.Queue, key)
		if err != nil {
			return nil, err
		}
		if current == headID {
			break
		}
	}

	e.logger.WithFields(map[string]interface{}{
		"queue": job.Queue,
		"stale": headID,
	}).Warn("replacing dead repeat chain")
	return nil, e.store.advanceRepeat(ctx, job.Queue, key, job.ID)
}

func (e *Engine) enqueue(ctx context.Context, job *Job) error {
	now := e.now()
	runAt := now.Add(job.Options.Delay())
	if err := e.store.enqueue(ctx, job, runAt, now); err != nil {
		return err
	}
	jobsEnqueued.WithLabelValues(job.Queue).Inc()
	return nil
}

func repeatKey(job *Job) string {
	return fmt.Sprintf("%d:%s", job.Options.Repeat.EveryMillis, job.Payload)
}

// GetJob loads a stored job
func (e *Engine) GetJob(ctx context.Context, queue, id string) (*Job, error) {
	job, err := e.store.load(ctx, queue, id)
	if err != nil {
		return nil, err
	}
	job.engine = e
	return job, nil
}

// Counts returns the number of jobs per state for a queue
func (e *Engine) Counts(ctx context.Context, queue string) (map[State]int64, error) {
	return e.store.counts(ctx, queue)
}

// Start begins processing every registered queue
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("engine already started")
	}
	e.started = true
	processors := make([]*processor, 0, len(e.processors))
	for _, p := range e.processors {
		processors = append(processors, p)
	}
	e.mu.Unlock()

	for _, p := range processors {
		e.loops.Add(1)
		go e.run(ctx, p)
	}

	e.logger.Infof("job engine started with %d queues", len(processors))
	return nil
}

// Stop halts polling and waits for running handlers to return
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	select {
	case <-e.stopCh:
	default:
		close(e.stopCh)
	}
	e.mu.Unlock()

	e.loops.Wait()
	e.inflight.Wait()
}

// run is the polling loop of one queue
func (e *Engine) run(ctx context.Context, p *processor) {
	defer e.loops.Done()

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		e.tick(ctx, p)

		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
		}
	}
}

func (e *Engine) tick(ctx context.Context, p *processor) {
	if now := e.now(); now.Sub(p.lastStalledCheck) >= e.stalledInterval {
		p.lastStalledCheck = now
		e.requeueStalled(ctx, p.queue)
	}

	if _, err := e.store.promoteDue(ctx, p.queue, e.now(), promoteBatch); err != nil {
		e.logger.WithError(err).WithField("queue", p.queue).Error("failed to promote delayed jobs")
	}

	for {
		// Check if we have capacity
		select {
		case p.sem <- struct{}{}:
		default:
			return
		}

		id, err := e.store.claim(ctx, p.queue, e.token, e.lockDuration)
		if err != nil || id == "" {
			<-p.sem
			if err != nil {
				e.logger.WithError(err).WithField("queue", p.queue).Error("failed to claim job")
			}
			return
		}

		e.inflight.Add(1)
		go func() {
			defer func() {
				<-p.sem
				e.inflight.Done()
			}()
			e.process(ctx, p, id)
		}()
	}
}

func (e *Engine) process(ctx context.Context, p *processor, id string) {
	logger := e.logger.WithFields(map[string]interface{}{"queue": p.queue, "jobId": id})

	job, err := e.store.load(ctx, p.queue, id)
	if err != nil {
		if errors.Is(err, errJobNotFound) {
			_ = e.store.dropActive(ctx, p.queue, id)
			return
		}
		logger.WithError(err).Error("failed to load claimed job")
		return
	}
	job.engine = e

	started := e.now()
	job.State = StateActive
	job.ProcessedAt = &started
	if err := e.store.save(ctx, job); err != nil {
		logger.WithError(err).Warn("failed to mark job active")
	}

	stopHeartbeat := e.heartbeat(ctx, job)
	jobsActive.WithLabelValues(p.queue).Inc()
	runErr := e.invoke(ctx, p.handler, job)
	jobsActive.WithLabelValues(p.queue).Dec()
	stopHeartbeat()
	jobDuration.WithLabelValues(p.queue).Observe(time.Since(started).Seconds())

	finished := e.now()
	job.FinishedAt = &finished
	if runErr != nil {
		job.State = StateFailed
		job.FailedReason = runErr.Error()
	} else {
		job.State = StateCompleted
		job.Progress = 100
	}

	// The successor is linked before this job is removed so the chain always has a live head
	e.scheduleNext(ctx, job)

	if err := e.store.finish(ctx, job); err != nil {
		logger.WithError(err).Error("failed to record job result")
	}
	jobsFinished.WithLabelValues(p.queue, string(job.State)).Inc()

	e.notify(job, runErr)
}

// requeueStalled puts active jobs whose owner stopped renewing their lock back on the waiting list
func (e *Engine) requeueStalled(ctx context.Context, queue string) {
	moved, err := e.store.requeueStalled(ctx, queue)
	if err != nil {
		e.logger.WithError(err).WithField("queue", queue).Error("failed to check stalled jobs")
		return
	}
	if moved > 0 {
		jobsStalled.WithLabelValues(queue).Add(float64(moved))
		e.logger.WithFields(map[string]interface{}{
			"queue": queue,
			"jobs":  moved,
		}).Warn("requeued stalled jobs")
	}
}

// heartbeat renews the lock of job until the returned function is called
func (e *Engine) heartbeat(ctx context.Context, job *Job) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(e.lockDuration / 2)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				held, err := e.store.extendLock(ctx, job.Queue, job.ID, e.token, e.lockDuration)
				if err != nil {
					e.logger.WithError(err).WithField("jobId", job.ID).Warn("failed to renew job lock")
				} else if !held {
					e.logger.WithFields(map[string]interface{}{
						"queue": job.Queue,
						"jobId": job.ID,
					}).Warn("job lock lost; the job may run again")
				}
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
	}
}

// invoke runs the handler, converting a panic into a failure
func (e *Engine) invoke(ctx context.Context, handler Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

// scheduleNext re-enqueues a repeating job until its limit is reached
func (e *Engine) scheduleNext(ctx context.Context, job *Job) {
	rep := job.Options.Repeat
	if rep == nil {
		return
	}

	executed := rep.Count + 1
	key := repeatKey(job)
	if rep.Limit > 0 && executed >= rep.Limit {
		if err := e.store.releaseRepeat(ctx, job.Queue, key); err != nil {
			e.logger.WithError(err).WithField("queue", job.Queue).Warn("failed to release repeat chain")
		}
		return
	}

	id, err := e.store.nextID(ctx, job.Queue)
	if err != nil {
		e.logger.WithError(err).WithField("queue", job.Queue).Error("failed to repeat job")
		return
	}

	next := &Job{
		ID:      id,
		Queue:   job.Queue,
		Payload: job.Payload,
		Options: Options{
			DelayMillis:      rep.EveryMillis,
			RemoveOnComplete: job.Options.RemoveOnComplete,
			Repeat: &Repeat{
				EveryMillis: rep.EveryMillis,
				Limit:       rep.Limit,
				Count:       executed,
			},
		},
		State:     StateWaiting,
		CreatedAt: e.now(),
	}
	if err := e.enqueue(ctx, next); err != nil {
		e.logger.WithError(err).WithField("queue", job.Queue).Error("failed to repeat job")
		return
	}
	if err := e.store.advanceRepeat(ctx, job.Queue, key, next.ID); err != nil {
		e.logger.WithError(err).WithField("queue", job.Queue).Warn("failed to advance repeat chain")
	}
}

func (e *Engine) reportProgress(ctx context.Context, job *Job) error {
	if err := e.store.save(ctx, job); err != nil {
		return err
	}
	for _, l := range e.snapshotListeners() {
		l.OnProgress(job, job.Progress)
	}
	return nil
}

func (e *Engine) notify(job *Job, err error) {
	for _, l := range e.snapshotListeners() {
		if err != nil {
			l.OnFailed(job, err)
		} else {
			l.OnCompleted(job)
		}
	}
}

func (e *Engine) snapshotListeners() []Listener {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Listener(nil), e.listeners...)
}

// LogListener writes job notifications to a logger
type LogListener struct {
	Logger *logging.Logger
}

func (l *LogListener) OnCompleted(job *Job) {
	l.Logger.WithFields(map[string]interface{}{"queue": job.Queue, "jobId": job.ID}).
		Infof("Job #%s completed", job.ID)
}

func (l *LogListener) OnFailed(job *Job, err error) {
	l.Logger.WithFields(map[string]interface{}{"queue": job.Queue, "jobId": job.ID}).
		WithError(err).Errorf("Job #%s failed", job.ID)
}

func (l *LogListener) OnProgress(job *Job, progress int) {
	l.Logger.WithFields(map[string]interface{}{"queue": job.Queue, "jobId": job.ID}).
		Debugf("Job #%s progress is %d%%", job.ID, progress)
}
