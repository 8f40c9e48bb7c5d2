package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alihesham01/chronizer/broker"
	apperrors "github.com/alihesham01/chronizer/errors"
	"github.com/alihesham01/chronizer/events"
	"github.com/alihesham01/chronizer/locker"
	"github.com/alihesham01/chronizer/util"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Publisher is satisfied by *eventbus.Bus.
type Publisher interface {
	Publish(ctx context.Context, channel string, data any) (int64, error)
}

// commander is satisfied by *broker.Conn.
type commander interface {
	Do(ctx context.Context, fn func(ctx context.Context, client *redis.Client) error) error
}

// Service owns the named queues of the process and their worker pools.
type Service struct {
	lg   *zap.Logger
	cfg  Config
	conn commander
	opts options

	hooks     atomic.Pointer[Hooks]
	publisher atomic.Pointer[Publisher]

	mu     sync.RWMutex
	queues map[string]*Queue
	closed bool

	maintStop chan struct{}
	maintDone chan struct{}
	closeOnce sync.Once
	closeErr  error

	completed metric.Int64Counter
	failed    metric.Int64Counter
	retried   metric.Int64Counter
	duration  metric.Float64Histogram
}

// New builds the service on the manager's command connection and starts the
// stalled-job checker.
func New(lg *zap.Logger, mgr *broker.Manager, cfg Config, opts ...Option) (*Service, error) {
	return newService(lg, mgr.Command(), cfg, opts...)
}

func newService(lg *zap.Logger, conn commander, cfg Config, opts ...Option) (*Service, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	s := &Service{
		lg:        lg,
		cfg:       cfg.normalized(),
		conn:      conn,
		opts:      o,
		queues:    map[string]*Queue{},
		maintStop: make(chan struct{}),
		maintDone: make(chan struct{}),
	}
	s.hooks.Store(&o.hooks)
	if o.publisher != nil {
		s.publisher.Store(&o.publisher)
	}

	var err error
	if s.completed, err = o.meter.Int64Counter("jobqueue.jobs.completed"); err != nil {
		return nil, fmt.Errorf("create completed counter: %w", err)
	}
	if s.failed, err = o.meter.Int64Counter("jobqueue.jobs.failed"); err != nil {
		return nil, fmt.Errorf("create failed counter: %w", err)
	}
	if s.retried, err = o.meter.Int64Counter("jobqueue.jobs.retried"); err != nil {
		return nil, fmt.Errorf("create retried counter: %w", err)
	}
	if s.duration, err = o.meter.Float64Histogram("jobqueue.job.duration", metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("create duration histogram: %w", err)
	}

	go s.maintenanceLoop()
	return s, nil
}

func (s *Service) jobPrefix() string { return s.cfg.KeyPrefix + ":job:" }

func (s *Service) jobKey(id string) string { return s.jobPrefix() + id }

func (s *Service) lockKey(id string) string { return s.jobKey(id) + ":lock" }

func (s *Service) idKey() string { return s.cfg.KeyPrefix + ":id" }

func (s *Service) queueKey(queue string, suffix string) string {
	return s.cfg.KeyPrefix + ":q:" + queue + ":" + suffix
}

// CreateQueue returns the named queue, creating it on first use. Options are
// only applied on creation.
func (s *Service) CreateQueue(name string, opts ...QueueOption) (*Queue, error) {
	if name == "" {
		return nil, ErrEmptyQueueName
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if q, ok := s.queues[name]; ok {
		return q, nil
	}

	qo := queueOptions{
		concurrency: s.cfg.Concurrency,
		rateLimit:   s.cfg.RateLimit,
	}
	for _, opt := range opts {
		opt(&qo)
	}
	defaults := s.cfg.DefaultJob
	if qo.defaults != nil {
		defaults = qo.defaults.merge(s.cfg.DefaultJob)
	}

	q := newQueue(s, name, qo.concurrency, qo.rateLimit, defaults)
	s.queues[name] = q
	s.lg.Info("queue created",
		zap.String("queue", name),
		zap.Int("concurrency", qo.concurrency),
		zap.Float64("rate_limit", qo.rateLimit),
	)
	return q, nil
}

func (s *Service) queue(name string) (*Queue, error) {
	s.mu.RLock()
	q, ok := s.queues[name]
	s.mu.RUnlock()
	if ok {
		return q, nil
	}
	return s.CreateQueue(name)
}

// Queues returns the names of the queues created in this process.
func (s *Service) Queues() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.queues))
	for name := range s.queues {
		names = append(names, name)
	}
	return names
}

// RegisterProcessor binds p to the queue and starts its workers. A queue has
// exactly one processor; later registrations are ignored with a warning.
func (s *Service) RegisterProcessor(queue string, p Processor) error {
	if p == nil {
		return fmt.Errorf("register processor for %s: nil processor", queue)
	}
	q, err := s.queue(queue)
	if err != nil {
		return err
	}
	if !q.setProcessor(p) {
		s.lg.Warn("processor already registered, ignoring", zap.String("queue", queue))
	}
	return nil
}

// AddJob persists a job and returns as soon as it is recorded.
func (s *Service) AddJob(ctx context.Context, queue, jobType string, payload any, opts *JobOptions) (*Job, error) {
	jobs, err := s.AddBulk(ctx, queue, []BulkJob{{Type: jobType, Data: payload, Options: opts}})
	if err != nil {
		return nil, err
	}
	return jobs[0], nil
}

// AddBulk persists many jobs with a single id reservation and one
// transaction.
func (s *Service) AddBulk(ctx context.Context, queue string, bulk []BulkJob) ([]*Job, error) {
	if len(bulk) == 0 {
		return nil, nil
	}
	q, err := s.queue(queue)
	if err != nil {
		return nil, err
	}

	submitter, _ := util.SubmitterFromCtx(ctx)
	now := time.Now()
	jobs := make([]*Job, len(bulk))
	for i, b := range bulk {
		if b.Type == "" {
			return nil, ErrEmptyJobType
		}
		var o JobOptions
		if b.Options != nil {
			o = *b.Options
		}
		o = o.merge(q.defaults)
		if err := o.validate(); err != nil {
			return nil, err
		}
		data, err := marshalPayload(b.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: payload of %s: %w", ErrInvalidOptions, b.Type, err)
		}
		jobs[i] = &Job{
			Queue:     queue,
			Type:      b.Type,
			Data:      data,
			Options:   o,
			Submitter: submitter,
			Timestamp: now,
			State:     StateWaiting,
			svc:       s,
		}
	}

	err = s.conn.Do(ctx, func(ctx context.Context, client *redis.Client) error {
		last, err := client.IncrBy(ctx, s.idKey(), int64(len(jobs))).Result()
		if err != nil {
			return err
		}
		first := last - int64(len(jobs)) + 1

		pipe := client.TxPipeline()
		for i, j := range jobs {
			seq := first + int64(i)
			j.ID = strconv.FormatInt(seq, 10)
			if j.Options.Delay > 0 {
				j.State = StateDelayed
				j.DelayUntil = now.Add(j.Options.Delay)
			}
			h, err := j.toHash(seq)
			if err != nil {
				return err
			}
			if j.State == StateDelayed {
				h["delayUntil"] = j.DelayUntil.UnixMilli()
				pipe.ZAdd(ctx, s.queueKey(queue, "delayed"), redis.Z{Score: float64(j.DelayUntil.UnixMilli()), Member: j.ID})
			} else {
				pipe.ZAdd(ctx, s.queueKey(queue, "wait"), redis.Z{Score: float64(waitScore(j.Options.Priority, seq)), Member: j.ID})
			}
			pipe.HSet(ctx, s.jobKey(j.ID), map[string]any(h))
		}
		_, err = pipe.Exec(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("add %d jobs to %s: %w", len(jobs), queue, err)
	}

	q.wake()
	s.lg.Debug("jobs added", zap.String("queue", queue), zap.Int("count", len(jobs)), zap.String("first_id", jobs[0].ID))
	return jobs, nil
}

func marshalPayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, fmt.Errorf("invalid JSON payload")
		}
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, fmt.Errorf("invalid JSON payload")
		}
		return p, nil
	default:
		return json.Marshal(v)
	}
}

func (s *Service) GetJob(ctx context.Context, queue, id string) (*Job, error) {
	j, err := s.getJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Queue != queue {
		return nil, ErrJobNotFound
	}
	return j, nil
}

func (s *Service) getJob(ctx context.Context, id string) (*Job, error) {
	var h map[string]string
	err := s.conn.Do(ctx, func(ctx context.Context, client *redis.Client) error {
		var err error
		h, err = client.HGetAll(ctx, s.jobKey(id)).Result()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return parseJob(s, h)
}

type QueueStats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Paused    bool  `json:"paused"`
}

func (s *Service) GetQueueStats(ctx context.Context, queue string) (*QueueStats, error) {
	if queue == "" {
		return nil, ErrEmptyQueueName
	}
	stats := &QueueStats{}
	err := s.conn.Do(ctx, func(ctx context.Context, client *redis.Client) error {
		pipe := client.Pipeline()
		waiting := pipe.ZCard(ctx, s.queueKey(queue, "wait"))
		active := pipe.ZCard(ctx, s.queueKey(queue, "active"))
		completed := pipe.ZCard(ctx, s.queueKey(queue, "completed"))
		failed := pipe.ZCard(ctx, s.queueKey(queue, "failed"))
		delayed := pipe.ZCard(ctx, s.queueKey(queue, "delayed"))
		paused := pipe.Exists(ctx, s.queueKey(queue, "paused"))
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		stats.Waiting = waiting.Val()
		stats.Active = active.Val()
		stats.Completed = completed.Val()
		stats.Failed = failed.Val()
		stats.Delayed = delayed.Val()
		stats.Paused = paused.Val() == 1
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("stats of %s: %w", queue, err)
	}
	return stats, nil
}

// PauseQueue stops new dispatch on every process; in-flight jobs finish.
func (s *Service) PauseQueue(ctx context.Context, queue string) error {
	if queue == "" {
		return ErrEmptyQueueName
	}
	err := s.conn.Do(ctx, func(ctx context.Context, client *redis.Client) error {
		return client.Set(ctx, s.queueKey(queue, "paused"), 1, 0).Err()
	})
	if err != nil {
		return fmt.Errorf("pause %s: %w", queue, err)
	}
	s.lg.Info("queue paused", zap.String("queue", queue))
	return nil
}

func (s *Service) ResumeQueue(ctx context.Context, queue string) error {
	if queue == "" {
		return ErrEmptyQueueName
	}
	err := s.conn.Do(ctx, func(ctx context.Context, client *redis.Client) error {
		return client.Del(ctx, s.queueKey(queue, "paused")).Err()
	})
	if err != nil {
		return fmt.Errorf("resume %s: %w", queue, err)
	}
	if q, err := s.queue(queue); err == nil {
		q.wake()
	}
	s.lg.Info("queue resumed", zap.String("queue", queue))
	return nil
}

// RetryFailed moves every failed job of the queue back to waiting with a
// fresh attempt budget.
func (s *Service) RetryFailed(ctx context.Context, queue string) (int, error) {
	if queue == "" {
		return 0, ErrEmptyQueueName
	}
	var n int64
	err := s.conn.Do(ctx, func(ctx context.Context, client *redis.Client) error {
		var err error
		n, err = retryFailedScript.Run(ctx, client,
			[]string{s.queueKey(queue, "failed"), s.queueKey(queue, "wait")},
			s.jobPrefix(),
		).Int64()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("retry failed jobs of %s: %w", queue, err)
	}
	if q, err := s.queue(queue); err == nil {
		q.wake()
	}
	s.lg.Info("failed jobs re-enqueued", zap.String("queue", queue), zap.Int64("count", n))
	return int(n), nil
}

// CleanQueue removes completed or failed jobs that finished more than grace
// ago.
func (s *Service) CleanQueue(ctx context.Context, queue string, grace time.Duration, state State) (int, error) {
	if queue == "" {
		return 0, ErrEmptyQueueName
	}
	if state != StateCompleted && state != StateFailed {
		return 0, ErrInvalidState
	}

	unlock, err := s.maintenanceLock(ctx, queue, "clean")
	if err != nil {
		return 0, err
	}
	defer unlock(context.WithoutCancel(ctx))

	cutoff := time.Now().Add(-grace).UnixMilli()
	var n int64
	err = s.conn.Do(ctx, func(ctx context.Context, client *redis.Client) error {
		var err error
		n, err = cleanScript.Run(ctx, client,
			[]string{s.queueKey(queue, string(state))},
			cutoff, s.jobPrefix(),
		).Int64()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("clean %s jobs of %s: %w", state, queue, err)
	}
	s.lg.Info("queue cleaned", zap.String("queue", queue), zap.String("state", string(state)), zap.Int64("removed", n))
	return int(n), nil
}

// ObliterateQueue irreversibly deletes every job of the queue. confirm must
// equal the queue name, and the queue must have no active jobs.
func (s *Service) ObliterateQueue(ctx context.Context, queue, confirm string) (int, error) {
	if queue == "" {
		return 0, ErrEmptyQueueName
	}
	if confirm != queue {
		return 0, ErrObliterateNotConfirmed
	}

	unlock, err := s.maintenanceLock(ctx, queue, "obliterate")
	if err != nil {
		return 0, err
	}
	defer unlock(context.WithoutCancel(ctx))

	var n int64
	err = s.conn.Do(ctx, func(ctx context.Context, client *redis.Client) error {
		var err error
		n, err = obliterateScript.Run(ctx, client,
			[]string{
				s.queueKey(queue, "wait"),
				s.queueKey(queue, "delayed"),
				s.queueKey(queue, "active"),
				s.queueKey(queue, "completed"),
				s.queueKey(queue, "failed"),
				s.queueKey(queue, "paused"),
			},
			s.jobPrefix(),
		).Int64()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("obliterate %s: %w", queue, err)
	}
	if n < 0 {
		return 0, ErrQueueActive
	}
	s.lg.Warn("queue obliterated", zap.String("queue", queue), zap.Int64("removed", n))
	return int(n), nil
}

func (s *Service) maintenanceLock(ctx context.Context, queue, op string) (locker.Unlocker, error) {
	if s.opts.locker == nil {
		return func(context.Context) error { return nil }, nil
	}
	unlock, err := s.opts.locker.Lock(ctx, locker.Key("jobqueue", queue, op), locker.WithExpiry(time.Minute))
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", op, queue, err)
	}
	return unlock, nil
}

// Enqueue is the submission entry point used by request handlers.
func (s *Service) Enqueue(ctx context.Context, queue, jobType string, payload any, opts *JobOptions) (string, error) {
	j, err := s.AddJob(ctx, queue, jobType, payload, opts)
	if err != nil {
		return "", err
	}
	return j.ID, nil
}

func (s *Service) EnqueueBulk(ctx context.Context, queue string, jobs []BulkJob) ([]string, error) {
	added, err := s.AddBulk(ctx, queue, jobs)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(added))
	for i, j := range added {
		ids[i] = j.ID
	}
	return ids, nil
}

// GetJobStatus looks a job up by id alone; ids are unique across queues.
func (s *Service) GetJobStatus(ctx context.Context, id string) (*JobStatus, error) {
	j, err := s.getJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return j.Status(), nil
}

func (s *Service) maintenanceLoop() {
	defer close(s.maintDone)
	ticker := time.NewTicker(s.cfg.StalledInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.maintStop:
			return
		case <-ticker.C:
			for _, name := range s.Queues() {
				if _, err := s.CheckStalled(context.Background(), name); err != nil {
					s.lg.Warn("stalled job check failed", zap.String("queue", name), zap.Error(err))
				}
			}
		}
	}
}

// CheckStalled returns active jobs whose worker lock expired to waiting, or
// fails them when their attempts are used up. Another process holding the
// check lock makes this a no-op.
func (s *Service) CheckStalled(ctx context.Context, queue string) (recovered int, err error) {
	if s.opts.locker != nil {
		unlock, err := s.opts.locker.TryLock(ctx, locker.Key("jobqueue", queue, "stalled"), locker.WithExpiry(s.cfg.StalledInterval))
		if err != nil {
			if errors.Is(err, locker.ErrLockNotAcquired) {
				return 0, nil
			}
			return 0, err
		}
		defer unlock(context.WithoutCancel(ctx))
	}

	var reply []any
	err = s.conn.Do(ctx, func(ctx context.Context, client *redis.Client) error {
		var err error
		reply, err = stalledScript.Run(ctx, client,
			[]string{s.queueKey(queue, "active"), s.queueKey(queue, "wait"), s.queueKey(queue, "failed")},
			time.Now().UnixMilli(), s.jobPrefix(), apperrors.CodeStalled, "job stalled more than allowable limit",
		).Slice()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("check stalled jobs of %s: %w", queue, err)
	}

	hooks := s.hooks.Load()
	for i, group := range reply {
		ids, _ := group.([]any)
		for _, raw := range ids {
			id, _ := raw.(string)
			failed := i == 1
			s.lg.Warn("stalled job detected", zap.String("queue", queue), zap.String("job_id", id), zap.Bool("failed", failed))
			if failed {
				s.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", queue)))
				s.publish(ctx, events.JobFailed, events.JobEvent{Queue: queue, JobID: id, Error: "job stalled", Terminal: true})
			} else {
				recovered++
			}
			if hooks != nil && hooks.OnStalled != nil {
				hooks.OnStalled(queue, id, failed)
			}
		}
	}
	if recovered > 0 {
		if q, err := s.queue(queue); err == nil {
			q.wake()
		}
	}
	return recovered, nil
}

func (s *Service) publish(ctx context.Context, channel string, evt any) {
	p := s.publisher.Load()
	if p == nil {
		return
	}
	if _, err := (*p).Publish(context.WithoutCancel(ctx), channel, evt); err != nil {
		s.lg.Warn("failed to publish job event", zap.String("channel", channel), zap.Error(err))
	}
}

func (s *Service) emitProgress(ctx context.Context, j *Job, pct float64) {
	s.publish(ctx, events.JobProgress, events.JobEvent{Queue: j.Queue, JobID: j.ID, Type: j.Type, Progress: pct})
	if h := s.hooks.Load(); h != nil && h.OnProgress != nil {
		h.OnProgress(j, pct)
	}
}

// Close shuts down in order: dispatch stops, in-flight jobs get
// ShutdownGrace to finish before their contexts are cancelled, event hooks
// are dropped, and the maintenance loop stops.
func (s *Service) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		queues := make([]*Queue, 0, len(s.queues))
		for _, q := range s.queues {
			queues = append(queues, q)
		}
		s.mu.Unlock()

		for _, q := range queues {
			q.stopDispatch()
		}

		graceCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownGrace)
		defer cancel()
		var errs error
		for _, q := range queues {
			if err := q.drain(graceCtx); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("queue %s: %w", q.name, err))
			}
		}

		s.hooks.Store(&Hooks{})
		s.publisher.Store(nil)

		close(s.maintStop)
		<-s.maintDone
		s.closeErr = errs
		s.lg.Info("job queue service closed", zap.Int("queues", len(queues)))
	})
	return s.closeErr
}
