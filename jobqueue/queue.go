package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	apperrors "github.com/alihesham01/chronizer/errors"
	"github.com/alihesham01/chronizer/events"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Queue is a named job collection with its own bounded worker pool. Workers
// start when a processor is registered.
type Queue struct {
	name        string
	svc         *Service
	lg          *zap.Logger
	concurrency int
	defaults    JobOptions
	sem         *semaphore.Weighted
	limiter     *rate.Limiter
	notify      chan struct{}

	mu        sync.Mutex
	processor Processor

	dispatchCtx    context.Context
	cancelDispatch context.CancelFunc
	dispatchDone   chan struct{}
	workerCtx      context.Context
	cancelWorkers  context.CancelFunc
	inflight       sync.WaitGroup
}

func newQueue(s *Service, name string, concurrency int, perSecond float64, defaults JobOptions) *Queue {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	dispatchCtx, cancelDispatch := context.WithCancel(context.Background())
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	return &Queue{
		name:           name,
		svc:            s,
		lg:             s.lg.With(zap.String("queue", name)),
		concurrency:    concurrency,
		defaults:       defaults,
		sem:            semaphore.NewWeighted(int64(concurrency)),
		limiter:        rate.NewLimiter(limit, concurrency),
		notify:         make(chan struct{}, 1),
		dispatchCtx:    dispatchCtx,
		cancelDispatch: cancelDispatch,
		workerCtx:      workerCtx,
		cancelWorkers:  cancelWorkers,
	}
}

func (q *Queue) Name() string { return q.name }

func (q *Queue) Concurrency() int { return q.concurrency }

func (q *Queue) setProcessor(p Processor) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.processor != nil {
		return false
	}
	q.processor = p
	q.dispatchDone = make(chan struct{})
	go q.dispatch()
	q.lg.Info("queue workers started", zap.Int("concurrency", q.concurrency))
	return true
}

// wake nudges the dispatcher after new work arrives.
func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) dispatch() {
	defer close(q.dispatchDone)
	ctx := q.dispatchCtx

	for {
		if err := q.sem.Acquire(ctx, 1); err != nil {
			return
		}
		if err := q.limiter.Wait(ctx); err != nil {
			q.sem.Release(1)
			return
		}

		job, err := q.next(ctx)
		if err != nil || job == nil {
			q.sem.Release(1)
			if err != nil && ctx.Err() == nil {
				q.lg.Warn("failed to fetch next job", zap.Error(err))
			}
			if !q.idle(ctx) {
				return
			}
			continue
		}

		q.inflight.Add(1)
		go func() {
			defer q.inflight.Done()
			defer q.sem.Release(1)
			q.process(job)
		}()
	}
}

// idle waits for a wake-up or the poll interval. It returns false once
// dispatch is stopped.
func (q *Queue) idle(ctx context.Context) bool {
	timer := time.NewTimer(q.svc.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-q.notify:
	case <-timer.C:
	}
	return true
}

// next activates the next eligible job, promoting due delayed jobs first.
func (q *Queue) next(ctx context.Context) (*Job, error) {
	s := q.svc
	token := uuid.NewString()
	var h map[string]string
	err := s.conn.Do(ctx, func(ctx context.Context, client *redis.Client) error {
		reply, err := moveToActiveScript.Run(ctx, client,
			[]string{
				s.queueKey(q.name, "wait"),
				s.queueKey(q.name, "delayed"),
				s.queueKey(q.name, "active"),
				s.queueKey(q.name, "paused"),
			},
			time.Now().UnixMilli(), s.cfg.LockDuration.Milliseconds(), token, s.jobPrefix(),
		).Result()
		if err != nil {
			return err
		}
		h, err = parseFlat(reply)
		return err
	})
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	job, err := parseJob(s, h)
	if err != nil {
		return nil, err
	}
	job.token = token
	return job, nil
}

func (q *Queue) process(job *Job) {
	q.mu.Lock()
	processor := q.processor
	q.mu.Unlock()

	ctx, cancel := context.WithCancel(q.workerCtx)
	defer cancel()

	renewDone := make(chan struct{})
	go q.renewLock(ctx, job, renewDone)
	defer func() {
		cancel()
		<-renewDone
	}()

	start := time.Now()
	result, err := q.invoke(ctx, processor, job)
	if err == nil && result != nil && !result.Success {
		msg := result.Error
		if msg == "" {
			msg = "job reported failure"
		}
		err = errors.New(msg)
	}

	attrs := metric.WithAttributes(attribute.String("queue", q.name), attribute.String("type", job.Type))
	q.svc.duration.Record(context.Background(), float64(time.Since(start).Milliseconds()), attrs)

	finishCtx := context.WithoutCancel(ctx)
	if err != nil {
		q.fail(finishCtx, job, err)
		return
	}
	if result == nil {
		result = &Result{Success: true}
	}
	q.complete(finishCtx, job, result)
}

func (q *Queue) invoke(ctx context.Context, p Processor, job *Job) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.lg.Error("job processor panicked",
				zap.String("job_id", job.ID),
				zap.String("type", job.Type),
				zap.Any("recover", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = apperrors.NewError(apperrors.CodeHandler, fmt.Sprintf("processor panic: %v", r), nil)
		}
	}()
	return p(ctx, job)
}

func (q *Queue) renewLock(ctx context.Context, job *Job, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(q.svc.cfg.LockDuration / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var ok int64
			err := q.svc.conn.Do(ctx, func(ctx context.Context, client *redis.Client) error {
				var err error
				ok, err = extendLockScript.Run(ctx, client, []string{q.svc.lockKey(job.ID)}, job.token, q.svc.cfg.LockDuration.Milliseconds()).Int64()
				return err
			})
			if err != nil && ctx.Err() == nil {
				q.lg.Warn("failed to extend job lock", zap.String("job_id", job.ID), zap.Error(err))
			} else if err == nil && ok == 0 {
				q.lg.Warn("job lock lost", zap.String("job_id", job.ID))
			}
		}
	}
}

func (q *Queue) complete(ctx context.Context, job *Job, result *Result) {
	s := q.svc
	rv, err := json.Marshal(result.Data)
	if err != nil {
		q.lg.Warn("job result is not serializable", zap.String("job_id", job.ID), zap.Error(err))
		rv = []byte("null")
	}

	var code int64
	err = s.conn.Do(ctx, func(ctx context.Context, client *redis.Client) error {
		var err error
		code, err = moveToCompletedScript.Run(ctx, client,
			[]string{s.queueKey(q.name, "active"), s.queueKey(q.name, "completed"), s.jobKey(job.ID), s.lockKey(job.ID)},
			job.ID, time.Now().UnixMilli(), job.token, string(rv),
			job.Options.KeepCompletedAge.Milliseconds(), job.Options.KeepCompletedCount, s.jobPrefix(),
		).Int64()
		return err
	})
	if err != nil {
		q.lg.Error("failed to mark job completed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if code < 0 {
		q.lg.Warn("job no longer owned by this worker, result discarded", zap.String("job_id", job.ID), zap.Int64("code", code))
		return
	}

	job.State = StateCompleted
	job.Progress = 100
	job.ReturnValue = rv
	s.completed.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", q.name), attribute.String("type", job.Type)))
	s.publish(ctx, events.JobCompleted, events.JobEvent{Queue: q.name, JobID: job.ID, Type: job.Type, Attempts: job.AttemptsMade, Result: result.Data})
	if h := s.hooks.Load(); h != nil && h.OnCompleted != nil {
		h.OnCompleted(job, result)
	}
	q.lg.Debug("job completed", zap.String("job_id", job.ID), zap.String("type", job.Type))
}

// fail reschedules the job with backoff, or fails it terminally when the
// error is permanent or the attempts are used up.
func (q *Queue) fail(ctx context.Context, job *Job, cause error) {
	s := q.svc
	permanent := IsPermanent(cause)
	terminal := permanent || job.AttemptsMade >= job.Options.Attempts

	code := apperrors.CodeOf(cause, apperrors.CodeHandler)
	if permanent && code == apperrors.CodeHandler {
		code = apperrors.CodeValidation
	}

	now := time.Now()
	var runAt time.Time
	if !terminal && job.Options.Backoff != nil {
		runAt = now.Add(job.Options.Backoff.Next(job.AttemptsMade))
	}

	retry := "0"
	if !terminal {
		retry = "1"
	}
	var reply int64
	err := s.conn.Do(ctx, func(ctx context.Context, client *redis.Client) error {
		var err error
		reply, err = moveToFailedScript.Run(ctx, client,
			[]string{
				s.queueKey(q.name, "active"),
				s.queueKey(q.name, "failed"),
				s.queueKey(q.name, "delayed"),
				s.queueKey(q.name, "wait"),
				s.jobKey(job.ID),
				s.lockKey(job.ID),
			},
			job.ID, now.UnixMilli(), job.token, cause.Error(), strconv.FormatInt(code, 10), retry, runAt.UnixMilli(),
			job.Options.KeepFailedAge.Milliseconds(), job.Options.KeepFailedCount, s.jobPrefix(),
		).Int64()
		return err
	})
	if err != nil {
		q.lg.Error("failed to record job failure", zap.String("job_id", job.ID), zap.NamedError("cause", cause), zap.Error(err))
		return
	}
	if reply < 0 {
		q.lg.Warn("job no longer owned by this worker, failure discarded", zap.String("job_id", job.ID), zap.Int64("code", reply))
		return
	}

	job.FailedReason = cause.Error()
	job.ErrorCode = code
	attrs := metric.WithAttributes(attribute.String("queue", q.name), attribute.String("type", job.Type))
	if terminal {
		job.State = StateFailed
		s.failed.Add(ctx, 1, attrs)
		q.lg.Warn("job failed",
			zap.String("job_id", job.ID),
			zap.String("type", job.Type),
			zap.Int("attempts", job.AttemptsMade),
			zap.Bool("permanent", permanent),
			zap.Error(cause),
		)
	} else {
		job.State = StateWaiting
		if runAt.After(now) {
			job.State = StateDelayed
			job.DelayUntil = runAt
		}
		s.retried.Add(ctx, 1, attrs)
		q.lg.Info("job attempt failed, retrying",
			zap.String("job_id", job.ID),
			zap.String("type", job.Type),
			zap.Int("attempt", job.AttemptsMade),
			zap.Time("run_at", runAt),
			zap.Error(cause),
		)
		q.wake()
	}

	s.publish(ctx, events.JobFailed, events.JobEvent{
		Queue:    q.name,
		JobID:    job.ID,
		Type:     job.Type,
		Attempts: job.AttemptsMade,
		Error:    cause.Error(),
		Terminal: terminal,
	})
	if h := s.hooks.Load(); h != nil && h.OnFailed != nil {
		h.OnFailed(job, cause, terminal)
	}
}

func (q *Queue) stopDispatch() {
	q.cancelDispatch()
	q.mu.Lock()
	done := q.dispatchDone
	q.mu.Unlock()
	if done != nil {
		<-done
	}
}

// drain waits for in-flight jobs. When ctx expires first the job contexts
// are cancelled and drain keeps waiting briefly for processors to return.
func (q *Queue) drain(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		q.inflight.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		q.cancelWorkers()
		return nil
	case <-ctx.Done():
	}

	q.lg.Warn("shutdown grace expired, cancelling in-flight jobs")
	q.cancelWorkers()
	select {
	case <-finished:
		return nil
	case <-time.After(time.Second):
		return fmt.Errorf("in-flight jobs did not stop: %w", ctx.Err())
	}
}
