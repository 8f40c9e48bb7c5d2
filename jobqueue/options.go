package jobqueue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/alihesham01/chronizer/internal/backoff"
	"github.com/alihesham01/chronizer/locker"
	"github.com/alihesham01/chronizer/util"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const maxPriority = 1000

// JobOptions control a single job. Zero fields inherit the queue defaults.
// In JSON every duration is a number of milliseconds; a duration string
// such as "30s" is accepted on input.
type JobOptions struct {
	// Priority orders waiting jobs; lower values are dispatched first.
	Priority int             `json:"priority,omitempty"`
	Delay    time.Duration   `json:"delay,omitempty"`
	Attempts int             `json:"attempts,omitempty"`
	Backoff  *backoff.Policy `json:"backoff,omitempty"`

	// Retention of terminal jobs. A zero age or count means no limit on
	// that axis once the queue default is also zero.
	KeepCompletedAge   time.Duration `json:"keep_completed_age,omitempty"`
	KeepCompletedCount int           `json:"keep_completed_count,omitempty"`
	KeepFailedAge      time.Duration `json:"keep_failed_age,omitempty"`
	KeepFailedCount    int           `json:"keep_failed_count,omitempty"`
}

type jobOptionsJSON struct {
	Priority           int             `json:"priority,omitempty"`
	Delay              util.Duration   `json:"delay,omitempty"`
	Attempts           int             `json:"attempts,omitempty"`
	Backoff            *backoff.Policy `json:"backoff,omitempty"`
	KeepCompletedAge   util.Duration   `json:"keep_completed_age,omitempty"`
	KeepCompletedCount int             `json:"keep_completed_count,omitempty"`
	KeepFailedAge      util.Duration   `json:"keep_failed_age,omitempty"`
	KeepFailedCount    int             `json:"keep_failed_count,omitempty"`
}

func (o JobOptions) MarshalJSON() ([]byte, error) {
	return json.Marshal(jobOptionsJSON{
		Priority:           o.Priority,
		Delay:              util.Duration(o.Delay),
		Attempts:           o.Attempts,
		Backoff:            o.Backoff,
		KeepCompletedAge:   util.Duration(o.KeepCompletedAge),
		KeepCompletedCount: o.KeepCompletedCount,
		KeepFailedAge:      util.Duration(o.KeepFailedAge),
		KeepFailedCount:    o.KeepFailedCount,
	})
}

func (o *JobOptions) UnmarshalJSON(data []byte) error {
	var v jobOptionsJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*o = JobOptions{
		Priority:           v.Priority,
		Delay:              time.Duration(v.Delay),
		Attempts:           v.Attempts,
		Backoff:            v.Backoff,
		KeepCompletedAge:   time.Duration(v.KeepCompletedAge),
		KeepCompletedCount: v.KeepCompletedCount,
		KeepFailedAge:      time.Duration(v.KeepFailedAge),
		KeepFailedCount:    v.KeepFailedCount,
	}
	return nil
}

func DefaultJobOptions() JobOptions {
	policy := backoff.Exponential(2 * time.Second)
	return JobOptions{
		Attempts:           3,
		Backoff:            &policy,
		KeepCompletedAge:   time.Hour,
		KeepCompletedCount: 1000,
		KeepFailedAge:      24 * time.Hour,
	}
}

// merge fills zero fields of o from defaults.
func (o JobOptions) merge(defaults JobOptions) JobOptions {
	if o.Attempts == 0 {
		o.Attempts = defaults.Attempts
	}
	if o.Backoff == nil {
		o.Backoff = defaults.Backoff
	}
	if o.KeepCompletedAge == 0 {
		o.KeepCompletedAge = defaults.KeepCompletedAge
	}
	if o.KeepCompletedCount == 0 {
		o.KeepCompletedCount = defaults.KeepCompletedCount
	}
	if o.KeepFailedAge == 0 {
		o.KeepFailedAge = defaults.KeepFailedAge
	}
	if o.KeepFailedCount == 0 {
		o.KeepFailedCount = defaults.KeepFailedCount
	}
	if o.Priority < 0 {
		o.Priority = 0
	}
	if o.Priority > maxPriority {
		o.Priority = maxPriority
	}
	return o
}

func (o JobOptions) validate() error {
	if o.Attempts < 1 {
		return fmt.Errorf("%w: attempts must be at least 1, got %d", ErrInvalidOptions, o.Attempts)
	}
	if o.Delay < 0 {
		return fmt.Errorf("%w: negative delay %s", ErrInvalidOptions, o.Delay)
	}
	if o.Backoff != nil {
		if err := o.Backoff.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidOptions, err)
		}
	}
	return nil
}

// Config holds service-wide defaults. Per-queue values are set with
// QueueOption when a queue is created.
type Config struct {
	KeyPrefix       string
	Concurrency     int
	RateLimit       float64
	DefaultJob      JobOptions
	LockDuration    time.Duration
	StalledInterval time.Duration
	PollInterval    time.Duration
	ShutdownGrace   time.Duration
}

func DefaultConfig() Config {
	return Config{
		KeyPrefix:       "chronizer",
		Concurrency:     10,
		RateLimit:       100,
		DefaultJob:      DefaultJobOptions(),
		LockDuration:    30 * time.Second,
		StalledInterval: 30 * time.Second,
		PollInterval:    500 * time.Millisecond,
		ShutdownGrace:   30 * time.Second,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.KeyPrefix == "" {
		c.KeyPrefix = d.KeyPrefix
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	c.DefaultJob = c.DefaultJob.merge(d.DefaultJob)
	if c.LockDuration <= 0 {
		c.LockDuration = d.LockDuration
	}
	if c.StalledInterval <= 0 {
		c.StalledInterval = d.StalledInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = d.ShutdownGrace
	}
	return c
}

// Hooks are local listeners for job lifecycle events. They run on the
// worker goroutine and should return quickly.
type Hooks struct {
	OnProgress  func(job *Job, progress float64)
	OnCompleted func(job *Job, result *Result)
	OnFailed    func(job *Job, err error, terminal bool)
	OnStalled   func(queue, jobID string, failed bool)
}

type options struct {
	hooks     Hooks
	publisher Publisher
	locker    locker.Locker
	meter     metric.Meter
}

type Option func(*options)

func defaultOptions() options {
	return options{
		meter: noop.NewMeterProvider().Meter("jobqueue"),
	}
}

func WithHooks(h Hooks) Option {
	return func(o *options) {
		o.hooks = h
	}
}

// WithPublisher sends job events to the event bus.
func WithPublisher(p Publisher) Option {
	return func(o *options) {
		o.publisher = p
	}
}

// WithLocker guards maintenance so only one process runs it at a time.
func WithLocker(l locker.Locker) Option {
	return func(o *options) {
		o.locker = l
	}
}

func WithMeter(m metric.Meter) Option {
	return func(o *options) {
		if m != nil {
			o.meter = m
		}
	}
}

type queueOptions struct {
	concurrency int
	rateLimit   float64
	defaults    *JobOptions
}

type QueueOption func(*queueOptions)

func WithConcurrency(n int) QueueOption {
	return func(o *queueOptions) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithRateLimit caps job starts per second across the queue's workers.
// Zero or negative disables the limit.
func WithRateLimit(perSecond float64) QueueOption {
	return func(o *queueOptions) {
		o.rateLimit = perSecond
	}
}

func WithDefaultJobOptions(opts JobOptions) QueueOption {
	return func(o *queueOptions) {
		o.defaults = &opts
	}
}
