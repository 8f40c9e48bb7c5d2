// Package batch holds the job handlers that write retail records: single
// create, update and delete, and chunked bulk inserts.
package batch

import (
	"context"
	"errors"
	"fmt"

	"github.com/alihesham01/chronizer/cache"
	apperrors "github.com/alihesham01/chronizer/errors"
	"github.com/alihesham01/chronizer/events"
	"github.com/alihesham01/chronizer/jobqueue"
	"github.com/alihesham01/chronizer/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
)

const (
	TypeCreate     = "record.create"
	TypeUpdate     = "record.update"
	TypeDelete     = "record.delete"
	TypeBulkInsert = "record.bulk_insert"
)

// Store is satisfied by *storage.Records.
type Store interface {
	Insert(ctx context.Context, entity, brandID string, data storage.Record) (storage.Record, error)
	Update(ctx context.Context, entity, brandID string, id any, data storage.Record) (storage.Record, error)
	Delete(ctx context.Context, entity, brandID string, id any) error
	InsertChunk(ctx context.Context, entity, brandID string, rows []storage.Record) (int64, error)
}

// Cache is satisfied by cache.Cache.
type Cache interface {
	DelPattern(ctx context.Context, pattern string) (int, error)
}

// Publisher is satisfied by *eventbus.Bus.
type Publisher interface {
	Publish(ctx context.Context, channel string, data any) (int64, error)
}

// Job is the part of *jobqueue.Job the handlers use.
type Job interface {
	JobID() string
	JobType() string
	Decode(v any) error
	UpdateProgress(ctx context.Context, pct float64) error
}

type Worker struct {
	lg        *zap.Logger
	store     Store
	cache     Cache
	publisher Publisher
	chunkSize int
	written   metric.Int64Counter
}

type Option func(*Worker)

func WithChunkSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.chunkSize = n
		}
	}
}

func WithMeter(m metric.Meter) Option {
	return func(w *Worker) {
		if m == nil {
			return
		}
		if c, err := m.Int64Counter("batch.records.written"); err == nil {
			w.written = c
		}
	}
}

func New(lg *zap.Logger, store Store, cache Cache, publisher Publisher, opts ...Option) *Worker {
	written, _ := noop.NewMeterProvider().Meter("batch").Int64Counter("batch.records.written")
	w := &Worker{
		lg:        lg,
		store:     store,
		cache:     cache,
		publisher: publisher,
		chunkSize: 500,
		written:   written,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Processor adapts the worker to a job queue.
func (w *Worker) Processor() jobqueue.Processor {
	return func(ctx context.Context, job *jobqueue.Job) (*jobqueue.Result, error) {
		return w.Handle(ctx, job)
	}
}

// Handle routes a job to the handler for its type.
func (w *Worker) Handle(ctx context.Context, job Job) (*jobqueue.Result, error) {
	switch job.JobType() {
	case TypeCreate:
		return w.create(ctx, job)
	case TypeUpdate:
		return w.update(ctx, job)
	case TypeDelete:
		return w.delete(ctx, job)
	case TypeBulkInsert:
		return w.bulkInsert(ctx, job)
	default:
		return nil, validationError(fmt.Sprintf("unknown job type %q", job.JobType()), nil)
	}
}

type recordPayload struct {
	Entity  string         `json:"entity"`
	BrandID string         `json:"brand_id"`
	ID      any            `json:"id,omitempty"`
	Data    storage.Record `json:"data,omitempty"`
}

func (p recordPayload) validate(needID, needData bool) error {
	switch {
	case p.Entity == "":
		return validationError("entity is required", nil)
	case p.BrandID == "":
		return validationError("brand_id is required", nil)
	case needID && p.ID == nil:
		return validationError("id is required", nil)
	case needData && len(p.Data) == 0:
		return validationError("data is required", nil)
	}
	return nil
}

func (w *Worker) create(ctx context.Context, job Job) (*jobqueue.Result, error) {
	var p recordPayload
	if err := job.Decode(&p); err != nil {
		return nil, err
	}
	if err := p.validate(false, true); err != nil {
		return nil, err
	}

	rec, err := w.store.Insert(ctx, p.Entity, p.BrandID, p.Data)
	if err != nil {
		return nil, classify(fmt.Sprintf("create %s", p.Entity), err)
	}
	w.written.Add(ctx, 1, metric.WithAttributes(attribute.String("entity", p.Entity)))
	w.afterWrite(ctx, job, p.Entity, p.BrandID, events.ActionCreated, rec["id"], rec)
	return &jobqueue.Result{Success: true, Data: rec}, nil
}

func (w *Worker) update(ctx context.Context, job Job) (*jobqueue.Result, error) {
	var p recordPayload
	if err := job.Decode(&p); err != nil {
		return nil, err
	}
	if err := p.validate(true, true); err != nil {
		return nil, err
	}

	rec, err := w.store.Update(ctx, p.Entity, p.BrandID, p.ID, p.Data)
	if err != nil {
		return nil, classify(fmt.Sprintf("update %s %v", p.Entity, p.ID), err)
	}
	w.written.Add(ctx, 1, metric.WithAttributes(attribute.String("entity", p.Entity)))
	w.afterWrite(ctx, job, p.Entity, p.BrandID, events.ActionUpdated, p.ID, rec)
	return &jobqueue.Result{Success: true, Data: rec}, nil
}

func (w *Worker) delete(ctx context.Context, job Job) (*jobqueue.Result, error) {
	var p recordPayload
	if err := job.Decode(&p); err != nil {
		return nil, err
	}
	if err := p.validate(true, false); err != nil {
		return nil, err
	}

	if err := w.store.Delete(ctx, p.Entity, p.BrandID, p.ID); err != nil {
		return nil, classify(fmt.Sprintf("delete %s %v", p.Entity, p.ID), err)
	}
	w.afterWrite(ctx, job, p.Entity, p.BrandID, events.ActionDeleted, p.ID, nil)
	return &jobqueue.Result{Success: true, Data: map[string]any{"id": p.ID}}, nil
}

// afterWrite runs once the write is durable. Neither step can fail the job.
func (w *Worker) afterWrite(ctx context.Context, job Job, entity, brandID string, action events.Action, id any, rec storage.Record) {
	w.invalidate(ctx, entity, brandID)
	w.publish(ctx, events.Record(entity, action), events.RecordEvent{
		Entity:  entity,
		Action:  action,
		BrandID: brandID,
		ID:      id,
		Record:  rec,
		JobID:   job.JobID(),
	})
}

func (w *Worker) invalidate(ctx context.Context, entity, brandID string) {
	if w.cache == nil {
		return
	}
	pattern := CachePattern(entity, brandID)
	n, err := w.cache.DelPattern(ctx, pattern)
	if err != nil {
		w.lg.Warn("cache invalidation failed", zap.String("pattern", pattern), zap.Error(err))
		return
	}
	w.lg.Debug("cache invalidated", zap.String("pattern", pattern), zap.Int("keys", n))
}

func (w *Worker) publish(ctx context.Context, channel string, evt any) {
	if w.publisher == nil {
		return
	}
	if _, err := w.publisher.Publish(ctx, channel, evt); err != nil {
		w.lg.Warn("failed to publish event", zap.String("channel", channel), zap.Error(err))
	}
}

// CachePattern matches every cached read of an entity for one brand. Glob
// characters in either part are escaped.
func CachePattern(entity, brandID string) string {
	return fmt.Sprintf("%s:%s:*", cache.QuotePattern(entity), cache.QuotePattern(brandID))
}

func validationError(msg string, cause error) error {
	return jobqueue.Permanent(apperrors.NewError(apperrors.CodeValidation, msg, cause))
}

// classify turns storage errors into job errors: bad input and missing rows
// are permanent, everything else is retried.
func classify(op string, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return jobqueue.Permanent(apperrors.NewError(apperrors.CodeNotFound, op+": record not found", err))
	case storage.IsInvalidInput(err):
		return jobqueue.Permanent(apperrors.NewError(apperrors.CodeValidation, fmt.Sprintf("%s: %v", op, err), err))
	default:
		return apperrors.NewError(apperrors.CodeTransient, fmt.Sprintf("%s: %v", op, err), err)
	}
}
