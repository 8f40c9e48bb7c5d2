package batch

import (
	"context"
	"fmt"

	apperrors "github.com/alihesham01/chronizer/errors"
	"github.com/alihesham01/chronizer/events"
	"github.com/alihesham01/chronizer/jobqueue"
	"github.com/alihesham01/chronizer/storage"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

type bulkPayload struct {
	Entity    string           `json:"entity"`
	BrandID   string           `json:"brand_id"`
	Records   []storage.Record `json:"records"`
	BatchID   string           `json:"batch_id,omitempty"`
	ChunkSize int              `json:"chunk_size,omitempty"`
}

// BulkResult is the job result of a successful bulk insert.
type BulkResult struct {
	BatchID  string `json:"batch_id"`
	Inserted int64  `json:"inserted"`
	Total    int    `json:"total"`
	Chunks   int    `json:"chunks"`
}

// PartialBatch details a bulk insert that stopped part way. Chunks before
// ChunksCompleted stay committed.
type PartialBatch struct {
	BatchID         string `json:"batch_id"`
	ChunksCompleted int    `json:"chunks_completed"`
	TotalChunks     int    `json:"total_chunks"`
	Processed       int    `json:"processed"`
}

func (w *Worker) bulkInsert(ctx context.Context, job Job) (*jobqueue.Result, error) {
	var p bulkPayload
	if err := job.Decode(&p); err != nil {
		return nil, err
	}
	switch {
	case p.Entity == "":
		return nil, validationError("entity is required", nil)
	case p.BrandID == "":
		return nil, validationError("brand_id is required", nil)
	case len(p.Records) == 0:
		return nil, validationError("records are required", nil)
	}
	for i, rec := range p.Records {
		if err := storage.ValidateRecord(p.Entity, p.BrandID, rec); err != nil {
			return nil, validationError(fmt.Sprintf("record %d: %v", i, err), err)
		}
	}

	size := w.chunkSize
	if p.ChunkSize > 0 {
		size = p.ChunkSize
	}
	batchID := p.BatchID
	if batchID == "" {
		batchID = job.JobID()
	}
	chunks := lo.Chunk(p.Records, size)
	lg := w.lg.With(
		zap.String("job_id", job.JobID()),
		zap.String("batch_id", batchID),
		zap.String("entity", p.Entity),
		zap.String("brand_id", p.BrandID),
	)
	lg.Info("bulk insert started", zap.Int("records", len(p.Records)), zap.Int("chunks", len(chunks)))

	var inserted int64
	processed := 0
	for i, chunk := range chunks {
		err := ctx.Err()
		if err == nil {
			var n int64
			n, err = w.store.InsertChunk(ctx, p.Entity, p.BrandID, chunk)
			inserted += n
		}
		if err != nil {
			return nil, w.bulkFailed(ctx, lg, p, PartialBatch{
				BatchID:         batchID,
				ChunksCompleted: i,
				TotalChunks:     len(chunks),
				Processed:       processed,
			}, err)
		}
		processed += len(chunk)

		pct := float64(i+1) / float64(len(chunks)) * 100
		if err := job.UpdateProgress(ctx, pct); err != nil {
			lg.Warn("failed to record bulk progress", zap.Error(err))
		}
		w.publish(ctx, events.BulkProgress, events.BulkProgressEvent{
			BatchID:         batchID,
			Entity:          p.Entity,
			BrandID:         p.BrandID,
			ChunksCompleted: i + 1,
			TotalChunks:     len(chunks),
			Processed:       processed,
			Total:           len(p.Records),
			Progress:        pct,
		})
	}

	w.written.Add(ctx, inserted, metric.WithAttributes(attribute.String("entity", p.Entity)))
	w.invalidate(ctx, p.Entity, p.BrandID)
	w.publish(ctx, events.BulkCompleted, events.BulkCompletedEvent{
		BatchID:  batchID,
		Entity:   p.Entity,
		BrandID:  p.BrandID,
		Inserted: inserted,
		Total:    len(p.Records),
	})
	lg.Info("bulk insert completed", zap.Int64("inserted", inserted))

	return &jobqueue.Result{Success: true, Data: BulkResult{
		BatchID:  batchID,
		Inserted: inserted,
		Total:    len(p.Records),
		Chunks:   len(chunks),
	}}, nil
}

// bulkFailed reports a stopped batch and builds the job error. Committed
// chunks are kept; the error carries how far the batch got.
func (w *Worker) bulkFailed(ctx context.Context, lg *zap.Logger, p bulkPayload, partial PartialBatch, cause error) error {
	lg.Error("bulk insert failed",
		zap.Int("chunks_completed", partial.ChunksCompleted),
		zap.Int("processed", partial.Processed),
		zap.Error(cause),
	)
	w.publish(context.WithoutCancel(ctx), events.BulkFailed, events.BulkFailedEvent{
		BatchID:         partial.BatchID,
		Entity:          p.Entity,
		BrandID:         p.BrandID,
		ChunksCompleted: partial.ChunksCompleted,
		Processed:       partial.Processed,
		Error:           cause.Error(),
	})

	msg := fmt.Sprintf("bulk insert stopped after %d of %d chunks (%d records): %v",
		partial.ChunksCompleted, partial.TotalChunks, partial.Processed, cause)
	err := apperrors.NewError(apperrors.CodePartialBatch, msg, cause).WithDetails(partial)
	if storage.IsInvalidInput(cause) {
		return jobqueue.Permanent(err)
	}
	return err
}
