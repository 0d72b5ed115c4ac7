package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"fleet-monitor/aggregator/internal/domain"
	"fleet-monitor/aggregator/internal/metrics"
)

type FaultArchive interface {
	BatchInsertFaults(ctx context.Context, events []domain.FaultEvent) error
}

// ArchiveWriter batches fault events into the archive, flushing when the
// batch is full or the flush interval elapses.
type ArchiveWriter struct {
	ch         <-chan domain.FaultEvent
	db         FaultArchive
	batchSize  int
	flushEvery time.Duration
	retryDelay time.Duration
	logger     *zap.Logger
}

func NewArchiveWriter(
	ch <-chan domain.FaultEvent,
	db FaultArchive,
	batchSize int,
	flushEvery time.Duration,
	logger *zap.Logger,
) *ArchiveWriter {
	if batchSize <= 0 {
		batchSize = 1
	}
	if flushEvery <= 0 {
		flushEvery = 500 * time.Millisecond
	}
	return &ArchiveWriter{
		ch:         ch,
		db:         db,
		batchSize:  batchSize,
		flushEvery: flushEvery,
		retryDelay: 500 * time.Millisecond,
		logger:     logger.Named("archive"),
	}
}

func (w *ArchiveWriter) Run(ctx context.Context) {
	batch := make([]domain.FaultEvent, 0, w.batchSize)
	ticker := time.NewTicker(w.flushEvery)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-w.ch:
			if !ok {
				if len(batch) > 0 {
					w.flush(context.Background(), batch)
				}
				return
			}
			batch = append(batch, ev)
			if len(batch) >= w.batchSize && w.flush(ctx, batch) {
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 && w.flush(ctx, batch) {
				batch = batch[:0]
			}

		case <-ctx.Done():
			if len(batch) > 0 {
				w.flush(context.Background(), batch)
			}
			return
		}
	}
}

// flush retries a failed batch once before giving it up. It reports false
// when ctx ends before the retry, leaving the batch to the shutdown drain.
func (w *ArchiveWriter) flush(ctx context.Context, batch []domain.FaultEvent) bool {
	err := w.db.BatchInsertFaults(ctx, batch)
	if err != nil {
		w.logger.Warn("archive write failed, retrying", zap.Int("batch", len(batch)), zap.Error(err))

		timer := time.NewTimer(w.retryDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return false
		}

		err = w.db.BatchInsertFaults(ctx, batch)
		if err != nil {
			w.logger.Error("archive write permanently failed", zap.Int("batch", len(batch)), zap.Error(err))
			metrics.ArchiveWrites.WithLabelValues("failed").Add(float64(len(batch)))
			return true
		}
	}
	metrics.ArchiveWrites.WithLabelValues("success").Add(float64(len(batch)))
	return true
}
