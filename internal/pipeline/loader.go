package pipeline

import (
	"context"
	"fmt"
	"time"

	"ingest/internal/checkpoint"
	"ingest/internal/decode"
	"ingest/internal/metrics"
	"ingest/internal/retry"
	"ingest/internal/storage"
)

// Logger is the minimal logging dependency. *log.Logger satisfies it.
type Logger interface {
	Printf(format string, v ...any)
}

// CommitFn writes one batch in a single transaction and returns the
// identifier of the batch's last record.
type CommitFn func(ctx context.Context, batch []decode.Record) (lastID string, err error)

// Loader groups streamed records into bounded batches and commits each batch
// once, updating the checkpoint after every successful commit.
type Loader struct {
	BatchSize   int
	Retry       retry.Policy
	Checkpoints *checkpoint.Store
	Logger      Logger
}

func (l *Loader) logf(format string, v ...any) {
	if l.Logger != nil {
		l.Logger.Printf(format, v...)
	}
}

// Run consumes in until it closes, committing full batches plus a final
// partial one. It returns the number of records committed by this call.
//
// Transient storage errors retry the whole batch with backoff; exhausting
// the budget is fatal. The checkpoint always reflects the last successful
// commit, so a rerun resumes at the right skip-count.
func (l *Loader) Run(ctx context.Context, cp *checkpoint.Checkpoint, kind string, in <-chan decode.Record, commit CommitFn) (int64, error) {
	size := l.BatchSize
	if size <= 0 {
		size = 500
	}

	var (
		batch     = make([]decode.Record, 0, size)
		committed int64
	)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := l.commitBatch(ctx, cp, kind, batch, commit); err != nil {
			return err
		}
		committed += int64(len(batch))
		batch = batch[:0]
		return nil
	}

	for {
		select {
		case rec, ok := <-in:
			if !ok {
				return committed, flush()
			}
			batch = append(batch, rec)
			if len(batch) >= size {
				if err := flush(); err != nil {
					return committed, err
				}
			}
		case <-ctx.Done():
			return committed, ctx.Err()
		}
	}
}

// commitBatch commits one batch with retry, then advances and saves the
// checkpoint. Retry granularity is the whole batch: the transaction either
// committed or it did not.
func (l *Loader) commitBatch(ctx context.Context, cp *checkpoint.Checkpoint, kind string, batch []decode.Record, commit CommitFn) error {
	start := time.Now()

	var lastID string
	err := retry.Do(ctx, l.Retry, classifyStorage, func() error {
		id, err := commit(ctx, batch)
		if err != nil {
			l.logf("stage=batch_commit dataset=%s records=%d err=%v", kind, len(batch), err)
			return err
		}
		lastID = id
		return nil
	})
	if err != nil {
		metrics.RecordBatch(kind, "error", time.Since(start))
		return fmt.Errorf("pipeline: %s batch of %d: %w", kind, len(batch), err)
	}

	d := cp.Dataset(kind)
	d.Advance(int64(len(batch)), lastID)
	metrics.RecordBatch(kind, "ok", time.Since(start))
	metrics.RecordRecords(kind, int64(len(batch)))
	l.logf("stage=batch_commit dataset=%s records=%d total=%d batches=%d last=%s",
		kind, len(batch), d.ProcessedCount, d.BatchesCommitted, lastID)

	if err := l.Checkpoints.Save(cp); err != nil {
		// The batch is durable but progress is not. Abort rather than risk
		// losing a growing stretch of resumption state.
		return fmt.Errorf("pipeline: %s: %w", kind, err)
	}
	return nil
}

func classifyStorage(err error) retry.Outcome {
	if storage.IsTransient(err) {
		return retry.Outcome{Retry: true}
	}
	return retry.Outcome{}
}
