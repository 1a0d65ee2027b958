// Package pipeline sequences the ingest phases: download, reference load,
// primary streamed load, secondary streamed load, derived-aggregate persist.
// Phase completion is checkpointed so a rerun skips finished work.
package pipeline

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"

	"ingest/internal/aggregate"
	"ingest/internal/checkpoint"
	"ingest/internal/decode"
	"ingest/internal/metrics"
	"ingest/internal/retry"
	"ingest/internal/sniff"
	"ingest/internal/storage"
)

// Dataset kinds, matching the discovery listing.
const (
	DatasetSets    = "sets"
	DatasetCards   = "cards"
	DatasetRulings = "rulings"
)

// Phase names recorded in the checkpoint. Order matters; each phase assumes
// its predecessors completed.
const (
	PhaseDownloaded      = "downloaded"
	PhaseReferenceLoaded = "reference_loaded"
	PhasePrimaryLoaded   = "primary_loaded"
	PhaseSecondaryLoaded = "secondary_loaded"
	PhaseDone            = "done"
)

// Artifacts supplies local artifact files. *fetch.Fetcher satisfies it.
type Artifacts interface {
	Fetch(ctx context.Context, kind string) (string, error)
	Path(kind string) string
}

// Pipeline runs a full ingest.
type Pipeline struct {
	Artifacts   Artifacts
	Store       storage.Store
	Checkpoints *checkpoint.Store

	BatchSize     int
	StoreRetry    retry.Policy
	ProgressEvery int64

	// Datasets restricts the run to the named kinds. Empty means all.
	Datasets []string

	Logger Logger
}

func (p *Pipeline) logf(format string, v ...any) {
	if p.Logger != nil {
		p.Logger.Printf(format, v...)
	}
}

func (p *Pipeline) enabled(kind string) bool {
	if len(p.Datasets) == 0 {
		return true
	}
	for _, d := range p.Datasets {
		if d == kind {
			return true
		}
	}
	return false
}

// Run executes all phases, resuming from the durable checkpoint when one
// exists. On any fatal error the checkpoint still reflects the last
// successful batch and phase, so the next invocation picks up there.
func (p *Pipeline) Run(ctx context.Context) error {
	cp, err := p.Checkpoints.Load()
	if err != nil {
		return err
	}
	if cp == nil {
		cp = checkpoint.New(ulid.Make().String())
		p.logf("stage=run run_id=%s resume=false", cp.RunID)
	} else {
		p.logf("stage=run run_id=%s resume=true", cp.RunID)
	}

	if err := p.Store.EnsureSchema(ctx); err != nil {
		return err
	}

	phases := []struct {
		name string
		fn   func(context.Context, *checkpoint.Checkpoint) error
	}{
		{PhaseDownloaded, p.download},
		{PhaseReferenceLoaded, p.loadReference},
		{PhasePrimaryLoaded, p.loadPrimary},
		{PhaseSecondaryLoaded, p.loadSecondary},
	}
	for _, ph := range phases {
		if err := p.runPhase(ctx, cp, ph.name, ph.fn); err != nil {
			return err
		}
	}

	cp.MarkPhase(PhaseDone)
	if err := p.Checkpoints.Save(cp); err != nil {
		return err
	}
	p.logf("stage=run run_id=%s done=true", cp.RunID)
	return nil
}

func (p *Pipeline) runPhase(ctx context.Context, cp *checkpoint.Checkpoint, name string, fn func(context.Context, *checkpoint.Checkpoint) error) error {
	if cp.PhaseDone(name) {
		p.logf("stage=phase name=%s skipped=true", name)
		return nil
	}

	start := time.Now()
	if err := fn(ctx, cp); err != nil {
		metrics.RecordPhase(name, "error", time.Since(start))
		return err
	}

	cp.MarkPhase(name)
	if err := p.Checkpoints.Save(cp); err != nil {
		return err
	}
	metrics.RecordPhase(name, "ok", time.Since(start))
	p.logf("stage=phase name=%s duration=%s", name, time.Since(start).Round(time.Millisecond))
	return nil
}

// download fetches every enabled dataset that is not already on disk.
func (p *Pipeline) download(ctx context.Context, cp *checkpoint.Checkpoint) error {
	for _, kind := range []string{DatasetSets, DatasetCards, DatasetRulings} {
		if !p.enabled(kind) {
			continue
		}
		d := cp.Dataset(kind)
		if d.Downloaded {
			p.logf("stage=download kind=%s skipped=true", kind)
			continue
		}
		if _, err := p.Artifacts.Fetch(ctx, kind); err != nil {
			return err
		}
		d.Downloaded = true
		if err := p.Checkpoints.Save(cp); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) loadReference(ctx context.Context, cp *checkpoint.Checkpoint) error {
	if !p.enabled(DatasetSets) {
		return nil
	}
	return p.loadDataset(ctx, cp, DatasetSets, nil, func(ctx context.Context, batch []decode.Record) (string, error) {
		rows := make([]storage.SetRow, 0, len(batch))
		var lastID string
		for _, r := range batch {
			row, err := setFromRecord(r)
			if err != nil {
				return "", err
			}
			rows = append(rows, row)
			lastID = row.Code
		}
		return lastID, p.Store.UpsertSets(ctx, rows)
	})
}

// loadPrimary streams the cards dataset through the batch loader while the
// tag collector observes every record, skipped or not, so a resumed run
// still rebuilds the full catalog. The aggregate is persisted here, before
// the phase is marked done, because a later phase never re-reads this
// artifact.
func (p *Pipeline) loadPrimary(ctx context.Context, cp *checkpoint.Checkpoint) error {
	if !p.enabled(DatasetCards) {
		return nil
	}

	collector := aggregate.NewCollector(aggregate.Tags)
	err := p.loadDataset(ctx, cp, DatasetCards, collector.Offer, func(ctx context.Context, batch []decode.Record) (string, error) {
		cards, tags, faces, lastID, err := mapCardBatch(batch)
		if err != nil {
			return "", err
		}
		return lastID, p.Store.UpsertCardBatch(ctx, cards, tags, faces)
	})
	if err != nil {
		return err
	}

	// The tag catalog is a convenience index; failing to rebuild it does not
	// invalidate the primary data.
	if err := p.Store.ReplaceTags(ctx, collector.Values()); err != nil {
		p.logf("stage=aggregate dataset=%s tags=%d err=%v", DatasetCards, collector.Len(), err)
	} else {
		p.logf("stage=aggregate dataset=%s tags=%d", DatasetCards, collector.Len())
	}
	return nil
}

func (p *Pipeline) loadSecondary(ctx context.Context, cp *checkpoint.Checkpoint) error {
	if !p.enabled(DatasetRulings) {
		return nil
	}
	return p.loadDataset(ctx, cp, DatasetRulings, nil, func(ctx context.Context, batch []decode.Record) (string, error) {
		rows := make([]storage.RulingRow, 0, len(batch))
		var lastID string
		for _, r := range batch {
			row, err := rulingFromRecord(r)
			if err != nil {
				return "", err
			}
			rows = append(rows, row)
			lastID = row.ID
		}
		return lastID, p.Store.UpsertRulings(ctx, rows)
	})
}

// loadDataset wires one artifact through detector, decoder and loader.
// Resumption is positional: the checkpoint's processed count becomes the
// decoder's skip-count.
func (p *Pipeline) loadDataset(ctx context.Context, cp *checkpoint.Checkpoint, kind string, observe func(decode.Record), commit CommitFn) error {
	path := p.Artifacts.Path(kind)
	format, err := sniff.Detect(path)
	if err != nil {
		return err
	}

	skip := cp.Dataset(kind).ProcessedCount
	p.logf("stage=load dataset=%s format=%s skip=%d", kind, format, skip)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan decode.Record, 256)
	decErr := make(chan error, 1)
	go func() {
		decErr <- decode.Stream(ctx, path, format, decode.Options{
			Skip:          skip,
			ProgressEvery: p.ProgressEvery,
			OnProgress: func(n int64) {
				p.logf("stage=decode dataset=%s scanned=%d", kind, n)
			},
			Observe: observe,
		}, out)
		close(out)
	}()

	loader := &Loader{
		BatchSize:   p.BatchSize,
		Retry:       p.StoreRetry,
		Checkpoints: p.Checkpoints,
		Logger:      p.Logger,
	}
	n, err := loader.Run(ctx, cp, kind, out, commit)
	if err != nil {
		// Unblock the decoder and wait for it before returning.
		cancel()
		<-decErr
		for range out {
		}
		return err
	}
	if derr := <-decErr; derr != nil {
		return derr
	}

	p.logf("stage=load dataset=%s committed=%d total=%d", kind, n, cp.Dataset(kind).ProcessedCount)
	return nil
}
