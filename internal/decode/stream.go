// Package decode exposes catalog artifacts as lazy, forward-only sequences of
// records. Consuming a stream never loads the whole artifact into memory.
//
// Streams are not restartable: resumption re-scans from byte zero and uses a
// skip-count to suppress delivery of records already processed.
package decode

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"ingest/internal/sniff"
)

// Error is a fatal decode failure at a specific point in an artifact. There
// is no partial-record recovery: one malformed record fails the whole pass.
type Error struct {
	Path   string
	Offset int64 // byte offset of the failing record, when known
	Record int64 // 1-based record ordinal; 0 when the failure precedes any record
	Err    error
}

func (e *Error) Error() string {
	if e.Record > 0 {
		return fmt.Sprintf("decode: %s: record %d at offset %d: %v", e.Path, e.Record, e.Offset, e.Err)
	}
	return fmt.Sprintf("decode: %s: offset %d: %v", e.Path, e.Offset, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Options controls a streaming pass.
type Options struct {
	// Skip suppresses delivery of the first Skip records. They are still
	// fully scanned and decoded (so Observe sees them); only the channel send
	// is skipped. This is the resumption mechanism: re-scan from byte zero,
	// deliver from record Skip+1.
	Skip int64

	// ProgressEvery emits OnProgress every N scanned records (delivered or
	// skipped). Zero disables progress signals.
	ProgressEvery int64

	// OnProgress receives the running scanned-record count.
	OnProgress func(count int64)

	// Observe, when non-nil, is called once per decoded record, including
	// skipped ones. Derived-aggregate collectors hook in here so they see the
	// full dataset even on a resumed pass.
	Observe func(Record)
}

// Stream decodes the artifact at path according to format and sends each
// delivered record into out. The caller owns out and closes it after Stream
// returns. Sends are ctx-aware; cancellation surfaces as ctx.Err().
func Stream(ctx context.Context, path string, format sniff.Format, opts Options, out chan<- Record) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	defer f.Close()

	switch format {
	case sniff.FormatArray:
		return streamArray(ctx, f, path, opts, out)
	case sniff.FormatLines:
		return streamLines(ctx, f, path, opts, out)
	default:
		return fmt.Errorf("decode: %s: unsupported format %q", path, format)
	}
}

func streamArray(ctx context.Context, f *os.File, path string, opts Options, out chan<- Record) error {
	var count int64

	return scanArray(f, path, func(raw []byte, start int64) error {
		count++

		rec, err := unmarshalRecord(raw)
		if err != nil {
			return &Error{Path: path, Offset: start, Record: count, Err: err}
		}
		if opts.Observe != nil {
			opts.Observe(rec)
		}
		progress(opts, count)

		if count <= opts.Skip {
			return nil
		}
		return send(ctx, out, rec)
	})
}

func streamLines(ctx context.Context, f *os.File, path string, opts Options, out chan<- Record) error {
	br := bufio.NewReaderSize(f, scanChunkSize)

	var (
		count  int64
		offset int64
	)
	for {
		raw, rerr := br.ReadBytes('\n')
		lineStart := offset
		offset += int64(len(raw))

		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) > 0 {
			count++

			rec, err := unmarshalRecord(trimmed)
			if err != nil {
				return &Error{Path: path, Offset: lineStart, Record: count, Err: err}
			}
			if opts.Observe != nil {
				opts.Observe(rec)
			}
			progress(opts, count)

			if count > opts.Skip {
				if err := send(ctx, out, rec); err != nil {
					return err
				}
			}
		}

		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("decode: read %s: %w", path, rerr)
		}
	}
}

func unmarshalRecord(raw []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var rec Record
	if err := dec.Decode(&rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func progress(opts Options, count int64) {
	if opts.ProgressEvery > 0 && opts.OnProgress != nil && count%opts.ProgressEvery == 0 {
		opts.OnProgress(count)
	}
}

func send(ctx context.Context, out chan<- Record, rec Record) error {
	select {
	case out <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
