// Package fetch downloads dataset artifacts to local disk. A fetched
// artifact is always fully decompressed JSON at a stable per-kind path;
// downstream stages never touch the network.
package fetch

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"ingest/internal/discovery"
	"ingest/internal/metrics"
	"ingest/internal/retry"
)

// gzip magic bytes. Compression is detected from content, not from the
// provider's content-type metadata.
var gzipMagic = []byte{0x1f, 0x8b}

// Logger is the minimal logging dependency. *log.Logger satisfies it.
type Logger interface {
	Printf(format string, v ...any)
}

// Resolver maps a dataset kind to its current download descriptor.
type Resolver interface {
	Resolve(ctx context.Context, kind string) (discovery.Descriptor, error)
}

// TransientError marks a download attempt worth retrying: transport
// failures, 5xx responses and 429 throttling.
type TransientError struct {
	Status     int           // HTTP status, 0 for transport errors
	RetryAfter time.Duration // server-directed delay, 0 when absent
	Err        error
}

func (e *TransientError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("fetch: transient status %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("fetch: transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ExhaustedError means every download attempt for a dataset failed.
type ExhaustedError struct {
	Kind     string
	URL      string
	Attempts int
	Err      error // last attempt's error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("fetch: %s: %d attempts exhausted for %s: %v", e.Kind, e.Attempts, e.URL, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Fetcher resolves and downloads dataset artifacts.
type Fetcher struct {
	Discovery Resolver
	Client    *http.Client
	Dir       string
	Retry     retry.Policy
	Logger    Logger
}

func (f *Fetcher) logf(format string, v ...any) {
	if f.Logger != nil {
		f.Logger.Printf(format, v...)
	}
}

func (f *Fetcher) httpClient() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return http.DefaultClient
}

// Path returns the canonical local artifact path for kind. It is stable
// across runs; each fetch overwrites the previous artifact.
func (f *Fetcher) Path(kind string) string {
	return filepath.Join(f.Dir, kind+".json")
}

// Fetch downloads the artifact for kind and returns its local path. The
// returned file always holds decompressed content. Transient failures are
// retried with backoff; exhausting the budget returns *ExhaustedError.
func (f *Fetcher) Fetch(ctx context.Context, kind string) (string, error) {
	desc, err := f.Discovery.Resolve(ctx, kind)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return "", fmt.Errorf("fetch: data dir: %w", err)
	}

	tmp, err := os.CreateTemp(f.Dir, ".fetch-"+kind+"-*")
	if err != nil {
		return "", fmt.Errorf("fetch: temp file: %w", err)
	}
	tmpName := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpName)

	attempts := 0
	err = retry.Do(ctx, f.Retry, classifyDownload, func() error {
		attempts++
		f.logf("stage=fetch kind=%s url=%s attempt=%d", kind, desc.DownloadURL, attempts)
		return f.download(ctx, kind, desc.DownloadURL, tmpName)
	})
	if err != nil {
		var te *TransientError
		if errors.As(err, &te) {
			return "", &ExhaustedError{Kind: kind, URL: desc.DownloadURL, Attempts: attempts, Err: err}
		}
		return "", err
	}

	final := f.Path(kind)
	if err := finalize(tmpName, final); err != nil {
		return "", fmt.Errorf("fetch: %s: %w", kind, err)
	}
	f.logf("stage=fetch kind=%s path=%s attempts=%d", kind, final, attempts)
	return final, nil
}

func classifyDownload(err error) retry.Outcome {
	var te *TransientError
	if errors.As(err, &te) {
		return retry.Outcome{Retry: true, After: te.RetryAfter}
	}
	return retry.Outcome{}
}

// download performs one attempt, streaming the body to dst. The body is
// never buffered in memory; artifacts routinely run to gigabytes.
func (f *Fetcher) download(ctx context.Context, kind, url, dst string) error {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("fetch: build request: %w", err)
	}

	resp, err := f.httpClient().Do(req)
	if err != nil {
		metrics.RecordHTTP(kind, 0, err, time.Since(start), 0)
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain a little so the connection can be reused.
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		metrics.RecordHTTP(kind, resp.StatusCode, nil, time.Since(start), 0)

		serr := fmt.Errorf("unexpected status %d for %s", resp.StatusCode, url)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return &TransientError{
				Status:     resp.StatusCode,
				RetryAfter: parseRetryAfter(resp.Header),
				Err:        serr,
			}
		}
		return fmt.Errorf("fetch: %w", serr)
	}

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("fetch: open %s: %w", dst, err)
	}
	n, copyErr := io.Copy(out, resp.Body)
	closeErr := out.Close()
	metrics.RecordHTTP(kind, resp.StatusCode, copyErr, time.Since(start), n)

	if copyErr != nil {
		// A body cut mid-stream is a connection problem, retry it.
		return &TransientError{Status: resp.StatusCode, Err: copyErr}
	}
	if closeErr != nil {
		return fmt.Errorf("fetch: close %s: %w", dst, closeErr)
	}
	return nil
}

// finalize moves the downloaded temp file to its final path, streaming it
// through gzip when the magic bytes say so.
func finalize(tmpName, final string) error {
	compressed, err := hasGzipMagic(tmpName)
	if err != nil {
		return err
	}
	if !compressed {
		if err := os.Rename(tmpName, final); err != nil {
			return err
		}
		return nil
	}

	in, err := os.Open(tmpName)
	if err != nil {
		return err
	}
	defer in.Close()

	zr, err := gzip.NewReader(in)
	if err != nil {
		return fmt.Errorf("gzip: %w", err)
	}
	defer zr.Close()

	out, err := os.CreateTemp(filepath.Dir(final), ".inflate-*")
	if err != nil {
		return err
	}
	outName := out.Name()

	if _, err := io.Copy(out, zr); err != nil {
		out.Close()
		os.Remove(outName)
		return fmt.Errorf("gzip: inflate: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(outName)
		return err
	}
	if err := os.Rename(outName, final); err != nil {
		os.Remove(outName)
		return err
	}
	return nil
}

func hasGzipMagic(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	var magic [2]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		// Shorter than two bytes cannot be gzip.
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return false, nil
		}
		return false, err
	}
	return magic[0] == gzipMagic[0] && magic[1] == gzipMagic[1], nil
}

// parseRetryAfter reads a Retry-After header as either delta-seconds or an
// HTTP-date. Zero means no usable hint.
func parseRetryAfter(h http.Header) time.Duration {
	ra := strings.TrimSpace(h.Get("Retry-After"))
	if ra == "" {
		return 0
	}

	if secs, err := strconv.Atoi(ra); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}

	if t, err := http.ParseTime(ra); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}

	return 0
}
