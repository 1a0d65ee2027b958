package datadog

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"

	"ingest/internal/metrics"
)

// fakeSubmitter captures payloads submitted by Backend.Flush().
type fakeSubmitter struct {
	mu       sync.Mutex
	payloads []datadogV2.MetricPayload
	err      error
}

func (f *fakeSubmitter) SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, body)
	return datadogV2.IntakePayloadAccepted{}, nil, f.err
}

func (f *fakeSubmitter) all() []datadogV2.MetricPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]datadogV2.MetricPayload(nil), f.payloads...)
}

// stoppedTicker returns a ticker that never fires, so tests control flushes
// explicitly via Flush and Close.
func stoppedTicker(time.Duration) *time.Ticker {
	t := time.NewTicker(time.Hour)
	t.Stop()
	return t
}

func newTestBackend(t *testing.T, sub *fakeSubmitter) *Backend {
	t.Helper()
	b, err := NewBackend(context.Background(), Options{
		JobName:   "ingest-test",
		Tags:      []string{"service:ingest"},
		now:       func() time.Time { return time.Unix(1700000000, 0) },
		newTicker: stoppedTicker,
		submitter: sub,
	})
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func seriesByMetric(t *testing.T, payloads []datadogV2.MetricPayload) map[string][]datadogV2.MetricSeries {
	t.Helper()
	out := map[string][]datadogV2.MetricSeries{}
	for _, p := range payloads {
		for _, s := range p.Series {
			out[s.Metric] = append(out[s.Metric], s)
		}
	}
	return out
}

func hasTag(s datadogV2.MetricSeries, tag string) bool {
	for _, t := range s.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// TestResolveEnvTag verifies environment-tag precedence and defaults.
//
// Edge cases:
//   - ENV wins over DD_ENV.
//   - Whitespace-only env vars are ignored.
//   - If neither is set, "env:unknown" is returned.
func TestResolveEnvTag(t *testing.T) {
	tests := []struct {
		name  string
		env   string
		ddEnv string
		want  string
	}{
		{"both unset", "", "", "env:unknown"},
		{"ENV set", "prod", "", "env:prod"},
		{"DD_ENV fallback", "", "staging", "env:staging"},
		{"ENV wins", "prod", "staging", "env:prod"},
		{"whitespace ignored", "  ", "dev", "env:dev"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("ENV", tt.env)
			t.Setenv("DD_ENV", tt.ddEnv)
			if got := resolveEnvTag(); got != tt.want {
				t.Errorf("resolveEnvTag() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestFlushSubmitsCounters verifies that counters accumulate per label set
// and flush as COUNT series with dotted Datadog names and dataset/status
// tags.
func TestFlushSubmitsCounters(t *testing.T) {
	sub := &fakeSubmitter{}
	b := newTestBackend(t, sub)

	b.IncCounter("ingest_records_total", 500, metrics.Labels{"dataset": "cards"})
	b.IncCounter("ingest_records_total", 250, metrics.Labels{"dataset": "cards"})
	b.IncCounter("ingest_batches_total", 1, metrics.Labels{"dataset": "cards", "status": "ok"})
	b.IncCounter("ingest_http_requests_total", 2, metrics.Labels{"dataset": "cards", "status": "200"})
	b.IncCounter("ingest_http_download_bytes_total", 4096, metrics.Labels{"dataset": "cards"})

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got := seriesByMetric(t, sub.all())

	records := got["ingest.records.total"]
	if len(records) != 1 {
		t.Fatalf("records series = %d, want 1", len(records))
	}
	if v := *records[0].Points[0].Value; v != 750 {
		t.Errorf("records value = %v, want 750", v)
	}
	if !hasTag(records[0], "dataset:cards") {
		t.Errorf("records tags = %v, want dataset:cards", records[0].Tags)
	}
	if !hasTag(records[0], "job:ingest-test") || !hasTag(records[0], "service:ingest") {
		t.Errorf("records tags = %v, want job and service tags", records[0].Tags)
	}
	if *records[0].Type != datadogV2.METRICINTAKETYPE_COUNT {
		t.Errorf("records type = %v, want count", *records[0].Type)
	}

	batches := got["ingest.batches.total"]
	if len(batches) != 1 || !hasTag(batches[0], "status:ok") {
		t.Fatalf("batches series = %+v, want one with status:ok", batches)
	}
	reqs := got["ingest.http.requests.total"]
	if len(reqs) != 1 || !hasTag(reqs[0], "status:200") {
		t.Fatalf("http requests series = %+v, want one with status:200", reqs)
	}
	if v := *got["ingest.http.download_bytes.total"][0].Points[0].Value; v != 4096 {
		t.Errorf("download bytes = %v, want 4096", v)
	}
}

// TestFlushSubmitsPercentileGauges verifies that histogram observations
// flush as p50/p90/p95/p99/max/samples gauges per label set.
func TestFlushSubmitsPercentileGauges(t *testing.T) {
	sub := &fakeSubmitter{}
	b := newTestBackend(t, sub)

	for _, v := range []float64{0.1, 0.2, 0.3, 0.4, 5.0} {
		b.ObserveHistogram("ingest_batch_commit_seconds", v, metrics.Labels{"dataset": "cards", "status": "ok"})
	}

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got := seriesByMetric(t, sub.all())
	for _, suffix := range []string{"p50", "p90", "p95", "p99", "max", "samples"} {
		name := "ingest.batch.commit_seconds." + suffix
		s, ok := got[name]
		if !ok || len(s) != 1 {
			t.Fatalf("missing gauge %s", name)
		}
		if *s[0].Type != datadogV2.METRICINTAKETYPE_GAUGE {
			t.Errorf("%s type = %v, want gauge", name, *s[0].Type)
		}
		if !hasTag(s[0], "dataset:cards") || !hasTag(s[0], "status:ok") {
			t.Errorf("%s tags = %v", name, s[0].Tags)
		}
	}
	if v := *got["ingest.batch.commit_seconds.max"][0].Points[0].Value; v != 5.0 {
		t.Errorf("max = %v, want 5.0", v)
	}
	if v := *got["ingest.batch.commit_seconds.samples"][0].Points[0].Value; v != 5 {
		t.Errorf("samples = %v, want 5", v)
	}
}

// TestPhaseDurationTags verifies that phase histograms tag by phase, not
// dataset.
func TestPhaseDurationTags(t *testing.T) {
	sub := &fakeSubmitter{}
	b := newTestBackend(t, sub)

	b.ObserveHistogram("ingest_phase_duration_seconds", 12.5, metrics.Labels{"phase": "primary_loaded", "status": "ok"})

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got := seriesByMetric(t, sub.all())
	s := got["ingest.phase.duration_seconds.p50"]
	if len(s) != 1 || !hasTag(s[0], "phase:primary_loaded") {
		t.Fatalf("phase gauge = %+v, want phase:primary_loaded tag", s)
	}
}

// TestFlushResetsBuffers verifies that flushing resets buffers and that an
// empty flush submits nothing.
func TestFlushResetsBuffers(t *testing.T) {
	sub := &fakeSubmitter{}
	b := newTestBackend(t, sub)

	b.IncCounter("ingest_records_total", 10, metrics.Labels{"dataset": "sets"})
	if err := b.Flush(); err != nil {
		t.Fatalf("first Flush: %v", err)
	}
	if err := b.Flush(); err != nil {
		t.Fatalf("second Flush: %v", err)
	}

	if n := len(sub.all()); n != 1 {
		t.Errorf("payloads = %d, want 1 (empty flush skipped)", n)
	}
}

// TestIgnoresUnknownAndInvalid verifies that unknown metric names and
// invalid values are dropped silently.
func TestIgnoresUnknownAndInvalid(t *testing.T) {
	sub := &fakeSubmitter{}
	b := newTestBackend(t, sub)

	b.IncCounter("something_else_total", 5, metrics.Labels{"dataset": "cards"})
	b.IncCounter("ingest_records_total", -1, metrics.Labels{"dataset": "cards"})
	b.IncCounter("ingest_records_total", 3, nil) // no dataset label
	b.ObserveHistogram("ingest_batch_commit_seconds", -0.5, metrics.Labels{"dataset": "cards"})

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if n := len(sub.all()); n != 0 {
		t.Errorf("payloads = %d, want 0", n)
	}
}

// TestCloseFlushesRemaining verifies that Close stops the loop and performs
// a final flush of anything still buffered.
func TestCloseFlushesRemaining(t *testing.T) {
	sub := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), Options{
		now:       func() time.Time { return time.Unix(1700000000, 0) },
		newTicker: stoppedTicker,
		submitter: sub,
	})
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}

	b.IncCounter("ingest_batches_total", 2, metrics.Labels{"dataset": "rulings", "status": "error"})

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got := seriesByMetric(t, sub.all())
	s := got["ingest.batches.total"]
	if len(s) != 1 || !hasTag(s[0], "status:error") {
		t.Fatalf("batches after Close = %+v", s)
	}
	if !hasTag(s[0], "job:ingest") {
		t.Errorf("tags = %v, want default job:ingest", s[0].Tags)
	}
}

// TestTickerDrivenFlush verifies that the background loop flushes on its
// own when the ticker fires.
func TestTickerDrivenFlush(t *testing.T) {
	sub := &fakeSubmitter{}
	tick := make(chan time.Time, 1)
	b, err := NewBackend(context.Background(), Options{
		now: func() time.Time { return time.Unix(1700000000, 0) },
		newTicker: func(time.Duration) *time.Ticker {
			tk := time.NewTicker(time.Hour)
			tk.Stop()
			tk.C = tick
			return tk
		},
		submitter: sub,
	})
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	b.IncCounter("ingest_records_total", 7, metrics.Labels{"dataset": "sets"})
	tick <- time.Unix(1700000060, 0)

	deadline := time.After(2 * time.Second)
	for len(sub.all()) == 0 {
		select {
		case <-deadline:
			t.Fatal("loop never flushed after tick")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPercentileNearestRank(t *testing.T) {
	s := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	sort.Float64s(s)

	tests := []struct {
		p    float64
		want float64
	}{
		{0.0, 1},
		{0.50, 6},
		{0.90, 9},
		{0.99, 10},
		{1.0, 10},
	}
	for _, tt := range tests {
		if got := percentileNearestRank(s, tt.p); got != tt.want {
			t.Errorf("percentileNearestRank(p=%v) = %v, want %v", tt.p, got, tt.want)
		}
	}
	if got := percentileNearestRank(nil, 0.5); got != 0 {
		t.Errorf("empty slice = %v, want 0", got)
	}
}

func TestParseTagsCSV(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"env:prod", "env:prod"},
		{"env:prod, team:data ,", "env:prod|team:data"},
		{" , ", ""},
	}
	for _, tt := range tests {
		got := strings.Join(ParseTagsCSV(tt.in), "|")
		if got != tt.want {
			t.Errorf("ParseTagsCSV(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
