// Package datadog implements a Datadog backend for the internal/metrics
// package.
//
// Buffering model:
//   - Observations are accumulated in memory under a mutex.
//   - A background loop flushes once per interval, so long ingests produce a
//     time series rather than one spike at exit.
//   - Close() stops the loop and flushes one final time.
//
// Flush snapshots and resets the buffers under the lock, then submits
// out-of-lock. Buffers are reset even when submission fails; metrics are
// best-effort and must never block the ingest.
package datadog

import (
	"context"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"

	"ingest/internal/metrics"
)

// Options controls Datadog backend configuration.
type Options struct {
	// JobName becomes tag "job:<name>" on every metric. Defaults to "ingest".
	JobName string

	// Tags are extra Datadog tags (e.g. []string{"env:prod"}).
	Tags []string

	// FlushEvery controls submission cadence. Defaults to 60 seconds.
	FlushEvery time.Duration

	// Unexported test seams. Production code never sets these; tests use them
	// to avoid real submission and nondeterministic clocks.
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker
	submitter metricsSubmitter
}

// metricsSubmitter is the minimal slice of the Datadog SDK the backend
// needs. The SDK's concrete *datadogV2.MetricsApi satisfies it; tests
// substitute a fake.
type metricsSubmitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// Backend implements metrics.Backend for Datadog.
type Backend struct {
	api ctxSubmitter

	flushEvery time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}

	baseTags []string

	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker

	mu sync.Mutex

	recordCounts  map[string]float64   // dataset -> records committed
	batchCounts   map[string]float64   // dataset\x00status -> batches
	batchDur      map[string][]float64 // dataset\x00status -> commit seconds
	phaseDur      map[string][]float64 // phase\x00status -> phase seconds
	httpReqCounts map[string]float64   // dataset\x00status -> requests
	httpReqDur    map[string][]float64 // dataset\x00status -> request seconds
	downloadBytes map[string]float64   // dataset -> bytes fetched
}

type ctxSubmitter struct {
	ctx context.Context
	api metricsSubmitter
}

func resolveEnvTag() string {
	if v := strings.TrimSpace(os.Getenv("ENV")); v != "" {
		return "env:" + v
	}
	if v := strings.TrimSpace(os.Getenv("DD_ENV")); v != "" {
		return "env:" + v
	}
	return "env:unknown"
}

// NewBackend constructs a Datadog backend using the official client and
// starts its flush loop. Network errors surface from Flush, not from here.
func NewBackend(parent context.Context, opts Options) (*Backend, error) {
	job := opts.JobName
	if job == "" {
		job = "ingest"
	}

	flushEvery := opts.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 60 * time.Second
	}

	baseTags := make([]string, 0, 2+len(opts.Tags))
	baseTags = append(baseTags, resolveEnvTag(), "job:"+job)
	baseTags = append(baseTags, opts.Tags...)

	nowFn := opts.now
	if nowFn == nil {
		nowFn = time.Now
	}
	newTicker := opts.newTicker
	if newTicker == nil {
		newTicker = time.NewTicker
	}

	submitter := opts.submitter
	if submitter == nil {
		client := dd.NewAPIClient(dd.NewConfiguration())
		submitter = datadogV2.NewMetricsApi(client)
	}

	b := &Backend{
		api:        ctxSubmitter{ctx: dd.NewDefaultContext(parent), api: submitter},
		flushEvery: flushEvery,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		baseTags:   baseTags,
		now:        nowFn,
		newTicker:  newTicker,

		recordCounts:  map[string]float64{},
		batchCounts:   map[string]float64{},
		batchDur:      map[string][]float64{},
		phaseDur:      map[string][]float64{},
		httpReqCounts: map[string]float64{},
		httpReqDur:    map[string][]float64{},
		downloadBytes: map[string]float64{},
	}

	go b.loop()
	return b, nil
}

func (b *Backend) loop() {
	defer close(b.doneCh)

	t := b.newTicker(b.flushEvery)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			_ = b.Flush()
		case <-b.stopCh:
			return
		}
	}
}

// Close stops the flush loop and performs one final Flush. Call once at
// process shutdown.
func (b *Backend) Close() error {
	close(b.stopCh)
	<-b.doneCh
	return b.Flush()
}

// IncCounter implements metrics.Backend. Unknown metric names are ignored.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case "ingest_records_total":
		dataset := labels["dataset"]
		if dataset == "" {
			return
		}
		b.recordCounts[dataset] += delta

	case "ingest_batches_total":
		b.batchCounts[labelKey(labels["dataset"], labels["status"])] += delta

	case "ingest_http_requests_total":
		b.httpReqCounts[labelKey(labels["dataset"], labels["status"])] += delta

	case "ingest_http_download_bytes_total":
		dataset := labels["dataset"]
		if dataset == "" {
			return
		}
		b.downloadBytes[dataset] += delta
	}
}

// ObserveHistogram implements metrics.Backend. Unknown metric names are
// ignored.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case "ingest_batch_commit_seconds":
		k := labelKey(labels["dataset"], labels["status"])
		b.batchDur[k] = append(b.batchDur[k], value)

	case "ingest_phase_duration_seconds":
		k := labelKey(labels["phase"], labels["status"])
		b.phaseDur[k] = append(b.phaseDur[k], value)

	case "ingest_http_request_duration_seconds":
		k := labelKey(labels["dataset"], labels["status"])
		b.httpReqDur[k] = append(b.httpReqDur[k], value)
	}
}

// snapshot is the detached buffered state one Flush submits.
type snapshot struct {
	recordCounts  map[string]float64
	batchCounts   map[string]float64
	batchDur      map[string][]float64
	phaseDur      map[string][]float64
	httpReqCounts map[string]float64
	httpReqDur    map[string][]float64
	downloadBytes map[string]float64
}

func (b *Backend) snapshotAndReset() snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := snapshot{
		recordCounts:  b.recordCounts,
		batchCounts:   b.batchCounts,
		batchDur:      b.batchDur,
		phaseDur:      b.phaseDur,
		httpReqCounts: b.httpReqCounts,
		httpReqDur:    b.httpReqDur,
		downloadBytes: b.downloadBytes,
	}

	b.recordCounts = map[string]float64{}
	b.batchCounts = map[string]float64{}
	b.batchDur = map[string][]float64{}
	b.phaseDur = map[string][]float64{}
	b.httpReqCounts = map[string]float64{}
	b.httpReqDur = map[string][]float64{}
	b.downloadBytes = map[string]float64{}

	return s
}

func (s snapshot) isEmpty() bool {
	return len(s.recordCounts) == 0 &&
		len(s.batchCounts) == 0 &&
		len(s.batchDur) == 0 &&
		len(s.phaseDur) == 0 &&
		len(s.httpReqCounts) == 0 &&
		len(s.httpReqDur) == 0 &&
		len(s.downloadBytes) == 0
}

// Flush submits buffered metrics and resets the buffers. Returns nil when
// there is nothing to submit.
func (b *Backend) Flush() error {
	snap := b.snapshotAndReset()
	if snap.isEmpty() {
		return nil
	}

	series := b.buildSeries(snap, b.now().Unix())
	payload := datadogV2.MetricPayload{Series: series}

	_, _, err := b.api.api.SubmitMetrics(b.api.ctx, payload, *datadogV2.NewSubmitMetricsOptionalParameters())
	return err
}

// buildSeries constructs the Datadog series for a snapshot at a fixed
// timestamp. Pure, so naming and tagging stay unit-testable.
func (b *Backend) buildSeries(s snapshot, nowUnix int64) []datadogV2.MetricSeries {
	series := make([]datadogV2.MetricSeries, 0, 32)

	for dataset, v := range s.recordCounts {
		series = append(series, countSeries("ingest.records.total", v,
			withTags(b.baseTags, "dataset:"+dataset), nowUnix))
	}
	for k, v := range s.batchCounts {
		dataset, status := splitLabelKey(k)
		series = append(series, countSeries("ingest.batches.total", v,
			withTags(b.baseTags, "dataset:"+dataset, "status:"+status), nowUnix))
	}
	for dataset, v := range s.downloadBytes {
		series = append(series, countSeries("ingest.http.download_bytes.total", v,
			withTags(b.baseTags, "dataset:"+dataset), nowUnix))
	}
	for k, v := range s.httpReqCounts {
		dataset, status := splitLabelKey(k)
		series = append(series, countSeries("ingest.http.requests.total", v,
			withTags(b.baseTags, "dataset:"+dataset, "status:"+status), nowUnix))
	}

	for k, samples := range s.batchDur {
		dataset, status := splitLabelKey(k)
		addPercentiles(&series, "ingest.batch.commit_seconds",
			withTags(b.baseTags, "dataset:"+dataset, "status:"+status), samples, nowUnix)
	}
	for k, samples := range s.phaseDur {
		phase, status := splitLabelKey(k)
		addPercentiles(&series, "ingest.phase.duration_seconds",
			withTags(b.baseTags, "phase:"+phase, "status:"+status), samples, nowUnix)
	}
	for k, samples := range s.httpReqDur {
		dataset, status := splitLabelKey(k)
		addPercentiles(&series, "ingest.http.request_duration_seconds",
			withTags(b.baseTags, "dataset:"+dataset, "status:"+status), samples, nowUnix)
	}

	return series
}

// addPercentiles appends the fixed percentile gauge set for a sample slice.
// Sorts a copy; the input is not mutated.
func addPercentiles(series *[]datadogV2.MetricSeries, prefix string, tags []string, samples []float64, nowUnix int64) {
	if len(samples) == 0 {
		return
	}
	cp := append([]float64(nil), samples...)
	sort.Float64s(cp)

	*series = append(*series, gaugeSeries(prefix+".p50", percentileNearestRank(cp, 0.50), tags, nowUnix))
	*series = append(*series, gaugeSeries(prefix+".p90", percentileNearestRank(cp, 0.90), tags, nowUnix))
	*series = append(*series, gaugeSeries(prefix+".p95", percentileNearestRank(cp, 0.95), tags, nowUnix))
	*series = append(*series, gaugeSeries(prefix+".p99", percentileNearestRank(cp, 0.99), tags, nowUnix))
	*series = append(*series, gaugeSeries(prefix+".max", cp[len(cp)-1], tags, nowUnix))
	*series = append(*series, gaugeSeries(prefix+".samples", float64(len(cp)), tags, nowUnix))
}

func countSeries(metric string, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   datadogV2.METRICINTAKETYPE_COUNT.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

func gaugeSeries(metric string, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   datadogV2.METRICINTAKETYPE_GAUGE.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

func labelKey(a, b string) string {
	if a == "" {
		a = "unknown"
	}
	if b == "" {
		b = "unknown"
	}
	return a + "\x00" + b
}

func splitLabelKey(k string) (string, string) {
	parts := strings.SplitN(k, "\x00", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return k, "unknown"
}

func withTags(base []string, extras ...string) []string {
	out := make([]string, 0, len(base)+len(extras))
	out = append(out, base...)
	out = append(out, extras...)
	return out
}

func percentileNearestRank(s []float64, p float64) float64 {
	n := len(s)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return s[0]
	}
	if p >= 1 {
		return s[n-1]
	}
	idx := int(p*float64(n-1) + 0.5)
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return s[idx]
}

var _ metrics.Backend = (*Backend)(nil)

// ParseTagsCSV parses comma-separated tags like "env:prod,service:ingest".
func ParseTagsCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
