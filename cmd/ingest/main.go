// Command ingest downloads the advertised catalog artifacts and loads them
// into the configured storage backend, resuming from the last checkpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"ingest/internal/checkpoint"
	"ingest/internal/config"
	"ingest/internal/discovery"
	"ingest/internal/fetch"
	"ingest/internal/metrics"
	"ingest/internal/metrics/datadog"
	"ingest/internal/pipeline"
	"ingest/internal/retry"
	"ingest/internal/storage"
	_ "ingest/internal/storage/all"
)

// backendCloser is the minimal interface this command needs to manage a
// metrics backend.
type backendCloser interface {
	metrics.Backend
	Close() error
}

// deps are external seams for testability.
type deps struct {
	Stdout io.Writer
	Stderr io.Writer

	// NewStore opens the destination storage. Nil means storage.New.
	NewStore func(ctx context.Context, cfg storage.Config) (storage.Store, error)

	// NewMetricsBackend builds the named metrics backend. Nil means the
	// built-in set ("datadog").
	NewMetricsBackend func(ctx context.Context, name string, mc config.MetricsConfig) (backendCloser, error)
}

// cliOverrides carries flag values that override the loaded configuration.
// Pointers distinguish "flag not given" from an explicit zero.
type cliOverrides struct {
	ConfigPath  string
	Reset       bool
	CheckConfig bool
	Verbose     bool

	DiscoveryURL   *string
	DataDir        *string
	CheckpointPath *string
	StorageKind    *string
	DSN            *string
	Datasets       *string
	BatchSize      *int
	MetricsBackend *string
	DDTags         *string
	MetricsFlush   *time.Duration
}

func main() {
	code := run(context.Background(), os.Args[1:], deps{
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	})
	os.Exit(code)
}

// run executes the ingest command and returns an exit code.
//
// Exit codes:
//   - 0: success (including a clean -check-config pass).
//   - 1: the run failed partway; the checkpoint preserves progress.
//   - 2: configuration or initialization error.
func run(ctx context.Context, args []string, d deps) int {
	if d.Stdout == nil {
		d.Stdout = io.Discard
	}
	if d.Stderr == nil {
		d.Stderr = io.Discard
	}
	if d.NewStore == nil {
		d.NewStore = storage.New
	}
	if d.NewMetricsBackend == nil {
		d.NewMetricsBackend = newMetricsBackend
	}

	ov, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(d.Stderr, err.Error())
		return 2
	}

	cfg, err := config.Load(ov.ConfigPath)
	if err != nil {
		fmt.Fprintln(d.Stderr, err.Error())
		return 2
	}
	applyOverrides(&cfg, ov)

	if issues := cfg.Validate(); len(issues) > 0 {
		for _, is := range issues {
			fmt.Fprintln(d.Stderr, "config:", is.String())
		}
		return 2
	}
	if ov.CheckConfig {
		fmt.Fprintln(d.Stdout, "config ok")
		return 0
	}

	logger := log.New(d.Stderr, "", log.LstdFlags)
	if !ov.Verbose {
		logger.SetOutput(io.Discard)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := &checkpoint.Store{Path: cfg.CheckpointPath}
	if ov.Reset {
		if err := store.Reset(); err != nil {
			fmt.Fprintf(d.Stderr, "checkpoint reset failed: %v\n", err)
			return 2
		}
	}

	if cfg.Metrics.Backend != "" && cfg.Metrics.Backend != "none" {
		backend, err := d.NewMetricsBackend(ctx, cfg.Metrics.Backend, cfg.Metrics)
		if err != nil {
			fmt.Fprintf(d.Stderr, "metrics backend init failed: %v\n", err)
			return 2
		}
		metrics.SetBackend(backend)
		defer func() {
			_ = metrics.Flush()
			_ = backend.Close()
		}()
	}

	dest, err := d.NewStore(ctx, storage.Config{Kind: cfg.Storage.Kind, DSN: cfg.Storage.DSN})
	if err != nil {
		fmt.Fprintf(d.Stderr, "storage open failed: %v\n", err)
		return 2
	}
	defer dest.Close()

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout.Std()}
	fetcher := &fetch.Fetcher{
		Discovery: &discovery.Client{BaseURL: cfg.DiscoveryURL, HTTP: httpClient},
		Client:    httpClient,
		Dir:       cfg.DataDir,
		Retry:     policyFrom(cfg.FetchRetry),
		Logger:    logger,
	}

	p := &pipeline.Pipeline{
		Artifacts:     fetcher,
		Store:         dest,
		Checkpoints:   store,
		BatchSize:     cfg.BatchSize,
		StoreRetry:    policyFrom(cfg.StoreRetry),
		ProgressEvery: cfg.ProgressEvery,
		Datasets:      cfg.Datasets,
		Logger:        logger,
	}

	if err := p.Run(ctx); err != nil {
		fmt.Fprintf(d.Stderr, "ingest failed: %v\n", err)
		return 1
	}

	fmt.Fprintln(d.Stdout, "ingest complete")
	return 0
}

func policyFrom(rc config.RetryConfig) retry.Policy {
	return retry.Policy{
		MaxAttempts: rc.MaxAttempts,
		Base:        rc.Base.Std(),
		Max:         rc.Max.Std(),
	}
}

func newMetricsBackend(ctx context.Context, name string, mc config.MetricsConfig) (backendCloser, error) {
	switch name {
	case "datadog":
		return datadog.NewBackend(ctx, datadog.Options{
			JobName:    "ingest",
			Tags:       datadog.ParseTagsCSV(mc.Tags),
			FlushEvery: mc.FlushInterval.Std(),
		})
	default:
		return nil, fmt.Errorf("unknown metrics backend %q", name)
	}
}

func parseFlags(args []string) (cliOverrides, error) {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)

	// Capture help/usage text instead of writing to stdout.
	var usageBuf strings.Builder
	fs.SetOutput(&usageBuf)
	fs.Usage = func() {
		fmt.Fprintf(&usageBuf, "Usage of %s:\n", fs.Name())
		fs.PrintDefaults()
	}

	var ov cliOverrides
	fs.StringVar(&ov.ConfigPath, "config", "", "Path to YAML configuration file")
	fs.BoolVar(&ov.Reset, "reset", false, "Discard the checkpoint and start a fresh run")
	fs.BoolVar(&ov.CheckConfig, "check-config", false, "Validate configuration and exit")
	fs.BoolVar(&ov.Verbose, "v", false, "Log progress to stderr")

	discoveryURL := fs.String("discovery-url", "", "Discovery endpoint listing the bulk artifacts")
	dataDir := fs.String("data-dir", "", "Directory for downloaded artifacts")
	checkpointPath := fs.String("checkpoint", "", "Checkpoint file path")
	storageKind := fs.String("storage-kind", "", "Storage backend ("+strings.Join(storage.Kinds(), ", ")+")")
	dsn := fs.String("dsn", "", "Storage DSN")
	datasets := fs.String("datasets", "", "Comma-separated dataset kinds to ingest (default all)")
	batchSize := fs.Int("batch", 0, "Records per storage transaction")
	metricsBackend := fs.String("metrics-backend", "", "Metrics backend (none, datadog)")
	ddTags := fs.String("dd-tags", "", "Extra Datadog tags CSV (e.g. env:prod,service:ingest)")
	metricsFlush := fs.Duration("metrics-flush", 0, "Metrics flush interval")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return cliOverrides{}, errors.New(usageBuf.String())
		}
		return cliOverrides{}, fmt.Errorf("%v\n\n%s", err, usageBuf.String())
	}

	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["discovery-url"] {
		ov.DiscoveryURL = discoveryURL
	}
	if set["data-dir"] {
		ov.DataDir = dataDir
	}
	if set["checkpoint"] {
		ov.CheckpointPath = checkpointPath
	}
	if set["storage-kind"] {
		ov.StorageKind = storageKind
	}
	if set["dsn"] {
		ov.DSN = dsn
	}
	if set["datasets"] {
		ov.Datasets = datasets
	}
	if set["batch"] {
		ov.BatchSize = batchSize
	}
	if set["metrics-backend"] {
		ov.MetricsBackend = metricsBackend
	}
	if set["dd-tags"] {
		ov.DDTags = ddTags
	}
	if set["metrics-flush"] {
		ov.MetricsFlush = metricsFlush
	}
	return ov, nil
}

func applyOverrides(cfg *config.Config, ov cliOverrides) {
	if ov.DiscoveryURL != nil {
		cfg.DiscoveryURL = *ov.DiscoveryURL
	}
	if ov.DataDir != nil {
		cfg.DataDir = *ov.DataDir
	}
	if ov.CheckpointPath != nil {
		cfg.CheckpointPath = *ov.CheckpointPath
	}
	if ov.StorageKind != nil {
		cfg.Storage.Kind = *ov.StorageKind
	}
	if ov.DSN != nil {
		cfg.Storage.DSN = *ov.DSN
	}
	if ov.Datasets != nil {
		cfg.Datasets = splitCSV(*ov.Datasets)
	}
	if ov.BatchSize != nil {
		cfg.BatchSize = *ov.BatchSize
	}
	if ov.MetricsBackend != nil {
		cfg.Metrics.Backend = *ov.MetricsBackend
	}
	if ov.DDTags != nil {
		cfg.Metrics.Tags = *ov.DDTags
	}
	if ov.MetricsFlush != nil {
		cfg.Metrics.FlushInterval = config.Duration(*ov.MetricsFlush)
	}
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
