package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	upscaler "github.com/e7canasta/orion-upscaler"
	"github.com/e7canasta/orion-upscaler/batch"
	"github.com/e7canasta/orion-upscaler/config"
	"github.com/e7canasta/orion-upscaler/emitter"
	"github.com/e7canasta/orion-upscaler/models"
	"github.com/e7canasta/orion-upscaler/resilience"
	"github.com/e7canasta/orion-upscaler/runstore"
	"github.com/e7canasta/orion-upscaler/telemetry"
)

// shutdownTimeout bounds post-run work (history, publishing, metrics server).
const shutdownTimeout = 10 * time.Second

type flags struct {
	configPath   string
	input        string
	output       string
	model        string
	factor       int
	workers      int
	recursive    bool
	skipExisting bool
	debug        bool
}

func main() {
	var f flags
	flag.StringVar(&f.configPath, "config", "", "Path to configuration file (defaults when empty)")
	flag.StringVar(&f.input, "input", "", "Input image or directory")
	flag.StringVar(&f.output, "output", "", "Output image or directory")
	flag.StringVar(&f.model, "model", "", "Model: 'bilinear' or a weight container key")
	flag.IntVar(&f.factor, "factor", 0, "Upscaling factor for the bilinear model")
	flag.IntVar(&f.workers, "workers", -1, "Concurrent images (0: GOMAXPROCS)")
	flag.BoolVar(&f.recursive, "recursive", false, "Descend into subdirectories")
	flag.BoolVar(&f.skipExisting, "skip-existing", false, "Skip images whose output exists")
	flag.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	flag.Parse()

	logLevel := slog.LevelInfo
	if f.debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	os.Exit(run(f))
}

func loadConfig(f flags) (*config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.Load(f.configPath); err != nil {
			return nil, err
		}
	}
	if f.model != "" {
		cfg.Model.Name = f.model
	}
	if f.factor != 0 {
		cfg.Model.Factor = f.factor
	}
	if f.workers >= 0 {
		cfg.Batch.Workers = f.workers
	}
	if f.recursive {
		cfg.Batch.Recursive = true
	}
	if f.skipExisting {
		cfg.Batch.SkipExisting = true
	}
	return cfg, cfg.Validate()
}

func run(f flags) int {
	if f.input == "" || f.output == "" {
		fmt.Fprintln(os.Stderr, "upscaled: -input and -output are required")
		flag.Usage()
		return 2
	}
	cfg, err := loadConfig(f)
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		return 2
	}

	slog.Info("starting upscaler",
		"config", f.configPath,
		"model", cfg.Model.Name,
		"input", f.input,
		"output", f.output,
		"workers", cfg.Batch.Workers,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	counters := telemetry.NewCounters()
	sink := telemetry.Multi{counters}
	var metricsSrv *http.Server
	if cfg.Metrics.Addr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		prom, err := telemetry.NewPrometheus(reg, cfg.Metrics.Namespace)
		if err != nil {
			slog.Error("failed to register metrics", "error", err)
			return 1
		}
		sink = append(sink, prom)
		metricsSrv = startMetricsServer(cfg.Metrics.Addr, reg)
	}

	retry := resilience.NewRetryExecutor(cfg.Retry, resilience.WithRetryTelemetry(sink))

	source, err := newSource(ctx, cfg)
	if err != nil {
		slog.Error("failed to configure model source", "error", err)
		return 1
	}
	poolSize := cfg.Pool.Size
	if poolSize == 0 {
		poolSize = cfg.Batch.Workers
	}
	registry := models.NewRegistry(source, retry,
		models.WithCacheSize(cfg.Model.CacheSize),
		models.WithBilinearFactor(cfg.Model.Factor),
		models.WithNetworkOptions(upscaler.WithPoolSize(poolSize), upscaler.WithTelemetry(sink)),
	)
	net, err := registry.Get(ctx, cfg.Model.Name)
	if err != nil {
		slog.Error("failed to load model", "model", cfg.Model.Name, "error", err)
		return 1
	}

	jobs, err := batch.CollectJobs(f.input, f.output, batch.CollectOptions{
		Extensions: cfg.Batch.Extensions,
		Recursive:  cfg.Batch.Recursive,
	})
	if err != nil {
		slog.Error("failed to collect images", "error", err)
		return 1
	}

	breaker := resilience.NewCircuitBreaker(
		cfg.Breaker.FailureThreshold, cfg.Breaker.SuccessThreshold, cfg.Breaker.Timeout,
		resilience.WithBreakerName("upscale"),
		resilience.WithBreakerTelemetry(sink),
	)
	runner := batch.NewRunner(net,
		batch.WithModelName(cfg.Model.Name),
		batch.WithWorkers(cfg.Batch.Workers),
		batch.WithSkipExisting(cfg.Batch.SkipExisting),
		batch.WithRetry(retry),
		batch.WithBreaker(breaker),
		batch.WithTelemetry(sink),
	)

	report, runErr := runner.Run(ctx, jobs)
	if runErr != nil {
		slog.Warn("run interrupted", "error", runErr)
	}

	// post-run work must outlive a cancelled run context
	postCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	saveHistory(postCtx, cfg, report)
	publishReport(postCtx, cfg, retry, report)

	printSummary(report, counters.Snapshot(), net.PoolStats())

	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(postCtx); err != nil {
			slog.Warn("metrics server shutdown failed", "error", err)
		}
	}

	if runErr != nil || report.Failed > 0 {
		return 1
	}
	return 0
}

func newSource(ctx context.Context, cfg *config.Config) (models.Source, error) {
	switch cfg.Model.Source {
	case "s3":
		return models.NewS3Source(ctx, models.S3Config{
			Bucket:          cfg.S3.Bucket,
			Prefix:          cfg.S3.Prefix,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			UsePathStyle:    cfg.S3.UsePathStyle,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		})
	default:
		return models.NewFileSource(cfg.Model.Dir), nil
	}
}

func startMetricsServer(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	slog.Info("metrics server listening", "addr", addr)
	return srv
}

func saveHistory(ctx context.Context, cfg *config.Config, report *batch.Report) {
	store, err := runstore.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		slog.Warn("run history unavailable", "driver", cfg.Store.Driver, "error", err)
		return
	}
	defer store.Close()
	if err := store.SaveRun(ctx, report); err != nil {
		slog.Warn("failed to save run", "run_id", report.RunID, "error", err)
	}
}

func publishReport(ctx context.Context, cfg *config.Config, retry *resilience.RetryExecutor, report *batch.Report) {
	if cfg.MQTT.Broker == "" {
		return
	}
	e := emitter.New(emitter.Config{
		Broker:   cfg.MQTT.Broker,
		ClientID: cfg.MQTT.ClientID,
		Topic:    cfg.MQTT.Topic,
		QoS:      cfg.MQTT.QoS,
	})
	if err := e.Connect(ctx); err != nil {
		slog.Warn("report not published", "error", err)
		return
	}
	defer e.Disconnect()

	ectx := resilience.NewErrorContext("publish report").WithMetadata("topic", e.Topic(report.RunID))
	if err := retry.Do(ctx, ectx, func(ctx context.Context) error {
		return e.PublishReport(ctx, report)
	}); err != nil {
		slog.Warn("report not published", "error", err)
	}
}

func printSummary(report *batch.Report, snap telemetry.Snapshot, pool upscaler.PoolStats) {
	fmt.Printf("Run %s (%s)\n", report.RunID, report.Model)
	fmt.Printf("  total: %d  processed: %d  skipped: %d  failed: %d  in %v\n",
		report.Total, report.Processed, report.Skipped, report.Failed, report.Duration.Round(time.Millisecond))
	fmt.Printf("  buffers: %d  retries: %d  inference time: %v\n",
		pool.Created, snap.Retries, snap.InferenceTime.Round(time.Millisecond))
	if report.Errors.Total > 0 {
		fmt.Print(report.Errors.String())
	}
}
