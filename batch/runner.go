package batch

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	upscaler "github.com/e7canasta/orion-upscaler"
	"github.com/e7canasta/orion-upscaler/resilience"
	"github.com/e7canasta/orion-upscaler/telemetry"
)

const tracerName = "github.com/e7canasta/orion-upscaler/batch"

// MaxDimension bounds the width and height of an input image.
const MaxDimension = 8192

// ItemResult is the outcome of one job.
type ItemResult struct {
	Job      Job           `json:"job"`
	Outcome  string        `json:"outcome"` // processed, skipped, failed
	Category string        `json:"category,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Report summarizes a run.
type Report struct {
	RunID     string                  `json:"run_id"`
	Model     string                  `json:"model"`
	StartedAt time.Time               `json:"started_at"`
	Duration  time.Duration           `json:"duration"`
	Total     int                     `json:"total"`
	Processed int                     `json:"processed"`
	Skipped   int                     `json:"skipped"`
	Failed    int                     `json:"failed"`
	Results   []ItemResult            `json:"results"`
	Errors    resilience.ErrorSummary `json:"errors"`
}

// Runner upscales jobs with one network.
//
// Design:
//   - each job runs read -> validate -> Retry(Breaker(upscale + write))
//   - validation failures never reach the breaker and are never retried
//   - the breaker is shared by all jobs of all runs of this Runner
//   - each run gets a fresh ErrorAggregator
//
// Thread-safety: Run may be called concurrently; runs share the breaker.
type Runner struct {
	net          *upscaler.Network
	model        string
	retry        *resilience.RetryExecutor
	breaker      *resilience.CircuitBreaker
	sink         telemetry.Sink
	tracer       trace.Tracer
	workers      int
	skipExisting bool
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithWorkers bounds concurrent jobs. <= 0 uses GOMAXPROCS.
func WithWorkers(n int) RunnerOption { return func(r *Runner) { r.workers = n } }

// WithSkipExisting skips jobs whose output already exists.
func WithSkipExisting(skip bool) RunnerOption { return func(r *Runner) { r.skipExisting = skip } }

// WithRetry replaces the default retry executor.
func WithRetry(exec *resilience.RetryExecutor) RunnerOption {
	return func(r *Runner) { r.retry = exec }
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(cb *resilience.CircuitBreaker) RunnerOption {
	return func(r *Runner) { r.breaker = cb }
}

// WithTelemetry reports item outcomes and error categories to sink.
func WithTelemetry(sink telemetry.Sink) RunnerOption {
	return func(r *Runner) { r.sink = sink }
}

// WithTracer replaces the global otel tracer.
func WithTracer(t trace.Tracer) RunnerOption { return func(r *Runner) { r.tracer = t } }

// WithModelName sets the model name recorded in reports. Defaults to the
// network's display name.
func WithModelName(name string) RunnerOption { return func(r *Runner) { r.model = name } }

// NewRunner builds a runner for net. Without options it uses the default
// retry configuration and a 5/3/30s breaker.
func NewRunner(net *upscaler.Network, opts ...RunnerOption) *Runner {
	r := &Runner{net: net, model: net.Display()}
	for _, opt := range opts {
		opt(r)
	}
	r.sink = telemetry.OrNop(r.sink)
	if r.tracer == nil {
		r.tracer = otel.Tracer(tracerName)
	}
	if r.retry == nil {
		r.retry = resilience.NewRetryExecutor(resilience.DefaultRetryConfig(), resilience.WithRetryTelemetry(r.sink))
	}
	if r.breaker == nil {
		r.breaker = resilience.NewCircuitBreaker(5, 3, 30*time.Second,
			resilience.WithBreakerName("upscale"),
			resilience.WithBreakerTelemetry(r.sink))
	}
	return r
}

// Breaker returns the runner's circuit breaker.
func (r *Runner) Breaker() *resilience.CircuitBreaker { return r.breaker }

// Run processes every job and reports the outcome. The returned error is
// non-nil only when ctx ended before the run completed; item failures are in
// the report.
func (r *Runner) Run(ctx context.Context, jobs []Job) (*Report, error) {
	report := &Report{
		RunID:     uuid.NewString(),
		Model:     r.model,
		StartedAt: time.Now(),
		Total:     len(jobs),
	}
	ctx, span := r.tracer.Start(ctx, "upscaler.batch.run", trace.WithAttributes(
		attribute.String("run.id", report.RunID),
		attribute.String("run.model", report.Model),
		attribute.Int("run.jobs", len(jobs)),
		attribute.Int("run.workers", r.workers),
	))
	defer span.End()

	slog.Info("batch: run started", "run_id", report.RunID, "model", report.Model, "jobs", len(jobs), "workers", r.workers)

	agg := resilience.NewErrorAggregator(resilience.WithAggregatorTelemetry(r.sink))
	results := ProcessBatch(ctx, jobs, func(ctx context.Context, job Job) (ItemResult, error) {
		return r.runJob(ctx, job, agg), nil
	}, r.workers)

	report.Results = make([]ItemResult, len(results))
	for i, res := range results {
		item := res.Value
		if res.Err != nil {
			// panic or ctx ended before start
			item = ItemResult{Job: jobs[i], Outcome: telemetry.OutcomeFailed, Category: resilience.Category(res.Err), Error: res.Err.Error()}
			agg.Record(item.Category, jobs[i].Input, res.Err)
		}
		report.Results[i] = item
		switch item.Outcome {
		case telemetry.OutcomeProcessed:
			report.Processed++
		case telemetry.OutcomeSkipped:
			report.Skipped++
		default:
			report.Failed++
		}
	}
	report.Errors = agg.Summary()
	report.Duration = time.Since(report.StartedAt)

	span.SetAttributes(
		attribute.Int("run.processed", report.Processed),
		attribute.Int("run.skipped", report.Skipped),
		attribute.Int("run.failed", report.Failed),
	)
	if report.Failed > 0 {
		span.SetStatus(codes.Error, "items failed")
	}

	slog.Info("batch: run finished",
		"run_id", report.RunID,
		"processed", report.Processed,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"duration", report.Duration,
	)
	return report, ctx.Err()
}

func (r *Runner) runJob(ctx context.Context, job Job, agg *resilience.ErrorAggregator) ItemResult {
	start := time.Now()
	r.sink.ItemStarted()
	ctx, span := r.tracer.Start(ctx, "upscaler.batch.item", trace.WithAttributes(
		attribute.String("item.input", job.Input),
		attribute.String("item.output", job.Output),
	))
	defer span.End()

	res := ItemResult{Job: job}
	finish := func(outcome string, err error) ItemResult {
		res.Outcome = outcome
		res.Duration = time.Since(start)
		if err != nil {
			res.Category = resilience.Category(err)
			res.Error = err.Error()
			agg.Record(res.Category, job.Input, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, res.Category)
			slog.Warn("batch: item failed", "input", job.Input, "category", res.Category, "error", err)
		}
		span.SetAttributes(attribute.String("item.outcome", outcome))
		r.sink.ItemFinished(outcome, res.Duration)
		return res
	}

	if r.skipExisting {
		if _, err := os.Stat(job.Output); err == nil {
			slog.Debug("batch: output exists, skipping", "output", job.Output)
			return finish(telemetry.OutcomeSkipped, nil)
		}
	}

	img, err := resilience.Execute(ctx, r.retry,
		resilience.NewErrorContext("read image").WithFile(job.Input),
		func(context.Context) (image.Image, error) { return readImage(job.Input) })
	if err != nil {
		return finish(telemetry.OutcomeFailed, err)
	}

	in, err := r.validate(img)
	if err != nil {
		return finish(telemetry.OutcomeFailed, err)
	}

	err = r.retry.Do(ctx, resilience.NewErrorContext("upscale").WithFile(job.Input).WithMetadata("model", r.model),
		func(ctx context.Context) error {
			return r.breaker.Call(func() error {
				out, err := r.net.Process(ctx, in)
				if err != nil {
					return err
				}
				outImg, err := upscaler.TensorToImage(out)
				if err != nil {
					return err
				}
				return writeImage(job.Output, outImg)
			})
		})
	if err != nil {
		return finish(telemetry.OutcomeFailed, err)
	}
	return finish(telemetry.OutcomeProcessed, nil)
}

// validate converts the decoded image and checks it against the network.
func (r *Runner) validate(img image.Image) (*upscaler.Tensor, error) {
	b := img.Bounds()
	if b.Empty() {
		return nil, resilience.Validation("image has no pixels", "image")
	}
	if b.Dx() > MaxDimension || b.Dy() > MaxDimension {
		return nil, resilience.Validation(fmt.Sprintf("image %dx%d exceeds %d pixels per side", b.Dx(), b.Dy(), MaxDimension), "image")
	}
	in := upscaler.ImageToTensor(img)
	if err := r.net.Validate(in); err != nil {
		return nil, err
	}
	return in, nil
}
