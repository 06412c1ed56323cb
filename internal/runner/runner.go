package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"medscan/internal/config"
	"medscan/internal/models"
	"medscan/internal/pipeline"
	"medscan/internal/telemetry"
)

// Store is the slice of persistence the runner needs. The runner is the only
// component that mutates status, trace, and results after creation.
type Store interface {
	GetAnalysis(ctx context.Context, id string) (models.Analysis, error)
	ClaimProcessing(ctx context.Context, id string) (bool, error)
	AppendStageResult(ctx context.Context, id string, result models.StageResult) error
	MarkCompleted(ctx context.Context, id string, result models.FinalResult) error
	MarkFailed(ctx context.Context, id, reason string) error
	PendingCount(ctx context.Context) (int64, error)
}

// Queue is the delivery side of the Redis queue.
type Queue interface {
	DequeueWithLease(ctx context.Context) (string, error)
	Ack(ctx context.Context, analysisID string) error
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	RecordFailure(ctx context.Context, analysisID string) error
	ReadyDepth(ctx context.Context) (int64, error)
}

// Blobs reads artifact bytes back by reference.
type Blobs interface {
	Get(ctx context.Context, ref string) ([]byte, error)
}

// Executor runs one artifact through its route.
type Executor interface {
	Run(ctx context.Context, artifact pipeline.Artifact, sink pipeline.StageSink) (models.FinalResult, error)
}

// Runner drives analyses from the queue through the pipeline with a fixed
// worker pool. Pool size bounds concurrent inference calls.
type Runner struct {
	cfg      config.Config
	log      *slog.Logger
	queue    Queue
	store    Store
	blobs    Blobs
	pipeline Executor
}

func New(cfg config.Config, log *slog.Logger, q Queue, st Store, blobs Blobs, exec Executor) *Runner {
	return &Runner{
		cfg:      cfg,
		log:      log,
		queue:    q,
		store:    st,
		blobs:    blobs,
		pipeline: exec,
	}
}

// Run starts the worker pool and the lease sweeper, blocking until the
// context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	workers := r.cfg.WorkerCount
	if workers <= 0 {
		workers = 1
	}

	var wg sync.WaitGroup
	wg.Add(workers + 1)

	go func() {
		defer wg.Done()
		r.sweepLoop(ctx)
	}()
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			r.workLoop(ctx)
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

func (r *Runner) workLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		id, err := r.queue.DequeueWithLease(ctx)
		if err != nil || id == "" {
			if err != nil {
				r.log.Warn("dequeue failed", "err", err)
			}
			sleepCtx(ctx, r.cfg.WorkerPollInterval)
			continue
		}
		r.processOne(ctx, id)
	}
}

// sweepLoop requeues expired leases and refreshes the depth gauge.
func (r *Runner) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if reclaimed, err := r.queue.RequeueExpired(ctx, now, 100); err == nil && len(reclaimed) > 0 {
				r.log.Warn("requeued expired leases", "count", len(reclaimed))
			}
			if depth, err := r.queue.ReadyDepth(ctx); err == nil {
				telemetry.QueueDepthGauge.Set(float64(depth))
			}
			if pending, err := r.store.PendingCount(ctx); err == nil {
				telemetry.PendingGauge.Set(float64(pending))
			}
		}
	}
}

func (r *Runner) processOne(ctx context.Context, id string) {
	defer func() {
		if err := r.queue.Ack(ctx, id); err != nil {
			r.log.Warn("ack failed", "analysis_id", id, "err", err)
		}
	}()

	claimed, err := r.store.ClaimProcessing(ctx, id)
	if err != nil {
		r.log.Error("claim failed", "analysis_id", id, "err", err)
		return
	}
	if !claimed {
		// Duplicate delivery or a reclaimed lease for a run already claimed.
		// The state machine is one-way; drop it.
		r.log.Debug("skipping already-claimed analysis", "analysis_id", id)
		return
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	analysis, err := r.store.GetAnalysis(ctx, id)
	if err != nil {
		r.fail(ctx, id, fmt.Sprintf("load analysis: %v", err))
		return
	}

	body, err := r.blobs.Get(ctx, analysis.ArtifactRef)
	if err != nil {
		r.fail(ctx, id, fmt.Sprintf("fetch artifact: %v", err))
		return
	}

	log := r.log.With("analysis_id", id, "route", analysis.Route)
	log.Info("pipeline started", "stages", analysis.Route)

	sink := func(ctx context.Context, result models.StageResult) error {
		log.Info("stage completed", "stage", result.Stage, "label", result.Label, "confidence", result.Confidence)
		return r.store.AppendStageResult(ctx, id, result)
	}

	result, err := r.pipeline.Run(ctx, pipeline.Artifact{
		Name:  analysis.OriginalName,
		Body:  body,
		Route: analysis.Route,
	}, sink)
	if err != nil {
		log.Error("pipeline failed", "err", err)
		r.fail(ctx, id, err.Error())
		return
	}

	if err := r.store.MarkCompleted(ctx, id, result); err != nil {
		log.Error("mark completed failed", "err", err)
		return
	}
	if result.Diagnosis == models.DiagnosisUnsupported {
		telemetry.NegativeDeterminations.Inc()
	}
	telemetry.Completions.Inc()
	log.Info("pipeline completed", "diagnosis", result.Diagnosis, "confidence", result.Confidence)
}

func (r *Runner) fail(ctx context.Context, id, reason string) {
	if err := r.store.MarkFailed(ctx, id, reason); err != nil {
		r.log.Error("mark failed errored", "analysis_id", id, "err", err)
	}
	if err := r.queue.RecordFailure(ctx, id); err != nil {
		r.log.Warn("record failure errored", "analysis_id", id, "err", err)
	}
	telemetry.Failures.Inc()
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		d = time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
