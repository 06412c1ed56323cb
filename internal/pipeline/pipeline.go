package pipeline

import (
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"medscan/internal/config"
	"medscan/internal/inference"
	"medscan/internal/models"
	"medscan/internal/telemetry"
)

// StageKind distinguishes gate stages, which may halt the pipeline with a
// negative determination, from propagating stages, which feed their label to
// the next stage.
type StageKind string

const (
	KindGate        StageKind = "gate"
	KindPropagating StageKind = "propagating"
)

// Stage is one declared inference step. The stage list is data: orchestration
// never special-cases individual stages.
type Stage struct {
	Name     string
	Kind     StageKind
	Endpoint string
	// Allow lists the labels that let a gate stage pass. Empty for
	// propagating stages.
	Allow []string
}

// Predictor abstracts the inference client so tests can inject fakes.
type Predictor interface {
	Predict(ctx context.Context, endpoint string, req inference.Request) (inference.Prediction, error)
}

// StageSink receives each stage outcome before the next stage starts. The
// runner persists through it so pollers observe partial trace growth.
type StageSink func(ctx context.Context, result models.StageResult) error

// Artifact is the input to one pipeline run.
type Artifact struct {
	Name  string
	Body  []byte
	Route string
}

// Pipeline executes declared stage routes against inference services.
type Pipeline struct {
	routes     map[string][]Stage
	predictor  Predictor
	thresholds Thresholds
}

// New builds the two routes from config. The image route gates on modality,
// then classifies, subtypes, and diagnoses; the signal route is a single
// seizure-detection call.
func New(cfg config.Config, predictor Predictor) *Pipeline {
	routes := map[string][]Stage{
		models.RouteImage: {
			{Name: "modality_gate", Kind: KindGate, Endpoint: cfg.GateURL, Allow: []string{cfg.GateAllowLabel}},
			{Name: "classify", Kind: KindPropagating, Endpoint: cfg.ClassifyURL},
			{Name: "subtype", Kind: KindPropagating, Endpoint: cfg.SubtypeURL},
			{Name: "diagnose", Kind: KindPropagating, Endpoint: cfg.DiagnoseURL},
		},
		models.RouteSignal: {
			{Name: "seizure", Kind: KindPropagating, Endpoint: cfg.SeizureURL},
		},
	}
	return NewWithRoutes(routes, predictor, ThresholdsFromConfig(cfg))
}

// NewWithRoutes accepts an explicit route table; used by tests.
func NewWithRoutes(routes map[string][]Stage, predictor Predictor, thresholds Thresholds) *Pipeline {
	return &Pipeline{routes: routes, predictor: predictor, thresholds: thresholds}
}

// StageCount reports the configured stage count for a route.
func (p *Pipeline) StageCount(route string) int {
	return len(p.routes[route])
}

// Run executes the artifact's route sequentially. Each stage gets exactly one
// attempt; the sink is invoked after every stage and before the next one. On
// a gate miss the run completes early with the unsupported sentinel.
func (p *Pipeline) Run(ctx context.Context, artifact Artifact, sink StageSink) (models.FinalResult, error) {
	stages, ok := p.routes[artifact.Route]
	if !ok || len(stages) == 0 {
		return models.FinalResult{}, fmt.Errorf("no stages configured for route %q", artifact.Route)
	}

	trace := make([]models.StageResult, 0, len(stages))
	prior := ""
	for _, stage := range stages {
		started := time.Now()
		pred, err := p.predictor.Predict(ctx, stage.Endpoint, inference.Request{
			FileName: artifact.Name,
			Body:     artifact.Body,
			Prior:    prior,
		})
		telemetry.StageLatency.WithLabelValues(stage.Name).Observe(time.Since(started).Seconds())
		if err != nil {
			telemetry.StageCalls.WithLabelValues(stage.Name, "error").Inc()
			return models.FinalResult{}, fmt.Errorf("stage %s: %w", stage.Name, err)
		}
		telemetry.StageCalls.WithLabelValues(stage.Name, "ok").Inc()

		result := models.StageResult{
			Stage:       stage.Name,
			Label:       pred.Label,
			Confidence:  pred.Confidence,
			CompletedAt: time.Now().UTC(),
		}
		if sink != nil {
			if err := sink(ctx, result); err != nil {
				return models.FinalResult{}, fmt.Errorf("persist stage %s: %w", stage.Name, err)
			}
		}
		trace = append(trace, result)

		if stage.Kind == KindGate && !labelAllowed(pred.Label, stage.Allow) {
			return negativeDetermination(pred), nil
		}
		prior = pred.Label
	}

	return p.aggregate(trace), nil
}

func labelAllowed(label string, allow []string) bool {
	for _, a := range allow {
		if strings.EqualFold(label, a) {
			return true
		}
	}
	return false
}

// negativeDetermination is a successful completion for artifacts outside the
// supported modality; it is not a failure.
func negativeDetermination(pred inference.Prediction) models.FinalResult {
	return models.FinalResult{
		Diagnosis:       models.DiagnosisUnsupported,
		Confidence:      pred.Confidence,
		Findings:        []models.Finding{},
		Recommendations: []models.Recommendation{},
	}
}

// RouteForFile selects a route from the file name and declared mime type.
// Selection happens once at intake and is never re-evaluated.
func RouteForFile(fileName, mimeType string) (string, bool) {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".png", ".jpg", ".jpeg":
		return models.RouteImage, true
	case ".csv":
		return models.RouteSignal, true
	}
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return "", false
	}
	switch {
	case strings.HasPrefix(mt, "image/"):
		return models.RouteImage, true
	case mt == "text/csv":
		return models.RouteSignal, true
	}
	return "", false
}
