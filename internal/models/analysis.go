package models

import (
	"errors"
	"time"
)

// Analysis lifecycle states persisted in Postgres.
const (
	StatusSubmitted  = "submitted"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Artifact routes selected at intake.
const (
	RouteImage  = "image"
	RouteSignal = "signal"
)

// DiagnosisUnsupported is the sentinel diagnosis written when the gate stage
// determines the artifact is outside the supported modality. The analysis
// still completes successfully.
const DiagnosisUnsupported = "Unsupported Modality"

// ErrNotFound is returned for missing records and for records owned by a
// different caller; the two cases are indistinguishable on purpose.
var ErrNotFound = errors.New("analysis not found")

// Analysis represents one submitted artifact tracked through the pipeline.
type Analysis struct {
	ID            string        `json:"id"`
	OwnerID       string        `json:"owner_id"`
	ArtifactRef   string        `json:"-"`
	ThumbnailRef  *string       `json:"-"`
	OriginalName  string        `json:"original_name"`
	MimeType      string        `json:"mime_type"`
	SizeBytes     int64         `json:"size_bytes"`
	Route         string        `json:"route"`
	Status        string        `json:"status"`
	StageTrace    []StageResult `json:"stage_trace"`
	FinalResult   *FinalResult  `json:"final_result,omitempty"`
	FailureReason *string       `json:"failure_reason,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// StageResult is one appended stage outcome. Entries are immutable once
// written and ordered by execution.
type StageResult struct {
	Stage       string    `json:"stage"`
	Label       string    `json:"label"`
	Confidence  float64   `json:"confidence"`
	CompletedAt time.Time `json:"completed_at"`
}

// FinalResult is the aggregated diagnosis, present only on completed analyses.
type FinalResult struct {
	Diagnosis       string           `json:"diagnosis"`
	Confidence      float64          `json:"confidence"`
	Findings        []Finding        `json:"findings"`
	Recommendations []Recommendation `json:"recommendations"`
}

// Finding is a per-stage observation that cleared the configured confidence
// threshold.
type Finding struct {
	Type        string  `json:"type"`
	Description string  `json:"description"`
	Severity    string  `json:"severity"` // low, medium, high, critical
	Confidence  float64 `json:"confidence"`
}

// Recommendation is a follow-up action derived from the final diagnosis.
type Recommendation struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Priority    string `json:"priority"` // low, medium, high
}

// Summary is the trimmed projection returned by list queries.
type Summary struct {
	ID           string    `json:"id"`
	OriginalName string    `json:"original_name"`
	MimeType     string    `json:"mime_type"`
	SizeBytes    int64     `json:"size_bytes"`
	Route        string    `json:"route"`
	Status       string    `json:"status"`
	Diagnosis    *string   `json:"diagnosis,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
