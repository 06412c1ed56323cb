package pipeline

import (
	"fmt"
	"strings"

	"medscan/internal/config"
	"medscan/internal/models"
)

// Thresholds govern how stage outputs become findings and recommendations.
// They are configuration, not behavior baked into the stage list.
type Thresholds struct {
	FindingConfidenceMin float64
	HighSeverityMin      float64
	LowConfidenceMax     float64
}

func ThresholdsFromConfig(cfg config.Config) Thresholds {
	return Thresholds{
		FindingConfidenceMin: cfg.FindingConfidenceMin,
		HighSeverityMin:      cfg.HighSeverityMin,
		LowConfidenceMax:     cfg.LowConfidenceMax,
	}
}

// Labels the models emit for a clean result. Anything else counts as a
// positive diagnosis.
var benignLabels = map[string]struct{}{
	"normal":      {},
	"non-seizure": {},
}

func positiveDiagnosis(label string) bool {
	_, benign := benignLabels[strings.ToLower(label)]
	return !benign
}

// aggregate derives the final result from a fully executed trace. The last
// stage's label is the authoritative diagnosis; confidences are carried
// verbatim, never recomputed.
func (p *Pipeline) aggregate(trace []models.StageResult) models.FinalResult {
	last := trace[len(trace)-1]
	positive := positiveDiagnosis(last.Label)

	findings := make([]models.Finding, 0, len(trace))
	for i, result := range trace {
		if result.Confidence < p.thresholds.FindingConfidenceMin {
			continue
		}
		severity := "low"
		if i == len(trace)-1 {
			switch {
			case positive && result.Confidence >= p.thresholds.HighSeverityMin:
				severity = "high"
			case positive:
				severity = "medium"
			}
		} else if positiveDiagnosis(result.Label) {
			severity = "medium"
		}
		findings = append(findings, models.Finding{
			Type:        result.Stage,
			Description: fmt.Sprintf("%s model identified %q", result.Stage, result.Label),
			Severity:    severity,
			Confidence:  result.Confidence,
		})
	}

	recommendations := make([]models.Recommendation, 0, 2)
	if positive {
		recommendations = append(recommendations, models.Recommendation{
			Type:        "referral",
			Description: "Refer to a specialist for clinical confirmation",
			Priority:    "high",
		})
	} else {
		recommendations = append(recommendations, models.Recommendation{
			Type:        "routine",
			Description: "No disease indicators; continue routine screening",
			Priority:    "low",
		})
	}
	if last.Confidence < p.thresholds.LowConfidenceMax {
		recommendations = append(recommendations, models.Recommendation{
			Type:        "repeat_scan",
			Description: "Model confidence is low; consider repeating the acquisition",
			Priority:    "medium",
		})
	}

	return models.FinalResult{
		Diagnosis:       last.Label,
		Confidence:      last.Confidence,
		Findings:        findings,
		Recommendations: recommendations,
	}
}
