package entities

import "time"

// ClinicalContext is the aggregated patient/session material a pipeline
// prompt is compiled from.
type ClinicalContext struct {
	PatientID   string         `json:"patient_id"`
	SessionID   string         `json:"session_id,omitempty"`
	Purpose     PipelineType   `json:"purpose"`
	Variables   map[string]any `json:"variables"`
	Sources     []string       `json:"sources,omitempty"`
	CollectedAt time.Time      `json:"collected_at"`
}
