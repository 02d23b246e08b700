package entities

import (
	"time"

	"github.com/google/uuid"
)

// ContextEventType describes what changed in a patient's clinical record.
type ContextEventType string

const (
	ContextEventSessionUpdated ContextEventType = "session_updated"
	ContextEventPatientUpdated ContextEventType = "patient_updated"
	ContextEventPromptUpdated  ContextEventType = "prompt_updated"
)

// ContextEvent announces a change that makes cached pipeline results stale.
// Instances exchange these so every in-process cache drops the same entries.
type ContextEvent struct {
	ID           string           `json:"id"`
	Type         ContextEventType `json:"type"`
	PatientID    string           `json:"patient_id,omitempty"`
	SessionID    string           `json:"session_id,omitempty"`
	PipelineType PipelineType     `json:"pipeline_type,omitempty"`
	Source       string           `json:"source,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
}

// NewContextEvent creates a new context event
func NewContextEvent(eventType ContextEventType, patientID, sessionID string) *ContextEvent {
	return &ContextEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		PatientID: patientID,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
	}
}
