package providers

import (
	"context"
	"errors"

	"github.com/zatekoja/clinical-insights/backend/internal/domain/entities"
)

var (
	// ErrContextNotFound is returned when no clinical material exists for a patient.
	ErrContextNotFound = errors.New("clinical context not found")
	// ErrInsufficientContext is returned when material exists but cannot support the purpose.
	ErrInsufficientContext = errors.New("insufficient clinical context")
)

// ContextAggregator collects the clinical material a pipeline needs.
type ContextAggregator interface {
	Aggregate(ctx context.Context, patientID, sessionID string, purpose entities.PipelineType) (*entities.ClinicalContext, error)
	Ping(ctx context.Context) error
}
