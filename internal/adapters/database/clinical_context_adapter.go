package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/zatekoja/clinical-insights/backend/internal/domain/entities"
	"github.com/zatekoja/clinical-insights/backend/internal/domain/providers"
	"github.com/zatekoja/clinical-insights/backend/internal/infrastructure/clients/postgres"
	apperrors "github.com/zatekoja/clinical-insights/backend/pkg/errors"
)

const contextSnapshotTable = "clinical_context_snapshots"

// ClinicalContextAdapter assembles pipeline context from stored snapshots.
// Snapshots are merged oldest first, so later values for a key win.
type ClinicalContextAdapter struct {
	client *postgres.Client
	db     *goqu.Database
}

// NewClinicalContextAdapter creates a new clinical context adapter
func NewClinicalContextAdapter(client *postgres.Client) providers.ContextAggregator {
	return &ClinicalContextAdapter{
		client: client,
		db:     client.Builder(),
	}
}

// Aggregate merges every snapshot for the patient that applies to the session
// and purpose. Snapshots without a session or purpose apply to all.
func (a *ClinicalContextAdapter) Aggregate(ctx context.Context, patientID, sessionID string, purpose entities.PipelineType) (*entities.ClinicalContext, error) {
	if patientID == "" {
		return nil, apperrors.NewValidationError("patient id is required")
	}

	conds := []exp.Expression{
		goqu.C("patient_id").Eq(patientID),
		goqu.Or(goqu.C("purpose").Eq(string(purpose)), goqu.C("purpose").IsNull()),
	}
	if sessionID != "" {
		conds = append(conds, goqu.Or(goqu.C("session_id").Eq(sessionID), goqu.C("session_id").IsNull()))
	}

	query, args, err := a.db.From(contextSnapshotTable).
		Select("source", "payload", "collected_at").
		Where(conds...).
		Order(goqu.C("collected_at").Asc()).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build context query", err)
	}

	rows, err := a.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to load clinical context", err).WithResource(apperrors.ResourcePatient, patientID)
	}
	defer rows.Close()

	result := &entities.ClinicalContext{
		PatientID: patientID,
		SessionID: sessionID,
		Purpose:   purpose,
		Variables: make(map[string]any),
	}
	seen := 0
	for rows.Next() {
		var (
			source      string
			payload     []byte
			collectedAt time.Time
		)
		if err := rows.Scan(&source, &payload, &collectedAt); err != nil {
			return nil, apperrors.NewInternalError("failed to scan context snapshot", err)
		}
		seen++

		var values map[string]any
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &values); err != nil {
				return nil, apperrors.NewInternalError(fmt.Sprintf("invalid context payload from %s", source), err)
			}
		}
		for k, v := range values {
			result.Variables[k] = v
		}
		result.Sources = append(result.Sources, source)
		if collectedAt.After(result.CollectedAt) {
			result.CollectedAt = collectedAt
		}
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewInternalError("failed to iterate context snapshots", err)
	}

	if seen == 0 {
		return nil, fmt.Errorf("patient %s: %w", patientID, providers.ErrContextNotFound)
	}
	if len(result.Variables) == 0 {
		return nil, fmt.Errorf("patient %s: %w", patientID, providers.ErrInsufficientContext)
	}
	return result, nil
}

// Ping checks database connectivity
func (a *ClinicalContextAdapter) Ping(ctx context.Context) error {
	return a.client.Ping(ctx)
}
