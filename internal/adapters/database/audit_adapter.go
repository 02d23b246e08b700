package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/zatekoja/clinical-insights/backend/internal/domain/entities"
	"github.com/zatekoja/clinical-insights/backend/internal/domain/repositories"
	"github.com/zatekoja/clinical-insights/backend/internal/infrastructure/clients/postgres"
	apperrors "github.com/zatekoja/clinical-insights/backend/pkg/errors"
)

const auditTable = "ai_execution_audit"

var auditColumns = []any{
	"execution_id",
	"pipeline_type",
	"patient_id",
	"session_id",
	"organization_id",
	"user_id",
	"status",
	"request",
	"response",
	"performance",
	"metadata",
	"created_at",
	"updated_at",
}

// AuditAdapter implements AuditRepository in Postgres. Request, response,
// performance and metadata are stored as jsonb; success, cache_hit, total_ms
// and total_tokens are denormalized for filtering and ordering.
type AuditAdapter struct {
	client *postgres.Client
	db     *goqu.Database
}

// NewAuditAdapter creates a new audit adapter
func NewAuditAdapter(client *postgres.Client) repositories.AuditRepository {
	return &AuditAdapter{
		client: client,
		db:     client.Builder(),
	}
}

// Create inserts an audit record
func (a *AuditAdapter) Create(ctx context.Context, entry *entities.AuditEntry) error {
	if entry == nil {
		return apperrors.NewInternalError("audit entry is nil", fmt.Errorf("audit entry is nil"))
	}

	request, err := json.Marshal(entry.Request)
	if err != nil {
		return apperrors.NewInternalError("failed to encode audit request", err)
	}

	record := goqu.Record{
		"execution_id":    entry.ExecutionID,
		"pipeline_type":   string(entry.PipelineType),
		"patient_id":      entry.PatientID,
		"session_id":      nullString(entry.SessionID),
		"organization_id": nullString(entry.OrganizationID),
		"user_id":         nullString(entry.UserID),
		"status":          string(entry.Status),
		"request":         string(request),
		"created_at":      entry.Timestamp,
		"updated_at":      entry.UpdatedAt,
	}
	if err := addOutcomeColumns(record, entry.Response, entry.Performance, entry.Metadata); err != nil {
		return err
	}

	query, args, err := a.db.Insert(auditTable).Rows(record).ToSQL()
	if err != nil {
		return apperrors.NewInternalError("failed to build audit insert query", err)
	}

	if _, err := a.client.DB().ExecContext(ctx, query, args...); err != nil {
		return apperrors.NewInternalError("failed to create audit record", err)
	}
	return nil
}

// Update patches an audit record. Metadata keys are merged into the stored object.
func (a *AuditAdapter) Update(ctx context.Context, executionID string, update *entities.AuditUpdate) error {
	record := goqu.Record{"updated_at": time.Now().UTC()}
	if update.Status != "" {
		record["status"] = string(update.Status)
	}
	if err := addOutcomeColumns(record, update.Response, update.Performance, nil); err != nil {
		return err
	}
	if len(update.Metadata) > 0 {
		meta, err := json.Marshal(update.Metadata)
		if err != nil {
			return apperrors.NewInternalError("failed to encode audit metadata", err)
		}
		record["metadata"] = goqu.L("COALESCE(metadata, '{}'::jsonb) || ?::jsonb", string(meta))
	}

	query, args, err := a.db.Update(auditTable).
		Set(record).
		Where(goqu.Ex{"execution_id": executionID}).
		ToSQL()
	if err != nil {
		return apperrors.NewInternalError("failed to build audit update query", err)
	}

	result, err := a.client.DB().ExecContext(ctx, query, args...)
	if err != nil {
		return apperrors.NewInternalError("failed to update audit record", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return apperrors.NewAuditRecordNotFoundError(executionID)
	}
	return nil
}

// GetByID retrieves one audit record
func (a *AuditAdapter) GetByID(ctx context.Context, executionID string) (*entities.AuditEntry, error) {
	query, args, err := a.db.From(auditTable).
		Select(auditColumns...).
		Where(goqu.Ex{"execution_id": executionID}).
		Limit(1).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build audit select query", err)
	}

	entry, err := scanAuditEntry(a.client.DB().QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, apperrors.NewAuditRecordNotFoundError(executionID)
	}
	if err != nil {
		return nil, apperrors.NewInternalError("failed to load audit record", err)
	}
	return entry, nil
}

// List returns a filtered page of records and the total match count
func (a *AuditAdapter) List(ctx context.Context, filter entities.AuditFilter) ([]*entities.AuditEntry, int, error) {
	base := a.db.From(auditTable).Where(auditConditions(filter)...)

	countQuery, countArgs, err := base.Select(goqu.COUNT("*")).ToSQL()
	if err != nil {
		return nil, 0, apperrors.NewInternalError("failed to build audit count query", err)
	}
	var total int
	if err := a.client.DB().QueryRowContext(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, apperrors.NewInternalError("failed to count audit records", err)
	}

	ds := base.Select(auditColumns...).Order(auditOrder(filter))
	if filter.Limit > 0 {
		ds = ds.Limit(uint(filter.Limit))
	}
	if filter.Offset > 0 {
		ds = ds.Offset(uint(filter.Offset))
	}
	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, 0, apperrors.NewInternalError("failed to build audit list query", err)
	}

	rows, err := a.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, apperrors.NewInternalError("failed to list audit records", err)
	}
	defer rows.Close()

	var entries []*entities.AuditEntry
	for rows.Next() {
		entry, err := scanAuditEntry(rows)
		if err != nil {
			return nil, 0, apperrors.NewInternalError("failed to scan audit record", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, apperrors.NewInternalError("failed to iterate audit records", err)
	}
	return entries, total, nil
}

// DeleteBefore removes records created before cutoff
func (a *AuditAdapter) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query, args, err := a.db.Delete(auditTable).
		Where(goqu.C("created_at").Lt(cutoff)).
		ToSQL()
	if err != nil {
		return 0, apperrors.NewInternalError("failed to build audit delete query", err)
	}

	result, err := a.client.DB().ExecContext(ctx, query, args...)
	if err != nil {
		return 0, apperrors.NewInternalError("failed to delete audit records", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, apperrors.NewInternalError("failed to read deleted audit count", err)
	}
	return n, nil
}

// Ping checks database connectivity
func (a *AuditAdapter) Ping(ctx context.Context) error {
	return a.client.Ping(ctx)
}

func addOutcomeColumns(record goqu.Record, resp *entities.AuditResponse, perf *entities.AuditPerformance, meta map[string]any) error {
	if resp != nil {
		data, err := json.Marshal(resp)
		if err != nil {
			return apperrors.NewInternalError("failed to encode audit response", err)
		}
		record["response"] = string(data)
		record["success"] = resp.Success
	}
	if perf != nil {
		data, err := json.Marshal(perf)
		if err != nil {
			return apperrors.NewInternalError("failed to encode audit performance", err)
		}
		record["performance"] = string(data)
		record["cache_hit"] = perf.CacheHit
		record["total_ms"] = perf.TotalMs
		record["total_tokens"] = perf.TotalTokens
	}
	if len(meta) > 0 {
		data, err := json.Marshal(meta)
		if err != nil {
			return apperrors.NewInternalError("failed to encode audit metadata", err)
		}
		record["metadata"] = string(data)
	}
	return nil
}

func auditConditions(f entities.AuditFilter) []exp.Expression {
	ex := goqu.Ex{}
	if f.ExecutionID != "" {
		ex["execution_id"] = f.ExecutionID
	}
	if f.PipelineType != "" {
		ex["pipeline_type"] = string(f.PipelineType)
	}
	if f.PatientID != "" {
		ex["patient_id"] = f.PatientID
	}
	if f.SessionID != "" {
		ex["session_id"] = f.SessionID
	}
	if f.OrganizationID != "" {
		ex["organization_id"] = f.OrganizationID
	}
	if f.UserID != "" {
		ex["user_id"] = f.UserID
	}
	if f.Success != nil {
		ex["success"] = *f.Success
	}
	if f.CacheHit != nil {
		ex["cache_hit"] = *f.CacheHit
	}

	conds := []exp.Expression{ex}
	if f.StartDate != nil {
		conds = append(conds, goqu.C("created_at").Gte(*f.StartDate))
	}
	if f.EndDate != nil {
		conds = append(conds, goqu.C("created_at").Lte(*f.EndDate))
	}
	return conds
}

func auditOrder(f entities.AuditFilter) exp.OrderedExpression {
	col := goqu.C("created_at")
	switch f.OrderBy {
	case entities.AuditOrderByDuration:
		col = goqu.C("total_ms")
	case entities.AuditOrderByTokens:
		col = goqu.C("total_tokens")
	}
	if f.Ascending {
		return col.Asc().NullsFirst()
	}
	return col.Desc().NullsLast()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAuditEntry(row rowScanner) (*entities.AuditEntry, error) {
	var (
		entry                                  entities.AuditEntry
		pipelineType, status                   string
		sessionID, organizationID, userID      sql.NullString
		request, response, performance, metaB []byte
	)
	if err := row.Scan(
		&entry.ExecutionID,
		&pipelineType,
		&entry.PatientID,
		&sessionID,
		&organizationID,
		&userID,
		&status,
		&request,
		&response,
		&performance,
		&metaB,
		&entry.Timestamp,
		&entry.UpdatedAt,
	); err != nil {
		return nil, err
	}

	entry.PipelineType = entities.PipelineType(pipelineType)
	entry.Status = entities.AuditStatus(status)
	entry.SessionID = sessionID.String
	entry.OrganizationID = organizationID.String
	entry.UserID = userID.String

	if len(request) > 0 {
		if err := json.Unmarshal(request, &entry.Request); err != nil {
			return nil, fmt.Errorf("decode request: %w", err)
		}
	}
	if len(response) > 0 {
		entry.Response = &entities.AuditResponse{}
		if err := json.Unmarshal(response, entry.Response); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
	}
	if len(performance) > 0 {
		entry.Performance = &entities.AuditPerformance{}
		if err := json.Unmarshal(performance, entry.Performance); err != nil {
			return nil, fmt.Errorf("decode performance: %w", err)
		}
	}
	if len(metaB) > 0 {
		if err := json.Unmarshal(metaB, &entry.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &entry, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ repositories.AuditRepository = (*AuditAdapter)(nil)
