package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zatekoja/clinical-insights/backend/internal/domain/entities"
	"github.com/zatekoja/clinical-insights/backend/internal/domain/repositories"
	apperrors "github.com/zatekoja/clinical-insights/backend/pkg/errors"
)

// MemoryAuditAdapter keeps audit records in process memory. It backs local
// development and tests when AUDIT_STORE=memory.
type MemoryAuditAdapter struct {
	mu      sync.RWMutex
	entries map[string]*entities.AuditEntry
	now     func() time.Time
}

// NewMemoryAuditAdapter creates an empty in-memory audit store
func NewMemoryAuditAdapter() *MemoryAuditAdapter {
	return &MemoryAuditAdapter{
		entries: make(map[string]*entities.AuditEntry),
		now:     time.Now,
	}
}

// Create stores a copy of entry
func (m *MemoryAuditAdapter) Create(ctx context.Context, entry *entities.AuditEntry) error {
	if entry == nil || entry.ExecutionID == "" {
		return apperrors.NewValidationError("audit entry requires an execution id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[entry.ExecutionID]; exists {
		return apperrors.NewConflictError(fmt.Sprintf("audit record %s already exists", entry.ExecutionID)).
			WithResource(apperrors.ResourceAuditRecord, entry.ExecutionID)
	}
	m.entries[entry.ExecutionID] = copyAuditEntry(entry)
	return nil
}

// Update patches a stored record; metadata keys are merged
func (m *MemoryAuditAdapter) Update(ctx context.Context, executionID string, update *entities.AuditUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[executionID]
	if !ok {
		return apperrors.NewAuditRecordNotFoundError(executionID)
	}

	if update.Status != "" {
		entry.Status = update.Status
	}
	if update.Response != nil {
		resp := *update.Response
		entry.Response = &resp
	}
	if update.Performance != nil {
		perf := *update.Performance
		entry.Performance = &perf
	}
	if len(update.Metadata) > 0 {
		if entry.Metadata == nil {
			entry.Metadata = make(map[string]any, len(update.Metadata))
		}
		for k, v := range update.Metadata {
			entry.Metadata[k] = v
		}
	}
	entry.UpdatedAt = m.now().UTC()
	return nil
}

// GetByID returns a copy of one record
func (m *MemoryAuditAdapter) GetByID(ctx context.Context, executionID string) (*entities.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[executionID]
	if !ok {
		return nil, apperrors.NewAuditRecordNotFoundError(executionID)
	}
	return copyAuditEntry(entry), nil
}

// List filters, sorts and pages the stored records
func (m *MemoryAuditAdapter) List(ctx context.Context, filter entities.AuditFilter) ([]*entities.AuditEntry, int, error) {
	m.mu.RLock()
	matched := make([]*entities.AuditEntry, 0, len(m.entries))
	for _, e := range m.entries {
		if matchesAuditFilter(e, filter) {
			matched = append(matched, copyAuditEntry(e))
		}
	}
	m.mu.RUnlock()

	sortAuditEntries(matched, filter.OrderBy, filter.Ascending)

	total := len(matched)
	start := filter.Offset
	if start > total {
		start = total
	}
	end := total
	if filter.Limit > 0 && start+filter.Limit < total {
		end = start + filter.Limit
	}
	return matched[start:end], total, nil
}

// DeleteBefore removes records whose timestamp is before cutoff
func (m *MemoryAuditAdapter) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for id, e := range m.entries {
		if e.Timestamp.Before(cutoff) {
			delete(m.entries, id)
			deleted++
		}
	}
	return deleted, nil
}

// Ping always succeeds
func (m *MemoryAuditAdapter) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Len returns the number of stored records
func (m *MemoryAuditAdapter) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func matchesAuditFilter(e *entities.AuditEntry, f entities.AuditFilter) bool {
	switch {
	case f.ExecutionID != "" && e.ExecutionID != f.ExecutionID:
		return false
	case f.PipelineType != "" && e.PipelineType != f.PipelineType:
		return false
	case f.PatientID != "" && e.PatientID != f.PatientID:
		return false
	case f.SessionID != "" && e.SessionID != f.SessionID:
		return false
	case f.OrganizationID != "" && e.OrganizationID != f.OrganizationID:
		return false
	case f.UserID != "" && e.UserID != f.UserID:
		return false
	case f.StartDate != nil && e.Timestamp.Before(*f.StartDate):
		return false
	case f.EndDate != nil && e.Timestamp.After(*f.EndDate):
		return false
	case f.Success != nil && e.Succeeded() != *f.Success:
		return false
	case f.CacheHit != nil && e.CacheHit() != *f.CacheHit:
		return false
	}
	return true
}

func sortAuditEntries(entries []*entities.AuditEntry, orderBy entities.AuditOrderBy, ascending bool) {
	less := func(a, b *entities.AuditEntry) bool {
		switch orderBy {
		case entities.AuditOrderByDuration:
			return a.DurationMs() < b.DurationMs()
		case entities.AuditOrderByTokens:
			return a.Tokens() < b.Tokens()
		default:
			return a.Timestamp.Before(b.Timestamp)
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if ascending {
			return less(entries[i], entries[j])
		}
		return less(entries[j], entries[i])
	})
}

func copyAuditEntry(e *entities.AuditEntry) *entities.AuditEntry {
	out := *e
	if e.Response != nil {
		resp := *e.Response
		out.Response = &resp
	}
	if e.Performance != nil {
		perf := *e.Performance
		out.Performance = &perf
	}
	if e.Metadata != nil {
		out.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

var _ repositories.AuditRepository = (*MemoryAuditAdapter)(nil)
