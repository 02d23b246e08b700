package repositories

import (
	"context"
	"time"

	"github.com/zatekoja/clinical-insights/backend/internal/domain/entities"
)

// AuditRepository defines the interface for execution audit persistence
type AuditRepository interface {
	Create(ctx context.Context, entry *entities.AuditEntry) error
	Update(ctx context.Context, executionID string, update *entities.AuditUpdate) error
	GetByID(ctx context.Context, executionID string) (*entities.AuditEntry, error)
	// List returns the matching page and the total number of matches.
	// A zero Limit returns every match.
	List(ctx context.Context, filter entities.AuditFilter) ([]*entities.AuditEntry, int, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Ping(ctx context.Context) error
}
