package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/clinical-insights/backend/internal/domain/entities"
	"github.com/zatekoja/clinical-insights/backend/internal/domain/providers"
	"github.com/zatekoja/clinical-insights/backend/internal/infrastructure/clients/postgres"
)

func setupContextMock(t *testing.T) (providers.ContextAggregator, sqlmock.Sqlmock) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return NewClinicalContextAdapter(postgres.NewClientFromDB(mockDB)), mock
}

func TestClinicalContextAdapter_MergesNewestLast(t *testing.T) {
	aggregator, mock := setupContextMock(t)
	older := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)

	mock.ExpectQuery(`SELECT "source", "payload", "collected_at" FROM "clinical_context_snapshots" .*"session_id" = 's1'.*ORDER BY "collected_at" ASC`).
		WillReturnRows(sqlmock.NewRows([]string{"source", "payload", "collected_at"}).
			AddRow("intake", []byte(`{"diagnosis":"F41.1","duration_minutes":45}`), older).
			AddRow("session", []byte(`{"transcript":"Client reports improved sleep.","duration_minutes":53}`), newer))

	got, err := aggregator.Aggregate(context.Background(), "p1", "s1", entities.PipelineBillingCPT)
	require.NoError(t, err)
	assert.Equal(t, "F41.1", got.Variables["diagnosis"])
	assert.Equal(t, float64(53), got.Variables["duration_minutes"])
	assert.Equal(t, []string{"intake", "session"}, got.Sources)
	assert.Equal(t, newer, got.CollectedAt)
	assert.Equal(t, entities.PipelineBillingCPT, got.Purpose)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClinicalContextAdapter_NotFound(t *testing.T) {
	aggregator, mock := setupContextMock(t)

	mock.ExpectQuery(`FROM "clinical_context_snapshots"`).
		WillReturnRows(sqlmock.NewRows([]string{"source", "payload", "collected_at"}))

	_, err := aggregator.Aggregate(context.Background(), "p1", "", entities.PipelineSafetyCheck)
	assert.True(t, errors.Is(err, providers.ErrContextNotFound))
}

func TestClinicalContextAdapter_Insufficient(t *testing.T) {
	aggregator, mock := setupContextMock(t)

	mock.ExpectQuery(`FROM "clinical_context_snapshots"`).
		WillReturnRows(sqlmock.NewRows([]string{"source", "payload", "collected_at"}).
			AddRow("intake", []byte(`{}`), time.Now()))

	_, err := aggregator.Aggregate(context.Background(), "p1", "", entities.PipelineSafetyCheck)
	assert.True(t, errors.Is(err, providers.ErrInsufficientContext))
}
