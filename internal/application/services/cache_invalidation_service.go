package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zatekoja/clinical-insights/backend/internal/domain/entities"
	"github.com/zatekoja/clinical-insights/backend/internal/domain/providers"
	apperrors "github.com/zatekoja/clinical-insights/backend/pkg/errors"
)

const invalidationTimeout = 5 * time.Second

// ResultInvalidator drops cached pipeline results.
type ResultInvalidator interface {
	InvalidateCache(ctx context.Context, patterns ...string) int
	InvalidatePatient(ctx context.Context, patientID string) int
	KeyPrefix() string
}

// CacheInvalidationService keeps every instance's result cache consistent
// with clinical context changes. Changes are announced on the event bus and
// each subscriber drops the affected entries from its own cache.
type CacheInvalidationService struct {
	cache    ResultInvalidator
	eventBus providers.EventBus
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	started  bool

	mu        sync.Mutex
	processed int64
}

// NewCacheInvalidationService creates a new cache invalidation service.
// eventBus may be nil, in which case changes only invalidate locally.
func NewCacheInvalidationService(cache ResultInvalidator, eventBus providers.EventBus) *CacheInvalidationService {
	ctx, cancel := context.WithCancel(context.Background())
	return &CacheInvalidationService{
		cache:    cache,
		eventBus: eventBus,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Start begins listening for context events and invalidating cache
func (s *CacheInvalidationService) Start() error {
	s.started = true
	if s.eventBus == nil {
		close(s.done)
		return nil
	}
	eventChan, err := s.eventBus.Subscribe(s.ctx, providers.EventChannelContextUpdates)
	if err != nil {
		close(s.done)
		return fmt.Errorf("failed to subscribe to context updates: %w", err)
	}

	go s.processEvents(eventChan)
	log.Info().Msg("cache invalidation service started")
	return nil
}

// Stop stops the cache invalidation service
func (s *CacheInvalidationService) Stop() {
	s.cancel()
	if s.started {
		<-s.done
	}
	log.Info().Msg("cache invalidation service stopped")
}

// Processed returns the number of events handled so far.
func (s *CacheInvalidationService) Processed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processed
}

func (s *CacheInvalidationService) processEvents(eventChan <-chan *entities.ContextEvent) {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case event, ok := <-eventChan:
			if !ok {
				return
			}
			if event == nil {
				continue
			}
			s.handleEvent(event)
		}
	}
}

// NotifyContextChanged announces a change to every instance. Without an
// event bus the change is applied to the local cache only.
func (s *CacheInvalidationService) NotifyContextChanged(ctx context.Context, event *entities.ContextEvent) (int, error) {
	if err := validateContextEvent(event); err != nil {
		return 0, err
	}
	if s.eventBus == nil {
		return s.handleEvent(event), nil
	}
	if err := s.eventBus.Publish(ctx, providers.EventChannelContextUpdates, event); err != nil {
		// Fall back to local invalidation so at least this instance is fresh.
		removed := s.handleEvent(event)
		return removed, apperrors.NewExternalError("failed to publish context event", err)
	}
	return 0, nil
}

func validateContextEvent(event *entities.ContextEvent) error {
	if event == nil {
		return apperrors.NewValidationError("context event is required")
	}
	switch event.Type {
	case entities.ContextEventSessionUpdated:
		if event.PatientID == "" || event.SessionID == "" {
			return apperrors.NewValidationError("session events require patient and session ids")
		}
	case entities.ContextEventPatientUpdated:
		if event.PatientID == "" {
			return apperrors.NewValidationError("patient events require a patient id")
		}
	case entities.ContextEventPromptUpdated:
		if event.PipelineType != "" && !event.PipelineType.Valid() {
			return apperrors.NewValidationError("unknown pipeline type: " + string(event.PipelineType))
		}
	default:
		return apperrors.NewValidationError("unknown context event type: " + string(event.Type))
	}
	return nil
}

// handleEvent drops the cache entries an event makes stale and returns how
// many were removed.
func (s *CacheInvalidationService) handleEvent(event *entities.ContextEvent) int {
	ctx, cancel := context.WithTimeout(context.Background(), invalidationTimeout)
	defer cancel()

	var removed int
	switch event.Type {
	case entities.ContextEventSessionUpdated:
		removed = s.cache.InvalidateCache(ctx, GenerateCachePatterns(s.cache.KeyPrefix(), CachePatternParams{
			PatientID: event.PatientID,
			SessionID: event.SessionID,
		})...)
	case entities.ContextEventPatientUpdated:
		removed = s.cache.InvalidatePatient(ctx, event.PatientID)
	case entities.ContextEventPromptUpdated:
		removed = s.cache.InvalidateCache(ctx, GenerateCachePatterns(s.cache.KeyPrefix(), CachePatternParams{
			PipelineType: event.PipelineType,
		})...)
	default:
		log.Warn().Str("event_id", event.ID).Str("type", string(event.Type)).Msg("ignoring unknown context event")
		return 0
	}

	s.mu.Lock()
	s.processed++
	s.mu.Unlock()

	log.Info().
		Str("event_id", event.ID).
		Str("type", string(event.Type)).
		Str("patient_id", event.PatientID).
		Int("removed", removed).
		Msg("invalidated cached results for context event")
	return removed
}
