package service

import (
	"context"
	"encoding/json"
	"time"

	"example.com/trainers/services/registration/internal/cache"
	"example.com/trainers/services/registration/internal/messaging"
	"example.com/trainers/services/registration/internal/metrics"
	"example.com/trainers/services/registration/internal/models"
	"example.com/trainers/services/registration/internal/repository"
	"example.com/trainers/services/registration/internal/search"
	"example.com/trainers/services/registration/internal/tracing"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// RegistrationService owns the admission and check-in business logic for one
// storage substrate. Every public operation is a single serializable
// transaction; the cache, bus and search side effects run after commit and
// never gate the transaction's outcome.
type RegistrationService struct {
	repo      repository.Repository
	cache     *cache.RedisCache
	publisher messaging.Publisher
	search    *search.ElasticClient
	metrics   *metrics.Metrics
	tracer    tracing.Tracer
	nowFn     func() time.Time
}

// NewRegistrationService creates a new registration service. The cache,
// publisher, search client and tracer may be nil; the service runs without
// them.
func NewRegistrationService(
	repo repository.Repository,
	redisCache *cache.RedisCache,
	publisher messaging.Publisher,
	elasticClient *search.ElasticClient,
	metricsCollector *metrics.Metrics,
	tracer tracing.Tracer,
) *RegistrationService {
	if tracer == nil {
		tracer = &tracing.NewRelicTracer{}
	}
	return &RegistrationService{
		repo:      repo,
		cache:     redisCache,
		publisher: publisher,
		search:    elasticClient,
		metrics:   metricsCollector,
		tracer:    tracer,
		nowFn:     time.Now,
	}
}

// appendAudit writes an audit entry inside the caller's transaction and
// returns it so post-commit side effects can reuse the same payload.
func (s *RegistrationService) appendAudit(
	ctx context.Context,
	tx repository.Repository,
	kind string,
	eventID uuid.UUID,
	participantID *uuid.UUID,
	metadata map[string]interface{},
) (*models.AuditEntry, error) {
	entry := &models.AuditEntry{
		ID:            uuid.New(),
		EventID:       eventID,
		ParticipantID: participantID,
		Kind:          kind,
		CreatedAt:     s.nowFn(),
	}
	if metadata != nil {
		data, err := json.Marshal(metadata)
		if err != nil {
			// Metadata is best-effort context; a bad payload must not abort
			// the enclosing mutation.
			log.Warn().Err(err).Str("kind", kind).Msg("Failed to encode audit metadata")
		} else {
			entry.Metadata = data
		}
	}
	if err := tx.AppendAuditEntry(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// afterCommit runs the fire-and-forget side effects for committed audit
// entries: cache invalidation, bus publish, search indexing.
func (s *RegistrationService) afterCommit(eventID uuid.UUID, entries ...*models.AuditEntry) {
	if s.cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.cache.Delete(ctx, cache.EventStatusKey(eventID)); err != nil {
			log.Debug().Err(err).Str("event_id", eventID.String()).Msg("Failed to invalidate status cache")
		}
	}

	for _, entry := range entries {
		if entry == nil {
			continue
		}
		go s.fanOutAuditEntry(entry)
	}
}

func (s *RegistrationService) fanOutAuditEntry(entry *models.AuditEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if s.publisher != nil {
		if err := s.publisher.PublishAuditEntry(ctx, entry); err != nil {
			log.Warn().Err(err).Str("kind", entry.Kind).Msg("Failed to publish audit entry")
		}
	}
	if s.search != nil {
		if err := s.search.IndexAuditEntry(ctx, entry); err != nil {
			log.Warn().Err(err).Str("kind", entry.Kind).Msg("Failed to index audit entry")
		}
	}
}

func (s *RegistrationService) incrCounter(name string) {
	if s.metrics != nil {
		s.metrics.IncrCounter(name)
	}
}
