package repository

import (
	"context"
	"database/sql"
	"math/rand"
	"time"

	"example.com/trainers/services/registration/internal/metrics"
	"example.com/trainers/services/registration/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// maxTxAttempts bounds the serialization-conflict retry loop.
const maxTxAttempts = 5

// gormRepository implements Repository on top of GORM. Reporting reads go to
// the read-only handle; everything inside a transaction uses the tx handle.
type gormRepository struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
	metrics    *metrics.Metrics
}

// New creates a Repository backed by the given write and read-only databases.
// The metrics collector may be nil.
func New(db *gorm.DB, readOnlyDB *gorm.DB, metricsCollector *metrics.Metrics) Repository {
	return &gormRepository{db: db, readOnlyDB: readOnlyDB, metrics: metricsCollector}
}

// WithTransaction runs fn at SERIALIZABLE isolation. Postgres aborts one of
// any pair of conflicting transactions with SQLSTATE 40001/40P01; those are
// retried with jittered backoff, anything else is returned as-is.
func (r *gormRepository) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx Repository) error) error {
	return runSerializableTx(ctx, r.metrics, func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return fn(ctx, &gormRepository{db: tx, readOnlyDB: tx, metrics: r.metrics})
		}, &sql.TxOptions{Isolation: sql.LevelSerializable})
	})
}

// runSerializableTx is the retry loop around one transaction attempt. Each
// serialization conflict bumps the retry counter before backing off.
func runSerializableTx(ctx context.Context, m *metrics.Metrics, attempt func() error) error {
	var lastErr error
	for try := 1; try <= maxTxAttempts; try++ {
		lastErr = attempt()
		if lastErr == nil || !isSerializationFailure(lastErr) {
			return lastErr
		}

		if m != nil {
			m.IncrCounter(metrics.CounterTxSerializationRetry)
		}
		log.Debug().
			Int("attempt", try).
			Err(lastErr).
			Msg("Serialization conflict, retrying transaction")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoffDelay(try)):
		}
	}
	return errors.Wrap(lastErr, "transaction retries exhausted")
}

// isSerializationFailure reports whether err is a Postgres serialization or
// deadlock failure, the two retryable conflict classes.
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func backoffDelay(attempt int) time.Duration {
	base := time.Duration(attempt) * 10 * time.Millisecond
	jitter := time.Duration(rand.Int63n(int64(10 * time.Millisecond)))
	return base + jitter
}

// CreateEvent creates a new event
func (r *gormRepository) CreateEvent(ctx context.Context, event *models.Event) error {
	return r.db.WithContext(ctx).Create(event).Error
}

// FindEventByID gets an event by ID; a missing event returns (nil, nil).
func (r *gormRepository) FindEventByID(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	var event models.Event
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find event")
	}
	return &event, nil
}

// ListOpenEvents lists open events for the reconciliation fallback. Unbounded
// events are included: an event whose capacity was removed may still carry a
// waitlist that needs promoting.
func (r *gormRepository) ListOpenEvents(ctx context.Context) ([]models.Event, error) {
	var events []models.Event
	err := r.readOnlyDB.WithContext(ctx).
		Where("phase = ?", models.EventPhaseOpen).
		Find(&events).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list open events")
	}
	return events, nil
}

// CreateRegistration creates a new registration record
func (r *gormRepository) CreateRegistration(ctx context.Context, reg *models.Registration) error {
	return r.db.WithContext(ctx).Create(reg).Error
}

// SaveRegistration persists all fields of an existing registration record
func (r *gormRepository) SaveRegistration(ctx context.Context, reg *models.Registration) error {
	return r.db.WithContext(ctx).Save(reg).Error
}

// DeleteRegistration hard-deletes a registration record
func (r *gormRepository) DeleteRegistration(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&models.Registration{}, "id = ?", id)
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to delete registration")
	}
	if result.RowsAffected == 0 {
		return errors.New("no registration deleted")
	}
	return nil
}

// FindRegistration gets the record for one participant in one event; a missing
// record returns (nil, nil).
func (r *gormRepository) FindRegistration(ctx context.Context, eventID, participantID uuid.UUID) (*models.Registration, error) {
	var reg models.Registration
	err := r.db.WithContext(ctx).
		Where("event_id = ? AND participant_id = ?", eventID, participantID).
		First(&reg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find registration")
	}
	return &reg, nil
}

// ListActiveRegistrations returns every registered or checked-in record for an
// event, ordered by arrival. The id tiebreak keeps equal-timestamp ordering
// stable across scans.
func (r *gormRepository) ListActiveRegistrations(ctx context.Context, eventID uuid.UUID) ([]models.Registration, error) {
	var regs []models.Registration
	err := r.db.WithContext(ctx).
		Where("event_id = ? AND status IN ?", eventID,
			[]models.RegistrationStatus{models.StatusRegistered, models.StatusCheckedIn}).
		Order("registered_at ASC, id ASC").
		Find(&regs).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list active registrations")
	}
	return regs, nil
}

// FirstWaitlisted returns the earliest waitlisted record for an event, or
// (nil, nil) when the waitlist is empty.
func (r *gormRepository) FirstWaitlisted(ctx context.Context, eventID uuid.UUID) (*models.Registration, error) {
	var reg models.Registration
	err := r.db.WithContext(ctx).
		Where("event_id = ? AND status = ?", eventID, models.StatusWaitlist).
		Order("registered_at ASC, id ASC").
		First(&reg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find first waitlisted registration")
	}
	return &reg, nil
}

// CountRegistrationsByStatus returns per-status record counts for an event
func (r *gormRepository) CountRegistrationsByStatus(ctx context.Context, eventID uuid.UUID) (map[models.RegistrationStatus]int64, error) {
	var rows []struct {
		Status models.RegistrationStatus
		Count  int64
	}
	err := r.readOnlyDB.WithContext(ctx).
		Model(&models.Registration{}).
		Select("status, count(*) as count").
		Where("event_id = ?", eventID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to count registrations by status")
	}

	counts := make(map[models.RegistrationStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// FindRateLimitRecord gets the record for one actor and action kind; a missing
// record returns (nil, nil).
func (r *gormRepository) FindRateLimitRecord(ctx context.Context, actorID, actionKind string) (*models.RateLimitRecord, error) {
	var record models.RateLimitRecord
	err := r.db.WithContext(ctx).
		Where("actor_id = ? AND action_kind = ?", actorID, actionKind).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find rate limit record")
	}
	return &record, nil
}

// SaveRateLimitRecord persists a new or updated rate limit record
func (r *gormRepository) SaveRateLimitRecord(ctx context.Context, record *models.RateLimitRecord) error {
	return r.db.WithContext(ctx).Save(record).Error
}

// DeleteExpiredRateLimitRecords deletes up to limit records whose expiry has
// passed and returns the number deleted.
func (r *gormRepository) DeleteExpiredRateLimitRecords(ctx context.Context, before time.Time, limit int) (int64, error) {
	subquery := r.db.WithContext(ctx).
		Model(&models.RateLimitRecord{}).
		Select("id").
		Where("expires_at < ?", before).
		Limit(limit)

	result := r.db.WithContext(ctx).
		Where("id IN (?)", subquery).
		Delete(&models.RateLimitRecord{})
	if result.Error != nil {
		return 0, errors.Wrap(result.Error, "failed to delete expired rate limit records")
	}
	return result.RowsAffected, nil
}

// AppendAuditEntry appends an audit entry
func (r *gormRepository) AppendAuditEntry(ctx context.Context, entry *models.AuditEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}
