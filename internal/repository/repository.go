package repository

import (
	"context"
	"time"

	"example.com/trainers/services/registration/internal/models"

	"github.com/google/uuid"
)

// Repository provides data access methods. Implementations must make
// WithTransaction atomic with respect to every other concurrent call touching
// the same rows: the admission invariant is only as strong as this guarantee.
type Repository interface {
	// WithTransaction runs fn inside a serializable transaction and retries a
	// bounded number of times when the store reports a serialization conflict.
	WithTransaction(ctx context.Context, fn func(ctx context.Context, tx Repository) error) error

	// Event operations
	CreateEvent(ctx context.Context, event *models.Event) error
	FindEventByID(ctx context.Context, id uuid.UUID) (*models.Event, error)
	ListOpenEvents(ctx context.Context) ([]models.Event, error)

	// Registration operations
	CreateRegistration(ctx context.Context, reg *models.Registration) error
	SaveRegistration(ctx context.Context, reg *models.Registration) error
	DeleteRegistration(ctx context.Context, id uuid.UUID) error
	FindRegistration(ctx context.Context, eventID, participantID uuid.UUID) (*models.Registration, error)
	ListActiveRegistrations(ctx context.Context, eventID uuid.UUID) ([]models.Registration, error)
	FirstWaitlisted(ctx context.Context, eventID uuid.UUID) (*models.Registration, error)
	CountRegistrationsByStatus(ctx context.Context, eventID uuid.UUID) (map[models.RegistrationStatus]int64, error)

	// RateLimitRecord operations
	FindRateLimitRecord(ctx context.Context, actorID, actionKind string) (*models.RateLimitRecord, error)
	SaveRateLimitRecord(ctx context.Context, record *models.RateLimitRecord) error
	DeleteExpiredRateLimitRecords(ctx context.Context, before time.Time, limit int) (int64, error)

	// AuditEntry operations
	AppendAuditEntry(ctx context.Context, entry *models.AuditEntry) error
}
