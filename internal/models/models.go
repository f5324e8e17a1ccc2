package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// EventPhase describes where an event is in its lifecycle.
type EventPhase string

const (
	EventPhaseDraft     EventPhase = "draft"
	EventPhaseOpen      EventPhase = "open"
	EventPhaseActive    EventPhase = "active"
	EventPhaseCompleted EventPhase = "completed"
	EventPhaseCancelled EventPhase = "cancelled"
)

// RegistrationStatus describes the state of a registration record.
type RegistrationStatus string

const (
	StatusRegistered RegistrationStatus = "registered"
	StatusCheckedIn  RegistrationStatus = "checked_in"
	StatusWaitlist   RegistrationStatus = "waitlist"
	StatusDropped    RegistrationStatus = "dropped"
)

// DefaultCheckInWindowMinutes is applied when an event does not set its own window.
const DefaultCheckInWindowMinutes = 60

// Event represents a competitive event participants register for. Events are
// created and updated by the organizer tooling; this service mostly reads them.
type Event struct {
	ID                   uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt            time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt            gorm.DeletedAt `gorm:"index" json:"-"`
	OrganizerID          uuid.UUID      `gorm:"type:uuid;not null" json:"organizer_id"`
	Name                 string         `gorm:"not null" json:"name"`
	Capacity             *int           `json:"capacity"`
	Phase                EventPhase     `gorm:"not null;default:'draft'" json:"phase"`
	StartTime            *time.Time     `json:"start_time"`
	RegistrationDeadline *time.Time     `json:"registration_deadline"`
	CheckInWindowMinutes *int           `json:"check_in_window_minutes"`
	Registrations        []Registration `gorm:"foreignKey:EventID" json:"-"`
}

// CheckInWindow returns the inclusive [start, end] bounds of the check-in
// window. A nil bound means the window is unbounded on that side.
func (e *Event) CheckInWindow() (*time.Time, *time.Time) {
	if e.StartTime == nil {
		return nil, nil
	}
	minutes := DefaultCheckInWindowMinutes
	if e.CheckInWindowMinutes != nil {
		minutes = *e.CheckInWindowMinutes
	}
	start := e.StartTime.Add(-time.Duration(minutes) * time.Minute)
	return &start, e.StartTime
}

// Registration represents one participant's slot in one event. At most one
// record exists per (event, participant) pair.
type Registration struct {
	ID            uuid.UUID          `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt     time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
	EventID       uuid.UUID          `gorm:"type:uuid;not null;uniqueIndex:idx_event_participant;index:idx_event_status_registered_at,priority:1" json:"event_id"`
	ParticipantID uuid.UUID          `gorm:"type:uuid;not null;uniqueIndex:idx_event_participant" json:"participant_id"`
	Status        RegistrationStatus `gorm:"not null;index:idx_event_status_registered_at,priority:2" json:"status"`
	RegisteredAt  time.Time          `gorm:"not null;index:idx_event_status_registered_at,priority:3" json:"registered_at"`
	CheckedInAt   *time.Time         `json:"checked_in_at"`
	RosterRef     *string            `json:"roster_ref"`
	Notes         *string            `gorm:"size:500" json:"notes"`
}

// IsActive reports whether the record occupies one of the event's capacity slots.
func (r *Registration) IsActive() bool {
	return r.Status == StatusRegistered || r.Status == StatusCheckedIn
}

// RateLimitRecord tracks recent attempts for one actor and one action kind.
// The timestamp list is the evolving sliding window, stored as unix millis.
type RateLimitRecord struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
	ActorID           string    `gorm:"not null;uniqueIndex:idx_actor_action" json:"actor_id"`
	ActionKind        string    `gorm:"not null;uniqueIndex:idx_actor_action" json:"action_kind"`
	RequestTimestamps []byte    `gorm:"type:jsonb" json:"request_timestamps"`
	WindowStart       time.Time `gorm:"not null" json:"window_start"`
	ExpiresAt         time.Time `gorm:"not null;index" json:"expires_at"`
}

// Timestamps decodes the stored attempt timestamps (unix millis).
func (r *RateLimitRecord) Timestamps() ([]int64, error) {
	if len(r.RequestTimestamps) == 0 {
		return nil, nil
	}
	var stamps []int64
	if err := json.Unmarshal(r.RequestTimestamps, &stamps); err != nil {
		return nil, errors.Wrap(err, "failed to decode rate limit timestamps")
	}
	return stamps, nil
}

// SetTimestamps encodes the attempt timestamps (unix millis).
func (r *RateLimitRecord) SetTimestamps(stamps []int64) error {
	data, err := json.Marshal(stamps)
	if err != nil {
		return errors.Wrap(err, "failed to encode rate limit timestamps")
	}
	r.RequestTimestamps = data
	return nil
}

// Audit entry kinds written by the admission and check-in paths.
const (
	AuditRegistrationCreated   = "registration_created"
	AuditRegistrationWithdrawn = "registration_withdrawn"
	AuditParticipantDropped    = "participant_dropped"
	AuditParticipantPromoted   = "participant_promoted"
	AuditParticipantCheckedIn  = "participant_checked_in"
	AuditCheckInUndone         = "check_in_undone"
	AuditCapacityReconciled    = "capacity_reconciled"
)

// AuditEntry is an append-only record of a domain event. Entries are written
// inside the same transaction as the mutation they describe.
type AuditEntry struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt     time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	EventID       uuid.UUID  `gorm:"type:uuid;not null;index" json:"event_id"`
	ParticipantID *uuid.UUID `gorm:"type:uuid" json:"participant_id"`
	Kind          string     `gorm:"not null" json:"kind"`
	Metadata      []byte     `gorm:"type:jsonb" json:"metadata"`
}

// SetupModels configures GORM models and runs migrations
func SetupModels(db *gorm.DB) error {
	// Apply all migrations
	err := db.AutoMigrate(
		&Event{},
		&Registration{},
		&RateLimitRecord{},
		&AuditEntry{},
	)

	if err != nil {
		return errors.Wrap(err, "failed to run auto migrations")
	}

	return nil
}
