package service

import (
	"context"

	"example.com/trainers/services/registration/internal/cache"
	"example.com/trainers/services/registration/internal/metrics"
	"example.com/trainers/services/registration/internal/models"
	"example.com/trainers/services/registration/internal/repository"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// RegisterOptions carries the optional payload of a registration attempt.
type RegisterOptions struct {
	RosterRef *string
	Notes     *string
}

// RegisterResult reports where the caller's record landed.
type RegisterResult struct {
	RegistrationID uuid.UUID
	Status         models.RegistrationStatus
}

// WithdrawResult reports a completed withdrawal or drop and, when a waitlisted
// participant was promoted into the freed slot, who that was.
type WithdrawResult struct {
	PromotedParticipantID *uuid.UUID
}

// EventStatus is the read-side snapshot served by GetStatus.
type EventStatus struct {
	Registered         int64                      `json:"registered"`
	CheckedIn          int64                      `json:"checked_in"`
	Waitlisted         int64                      `json:"waitlisted"`
	Capacity           *int                       `json:"capacity"`
	IsRegistrationOpen bool                       `json:"is_registration_open"`
	IsFull             bool                       `json:"is_full"`
	UserStatus         *models.RegistrationStatus `json:"user_status,omitempty"`
}

// Register admits a participant into an event, or onto its waitlist.
//
// The capacity check is deliberately not a pre-check: the record is inserted
// optimistically and the whole active set is re-read and repaired inside the
// same serializable transaction. Any overcapacity caused by concurrent
// attempts is demoted to the waitlist here, whoever caused it, so the
// invariant holds regardless of interleaving.
func (s *RegistrationService) Register(ctx context.Context, eventID, participantID uuid.UUID, opts RegisterOptions) (*RegisterResult, error) {
	txn := s.tracer.StartTransaction("register-participant")
	defer s.tracer.EndTransaction(txn)
	s.tracer.AddAttribute(txn, "event_id", eventID.String())

	if opts.Notes != nil && len(*opts.Notes) > 500 {
		return nil, ErrNotesTooLong
	}

	now := s.nowFn()
	var result RegisterResult
	var entry *models.AuditEntry

	err := s.repo.WithTransaction(ctx, func(ctx context.Context, tx repository.Repository) error {
		event, err := tx.FindEventByID(ctx, eventID)
		if err != nil {
			return err
		}
		if event == nil {
			return ErrEventNotFound
		}
		if event.Phase != models.EventPhaseOpen {
			return ErrRegistrationClosed
		}
		if event.RegistrationDeadline != nil && now.After(*event.RegistrationDeadline) {
			return ErrDeadlinePassed
		}

		existing, err := tx.FindRegistration(ctx, eventID, participantID)
		if err != nil {
			return err
		}

		var reg *models.Registration
		switch {
		case existing != nil && existing.Status != models.StatusDropped:
			return ErrAlreadyRegistered
		case existing != nil:
			// A dropped participant re-registering revives the tombstone and
			// rejoins at the back of the arrival order.
			existing.Status = models.StatusRegistered
			existing.RegisteredAt = now
			existing.CheckedInAt = nil
			existing.RosterRef = opts.RosterRef
			existing.Notes = opts.Notes
			if err := tx.SaveRegistration(ctx, existing); err != nil {
				return err
			}
			reg = existing
		default:
			reg = &models.Registration{
				ID:            uuid.New(),
				EventID:       eventID,
				ParticipantID: participantID,
				Status:        models.StatusRegistered,
				RegisteredAt:  now,
				RosterRef:     opts.RosterRef,
				Notes:         opts.Notes,
			}
			if err := tx.CreateRegistration(ctx, reg); err != nil {
				return err
			}
		}

		if event.Capacity != nil {
			demoted, err := reconcileCapacity(ctx, tx, event)
			if err != nil {
				return err
			}
			for _, id := range demoted {
				if id == reg.ID {
					reg.Status = models.StatusWaitlist
				}
			}
		}

		result = RegisterResult{RegistrationID: reg.ID, Status: reg.Status}
		entry, err = s.appendAudit(ctx, tx, models.AuditRegistrationCreated, eventID, &participantID,
			map[string]interface{}{"status": reg.Status, "registration_id": reg.ID.String()})
		return err
	})
	if err != nil {
		s.tracer.RecordError(txn, err)
		return nil, err
	}

	if result.Status == models.StatusWaitlist {
		s.incrCounter(metrics.CounterWaitlisted)
	} else {
		s.incrCounter(metrics.CounterAdmissions)
	}
	s.afterCommit(eventID, entry)

	log.Info().
		Str("event_id", eventID.String()).
		Str("participant_id", participantID.String()).
		Str("status", string(result.Status)).
		Msg("Registration processed")

	return &result, nil
}

// Withdraw removes the caller's own registration. A freed active slot promotes
// the earliest waitlisted participant within the same transaction.
func (s *RegistrationService) Withdraw(ctx context.Context, eventID, participantID uuid.UUID) (*WithdrawResult, error) {
	txn := s.tracer.StartTransaction("withdraw-participant")
	defer s.tracer.EndTransaction(txn)

	result, err := s.remove(ctx, eventID, participantID, removeModeWithdraw, uuid.Nil)
	if err != nil {
		s.tracer.RecordError(txn, err)
		return nil, err
	}
	return result, nil
}

// Drop is the organizer-initiated removal. It has no phase restriction but
// requires the acting user to be the event's organizer.
func (s *RegistrationService) Drop(ctx context.Context, eventID, participantID, actorID uuid.UUID) (*WithdrawResult, error) {
	txn := s.tracer.StartTransaction("drop-participant")
	defer s.tracer.EndTransaction(txn)

	result, err := s.remove(ctx, eventID, participantID, removeModeDrop, actorID)
	if err != nil {
		s.tracer.RecordError(txn, err)
		return nil, err
	}
	return result, nil
}

type removeMode int

const (
	removeModeWithdraw removeMode = iota
	removeModeDrop
)

func (s *RegistrationService) remove(ctx context.Context, eventID, participantID uuid.UUID, mode removeMode, actorID uuid.UUID) (*WithdrawResult, error) {
	var result WithdrawResult
	var entries []*models.AuditEntry

	err := s.repo.WithTransaction(ctx, func(ctx context.Context, tx repository.Repository) error {
		entries = entries[:0]

		event, err := tx.FindEventByID(ctx, eventID)
		if err != nil {
			return err
		}
		if event == nil {
			return ErrEventNotFound
		}

		if mode == removeModeWithdraw &&
			(event.Phase == models.EventPhaseActive || event.Phase == models.EventPhaseCompleted) {
			return ErrEventLocked
		}
		if mode == removeModeDrop && event.OrganizerID != actorID {
			return ErrPermissionDenied
		}

		reg, err := tx.FindRegistration(ctx, eventID, participantID)
		if err != nil {
			return err
		}
		if reg == nil || reg.Status == models.StatusDropped {
			return ErrNotRegistered
		}

		wasActive := reg.IsActive()
		kind := models.AuditRegistrationWithdrawn
		if mode == removeModeDrop {
			// A drop leaves a tombstone so the participant's terminal state
			// stays visible to check-in and to the organizer history.
			reg.Status = models.StatusDropped
			reg.CheckedInAt = nil
			if err := tx.SaveRegistration(ctx, reg); err != nil {
				return err
			}
			kind = models.AuditParticipantDropped
		} else {
			if err := tx.DeleteRegistration(ctx, reg.ID); err != nil {
				return err
			}
		}

		result = WithdrawResult{}
		if wasActive && event.Capacity != nil {
			next, err := tx.FirstWaitlisted(ctx, eventID)
			if err != nil {
				return err
			}
			if next != nil {
				next.Status = models.StatusRegistered
				if err := tx.SaveRegistration(ctx, next); err != nil {
					return err
				}
				result.PromotedParticipantID = &next.ParticipantID
				promoEntry, err := s.appendAudit(ctx, tx, models.AuditParticipantPromoted, eventID, &next.ParticipantID,
					map[string]interface{}{"registration_id": next.ID.String()})
				if err != nil {
					return err
				}
				entries = append(entries, promoEntry)
			}
		}

		entry, err := s.appendAudit(ctx, tx, kind, eventID, &participantID, nil)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.PromotedParticipantID != nil {
		s.incrCounter(metrics.CounterPromotions)
	}
	s.afterCommit(eventID, entries...)

	return &result, nil
}

// GetStatus returns the event's registration snapshot and, when a participant
// is given, that participant's own status.
func (s *RegistrationService) GetStatus(ctx context.Context, eventID uuid.UUID, participantID *uuid.UUID) (*EventStatus, error) {
	event, err := s.repo.FindEventByID(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if event == nil {
		return nil, ErrEventNotFound
	}

	status, ok := s.cachedStatus(ctx, eventID)
	if !ok {
		counts, err := s.repo.CountRegistrationsByStatus(ctx, eventID)
		if err != nil {
			return nil, err
		}
		status = &EventStatus{
			Registered: counts[models.StatusRegistered],
			CheckedIn:  counts[models.StatusCheckedIn],
			Waitlisted: counts[models.StatusWaitlist],
			Capacity:   event.Capacity,
		}
		status.IsRegistrationOpen = event.Phase == models.EventPhaseOpen &&
			(event.RegistrationDeadline == nil || s.nowFn().Before(*event.RegistrationDeadline))
		status.IsFull = event.Capacity != nil &&
			status.Registered+status.CheckedIn >= int64(*event.Capacity)
		s.storeCachedStatus(ctx, eventID, status)
	}

	if participantID != nil {
		reg, err := s.repo.FindRegistration(ctx, eventID, *participantID)
		if err != nil {
			return nil, err
		}
		if reg != nil {
			st := reg.Status
			status.UserStatus = &st
		}
	}
	return status, nil
}

func (s *RegistrationService) cachedStatus(ctx context.Context, eventID uuid.UUID) (*EventStatus, bool) {
	if s.cache == nil {
		return nil, false
	}
	var status EventStatus
	if err := s.cache.Get(ctx, cache.EventStatusKey(eventID), &status); err != nil {
		return nil, false
	}
	// The cached snapshot never carries a per-user view.
	status.UserStatus = nil
	return &status, true
}

func (s *RegistrationService) storeCachedStatus(ctx context.Context, eventID uuid.UUID, status *EventStatus) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, cache.EventStatusKey(eventID), status, cache.StatusTTL); err != nil {
		log.Debug().Err(err).Str("event_id", eventID.String()).Msg("Failed to cache event status")
	}
}

// reconcileCapacity re-derives the active set and demotes everyone past the
// capacity line to the waitlist. It returns the demoted registration IDs.
// Arrival order is the fairness contract: a checked-in record past the line is
// demoted like any other and its check-in cleared.
func reconcileCapacity(ctx context.Context, tx repository.Repository, event *models.Event) ([]uuid.UUID, error) {
	// CreateEvent rejects negative capacity; a bad row written outside this
	// service is treated as zero rather than slicing out of range.
	capacity := *event.Capacity
	if capacity < 0 {
		capacity = 0
	}

	active, err := tx.ListActiveRegistrations(ctx, event.ID)
	if err != nil {
		return nil, err
	}
	if len(active) <= capacity {
		return nil, nil
	}

	excess := active[capacity:]
	demoted := make([]uuid.UUID, 0, len(excess))
	for i := range excess {
		reg := &excess[i]
		reg.Status = models.StatusWaitlist
		reg.CheckedInAt = nil
		if err := tx.SaveRegistration(ctx, reg); err != nil {
			return nil, errors.Wrap(err, "failed to demote overcapacity registration")
		}
		demoted = append(demoted, reg.ID)
	}
	return demoted, nil
}

// ReconcileEvent is the worker fallback: it repairs both directions of
// capacity drift for one event inside a single transaction, demoting excess
// and promoting into free slots. An event whose capacity was removed promotes
// its entire waitlist.
func (s *RegistrationService) ReconcileEvent(ctx context.Context, eventID uuid.UUID) error {
	var entry *models.AuditEntry

	err := s.repo.WithTransaction(ctx, func(ctx context.Context, tx repository.Repository) error {
		entry = nil

		event, err := tx.FindEventByID(ctx, eventID)
		if err != nil {
			return err
		}
		if event == nil {
			return nil
		}

		var demoted []uuid.UUID
		if event.Capacity != nil {
			demoted, err = reconcileCapacity(ctx, tx, event)
			if err != nil {
				return err
			}
		}

		promoted := 0
		for {
			if event.Capacity != nil {
				active, err := tx.ListActiveRegistrations(ctx, event.ID)
				if err != nil {
					return err
				}
				if len(active) >= *event.Capacity {
					break
				}
			}
			next, err := tx.FirstWaitlisted(ctx, eventID)
			if err != nil {
				return err
			}
			if next == nil {
				break
			}
			next.Status = models.StatusRegistered
			if err := tx.SaveRegistration(ctx, next); err != nil {
				return err
			}
			promoted++
		}

		if len(demoted) == 0 && promoted == 0 {
			return nil
		}
		entry, err = s.appendAudit(ctx, tx, models.AuditCapacityReconciled, eventID, nil,
			map[string]interface{}{"demoted": len(demoted), "promoted": promoted})
		return err
	})
	if err != nil {
		return errors.Wrap(err, "failed to reconcile event")
	}

	if entry != nil {
		s.afterCommit(eventID, entry)
	}
	return nil
}

// ReconcileOpenEvents runs ReconcileEvent across every open event. Errors are
// logged per event; one bad event does not stop the pass.
func (s *RegistrationService) ReconcileOpenEvents(ctx context.Context) error {
	events, err := s.repo.ListOpenEvents(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to list events for reconciliation")
	}

	for _, event := range events {
		if err := s.ReconcileEvent(ctx, event.ID); err != nil {
			log.Error().Err(err).Str("event_id", event.ID.String()).Msg("Failed to reconcile event")
		}
	}
	return nil
}

// CreateEvent is the thin organizer-facing create. Event ownership otherwise
// lives with the organizer tooling.
func (s *RegistrationService) CreateEvent(ctx context.Context, event *models.Event) error {
	if event.Capacity != nil && *event.Capacity < 0 {
		return ErrInvalidCapacity
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Phase == "" {
		event.Phase = models.EventPhaseDraft
	}
	return s.repo.CreateEvent(ctx, event)
}
