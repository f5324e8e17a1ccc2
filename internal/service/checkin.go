package service

import (
	"context"

	"example.com/trainers/services/registration/internal/metrics"
	"example.com/trainers/services/registration/internal/models"
	"example.com/trainers/services/registration/internal/repository"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// CheckIn marks a registered participant as present. It is only valid while
// the event is in its pre-start open phase and the check-in window, bounded by
// the event start time, is open.
func (s *RegistrationService) CheckIn(ctx context.Context, eventID, participantID uuid.UUID) error {
	txn := s.tracer.StartTransaction("check-in-participant")
	defer s.tracer.EndTransaction(txn)

	now := s.nowFn()
	var entry *models.AuditEntry

	err := s.repo.WithTransaction(ctx, func(ctx context.Context, tx repository.Repository) error {
		event, err := tx.FindEventByID(ctx, eventID)
		if err != nil {
			return err
		}
		if event == nil {
			return ErrEventNotFound
		}

		reg, err := tx.FindRegistration(ctx, eventID, participantID)
		if err != nil {
			return err
		}
		if reg == nil {
			return ErrNotRegistered
		}
		switch reg.Status {
		case models.StatusCheckedIn:
			return ErrAlreadyCheckedIn
		case models.StatusWaitlist:
			return ErrOnWaitlist
		case models.StatusDropped:
			return ErrDropped
		}

		if event.Phase != models.EventPhaseOpen {
			return ErrWrongEventPhase
		}

		windowStart, windowEnd := event.CheckInWindow()
		if windowStart != nil && now.Before(*windowStart) {
			return ErrWindowNotOpen
		}
		if windowEnd != nil && now.After(*windowEnd) {
			return ErrWindowClosed
		}

		reg.Status = models.StatusCheckedIn
		reg.CheckedInAt = &now
		if err := tx.SaveRegistration(ctx, reg); err != nil {
			return err
		}

		entry, err = s.appendAudit(ctx, tx, models.AuditParticipantCheckedIn, eventID, &participantID, nil)
		return err
	})
	if err != nil {
		s.tracer.RecordError(txn, err)
		return err
	}

	s.incrCounter(metrics.CounterCheckIns)
	s.afterCommit(eventID, entry)

	log.Info().
		Str("event_id", eventID.String()).
		Str("participant_id", participantID.String()).
		Msg("Participant checked in")

	return nil
}

// UndoCheckIn reverts a check-in. It only requires the window to still be
// open, not the phase check: undo is the safety valve for mis-clicks right up
// to the boundary.
func (s *RegistrationService) UndoCheckIn(ctx context.Context, eventID, participantID uuid.UUID) error {
	txn := s.tracer.StartTransaction("undo-check-in")
	defer s.tracer.EndTransaction(txn)

	now := s.nowFn()
	var entry *models.AuditEntry

	err := s.repo.WithTransaction(ctx, func(ctx context.Context, tx repository.Repository) error {
		event, err := tx.FindEventByID(ctx, eventID)
		if err != nil {
			return err
		}
		if event == nil {
			return ErrEventNotFound
		}

		reg, err := tx.FindRegistration(ctx, eventID, participantID)
		if err != nil {
			return err
		}
		if reg == nil || reg.Status != models.StatusCheckedIn {
			return ErrNotCheckedIn
		}

		_, windowEnd := event.CheckInWindow()
		if windowEnd != nil && now.After(*windowEnd) {
			return ErrWindowClosed
		}

		reg.Status = models.StatusRegistered
		reg.CheckedInAt = nil
		if err := tx.SaveRegistration(ctx, reg); err != nil {
			return err
		}

		entry, err = s.appendAudit(ctx, tx, models.AuditCheckInUndone, eventID, &participantID, nil)
		return err
	})
	if err != nil {
		s.tracer.RecordError(txn, err)
		return err
	}

	s.afterCommit(eventID, entry)

	log.Info().
		Str("event_id", eventID.String()).
		Str("participant_id", participantID.String()).
		Msg("Check-in undone")

	return nil
}
