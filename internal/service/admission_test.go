package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"example.com/trainers/services/registration/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func openEvent(repo *fakeRepo, capacity *int) *models.Event {
	event := &models.Event{
		ID:          uuid.New(),
		OrganizerID: uuid.New(),
		Name:        "Regional Qualifier",
		Capacity:    capacity,
		Phase:       models.EventPhaseOpen,
	}
	repo.events[event.ID] = *event
	return event
}

func TestRegisterAdmitsUpToCapacity(t *testing.T) {
	repo := newFakeRepo()
	clock := newFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	svc := newTestService(repo, clock)
	event := openEvent(repo, intPtr(2))

	first, err := svc.Register(context.Background(), event.ID, uuid.New(), RegisterOptions{})
	require.NoError(t, err)
	require.Equal(t, models.StatusRegistered, first.Status)

	clock.Advance(time.Second)
	second, err := svc.Register(context.Background(), event.ID, uuid.New(), RegisterOptions{})
	require.NoError(t, err)
	require.Equal(t, models.StatusRegistered, second.Status)

	clock.Advance(time.Second)
	third, err := svc.Register(context.Background(), event.ID, uuid.New(), RegisterOptions{})
	require.NoError(t, err)
	require.Equal(t, models.StatusWaitlist, third.Status)

	active, err := repo.ListActiveRegistrations(context.Background(), event.ID)
	require.NoError(t, err)
	require.Len(t, active, 2)
}

func TestRegisterCapacityInvariantUnderConcurrency(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, nil)
	event := openEvent(repo, intPtr(8))

	const attempts = 50
	errCh := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Register(context.Background(), event.ID, uuid.New(), RegisterOptions{})
			errCh <- err
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	active, err := repo.ListActiveRegistrations(context.Background(), event.ID)
	require.NoError(t, err)
	require.Len(t, active, 8)

	counts, err := repo.CountRegistrationsByStatus(context.Background(), event.ID)
	require.NoError(t, err)
	require.Equal(t, int64(8), counts[models.StatusRegistered])
	require.Equal(t, int64(attempts-8), counts[models.StatusWaitlist])
}

func TestRegisterUnboundedEventNeverWaitlists(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, nil)
	event := openEvent(repo, nil)

	for i := 0; i < 20; i++ {
		result, err := svc.Register(context.Background(), event.ID, uuid.New(), RegisterOptions{})
		require.NoError(t, err)
		require.Equal(t, models.StatusRegistered, result.Status)
	}
}

func TestRegisterIdempotentRejection(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, nil)
	event := openEvent(repo, intPtr(10))
	participant := uuid.New()

	first, err := svc.Register(context.Background(), event.ID, participant, RegisterOptions{})
	require.NoError(t, err)

	_, err = svc.Register(context.Background(), event.ID, participant, RegisterOptions{})
	require.ErrorIs(t, err, ErrAlreadyRegistered)

	// No second record was created.
	counts, err := repo.CountRegistrationsByStatus(context.Background(), event.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), counts[models.StatusRegistered])

	reg, err := repo.FindRegistration(context.Background(), event.ID, participant)
	require.NoError(t, err)
	require.Equal(t, first.RegistrationID, reg.ID)
}

func TestRegisterPreconditions(t *testing.T) {
	repo := newFakeRepo()
	clock := newFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	svc := newTestService(repo, clock)

	_, err := svc.Register(context.Background(), uuid.New(), uuid.New(), RegisterOptions{})
	require.ErrorIs(t, err, ErrEventNotFound)

	draft := openEvent(repo, intPtr(4))
	draft.Phase = models.EventPhaseDraft
	repo.events[draft.ID] = *draft
	_, err = svc.Register(context.Background(), draft.ID, uuid.New(), RegisterOptions{})
	require.ErrorIs(t, err, ErrRegistrationClosed)

	expired := openEvent(repo, intPtr(4))
	deadline := clock.Now().Add(-time.Minute)
	expired.RegistrationDeadline = &deadline
	repo.events[expired.ID] = *expired
	_, err = svc.Register(context.Background(), expired.ID, uuid.New(), RegisterOptions{})
	require.ErrorIs(t, err, ErrDeadlinePassed)
}

func TestWithdrawPromotesEarliestWaitlisted(t *testing.T) {
	repo := newFakeRepo()
	clock := newFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	svc := newTestService(repo, clock)
	event := openEvent(repo, intPtr(2))

	participantA := uuid.New()
	participantB := uuid.New()
	participantC := uuid.New()
	for _, p := range []uuid.UUID{participantA, participantB, participantC} {
		_, err := svc.Register(context.Background(), event.ID, p, RegisterOptions{})
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	result, err := svc.Withdraw(context.Background(), event.ID, participantA)
	require.NoError(t, err)
	require.NotNil(t, result.PromotedParticipantID)
	require.Equal(t, participantC, *result.PromotedParticipantID)

	regB, err := repo.FindRegistration(context.Background(), event.ID, participantB)
	require.NoError(t, err)
	require.Equal(t, models.StatusRegistered, regB.Status)

	regC, err := repo.FindRegistration(context.Background(), event.ID, participantC)
	require.NoError(t, err)
	require.Equal(t, models.StatusRegistered, regC.Status)

	regA, err := repo.FindRegistration(context.Background(), event.ID, participantA)
	require.NoError(t, err)
	require.Nil(t, regA)
}

func TestWithdrawFromWaitlistDoesNotPromote(t *testing.T) {
	repo := newFakeRepo()
	clock := newFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	svc := newTestService(repo, clock)
	event := openEvent(repo, intPtr(1))

	participantA := uuid.New()
	participantB := uuid.New()
	participantC := uuid.New()
	for _, p := range []uuid.UUID{participantA, participantB, participantC} {
		_, err := svc.Register(context.Background(), event.ID, p, RegisterOptions{})
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	// B is waitlisted; withdrawing B frees no active slot.
	result, err := svc.Withdraw(context.Background(), event.ID, participantB)
	require.NoError(t, err)
	require.Nil(t, result.PromotedParticipantID)

	regC, err := repo.FindRegistration(context.Background(), event.ID, participantC)
	require.NoError(t, err)
	require.Equal(t, models.StatusWaitlist, regC.Status)
}

func TestWithdrawErrors(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, nil)
	event := openEvent(repo, intPtr(2))

	_, err := svc.Withdraw(context.Background(), event.ID, uuid.New())
	require.ErrorIs(t, err, ErrNotRegistered)

	participant := uuid.New()
	_, err = svc.Register(context.Background(), event.ID, participant, RegisterOptions{})
	require.NoError(t, err)

	event.Phase = models.EventPhaseActive
	repo.events[event.ID] = *event
	_, err = svc.Withdraw(context.Background(), event.ID, participant)
	require.ErrorIs(t, err, ErrEventLocked)

	_, err = svc.Withdraw(context.Background(), uuid.New(), participant)
	require.ErrorIs(t, err, ErrEventNotFound)
}

func TestDropRequiresOrganizer(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, nil)
	event := openEvent(repo, intPtr(2))
	participant := uuid.New()

	_, err := svc.Register(context.Background(), event.ID, participant, RegisterOptions{})
	require.NoError(t, err)

	_, err = svc.Drop(context.Background(), event.ID, participant, uuid.New())
	require.ErrorIs(t, err, ErrPermissionDenied)

	result, err := svc.Drop(context.Background(), event.ID, participant, event.OrganizerID)
	require.NoError(t, err)
	require.Nil(t, result.PromotedParticipantID)

	reg, err := repo.FindRegistration(context.Background(), event.ID, participant)
	require.NoError(t, err)
	require.Equal(t, models.StatusDropped, reg.Status)
}

func TestDropWorksAfterEventStarts(t *testing.T) {
	repo := newFakeRepo()
	clock := newFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	svc := newTestService(repo, clock)
	event := openEvent(repo, intPtr(1))

	participantA := uuid.New()
	participantB := uuid.New()
	for _, p := range []uuid.UUID{participantA, participantB} {
		_, err := svc.Register(context.Background(), event.ID, p, RegisterOptions{})
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	event.Phase = models.EventPhaseActive
	repo.events[event.ID] = *event

	result, err := svc.Drop(context.Background(), event.ID, participantA, event.OrganizerID)
	require.NoError(t, err)
	require.NotNil(t, result.PromotedParticipantID)
	require.Equal(t, participantB, *result.PromotedParticipantID)
}

func TestRegisterAfterDropRejoinsAtBack(t *testing.T) {
	repo := newFakeRepo()
	clock := newFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	svc := newTestService(repo, clock)
	event := openEvent(repo, intPtr(1))

	participantA := uuid.New()
	participantB := uuid.New()
	_, err := svc.Register(context.Background(), event.ID, participantA, RegisterOptions{})
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = svc.Register(context.Background(), event.ID, participantB, RegisterOptions{})
	require.NoError(t, err)
	clock.Advance(time.Second)

	_, err = svc.Drop(context.Background(), event.ID, participantA, event.OrganizerID)
	require.NoError(t, err)

	// A re-registers after the drop and lands behind B.
	clock.Advance(time.Second)
	result, err := svc.Register(context.Background(), event.ID, participantA, RegisterOptions{})
	require.NoError(t, err)
	require.Equal(t, models.StatusWaitlist, result.Status)

	regB, err := repo.FindRegistration(context.Background(), event.ID, participantB)
	require.NoError(t, err)
	require.Equal(t, models.StatusRegistered, regB.Status)
}

func TestGetStatus(t *testing.T) {
	repo := newFakeRepo()
	clock := newFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	svc := newTestService(repo, clock)
	event := openEvent(repo, intPtr(2))

	participant := uuid.New()
	_, err := svc.Register(context.Background(), event.ID, participant, RegisterOptions{})
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = svc.Register(context.Background(), event.ID, uuid.New(), RegisterOptions{})
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = svc.Register(context.Background(), event.ID, uuid.New(), RegisterOptions{})
	require.NoError(t, err)

	status, err := svc.GetStatus(context.Background(), event.ID, &participant)
	require.NoError(t, err)
	require.Equal(t, int64(2), status.Registered)
	require.Equal(t, int64(1), status.Waitlisted)
	require.True(t, status.IsRegistrationOpen)
	require.True(t, status.IsFull)
	require.NotNil(t, status.UserStatus)
	require.Equal(t, models.StatusRegistered, *status.UserStatus)

	_, err = svc.GetStatus(context.Background(), uuid.New(), nil)
	require.ErrorIs(t, err, ErrEventNotFound)
}

func TestReconcileEventRepairsBothDirections(t *testing.T) {
	repo := newFakeRepo()
	clock := newFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	svc := newTestService(repo, clock)
	event := openEvent(repo, intPtr(3))

	participants := make([]uuid.UUID, 5)
	for i := range participants {
		participants[i] = uuid.New()
		_, err := svc.Register(context.Background(), event.ID, participants[i], RegisterOptions{})
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	// Operator shrinks capacity; the hot path never sees this edit.
	event.Capacity = intPtr(2)
	repo.events[event.ID] = *event
	require.NoError(t, svc.ReconcileEvent(context.Background(), event.ID))

	active, err := repo.ListActiveRegistrations(context.Background(), event.ID)
	require.NoError(t, err)
	require.Len(t, active, 2)
	require.Equal(t, participants[0], active[0].ParticipantID)
	require.Equal(t, participants[1], active[1].ParticipantID)

	// Operator grows capacity; the earliest waitlisted fill the free slots.
	event.Capacity = intPtr(4)
	repo.events[event.ID] = *event
	require.NoError(t, svc.ReconcileEvent(context.Background(), event.ID))

	active, err = repo.ListActiveRegistrations(context.Background(), event.ID)
	require.NoError(t, err)
	require.Len(t, active, 4)
	require.Equal(t, participants[2], active[2].ParticipantID)
	require.Equal(t, participants[3], active[3].ParticipantID)
}

func TestRegisterRejectsOverlongNotes(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, nil)
	event := openEvent(repo, nil)

	notes := string(make([]byte, 501))
	_, err := svc.Register(context.Background(), event.ID, uuid.New(), RegisterOptions{Notes: &notes})
	require.ErrorIs(t, err, ErrNotesTooLong)

	// Nothing was written.
	counts, err := repo.CountRegistrationsByStatus(context.Background(), event.ID)
	require.NoError(t, err)
	require.Empty(t, counts)
}

func TestRegisterAppendsAuditEntry(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, nil)
	event := openEvent(repo, intPtr(5))

	_, err := svc.Register(context.Background(), event.ID, uuid.New(), RegisterOptions{})
	require.NoError(t, err)

	require.Len(t, repo.audits, 1)
	require.Equal(t, models.AuditRegistrationCreated, repo.audits[0].Kind)
	require.Equal(t, event.ID, repo.audits[0].EventID)
}

func TestCreateEventRejectsNegativeCapacity(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, nil)

	err := svc.CreateEvent(context.Background(), &models.Event{
		Name:        "Regional Qualifier",
		OrganizerID: uuid.New(),
		Capacity:    intPtr(-1),
		Phase:       models.EventPhaseOpen,
	})
	require.ErrorIs(t, err, ErrInvalidCapacity)
	require.Empty(t, repo.events)
}

func TestRegisterTreatsNegativeCapacityAsZero(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, nil)

	// A bad row written outside the service must not break registration.
	event := openEvent(repo, intPtr(-1))

	result, err := svc.Register(context.Background(), event.ID, uuid.New(), RegisterOptions{})
	require.NoError(t, err)
	require.Equal(t, models.StatusWaitlist, result.Status)
}

func TestReconcilePromotesWaitlistWhenCapacityRemoved(t *testing.T) {
	repo := newFakeRepo()
	clock := newFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	svc := newTestService(repo, clock)
	event := openEvent(repo, intPtr(1))

	participants := make([]uuid.UUID, 3)
	for i := range participants {
		participants[i] = uuid.New()
		_, err := svc.Register(context.Background(), event.ID, participants[i], RegisterOptions{})
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	// Operator removes the capacity bound; the worker pass must drain the
	// stranded waitlist.
	event.Capacity = nil
	repo.events[event.ID] = *event
	require.NoError(t, svc.ReconcileOpenEvents(context.Background()))

	active, err := repo.ListActiveRegistrations(context.Background(), event.ID)
	require.NoError(t, err)
	require.Len(t, active, 3)
	for _, reg := range active {
		require.Equal(t, models.StatusRegistered, reg.Status)
	}
}
