package service

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"example.com/trainers/services/registration/internal/models"
	"example.com/trainers/services/registration/internal/repository"

	"github.com/google/uuid"
)

// fakeRepo is an in-memory Repository. WithTransaction holds one mutex for the
// whole closure, which gives the same one-writer-at-a-time guarantee the real
// implementation gets from SERIALIZABLE isolation.
type fakeRepo struct {
	mu     sync.Mutex
	events map[uuid.UUID]models.Event
	regs   map[uuid.UUID]models.Registration
	rate   map[string]models.RateLimitRecord
	audits []models.AuditEntry
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		events: make(map[uuid.UUID]models.Event),
		regs:   make(map[uuid.UUID]models.Registration),
		rate:   make(map[string]models.RateLimitRecord),
	}
}

func (f *fakeRepo) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx repository.Repository) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fn(ctx, (*fakeTx)(f))
}

func (f *fakeRepo) CreateEvent(ctx context.Context, event *models.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return (*fakeTx)(f).CreateEvent(ctx, event)
}

func (f *fakeRepo) FindEventByID(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return (*fakeTx)(f).FindEventByID(ctx, id)
}

func (f *fakeRepo) ListOpenEvents(ctx context.Context) ([]models.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return (*fakeTx)(f).ListOpenEvents(ctx)
}

func (f *fakeRepo) CreateRegistration(ctx context.Context, reg *models.Registration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return (*fakeTx)(f).CreateRegistration(ctx, reg)
}

func (f *fakeRepo) SaveRegistration(ctx context.Context, reg *models.Registration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return (*fakeTx)(f).SaveRegistration(ctx, reg)
}

func (f *fakeRepo) DeleteRegistration(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return (*fakeTx)(f).DeleteRegistration(ctx, id)
}

func (f *fakeRepo) FindRegistration(ctx context.Context, eventID, participantID uuid.UUID) (*models.Registration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return (*fakeTx)(f).FindRegistration(ctx, eventID, participantID)
}

func (f *fakeRepo) ListActiveRegistrations(ctx context.Context, eventID uuid.UUID) ([]models.Registration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return (*fakeTx)(f).ListActiveRegistrations(ctx, eventID)
}

func (f *fakeRepo) FirstWaitlisted(ctx context.Context, eventID uuid.UUID) (*models.Registration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return (*fakeTx)(f).FirstWaitlisted(ctx, eventID)
}

func (f *fakeRepo) CountRegistrationsByStatus(ctx context.Context, eventID uuid.UUID) (map[models.RegistrationStatus]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return (*fakeTx)(f).CountRegistrationsByStatus(ctx, eventID)
}

func (f *fakeRepo) FindRateLimitRecord(ctx context.Context, actorID, actionKind string) (*models.RateLimitRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return (*fakeTx)(f).FindRateLimitRecord(ctx, actorID, actionKind)
}

func (f *fakeRepo) SaveRateLimitRecord(ctx context.Context, record *models.RateLimitRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return (*fakeTx)(f).SaveRateLimitRecord(ctx, record)
}

func (f *fakeRepo) DeleteExpiredRateLimitRecords(ctx context.Context, before time.Time, limit int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return (*fakeTx)(f).DeleteExpiredRateLimitRecords(ctx, before, limit)
}

func (f *fakeRepo) AppendAuditEntry(ctx context.Context, entry *models.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return (*fakeTx)(f).AppendAuditEntry(ctx, entry)
}

// fakeTx is the in-transaction view of fakeRepo: same data, no locking, since
// the transaction already holds the mutex.
type fakeTx fakeRepo

func (f *fakeTx) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx repository.Repository) error) error {
	return fn(ctx, f)
}

func (f *fakeTx) CreateEvent(ctx context.Context, event *models.Event) error {
	f.events[event.ID] = *event
	return nil
}

func (f *fakeTx) FindEventByID(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	event, ok := f.events[id]
	if !ok {
		return nil, nil
	}
	return &event, nil
}

func (f *fakeTx) ListOpenEvents(ctx context.Context) ([]models.Event, error) {
	var events []models.Event
	for _, event := range f.events {
		if event.Phase == models.EventPhaseOpen {
			events = append(events, event)
		}
	}
	return events, nil
}

func (f *fakeTx) CreateRegistration(ctx context.Context, reg *models.Registration) error {
	f.regs[reg.ID] = *reg
	return nil
}

func (f *fakeTx) SaveRegistration(ctx context.Context, reg *models.Registration) error {
	f.regs[reg.ID] = *reg
	return nil
}

func (f *fakeTx) DeleteRegistration(ctx context.Context, id uuid.UUID) error {
	delete(f.regs, id)
	return nil
}

func (f *fakeTx) FindRegistration(ctx context.Context, eventID, participantID uuid.UUID) (*models.Registration, error) {
	for _, reg := range f.regs {
		if reg.EventID == eventID && reg.ParticipantID == participantID {
			r := reg
			return &r, nil
		}
	}
	return nil, nil
}

func (f *fakeTx) ListActiveRegistrations(ctx context.Context, eventID uuid.UUID) ([]models.Registration, error) {
	var regs []models.Registration
	for _, reg := range f.regs {
		if reg.EventID == eventID && reg.IsActive() {
			regs = append(regs, reg)
		}
	}
	sortByArrival(regs)
	return regs, nil
}

func (f *fakeTx) FirstWaitlisted(ctx context.Context, eventID uuid.UUID) (*models.Registration, error) {
	var regs []models.Registration
	for _, reg := range f.regs {
		if reg.EventID == eventID && reg.Status == models.StatusWaitlist {
			regs = append(regs, reg)
		}
	}
	if len(regs) == 0 {
		return nil, nil
	}
	sortByArrival(regs)
	return &regs[0], nil
}

func (f *fakeTx) CountRegistrationsByStatus(ctx context.Context, eventID uuid.UUID) (map[models.RegistrationStatus]int64, error) {
	counts := make(map[models.RegistrationStatus]int64)
	for _, reg := range f.regs {
		if reg.EventID == eventID {
			counts[reg.Status]++
		}
	}
	return counts, nil
}

func (f *fakeTx) FindRateLimitRecord(ctx context.Context, actorID, actionKind string) (*models.RateLimitRecord, error) {
	record, ok := f.rate[actorID+"|"+actionKind]
	if !ok {
		return nil, nil
	}
	return &record, nil
}

func (f *fakeTx) SaveRateLimitRecord(ctx context.Context, record *models.RateLimitRecord) error {
	f.rate[record.ActorID+"|"+record.ActionKind] = *record
	return nil
}

func (f *fakeTx) DeleteExpiredRateLimitRecords(ctx context.Context, before time.Time, limit int) (int64, error) {
	var deleted int64
	for key, record := range f.rate {
		if deleted >= int64(limit) {
			break
		}
		if record.ExpiresAt.Before(before) {
			delete(f.rate, key)
			deleted++
		}
	}
	return deleted, nil
}

func (f *fakeTx) AppendAuditEntry(ctx context.Context, entry *models.AuditEntry) error {
	f.audits = append(f.audits, *entry)
	return nil
}

func sortByArrival(regs []models.Registration) {
	sort.Slice(regs, func(i, j int) bool {
		if regs[i].RegisteredAt.Equal(regs[j].RegisteredAt) {
			return strings.Compare(regs[i].ID.String(), regs[j].ID.String()) < 0
		}
		return regs[i].RegisteredAt.Before(regs[j].RegisteredAt)
	})
}

// fakeClock is a manually advanced clock for deterministic window tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// newTestService wires a RegistrationService to a fake repo with a fake clock.
func newTestService(repo *fakeRepo, clock *fakeClock) *RegistrationService {
	svc := NewRegistrationService(repo, nil, nil, nil, nil, nil)
	if clock != nil {
		svc.nowFn = clock.Now
	}
	return svc
}
