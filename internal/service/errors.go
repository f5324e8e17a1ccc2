package service

// DomainError is an expected, user-facing business-rule failure. The kind is
// machine-readable so the transport layer can map it without string matching.
type DomainError struct {
	Kind    string
	Message string
}

func (e *DomainError) Error() string {
	return e.Message
}

// Sentinel domain errors. Services return these directly (or wrapped), and
// callers compare with errors.Is / errors.As.
var (
	ErrEventNotFound      = &DomainError{Kind: "event_not_found", Message: "event not found"}
	ErrRegistrationClosed = &DomainError{Kind: "registration_closed", Message: "event is not open for registration"}
	ErrDeadlinePassed     = &DomainError{Kind: "deadline_passed", Message: "the registration deadline has passed"}
	ErrAlreadyRegistered  = &DomainError{Kind: "already_registered", Message: "you already have a slot in this event"}
	ErrNotRegistered      = &DomainError{Kind: "not_registered", Message: "no registration found (it may have been withdrawn)"}
	ErrEventLocked        = &DomainError{Kind: "event_locked", Message: "the event has started and no longer allows withdrawal"}
	ErrPermissionDenied   = &DomainError{Kind: "permission_denied", Message: "only the event organizer can drop participants"}
	ErrAlreadyCheckedIn   = &DomainError{Kind: "already_checked_in", Message: "you are already checked in"}
	ErrOnWaitlist         = &DomainError{Kind: "on_waitlist", Message: "you are on the waitlist and cannot check in"}
	ErrDropped            = &DomainError{Kind: "dropped", Message: "you were dropped from this event"}
	ErrWrongEventPhase    = &DomainError{Kind: "wrong_event_phase", Message: "the event is not accepting check-ins in its current phase"}
	ErrWindowNotOpen      = &DomainError{Kind: "window_not_open", Message: "the check-in window has not opened yet"}
	ErrWindowClosed       = &DomainError{Kind: "window_closed", Message: "the check-in window has closed"}
	ErrNotCheckedIn       = &DomainError{Kind: "not_checked_in", Message: "you are not checked in"}
	ErrNotesTooLong       = &DomainError{Kind: "notes_too_long", Message: "notes cannot exceed 500 characters"}
	ErrInvalidCapacity    = &DomainError{Kind: "invalid_capacity", Message: "capacity cannot be negative"}
)
