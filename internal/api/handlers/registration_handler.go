package handlers

import (
	"net/http"
	"time"

	"example.com/trainers/services/registration/internal/models"
	"example.com/trainers/services/registration/internal/service"
	"example.com/trainers/services/registration/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// RegistrationHandler handles registration, check-in and status HTTP requests
type RegistrationHandler struct {
	svc     *service.RegistrationService
	limiter *service.RateLimitService
	tracer  tracing.Tracer
}

// NewRegistrationHandler creates a new registration handler
func NewRegistrationHandler(svc *service.RegistrationService, limiter *service.RateLimitService, tracer tracing.Tracer) *RegistrationHandler {
	return &RegistrationHandler{
		svc:     svc,
		limiter: limiter,
		tracer:  tracer,
	}
}

// statusByKind maps domain error kinds to HTTP statuses.
var statusByKind = map[string]int{
	"event_not_found":     http.StatusNotFound,
	"not_registered":      http.StatusNotFound,
	"already_registered":  http.StatusConflict,
	"already_checked_in":  http.StatusConflict,
	"not_checked_in":      http.StatusConflict,
	"registration_closed": http.StatusUnprocessableEntity,
	"deadline_passed":     http.StatusUnprocessableEntity,
	"event_locked":        http.StatusUnprocessableEntity,
	"wrong_event_phase":   http.StatusUnprocessableEntity,
	"window_not_open":     http.StatusUnprocessableEntity,
	"window_closed":       http.StatusUnprocessableEntity,
	"on_waitlist":         http.StatusUnprocessableEntity,
	"dropped":             http.StatusUnprocessableEntity,
	"notes_too_long":      http.StatusUnprocessableEntity,
	"invalid_capacity":    http.StatusUnprocessableEntity,
	"permission_denied":   http.StatusForbidden,
}

// respondError renders a business error with its machine-readable kind, and
// everything else as a generic retryable failure with the cause logged
// server-side only.
func respondError(c *gin.Context, err error) {
	var domainErr *service.DomainError
	if errors.As(err, &domainErr) {
		status, ok := statusByKind[domainErr.Kind]
		if !ok {
			status = http.StatusUnprocessableEntity
		}
		c.JSON(status, gin.H{"error_kind": domainErr.Kind, "message": domainErr.Message})
		return
	}

	log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("Request failed")
	c.JSON(http.StatusInternalServerError, gin.H{
		"error_kind": "internal",
		"message":    "something went wrong, please try again",
	})
}

// enforceRateLimit runs the sliding-window check and writes the 429 response
// itself when the attempt is rejected. It returns false when the caller must
// abort before doing any state-changing work.
func (h *RegistrationHandler) enforceRateLimit(c *gin.Context, actorID string, kind service.ActionKind) bool {
	verdict, err := h.limiter.CheckAndRecord(c.Request.Context(), actorID, kind)
	if err != nil {
		respondError(c, err)
		return false
	}
	if !verdict.Allowed {
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error_kind":     "rate_limited",
			"message":        verdict.Message,
			"current_count":  verdict.CurrentCount,
			"max_requests":   verdict.MaxRequests,
			"retry_after_ms": verdict.ResetIn.Milliseconds(),
		})
		return false
	}
	return true
}

// CreateEventRequest is the thin organizer-facing event create payload
type CreateEventRequest struct {
	Name                 string     `json:"name" binding:"required"`
	OrganizerID          uuid.UUID  `json:"organizer_id" binding:"required"`
	Capacity             *int       `json:"capacity" binding:"omitempty,min=0"`
	Phase                string     `json:"phase"`
	StartTime            *time.Time `json:"start_time"`
	RegistrationDeadline *time.Time `json:"registration_deadline"`
	CheckInWindowMinutes *int       `json:"check_in_window_minutes"`
}

// CreateEvent handles POST /events
func (h *RegistrationHandler) CreateEvent(c *gin.Context) {
	var req CreateEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error_kind": "invalid_request", "message": err.Error()})
		return
	}

	event := &models.Event{
		Name:                 req.Name,
		OrganizerID:          req.OrganizerID,
		Capacity:             req.Capacity,
		Phase:                models.EventPhase(req.Phase),
		StartTime:            req.StartTime,
		RegistrationDeadline: req.RegistrationDeadline,
		CheckInWindowMinutes: req.CheckInWindowMinutes,
	}
	if err := h.svc.CreateEvent(c.Request.Context(), event); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, event)
}

// RegisterRequest is the registration attempt payload
type RegisterRequest struct {
	ParticipantID uuid.UUID `json:"participant_id" binding:"required"`
	RosterRef     *string   `json:"roster_ref"`
	Notes         *string   `json:"notes" binding:"omitempty,max=500"`
}

// Register handles POST /events/:id/registrations
func (h *RegistrationHandler) Register(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-register")
	defer h.tracer.EndTransaction(txn)

	eventID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error_kind": "invalid_request", "message": "invalid event id"})
		return
	}

	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error_kind": "invalid_request", "message": err.Error()})
		return
	}

	// The rate limit gate short-circuits before any state-changing work.
	if !h.enforceRateLimit(c, req.ParticipantID.String(), service.ActionRegistrationAttempt) {
		return
	}

	h.tracer.AddAttribute(txn, "event_id", eventID.String())
	result, err := h.svc.Register(c.Request.Context(), eventID, req.ParticipantID, service.RegisterOptions{
		RosterRef: req.RosterRef,
		Notes:     req.Notes,
	})
	if err != nil {
		h.tracer.RecordError(txn, err)
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"registration_id": result.RegistrationID,
		"status":          result.Status,
	})
}

// Withdraw handles DELETE /events/:id/registrations/:participantID
func (h *RegistrationHandler) Withdraw(c *gin.Context) {
	eventID, participantID, ok := pathIDs(c)
	if !ok {
		return
	}

	result, err := h.svc.Withdraw(c.Request.Context(), eventID, participantID)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := gin.H{"success": true}
	if result.PromotedParticipantID != nil {
		resp["promoted_participant_id"] = result.PromotedParticipantID
	}
	c.JSON(http.StatusOK, resp)
}

// Drop handles POST /events/:id/registrations/:participantID/drop. The acting
// organizer is identified by the X-Actor-ID header set by the session layer.
func (h *RegistrationHandler) Drop(c *gin.Context) {
	eventID, participantID, ok := pathIDs(c)
	if !ok {
		return
	}

	actorID, err := uuid.Parse(c.GetHeader("X-Actor-ID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error_kind": "invalid_request", "message": "missing or invalid X-Actor-ID header"})
		return
	}

	result, err := h.svc.Drop(c.Request.Context(), eventID, participantID, actorID)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := gin.H{"success": true}
	if result.PromotedParticipantID != nil {
		resp["promoted_participant_id"] = result.PromotedParticipantID
	}
	c.JSON(http.StatusOK, resp)
}

// CheckIn handles POST /events/:id/registrations/:participantID/checkin
func (h *RegistrationHandler) CheckIn(c *gin.Context) {
	eventID, participantID, ok := pathIDs(c)
	if !ok {
		return
	}

	if !h.enforceRateLimit(c, participantID.String(), service.ActionCheckInAttempt) {
		return
	}

	if err := h.svc.CheckIn(c.Request.Context(), eventID, participantID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// UndoCheckIn handles DELETE /events/:id/registrations/:participantID/checkin
func (h *RegistrationHandler) UndoCheckIn(c *gin.Context) {
	eventID, participantID, ok := pathIDs(c)
	if !ok {
		return
	}

	if err := h.svc.UndoCheckIn(c.Request.Context(), eventID, participantID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// GetStatus handles GET /events/:id/status
func (h *RegistrationHandler) GetStatus(c *gin.Context) {
	eventID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error_kind": "invalid_request", "message": "invalid event id"})
		return
	}

	var participantID *uuid.UUID
	if raw := c.Query("participant_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error_kind": "invalid_request", "message": "invalid participant id"})
			return
		}
		participantID = &id
	}

	status, err := h.svc.GetStatus(c.Request.Context(), eventID, participantID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func pathIDs(c *gin.Context) (uuid.UUID, uuid.UUID, bool) {
	eventID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error_kind": "invalid_request", "message": "invalid event id"})
		return uuid.Nil, uuid.Nil, false
	}
	participantID, err := uuid.Parse(c.Param("participantID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error_kind": "invalid_request", "message": "invalid participant id"})
		return uuid.Nil, uuid.Nil, false
	}
	return eventID, participantID, true
}

// RegisterRoutes registers the handler's routes
func (h *RegistrationHandler) RegisterRoutes(router *gin.Engine) {
	router.POST("/events", h.CreateEvent)
	router.GET("/events/:id/status", h.GetStatus)
	router.POST("/events/:id/registrations", h.Register)
	router.DELETE("/events/:id/registrations/:participantID", h.Withdraw)
	router.POST("/events/:id/registrations/:participantID/drop", h.Drop)
	router.POST("/events/:id/registrations/:participantID/checkin", h.CheckIn)
	router.DELETE("/events/:id/registrations/:participantID/checkin", h.UndoCheckIn)
}
