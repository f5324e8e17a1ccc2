package service

import (
	"context"
	"fmt"
	"time"

	"example.com/trainers/services/registration/internal/metrics"
	"example.com/trainers/services/registration/internal/models"
	"example.com/trainers/services/registration/internal/repository"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ActionKind identifies a rate-limited operation.
type ActionKind string

const (
	ActionRegistrationAttempt ActionKind = "registration_attempt"
	ActionCheckInAttempt      ActionKind = "checkin_attempt"
	ActionResultReport        ActionKind = "result_report"
)

// ActionConfig is the compiled per-action rate limit configuration.
type ActionConfig struct {
	MaxRequests int
	Window      time.Duration
	Description string
}

// actionConfigs is the full table of recognized action kinds. An unknown kind
// is a programming error, not a runtime condition.
var actionConfigs = map[ActionKind]ActionConfig{
	ActionRegistrationAttempt: {MaxRequests: 10, Window: time.Minute, Description: "event registration attempts"},
	ActionCheckInAttempt:      {MaxRequests: 10, Window: time.Minute, Description: "check-in attempts"},
	ActionResultReport:        {MaxRequests: 20, Window: time.Minute, Description: "match result reports"},
}

// ConfigFor returns the configuration for a known action kind and panics on an
// unknown one.
func ConfigFor(kind ActionKind) ActionConfig {
	cfg, ok := actionConfigs[kind]
	if !ok {
		panic(fmt.Sprintf("unknown rate limit action kind %q", kind))
	}
	return cfg
}

// Verdict is the outcome of a single rate limit check.
type Verdict struct {
	Allowed      bool
	CurrentCount int
	MaxRequests  int
	ResetIn      time.Duration
	Message      string
}

// RateLimitService implements sliding-window rate limiting over persisted
// per-actor counters.
type RateLimitService struct {
	repo    repository.Repository
	metrics *metrics.Metrics
	nowFn   func() time.Time
}

// NewRateLimitService creates a new rate limit service
func NewRateLimitService(repo repository.Repository, metricsCollector *metrics.Metrics) *RateLimitService {
	return &RateLimitService{
		repo:    repo,
		metrics: metricsCollector,
		nowFn:   time.Now,
	}
}

// CheckAndRecord checks one attempt against the actor's sliding window and, on
// success, records it. A rejected attempt leaves the stored record untouched.
func (s *RateLimitService) CheckAndRecord(ctx context.Context, actorID string, kind ActionKind) (*Verdict, error) {
	cfg := ConfigFor(kind)
	now := s.nowFn()

	var verdict *Verdict
	err := s.repo.WithTransaction(ctx, func(ctx context.Context, tx repository.Repository) error {
		record, err := tx.FindRateLimitRecord(ctx, actorID, string(kind))
		if err != nil {
			return err
		}

		if record == nil {
			record = &models.RateLimitRecord{
				ID:         uuid.New(),
				ActorID:    actorID,
				ActionKind: string(kind),
			}
		}

		stamps, err := record.Timestamps()
		if err != nil {
			return err
		}

		// The stored list is the evolving window: drop everything at or
		// before now - window, then count what remains.
		kept := slideWindow(stamps, now, cfg.Window)
		if len(kept) >= cfg.MaxRequests {
			resetMs := kept[0] + cfg.Window.Milliseconds() - now.UnixMilli()
			if resetMs < 0 {
				resetMs = 0
			}
			resetIn := time.Duration(resetMs) * time.Millisecond
			verdict = &Verdict{
				Allowed:      false,
				CurrentCount: len(kept),
				MaxRequests:  cfg.MaxRequests,
				ResetIn:      resetIn,
				Message: fmt.Sprintf("Too many %s. Retry in %d seconds.",
					cfg.Description, int(resetIn.Seconds())+1),
			}
			// The rejected attempt is not counted and the record is not
			// rewritten.
			return nil
		}

		kept = append(kept, now.UnixMilli())
		// Storage never needs more than maxRequests entries; older ones are
		// filtered out at read time anyway.
		if len(kept) > cfg.MaxRequests {
			kept = kept[len(kept)-cfg.MaxRequests:]
		}
		if err := record.SetTimestamps(kept); err != nil {
			return err
		}
		record.WindowStart = now.Add(-cfg.Window)
		record.ExpiresAt = now.Add(cfg.Window)

		if err := tx.SaveRateLimitRecord(ctx, record); err != nil {
			return err
		}

		verdict = &Verdict{
			Allowed:      true,
			CurrentCount: len(kept),
			MaxRequests:  cfg.MaxRequests,
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to check rate limit")
	}

	if !verdict.Allowed && s.metrics != nil {
		s.metrics.IncrCounter(metrics.CounterRateLimitRejections)
	}
	return verdict, nil
}

// SweepExpired deletes up to batch expired rate limit records. It is garbage
// collection only; the hot path has no correctness dependency on it.
func (s *RateLimitService) SweepExpired(ctx context.Context, batch int) (int64, error) {
	deleted, err := s.repo.DeleteExpiredRateLimitRecords(ctx, s.nowFn(), batch)
	if err != nil {
		return 0, errors.Wrap(err, "failed to sweep expired rate limit records")
	}
	if deleted > 0 {
		log.Info().Int64("deleted", deleted).Msg("Swept expired rate limit records")
	}
	return deleted, nil
}

// slideWindow returns the timestamps still inside the window ending at now.
// Input is ordered oldest first and stays ordered.
func slideWindow(stamps []int64, now time.Time, window time.Duration) []int64 {
	cutoff := now.Add(-window).UnixMilli()
	kept := make([]int64, 0, len(stamps))
	for _, ts := range stamps {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}
	return kept
}
