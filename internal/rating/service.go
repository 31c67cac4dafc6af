package rating

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/victornm/echallenge/internal/clock"
	"github.com/victornm/echallenge/internal/domain"
	"github.com/victornm/echallenge/internal/errors"
	"github.com/victornm/echallenge/internal/event"
	"github.com/victornm/echallenge/internal/store"
	"github.com/victornm/echallenge/internal/telemetry"
)

// Store persists current ratings and their append-only history.
type Store interface {
	GetRating(ctx context.Context, userID string) (*domain.Rating, error)
	ListRatingChanges(ctx context.Context, userID string) ([]domain.RatingChange, error)
	UpdateRatings(ctx context.Context, competitionID string, userIDs []string, initial decimal.Decimal, update store.RatingUpdate, at time.Time) ([]domain.RatingChange, error)
}

type Config struct {
	Store   Store
	Clock   clock.Clock
	Initial decimal.Decimal
	KFactor decimal.Decimal
}

type Service struct {
	store   Store
	clock   clock.Clock
	initial decimal.Decimal
	k       decimal.Decimal
}

func NewService(c Config) *Service {
	s := &Service{
		store:   c.Store,
		clock:   c.Clock,
		initial: c.Initial,
		k:       c.KFactor,
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if !s.initial.IsPositive() {
		s.initial = decimal.NewFromInt(DefaultInitial)
	}
	if !s.k.IsPositive() {
		s.k = decimal.NewFromInt(DefaultKFactor)
	}
	return s
}

type UpdatePairRequest struct {
	CompetitionID string
	WinnerID      string
	RunnerUpID    string
}

// UpdatePair applies the Elo update to the top two finishers of a competition.
// Applying it twice for the same competition is a no-op.
func (s *Service) UpdatePair(ctx context.Context, req UpdatePairRequest) ([]domain.RatingChange, error) {
	if req.WinnerID == "" || req.RunnerUpID == "" || req.WinnerID == req.RunnerUpID {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("two distinct users are required: winner=%s runner_up=%s", req.WinnerID, req.RunnerUpID))
	}

	changes, err := s.store.UpdateRatings(ctx, req.CompetitionID, []string{req.WinnerID, req.RunnerUpID}, s.initial,
		func(current map[string]decimal.Decimal) map[string]decimal.Decimal {
			w, r := Update(current[req.WinnerID], current[req.RunnerUpID], s.k)
			return map[string]decimal.Decimal{req.WinnerID: w, req.RunnerUpID: r}
		},
		s.clock.Now(),
	)
	if stderrors.Is(err, store.ErrDuplicate) {
		telemetry.RatingUpdates.WithLabelValues("duplicate").Inc()
		slog.InfoContext(ctx, "rating: already applied", "competition", req.CompetitionID)
		return nil, nil
	}
	if err != nil {
		telemetry.RatingUpdates.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("update ratings: %w", err)
	}

	telemetry.RatingUpdates.WithLabelValues("applied").Inc()
	for _, ch := range changes {
		slog.InfoContext(ctx, "rating: updated",
			"competition", req.CompetitionID,
			"user", ch.UserID,
			"old", ch.OldValue.String(),
			"new", ch.NewValue.String(),
		)
	}
	return changes, nil
}

type GetRatingRequest struct {
	UserID string
}

type GetRatingResponse struct {
	Rating  domain.Rating
	History []domain.RatingChange
}

// GetRating returns the user's current rating, the initial rating if the user
// never finished in the top two, and the change history.
func (s *Service) GetRating(ctx context.Context, req GetRatingRequest) (*GetRatingResponse, error) {
	if req.UserID == "" {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("user id is required"))
	}

	r, err := s.store.GetRating(ctx, req.UserID)
	switch {
	case stderrors.Is(err, store.ErrNotFound):
		r = &domain.Rating{UserID: req.UserID, Value: s.initial}
	case err != nil:
		return nil, fmt.Errorf("get rating: %w", err)
	}

	history, err := s.store.ListRatingChanges(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("list rating changes: %w", err)
	}

	return &GetRatingResponse{Rating: *r, History: history}, nil
}

// HandleCompetitionCompleted updates the top two finishers' ratings.
func (s *Service) HandleCompetitionCompleted(ctx context.Context, e event.Event) error {
	ev, ok := e.(domain.EventCompetitionCompleted)
	if !ok {
		return fmt.Errorf("unexpected event %s", e.Name())
	}

	ps := ev.Competition.Participants
	if len(ps) < 2 {
		return nil
	}

	_, err := s.UpdatePair(ctx, UpdatePairRequest{
		CompetitionID: ev.Competition.CompetitionID,
		WinnerID:      ps[0].UserID,
		RunnerUpID:    ps[1].UserID,
	})
	return err
}
