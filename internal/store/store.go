// Package store defines the Competition Store contract shared by the memory and
// Postgres implementations. Race-freedom of the engine rests on the guarantees
// listed here: unique rows, conditional status writes and atomic increments.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/victornm/echallenge/internal/domain"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrDuplicate     = errors.New("store: duplicate")
	ErrFull          = errors.New("store: competition full")
	ErrStatusChanged = errors.New("store: status changed")
)

// ListFilter selects competitions for the lobby.
type ListFilter struct {
	Status     domain.Status
	PublicOnly bool
	// ActiveAt excludes competitions whose join window closed before it. Zero disables the check.
	ActiveAt time.Time
	Limit    int
}

// RatingUpdate computes new ratings from the current ones, keyed by user ID.
type RatingUpdate func(current map[string]decimal.Decimal) map[string]decimal.Decimal

type Store interface {
	// CreateCompetition inserts the competition and its initial participants.
	// Returns ErrDuplicate when the join code is taken.
	CreateCompetition(ctx context.Context, c *domain.Competition) error
	// GetCompetition loads the full graph: participants by join time, rounds by
	// number, answers by creation time.
	GetCompetition(ctx context.Context, competitionID string) (*domain.Competition, error)
	GetCompetitionByCode(ctx context.Context, code string) (*domain.Competition, error)
	// ListCompetitions returns competitions with their participants, newest first.
	ListCompetitions(ctx context.Context, f ListFilter) ([]domain.Competition, error)

	// AddParticipant atomically checks status (ErrStatusChanged), capacity
	// (ErrFull) and membership (ErrDuplicate) before inserting.
	AddParticipant(ctx context.Context, p *domain.Participant) error
	SetReady(ctx context.Context, competitionID, userID string, ready bool) error
	RemoveParticipant(ctx context.Context, competitionID, userID string) error

	// CancelCompetition moves WAITING to CANCELLED.
	CancelCompetition(ctx context.Context, competitionID string, at time.Time) error
	// StartCompetition moves WAITING to STARTING and inserts the rounds in one step.
	StartCompetition(ctx context.Context, competitionID string, rounds []domain.Round, startingAt time.Time) error
	// ActivateCompetition moves STARTING to IN_PROGRESS and starts round 1.
	// Reports false if the competition was not STARTING.
	ActivateCompetition(ctx context.Context, competitionID string, at time.Time) (bool, error)
	// StartRound sets the round's start time unless it is already set.
	StartRound(ctx context.Context, roundID string, at time.Time) (bool, error)

	// RecordAnswer inserts the answer and increments the participant's score and
	// time spent in one transaction. Returns ErrDuplicate for a second answer to
	// the same round and the participant's updated totals otherwise.
	RecordAnswer(ctx context.Context, a *domain.Answer) (*domain.Participant, error)
	// SetPositions writes positions keyed by participant ID, skipping unchanged ones.
	SetPositions(ctx context.Context, positions map[string]int) (int, error)
	// CompleteCompetition moves STARTING or IN_PROGRESS to COMPLETED.
	// Reports false if another caller already did.
	CompleteCompetition(ctx context.Context, competitionID string, at time.Time) (bool, error)

	GetRating(ctx context.Context, userID string) (*domain.Rating, error)
	ListRatingChanges(ctx context.Context, userID string) ([]domain.RatingChange, error)
	// UpdateRatings locks the users' ratings, applies update and appends one
	// history entry per user. Users without a rating start at initial.
	// Returns ErrDuplicate if the competition was already applied for any user.
	UpdateRatings(ctx context.Context, competitionID string, userIDs []string, initial decimal.Decimal, update RatingUpdate, at time.Time) ([]domain.RatingChange, error)
}
