package finalize

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/victornm/echallenge/internal/clock"
	"github.com/victornm/echallenge/internal/domain"
	"github.com/victornm/echallenge/internal/event"
	"github.com/victornm/echallenge/internal/telemetry"
)

// Store is the part of the Competition Store owned by finalization:
// participant positions and the transition to COMPLETED.
type Store interface {
	GetCompetition(ctx context.Context, competitionID string) (*domain.Competition, error)
	SetPositions(ctx context.Context, positions map[string]int) (int, error)
	CompleteCompetition(ctx context.Context, competitionID string, at time.Time) (bool, error)
}

type Config struct {
	Store    Store
	EventBus *event.Bus
	Clock    clock.Clock
}

// Engine detects completed competitions and ranks their participants. It is
// invoked after every accepted answer, concurrently and redundantly.
type Engine struct {
	store Store
	eb    *event.Bus
	clock clock.Clock
}

func NewEngine(c Config) *Engine {
	e := &Engine{
		store: c.Store,
		eb:    c.EventBus,
		clock: c.Clock,
	}
	if e.clock == nil {
		e.clock = clock.Real()
	}
	return e
}

// MaybeFinalize completes the competition if every round has an answer from
// every participant. It reports true only to the one caller that performed the
// COMPLETED transition; only that caller publishes the completion event.
func (e *Engine) MaybeFinalize(ctx context.Context, competitionID string) (bool, error) {
	c, err := e.store.GetCompetition(ctx, competitionID)
	if err != nil {
		telemetry.Finalizations.WithLabelValues("error").Inc()
		return false, fmt.Errorf("load competition: %w", err)
	}

	if !Complete(c) {
		telemetry.Finalizations.WithLabelValues("pending").Inc()
		return false, nil
	}

	ranked := Rank(c.Participants)
	positions := make(map[string]int, len(ranked))
	for i := range ranked {
		pos := i + 1
		ranked[i].Position = &pos
		positions[ranked[i].ParticipantID] = pos
	}

	written, err := e.store.SetPositions(ctx, positions)
	if err != nil {
		telemetry.Finalizations.WithLabelValues("error").Inc()
		return false, fmt.Errorf("set positions: %w", err)
	}

	now := e.clock.Now()
	ok, err := e.store.CompleteCompetition(ctx, competitionID, now)
	if err != nil {
		telemetry.Finalizations.WithLabelValues("error").Inc()
		return false, fmt.Errorf("complete competition: %w", err)
	}
	if !ok {
		telemetry.Finalizations.WithLabelValues("lost").Inc()
		return false, nil
	}

	telemetry.Finalizations.WithLabelValues("completed").Inc()
	telemetry.Transitions.WithLabelValues(string(domain.StatusCompleted)).Inc()
	slog.InfoContext(ctx, "finalize: competition completed",
		"competition", competitionID,
		"participants", len(ranked),
		"positions_written", written,
		"winner", ranked[0].UserID,
	)

	c.Status = domain.StatusCompleted
	c.CompletedAt = &now
	c.ExpiresAt = nil
	c.Participants = ranked

	if e.eb != nil {
		e.eb.Publish(ctx, domain.EventCompetitionCompleted{Competition: *c})
	}
	return true, nil
}

// Complete reports whether a started competition has an answer from every
// current participant in every round.
func Complete(c *domain.Competition) bool {
	if c.Status != domain.StatusStarting && c.Status != domain.StatusInProgress {
		return false
	}
	if len(c.Rounds) == 0 || len(c.Participants) == 0 {
		return false
	}
	for _, r := range c.Rounds {
		if len(r.Answers) < len(c.Participants) {
			return false
		}
	}
	return true
}

// Rank orders participants by score descending. Ties go to the lower
// cumulative time, then the earlier join, then the user ID.
func Rank(participants []domain.Participant) []domain.Participant {
	out := make([]domain.Participant, len(participants))
	copy(out, participants)

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch {
		case a.Score != b.Score:
			return a.Score > b.Score
		case a.TimeSpentMs != b.TimeSpentMs:
			return a.TimeSpentMs < b.TimeSpentMs
		case !a.JoinTime.Equal(b.JoinTime):
			return a.JoinTime.Before(b.JoinTime)
		default:
			return a.UserID < b.UserID
		}
	})
	return out
}
