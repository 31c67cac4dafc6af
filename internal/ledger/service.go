package ledger

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"

	"github.com/victornm/echallenge/internal/challenge"
	"github.com/victornm/echallenge/internal/clock"
	"github.com/victornm/echallenge/internal/content"
	"github.com/victornm/echallenge/internal/domain"
	"github.com/victornm/echallenge/internal/errors"
	"github.com/victornm/echallenge/internal/event"
	"github.com/victornm/echallenge/internal/scoring"
	"github.com/victornm/echallenge/internal/store"
	"github.com/victornm/echallenge/internal/telemetry"
)

// Store is the part of the Competition Store owned by the ledger: answers and
// the participants' running totals.
type Store interface {
	RecordAnswer(ctx context.Context, a *domain.Answer) (*domain.Participant, error)
}

// Lifecycle reads the competition with its derived status and advances rounds.
type Lifecycle interface {
	GetState(ctx context.Context, req challenge.GetStateRequest) (*domain.Competition, error)
	AdvanceRound(ctx context.Context, competitionID string) error
}

// Finalizer is run after every accepted answer.
type Finalizer interface {
	MaybeFinalize(ctx context.Context, competitionID string) (bool, error)
}

type Config struct {
	Store     Store
	Lifecycle Lifecycle
	Finalizer Finalizer
	Content   content.Source
	EventBus  *event.Bus
	Clock     clock.Clock
}

// Service is the Answer Ledger.
type Service struct {
	store     Store
	lifecycle Lifecycle
	finalizer Finalizer
	content   content.Source
	eb        *event.Bus
	clock     clock.Clock
}

func NewService(c Config) *Service {
	s := &Service{
		store:     c.Store,
		lifecycle: c.Lifecycle,
		finalizer: c.Finalizer,
		content:   c.Content,
		eb:        c.EventBus,
		clock:     c.Clock,
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	return s
}

// SubmitRequest is one participant's answer to one round. An empty ChoiceID
// is the placeholder clients send when the round timer runs out.
type SubmitRequest struct {
	Caller        string
	CompetitionID string
	RoundNumber   int
	ChoiceID      string
	TimeSpentMs   int64
}

type SubmitResponse struct {
	Answer      domain.Answer
	Participant domain.Participant
	// Finalized is true if this submission completed the competition.
	Finalized bool
}

// Submit records the caller's answer for a round, scores it and adds the
// points to the caller's total. Every accepted answer triggers round
// advancement and a finalization check; failures of either are logged and
// leave the submission successful.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	if req.Caller == "" {
		return nil, errors.New(errors.CodeUnauthorized, errors.WithMessagef("caller identity is required"))
	}
	if req.TimeSpentMs < 0 {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("time spent must not be negative: %d", req.TimeSpentMs))
	}

	c, err := s.lifecycle.GetState(ctx, challenge.GetStateRequest{CompetitionID: req.CompetitionID})
	if err != nil {
		return nil, err
	}

	p, ok := c.Participant(req.Caller)
	if !ok {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("user is not a participant: competition=%s user=%s", c.CompetitionID, req.Caller))
	}
	if c.Status != domain.StatusInProgress {
		return nil, errors.New(errors.CodeInvalidState,
			errors.WithMessagef("cannot submit answers in status %s: competition=%s", c.Status, c.CompetitionID))
	}
	r, ok := c.Round(req.RoundNumber)
	if !ok {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("round not found: competition=%s round=%d", c.CompetitionID, req.RoundNumber))
	}
	if r.AnsweredBy(p.ParticipantID) {
		telemetry.Answers.WithLabelValues("duplicate").Inc()
		// A retried last answer still drives completion if the first check failed.
		s.maybeFinalize(ctx, c.CompetitionID)
		return nil, alreadyAnswered(c, req)
	}

	correct, err := s.check(ctx, r, req.ChoiceID)
	if err != nil {
		telemetry.Answers.WithLabelValues("rejected").Inc()
		return nil, err
	}

	aid, err := domain.NewID()
	if err != nil {
		return nil, err
	}

	a := domain.Answer{
		AnswerID:      aid,
		ParticipantID: p.ParticipantID,
		RoundID:       r.RoundID,
		ChoiceID:      req.ChoiceID,
		TimeSpentMs:   req.TimeSpentMs,
		WasCorrect:    correct,
		PointsEarned:  scoring.Points(correct, req.TimeSpentMs, r.TimeLimit),
		CreateTime:    s.clock.Now(),
	}

	// The store's unique (participant, round) constraint decides concurrent duplicates.
	updated, err := s.store.RecordAnswer(ctx, &a)
	if stderrors.Is(err, store.ErrDuplicate) {
		telemetry.Answers.WithLabelValues("duplicate").Inc()
		s.maybeFinalize(ctx, c.CompetitionID)
		return nil, alreadyAnswered(c, req)
	}
	if err != nil {
		return nil, fmt.Errorf("record answer: %w", err)
	}

	telemetry.Answers.WithLabelValues("accepted").Inc()
	slog.InfoContext(ctx, "ledger: answer accepted",
		"competition", c.CompetitionID,
		"user", req.Caller,
		"round", r.Number,
		"correct", correct,
		"points", a.PointsEarned,
	)

	if s.eb != nil {
		s.eb.Publish(ctx, domain.EventAnswerAccepted{
			CompetitionID: c.CompetitionID,
			Participant:   *updated,
			Answer:        a,
		})
	}

	resp := &SubmitResponse{Answer: a, Participant: *updated}

	if err := s.lifecycle.AdvanceRound(ctx, c.CompetitionID); err != nil {
		slog.WarnContext(ctx, "ledger: advance round failed", "competition", c.CompetitionID, "error", err)
	}

	resp.Finalized = s.maybeFinalize(ctx, c.CompetitionID)
	return resp, nil
}

// maybeFinalize runs the finalization check and logs failures. Any later
// submission for the competition, accepted or duplicate, checks again.
func (s *Service) maybeFinalize(ctx context.Context, competitionID string) bool {
	finalized, err := s.finalizer.MaybeFinalize(ctx, competitionID)
	if err != nil {
		slog.ErrorContext(ctx, "ledger: finalization check failed, will retry on next submission",
			"competition", competitionID,
			"error", err,
		)
	}
	return finalized
}

// check resolves the selected choice against the round's question.
func (s *Service) check(ctx context.Context, r *domain.Round, choiceID string) (bool, error) {
	if choiceID == "" {
		return false, nil
	}

	q, err := s.content.GetQuestion(ctx, r.QuestionID)
	if err != nil {
		return false, fmt.Errorf("get question %s: %w", r.QuestionID, err)
	}

	choice, ok := q.Choice(choiceID)
	if !ok {
		return false, errors.New(errors.CodeNotFound,
			errors.WithReason(errors.ReasonInvalidChoice),
			errors.WithMessagef("choice does not belong to the round's question: round=%d choice=%s", r.Number, choiceID))
	}
	return choice.Correct, nil
}

func alreadyAnswered(c *domain.Competition, req SubmitRequest) error {
	return errors.New(errors.CodeConflict,
		errors.WithReason(errors.ReasonAlreadyAnswered),
		errors.WithMessagef("answer is already submitted: competition=%s user=%s round=%d", c.CompetitionID, req.Caller, req.RoundNumber))
}
