package ledger_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/victornm/echallenge/internal/challenge"
	"github.com/victornm/echallenge/internal/clock/clocktest"
	"github.com/victornm/echallenge/internal/content"
	"github.com/victornm/echallenge/internal/domain"
	"github.com/victornm/echallenge/internal/errors"
	"github.com/victornm/echallenge/internal/event"
	"github.com/victornm/echallenge/internal/finalize"
	"github.com/victornm/echallenge/internal/ledger"
	"github.com/victornm/echallenge/internal/rating"
	"github.com/victornm/echallenge/internal/store/memory"
)

var epoch = time.Date(2024, 9, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	clock     *clocktest.Fake
	store     *memory.Store
	eb        *event.Bus
	lifecycle *challenge.Service
	ledger    *ledger.Service
	rating    *rating.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		clock: clocktest.New(epoch),
		store: memory.NewStore(),
		eb:    event.NewBus(),
	}
	src := content.NewStaticSource(makeQuestions("geo", 3)...)

	f.lifecycle = challenge.NewService(challenge.Config{
		Store:   f.store,
		Content: src,
		Clock:   f.clock,
	})
	f.rating = rating.NewService(rating.Config{Store: f.store, Clock: f.clock})
	f.eb.Subscribe(domain.EventNameCompetitionCompleted, "rating", f.rating.HandleCompetitionCompleted)

	f.ledger = ledger.NewService(ledger.Config{
		Store:     f.store,
		Lifecycle: f.lifecycle,
		Finalizer: finalize.NewEngine(finalize.Config{Store: f.store, EventBus: f.eb, Clock: f.clock}),
		Content:   src,
		EventBus:  f.eb,
		Clock:     f.clock,
	})
	return f
}

// started returns an IN_PROGRESS competition with three 60 second rounds.
func (f *fixture) started(t *testing.T, users ...string) *domain.Competition {
	t.Helper()
	ctx := context.Background()

	c, err := f.lifecycle.Create(ctx, challenge.CreateRequest{
		Caller:          users[0],
		ContentID:       "geo",
		RoundCount:      3,
		RoundTimeLimit:  60,
		MaxParticipants: len(users),
	})
	require.NoError(t, err)

	for _, u := range users[1:] {
		_, err = f.lifecycle.Join(ctx, challenge.JoinRequest{Caller: u, Code: c.Code})
		require.NoError(t, err)
		_, err = f.lifecycle.SetReady(ctx, challenge.SetReadyRequest{Caller: u, CompetitionID: c.CompetitionID, Ready: true})
		require.NoError(t, err)
	}

	_, err = f.lifecycle.Start(ctx, challenge.StartRequest{Caller: users[0], CompetitionID: c.CompetitionID})
	require.NoError(t, err)
	f.clock.Advance(challenge.DefaultCountdown)

	c, err = f.lifecycle.GetState(ctx, challenge.GetStateRequest{CompetitionID: c.CompetitionID})
	require.NoError(t, err)
	return c
}

// choice returns the correct or a wrong choice of the round's question.
func choice(c *domain.Competition, round int, correct bool) string {
	r, _ := c.Round(round)
	if correct {
		return r.QuestionID + "-a"
	}
	return r.QuestionID + "-b"
}

func TestService_SubmitScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.started(t, "alice", "bob")

	// alice: 110 + 100 + 120 = 330, bob: 140 + 140 + 0 = 280
	plays := []struct {
		user    string
		round   int
		correct bool
		spent   int64
	}{
		{"alice", 1, true, 59_000},
		{"bob", 1, true, 56_000},
		{"alice", 2, true, 60_000},
		{"bob", 2, true, 56_000},
		{"alice", 3, true, 58_000},
		{"bob", 3, false, 1_000},
	}

	var last *ledger.SubmitResponse
	for i, p := range plays {
		resp, err := f.ledger.Submit(ctx, ledger.SubmitRequest{
			Caller:        p.user,
			CompetitionID: c.CompetitionID,
			RoundNumber:   p.round,
			ChoiceID:      choice(c, p.round, p.correct),
			TimeSpentMs:   p.spent,
		})
		require.NoError(t, err, "play %d", i)
		require.Equal(t, i == len(plays)-1, resp.Finalized, "only the last answer finalizes")
		last = resp
	}
	f.eb.Stop()

	assert.Equal(t, 280, last.Participant.Score)
	assert.Equal(t, 0, last.Answer.PointsEarned)

	c, err := f.lifecycle.GetState(ctx, challenge.GetStateRequest{CompetitionID: c.CompetitionID})
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, c.Status)

	alice, _ := c.Participant("alice")
	bob, _ := c.Participant("bob")
	require.Equal(t, 330, alice.Score)
	require.Equal(t, 280, bob.Score)
	require.Equal(t, 1, *alice.Position)
	require.Equal(t, 2, *bob.Position)

	for _, u := range []string{"alice", "bob"} {
		r, err := f.rating.GetRating(ctx, rating.GetRatingRequest{UserID: u})
		require.NoError(t, err)
		require.Len(t, r.History, 1, "rating history of %s", u)
		assert.Equal(t, c.CompetitionID, r.History[0].CompetitionID)
	}
}

func TestService_RoundsAdvance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.started(t, "alice", "bob")

	submit := func(user string) {
		_, err := f.ledger.Submit(ctx, ledger.SubmitRequest{
			Caller:        user,
			CompetitionID: c.CompetitionID,
			RoundNumber:   1,
			ChoiceID:      choice(c, 1, true),
		})
		require.NoError(t, err)
	}
	started := func(n int) bool {
		got, err := f.lifecycle.GetState(ctx, challenge.GetStateRequest{CompetitionID: c.CompetitionID})
		require.NoError(t, err)
		r, _ := got.Round(n)
		return r.StartedAt != nil
	}

	submit("alice")
	require.False(t, started(2))
	submit("bob")
	require.True(t, started(2))
}

func TestService_SubmitErrors(t *testing.T) {
	ctx := context.Background()

	tests := map[string]struct {
		arrange func(t *testing.T, f *fixture) ledger.SubmitRequest
		assert  func(t *testing.T, err error)
	}{
		"should reject a choice of another question": {
			arrange: func(t *testing.T, f *fixture) ledger.SubmitRequest {
				c := f.started(t, "alice", "bob")
				return ledger.SubmitRequest{Caller: "alice", CompetitionID: c.CompetitionID, RoundNumber: 1, ChoiceID: choice(c, 2, true)}
			},
			assert: func(t *testing.T, err error) {
				require.True(t, errors.Is(err, errors.CodeNotFound, errors.ReasonInvalidChoice), "got %v", err)
			},
		},

		"should reject an unknown round": {
			arrange: func(t *testing.T, f *fixture) ledger.SubmitRequest {
				c := f.started(t, "alice", "bob")
				return ledger.SubmitRequest{Caller: "alice", CompetitionID: c.CompetitionID, RoundNumber: 4}
			},
			assert: func(t *testing.T, err error) {
				require.True(t, errors.Is(err, errors.CodeNotFound), "got %v", err)
			},
		},

		"should reject a non participant": {
			arrange: func(t *testing.T, f *fixture) ledger.SubmitRequest {
				c := f.started(t, "alice", "bob")
				return ledger.SubmitRequest{Caller: "mallory", CompetitionID: c.CompetitionID, RoundNumber: 1}
			},
			assert: func(t *testing.T, err error) {
				require.True(t, errors.Is(err, errors.CodeNotFound), "got %v", err)
			},
		},

		"should reject an unknown competition": {
			arrange: func(t *testing.T, f *fixture) ledger.SubmitRequest {
				return ledger.SubmitRequest{Caller: "alice", CompetitionID: "missing", RoundNumber: 1}
			},
			assert: func(t *testing.T, err error) {
				require.True(t, errors.Is(err, errors.CodeNotFound), "got %v", err)
			},
		},

		"should reject answers before the countdown ends": {
			arrange: func(t *testing.T, f *fixture) ledger.SubmitRequest {
				c, err := f.lifecycle.Create(ctx, challenge.CreateRequest{Caller: "alice", ContentID: "geo", RoundCount: 1, RoundTimeLimit: 60, MaxParticipants: 2})
				require.NoError(t, err)
				_, err = f.lifecycle.Join(ctx, challenge.JoinRequest{Caller: "bob", Code: c.Code})
				require.NoError(t, err)
				_, err = f.lifecycle.SetReady(ctx, challenge.SetReadyRequest{Caller: "bob", CompetitionID: c.CompetitionID, Ready: true})
				require.NoError(t, err)
				_, err = f.lifecycle.Start(ctx, challenge.StartRequest{Caller: "alice", CompetitionID: c.CompetitionID})
				require.NoError(t, err)
				return ledger.SubmitRequest{Caller: "alice", CompetitionID: c.CompetitionID, RoundNumber: 1}
			},
			assert: func(t *testing.T, err error) {
				require.True(t, errors.Is(err, errors.CodeInvalidState), "got %v", err)
			},
		},

		"should reject negative time": {
			arrange: func(t *testing.T, f *fixture) ledger.SubmitRequest {
				c := f.started(t, "alice", "bob")
				return ledger.SubmitRequest{Caller: "alice", CompetitionID: c.CompetitionID, RoundNumber: 1, TimeSpentMs: -1}
			},
			assert: func(t *testing.T, err error) {
				require.True(t, errors.Is(err, errors.CodeInvalidArgument), "got %v", err)
			},
		},

		"should reject a missing caller": {
			arrange: func(t *testing.T, f *fixture) ledger.SubmitRequest {
				c := f.started(t, "alice", "bob")
				return ledger.SubmitRequest{CompetitionID: c.CompetitionID, RoundNumber: 1}
			},
			assert: func(t *testing.T, err error) {
				require.True(t, errors.Is(err, errors.CodeUnauthorized), "got %v", err)
			},
		},

		"should reject a second answer to the same round": {
			arrange: func(t *testing.T, f *fixture) ledger.SubmitRequest {
				c := f.started(t, "alice", "bob")
				req := ledger.SubmitRequest{Caller: "alice", CompetitionID: c.CompetitionID, RoundNumber: 1, ChoiceID: choice(c, 1, true)}
				_, err := f.ledger.Submit(ctx, req)
				require.NoError(t, err)
				return req
			},
			assert: func(t *testing.T, err error) {
				require.True(t, errors.Is(err, errors.CodeConflict, errors.ReasonAlreadyAnswered), "got %v", err)
			},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			req := tc.arrange(t, f)

			_, err := f.ledger.Submit(ctx, req)
			f.eb.Stop()

			tc.assert(t, err)
		})
	}
}

func TestService_NoAnswerPlaceholder(t *testing.T) {
	f := newFixture(t)
	c := f.started(t, "alice", "bob")

	resp, err := f.ledger.Submit(context.Background(), ledger.SubmitRequest{
		Caller:        "bob",
		CompetitionID: c.CompetitionID,
		RoundNumber:   1,
		TimeSpentMs:   60_000,
	})
	f.eb.Stop()

	require.NoError(t, err)
	require.False(t, resp.Answer.WasCorrect)
	require.Zero(t, resp.Answer.PointsEarned)
	require.Zero(t, resp.Participant.Score)
	require.EqualValues(t, 60_000, resp.Participant.TimeSpentMs)
}

func TestService_ConcurrentDuplicateSubmits(t *testing.T) {
	f := newFixture(t)
	c := f.started(t, "alice", "bob")

	var (
		accepted  atomic.Int32
		conflicts atomic.Int32
	)

	var g errgroup.Group
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			_, err := f.ledger.Submit(context.Background(), ledger.SubmitRequest{
				Caller:        "alice",
				CompetitionID: c.CompetitionID,
				RoundNumber:   1,
				ChoiceID:      choice(c, 1, true),
				TimeSpentMs:   1_000,
			})
			switch {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, errors.CodeConflict, errors.ReasonAlreadyAnswered):
				conflicts.Add(1)
			default:
				return fmt.Errorf("unexpected error: %w", err)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	f.eb.Stop()

	require.EqualValues(t, 1, accepted.Load())
	require.EqualValues(t, 19, conflicts.Load())

	got, err := f.lifecycle.GetState(context.Background(), challenge.GetStateRequest{CompetitionID: c.CompetitionID})
	require.NoError(t, err)
	alice, _ := got.Participant("alice")
	require.Equal(t, 150, alice.Score, "points are added exactly once")
}

func TestService_ConcurrentLastAnswersFinalizeOnce(t *testing.T) {
	users := []string{"u1", "u2", "u3", "u4"}
	f := newFixture(t)
	c := f.started(t, users...)

	var completed atomic.Int32
	f.eb.Subscribe(domain.EventNameCompetitionCompleted, "counter", func(context.Context, event.Event) error {
		completed.Add(1)
		return nil
	})

	for round := 1; round <= 3; round++ {
		var g errgroup.Group
		for _, u := range users {
			g.Go(func() error {
				_, err := f.ledger.Submit(context.Background(), ledger.SubmitRequest{
					Caller:        u,
					CompetitionID: c.CompetitionID,
					RoundNumber:   round,
					ChoiceID:      choice(c, round, u != "u4"),
					TimeSpentMs:   int64(len(u) * 1000),
				})
				return err
			})
		}
		require.NoError(t, g.Wait())
	}
	f.eb.Stop()

	require.EqualValues(t, 1, completed.Load())

	got, err := f.lifecycle.GetState(context.Background(), challenge.GetStateRequest{CompetitionID: c.CompetitionID})
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, got.Status)

	seen := make(map[int]bool)
	for _, p := range got.Participants {
		require.NotNil(t, p.Position)
		seen[*p.Position] = true
	}
	require.Len(t, seen, len(users))
}

// flakyFinalizer fails the first check that would complete the competition.
type flakyFinalizer struct {
	engine *finalize.Engine
	store  *memory.Store
	failed atomic.Bool
}

func (f *flakyFinalizer) MaybeFinalize(ctx context.Context, competitionID string) (bool, error) {
	c, err := f.store.GetCompetition(ctx, competitionID)
	if err != nil {
		return false, err
	}
	if finalize.Complete(c) && f.failed.CompareAndSwap(false, true) {
		return false, fmt.Errorf("connection reset")
	}
	return f.engine.MaybeFinalize(ctx, competitionID)
}

func TestService_RetriedLastAnswerCompletes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	flaky := &flakyFinalizer{
		engine: finalize.NewEngine(finalize.Config{Store: f.store, EventBus: f.eb, Clock: f.clock}),
		store:  f.store,
	}
	l := ledger.NewService(ledger.Config{
		Store:     f.store,
		Lifecycle: f.lifecycle,
		Finalizer: flaky,
		Content:   content.NewStaticSource(makeQuestions("geo", 3)...),
		EventBus:  f.eb,
		Clock:     f.clock,
	})
	c := f.started(t, "alice", "bob")

	submit := func(user string, round int) (*ledger.SubmitResponse, error) {
		return l.Submit(ctx, ledger.SubmitRequest{
			Caller:        user,
			CompetitionID: c.CompetitionID,
			RoundNumber:   round,
			ChoiceID:      choice(c, round, user == "alice"),
			TimeSpentMs:   1000,
		})
	}

	for round := 1; round <= 3; round++ {
		_, err := submit("alice", round)
		require.NoError(t, err)
	}
	for round := 1; round <= 2; round++ {
		_, err := submit("bob", round)
		require.NoError(t, err)
	}

	resp, err := submit("bob", 3)
	require.NoError(t, err, "a failed finalization check does not fail the submission")
	require.False(t, resp.Finalized)
	require.True(t, flaky.failed.Load())

	got, err := f.lifecycle.GetState(ctx, challenge.GetStateRequest{CompetitionID: c.CompetitionID})
	require.NoError(t, err)
	require.Equal(t, domain.StatusInProgress, got.Status)

	_, err = submit("bob", 3)
	require.True(t, errors.Is(err, errors.CodeConflict, errors.ReasonAlreadyAnswered), "got %v", err)

	got, err = f.lifecycle.GetState(ctx, challenge.GetStateRequest{CompetitionID: c.CompetitionID})
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, got.Status)
	alice, _ := got.Participant("alice")
	require.Equal(t, 1, *alice.Position)
}

func makeQuestions(contentID string, n int) []domain.Question {
	qs := make([]domain.Question, 0, n)
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("%s-q%d", contentID, i)
		qs = append(qs, domain.Question{
			QuestionID: id,
			ContentID:  contentID,
			Text:       fmt.Sprintf("question %d", i),
			Choices: []domain.Choice{
				{ChoiceID: id + "-a", Text: "right", Correct: true},
				{ChoiceID: id + "-b", Text: "wrong"},
			},
		})
	}
	return qs
}
