package memory_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/victornm/echallenge/internal/domain"
	"github.com/victornm/echallenge/internal/store"
	"github.com/victornm/echallenge/internal/store/memory"
)

var now = time.Date(2024, 9, 1, 10, 0, 0, 0, time.UTC)

func makeCompetition(id string, maxParticipants int) *domain.Competition {
	return &domain.Competition{
		CompetitionID:   id,
		Code:            "CODE-" + id,
		Status:          domain.StatusWaiting,
		CreatorID:       "alice",
		ContentID:       "geo",
		RoundCount:      2,
		RoundTimeLimit:  30,
		MaxParticipants: maxParticipants,
		CreateTime:      now,
		Participants: []domain.Participant{
			{ParticipantID: id + "-alice", CompetitionID: id, UserID: "alice", IsReady: true, JoinTime: now},
		},
	}
}

func makeRounds(id string) []domain.Round {
	return []domain.Round{
		{RoundID: id + "-r1", CompetitionID: id, Number: 1, QuestionID: "q1", TimeLimit: 30},
		{RoundID: id + "-r2", CompetitionID: id, Number: 2, QuestionID: "q2", TimeLimit: 30},
	}
}

func TestStore_Lobby(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()

	require.NoError(t, s.CreateCompetition(ctx, makeCompetition("c1", 2)))

	dup := makeCompetition("c2", 2)
	dup.Code = "CODE-c1"
	require.ErrorIs(t, s.CreateCompetition(ctx, dup), store.ErrDuplicate)

	c, err := s.GetCompetitionByCode(ctx, "CODE-c1")
	require.NoError(t, err)
	require.Equal(t, "c1", c.CompetitionID)

	bob := &domain.Participant{ParticipantID: "c1-bob", CompetitionID: "c1", UserID: "bob", JoinTime: now}
	require.NoError(t, s.AddParticipant(ctx, bob))
	require.ErrorIs(t, s.AddParticipant(ctx, bob), store.ErrDuplicate)

	carol := &domain.Participant{ParticipantID: "c1-carol", CompetitionID: "c1", UserID: "carol", JoinTime: now}
	require.ErrorIs(t, s.AddParticipant(ctx, carol), store.ErrFull)

	require.NoError(t, s.SetReady(ctx, "c1", "bob", true))
	require.ErrorIs(t, s.SetReady(ctx, "c1", "carol", true), store.ErrNotFound)

	require.NoError(t, s.RemoveParticipant(ctx, "c1", "bob"))
	require.NoError(t, s.AddParticipant(ctx, carol), "a slot frees up after leaving")

	require.NoError(t, s.CancelCompetition(ctx, "c1", now))
	require.ErrorIs(t, s.CancelCompetition(ctx, "c1", now), store.ErrStatusChanged)
	require.ErrorIs(t, s.AddParticipant(ctx, bob), store.ErrStatusChanged)

	_, err = s.GetCompetition(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_GetCompetitionReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	require.NoError(t, s.CreateCompetition(ctx, makeCompetition("c1", 2)))

	c, err := s.GetCompetition(ctx, "c1")
	require.NoError(t, err)
	c.Status = domain.StatusCompleted
	c.Participants[0].Score = 100

	c, err = s.GetCompetition(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusWaiting, c.Status)
	require.Zero(t, c.Participants[0].Score)
}

func TestStore_ListCompetitions(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()

	for i := 0; i < 3; i++ {
		c := makeCompetition(fmt.Sprintf("c%d", i), 2)
		c.CreateTime = now.Add(time.Duration(i) * time.Minute)
		c.IsPrivate = i == 1
		expires := now.Add(time.Duration(i+1) * time.Hour)
		c.ExpiresAt = &expires
		require.NoError(t, s.CreateCompetition(ctx, c))
	}

	tests := map[string]struct {
		filter store.ListFilter
		want   []string
	}{
		"all newest first": {
			want: []string{"c2", "c1", "c0"},
		},
		"public only": {
			filter: store.ListFilter{PublicOnly: true},
			want:   []string{"c2", "c0"},
		},
		"join window closed": {
			filter: store.ListFilter{ActiveAt: now.Add(90 * time.Minute)},
			want:   []string{"c2", "c1"},
		},
		"limit": {
			filter: store.ListFilter{Limit: 1},
			want:   []string{"c2"},
		},
		"status": {
			filter: store.ListFilter{Status: domain.StatusInProgress},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			cs, err := s.ListCompetitions(ctx, tc.filter)
			require.NoError(t, err)

			var ids []string
			for _, c := range cs {
				ids = append(ids, c.CompetitionID)
			}
			require.Equal(t, tc.want, ids)
		})
	}
}

func TestStore_Transitions(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	require.NoError(t, s.CreateCompetition(ctx, makeCompetition("c1", 2)))

	ok, err := s.ActivateCompetition(ctx, "c1", now)
	require.NoError(t, err)
	require.False(t, ok, "a waiting competition cannot be activated")

	require.NoError(t, s.StartCompetition(ctx, "c1", makeRounds("c1"), now))
	require.ErrorIs(t, s.StartCompetition(ctx, "c1", makeRounds("c1"), now), store.ErrStatusChanged)

	started := now.Add(3 * time.Second)
	var (
		eg        errgroup.Group
		activated = make(chan bool, 10)
	)
	for i := 0; i < 10; i++ {
		eg.Go(func() error {
			ok, err := s.ActivateCompetition(ctx, "c1", started)
			activated <- ok
			return err
		})
	}
	require.NoError(t, eg.Wait())
	close(activated)

	wins := 0
	for ok := range activated {
		if ok {
			wins++
		}
	}
	require.Equal(t, 1, wins)

	c, err := s.GetCompetition(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusInProgress, c.Status)
	require.Equal(t, started, *c.Rounds[0].StartedAt)
	require.Nil(t, c.Rounds[1].StartedAt)

	ok, err = s.StartRound(ctx, "c1-r2", started.Add(time.Second))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.StartRound(ctx, "c1-r2", started.Add(2*time.Second))
	require.NoError(t, err)
	require.False(t, ok, "round start time is set once")

	ok, err = s.CompleteCompetition(ctx, "c1", now)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.CompleteCompetition(ctx, "c1", now)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStore_RecordAnswer(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	require.NoError(t, s.CreateCompetition(ctx, makeCompetition("c1", 2)))
	require.NoError(t, s.StartCompetition(ctx, "c1", makeRounds("c1"), now))

	answer := func(round string, points int) *domain.Answer {
		return &domain.Answer{
			AnswerID:      "a-" + round,
			ParticipantID: "c1-alice",
			RoundID:       round,
			ChoiceID:      "x",
			TimeSpentMs:   1000,
			WasCorrect:    points > 0,
			PointsEarned:  points,
			CreateTime:    now,
		}
	}

	p, err := s.RecordAnswer(ctx, answer("c1-r1", 150))
	require.NoError(t, err)
	require.Equal(t, 150, p.Score)

	_, err = s.RecordAnswer(ctx, answer("c1-r1", 150))
	require.ErrorIs(t, err, store.ErrDuplicate)

	p, err = s.RecordAnswer(ctx, answer("c1-r2", 120))
	require.NoError(t, err)
	require.Equal(t, 270, p.Score)
	require.EqualValues(t, 2000, p.TimeSpentMs)

	_, err = s.RecordAnswer(ctx, answer("missing", 0))
	require.ErrorIs(t, err, store.ErrNotFound)

	stranger := answer("c1-r1", 0)
	stranger.ParticipantID = "c9-bob"
	_, err = s.RecordAnswer(ctx, stranger)
	require.ErrorIs(t, err, store.ErrNotFound)

	n, err := s.SetPositions(ctx, map[string]int{"c1-alice": 1})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = s.SetPositions(ctx, map[string]int{"c1-alice": 1})
	require.NoError(t, err)
	require.Zero(t, n, "unchanged positions are skipped")
}

func TestStore_UpdateRatings(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore()
	initial := decimal.NewFromInt(1200)

	plus := func(d int64) store.RatingUpdate {
		return func(current map[string]decimal.Decimal) map[string]decimal.Decimal {
			next := make(map[string]decimal.Decimal, len(current))
			for u, v := range current {
				next[u] = v.Add(decimal.NewFromInt(d))
			}
			return next
		}
	}

	changes, err := s.UpdateRatings(ctx, "c1", []string{"alice", "bob"}, initial, plus(10), now)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	require.True(t, changes[0].OldValue.Equal(initial))

	_, err = s.UpdateRatings(ctx, "c1", []string{"alice"}, initial, plus(10), now)
	require.ErrorIs(t, err, store.ErrDuplicate)

	_, err = s.UpdateRatings(ctx, "c2", []string{"alice"}, initial, plus(5), now)
	require.NoError(t, err)

	r, err := s.GetRating(ctx, "alice")
	require.NoError(t, err)
	require.True(t, r.Value.Equal(decimal.NewFromInt(1215)), r.Value.String())

	history, err := s.ListRatingChanges(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, history, 2)

	_, err = s.GetRating(ctx, "carol")
	require.ErrorIs(t, err, store.ErrNotFound)
}
