package finalize_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/victornm/echallenge/internal/clock/clocktest"
	"github.com/victornm/echallenge/internal/domain"
	"github.com/victornm/echallenge/internal/event"
	"github.com/victornm/echallenge/internal/finalize"
	"github.com/victornm/echallenge/internal/store/memory"
)

var epoch = time.Date(2024, 9, 1, 10, 0, 0, 0, time.UTC)

// seed stores an IN_PROGRESS competition with one participant per user and
// the given number of rounds.
func seed(t *testing.T, s *memory.Store, rounds int, users ...string) *domain.Competition {
	t.Helper()
	ctx := context.Background()

	c := &domain.Competition{
		CompetitionID:   "c1",
		Code:            "ABC123",
		Status:          domain.StatusWaiting,
		CreatorID:       users[0],
		ContentID:       "geo",
		RoundCount:      rounds,
		RoundTimeLimit:  60,
		MaxParticipants: len(users),
		CreateTime:      epoch,
	}
	for i, u := range users {
		c.Participants = append(c.Participants, domain.Participant{
			ParticipantID: "p-" + u,
			CompetitionID: c.CompetitionID,
			UserID:        u,
			IsReady:       true,
			JoinTime:      epoch.Add(time.Duration(i) * time.Second),
		})
	}
	require.NoError(t, s.CreateCompetition(ctx, c))

	var rs []domain.Round
	for i := 1; i <= rounds; i++ {
		rs = append(rs, domain.Round{
			RoundID:       fmt.Sprintf("r%d", i),
			CompetitionID: c.CompetitionID,
			Number:        i,
			QuestionID:    fmt.Sprintf("q%d", i),
			TimeLimit:     60,
		})
	}
	require.NoError(t, s.StartCompetition(ctx, c.CompetitionID, rs, epoch))
	ok, err := s.ActivateCompetition(ctx, c.CompetitionID, epoch)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.GetCompetition(ctx, c.CompetitionID)
	require.NoError(t, err)
	return got
}

func answer(t *testing.T, s *memory.Store, user string, round, points int, spent int64) {
	t.Helper()

	_, err := s.RecordAnswer(context.Background(), &domain.Answer{
		AnswerID:      fmt.Sprintf("a-%s-%d", user, round),
		ParticipantID: "p-" + user,
		RoundID:       fmt.Sprintf("r%d", round),
		TimeSpentMs:   spent,
		WasCorrect:    points > 0,
		PointsEarned:  points,
	})
	require.NoError(t, err)
}

type recorder struct {
	mu     sync.Mutex
	events []domain.EventCompetitionCompleted
}

func (r *recorder) handle(_ context.Context, e event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e.(domain.EventCompetitionCompleted))
	return nil
}

func newEngine(s *memory.Store) (*finalize.Engine, *event.Bus, *recorder) {
	eb := event.NewBus()
	rec := &recorder{}
	eb.Subscribe(domain.EventNameCompetitionCompleted, "test", rec.handle)

	e := finalize.NewEngine(finalize.Config{
		Store:    s,
		EventBus: eb,
		Clock:    clocktest.New(epoch.Add(time.Hour)),
	})
	return e, eb, rec
}

func TestEngine_MaybeFinalize(t *testing.T) {
	type (
		inputs struct {
			s *memory.Store
		}

		outputs struct {
			finalized bool
			err       error
			c         *domain.Competition
			events    []domain.EventCompetitionCompleted
		}
	)

	tests := map[string]struct {
		arrange func(t *testing.T) inputs
		assert  func(t *testing.T, out outputs)
	}{
		"should not finalize while a round misses answers": {
			arrange: func(t *testing.T) inputs {
				s := memory.NewStore()
				seed(t, s, 2, "alice", "bob")
				answer(t, s, "alice", 1, 150, 100)
				answer(t, s, "bob", 1, 0, 200)
				answer(t, s, "alice", 2, 100, 100)
				return inputs{s: s}
			},
			assert: func(t *testing.T, out outputs) {
				require.NoError(t, out.err)
				require.False(t, out.finalized)
				require.Equal(t, domain.StatusInProgress, out.c.Status)
				for _, p := range out.c.Participants {
					require.Nil(t, p.Position)
				}
				require.Empty(t, out.events)
			},
		},

		"should complete and rank by score": {
			arrange: func(t *testing.T) inputs {
				s := memory.NewStore()
				seed(t, s, 3, "alice", "bob")
				for r, pts := range []int{110, 100, 120} {
					answer(t, s, "alice", r+1, pts, 5000)
				}
				for r, pts := range []int{140, 140, 0} {
					answer(t, s, "bob", r+1, pts, 1000)
				}
				return inputs{s: s}
			},
			assert: func(t *testing.T, out outputs) {
				require.NoError(t, out.err)
				require.True(t, out.finalized)
				require.Equal(t, domain.StatusCompleted, out.c.Status)
				require.NotNil(t, out.c.CompletedAt)

				alice, _ := out.c.Participant("alice")
				bob, _ := out.c.Participant("bob")
				require.Equal(t, 330, alice.Score)
				require.Equal(t, 280, bob.Score)
				require.Equal(t, 1, *alice.Position)
				require.Equal(t, 2, *bob.Position)

				require.Len(t, out.events, 1)
				got := out.events[0].Competition
				require.Equal(t, domain.StatusCompleted, got.Status)
				require.Equal(t, "alice", got.Participants[0].UserID)
				require.Equal(t, "bob", got.Participants[1].UserID)
			},
		},

		"should not finalize a completed competition twice": {
			arrange: func(t *testing.T) inputs {
				s := memory.NewStore()
				seed(t, s, 1, "alice", "bob")
				answer(t, s, "alice", 1, 150, 100)
				answer(t, s, "bob", 1, 100, 100)
				ok, err := s.CompleteCompetition(context.Background(), "c1", epoch)
				require.NoError(t, err)
				require.True(t, ok)
				return inputs{s: s}
			},
			assert: func(t *testing.T, out outputs) {
				require.NoError(t, out.err)
				require.False(t, out.finalized)
				require.Empty(t, out.events)
			},
		},

		"should fail for an unknown competition": {
			arrange: func(t *testing.T) inputs {
				return inputs{s: memory.NewStore()}
			},
			assert: func(t *testing.T, out outputs) {
				require.Error(t, out.err)
				require.False(t, out.finalized)
			},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			in := tc.arrange(t)
			e, eb, rec := newEngine(in.s)

			finalized, err := e.MaybeFinalize(context.Background(), "c1")
			eb.Stop()

			c, _ := in.s.GetCompetition(context.Background(), "c1")
			tc.assert(t, outputs{finalized: finalized, err: err, c: c, events: rec.events})
		})
	}
}

func TestEngine_ConcurrentFinalizeCompletesOnce(t *testing.T) {
	users := []string{"u1", "u2", "u3", "u4", "u5"}
	s := memory.NewStore()
	seed(t, s, 2, users...)
	for i, u := range users {
		answer(t, s, u, 1, 100+i*10, 1000)
		answer(t, s, u, 2, 100, int64(2000-i))
	}

	e, eb, rec := newEngine(s)

	var completed atomic.Int32
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 50; i++ {
		g.Go(func() error {
			ok, err := e.MaybeFinalize(ctx, "c1")
			if ok {
				completed.Add(1)
			}
			return err
		})
	}
	require.NoError(t, g.Wait())
	eb.Stop()

	require.EqualValues(t, 1, completed.Load())
	require.Len(t, rec.events, 1)

	c, err := s.GetCompetition(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, c.Status)

	seen := make(map[int]bool)
	for _, p := range c.Participants {
		require.NotNil(t, p.Position)
		seen[*p.Position] = true
	}
	for pos := 1; pos <= len(users); pos++ {
		assert.True(t, seen[pos], "position %d should be assigned", pos)
	}

	winner, _ := c.Participant("u5")
	assert.Equal(t, 1, *winner.Position)
}

func TestRank(t *testing.T) {
	p := func(user string, score int, spent int64, joined time.Duration) domain.Participant {
		return domain.Participant{UserID: user, Score: score, TimeSpentMs: spent, JoinTime: epoch.Add(joined)}
	}

	tests := map[string]struct {
		in   []domain.Participant
		want []string
	}{
		"higher score first": {
			in:   []domain.Participant{p("a", 100, 0, 0), p("b", 300, 0, 0), p("c", 200, 0, 0)},
			want: []string{"b", "c", "a"},
		},
		"equal score goes to less time spent": {
			in:   []domain.Participant{p("a", 200, 9000, 0), p("b", 200, 3000, 0)},
			want: []string{"b", "a"},
		},
		"equal score and time goes to the earlier join": {
			in:   []domain.Participant{p("a", 200, 3000, time.Second), p("b", 200, 3000, 0)},
			want: []string{"b", "a"},
		},
		"full tie goes to the user id": {
			in:   []domain.Participant{p("b", 200, 3000, 0), p("a", 200, 3000, 0)},
			want: []string{"a", "b"},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			var got []string
			for _, r := range finalize.Rank(tc.in) {
				got = append(got, r.UserID)
			}
			require.Equal(t, tc.want, got)
		})
	}
}

func TestComplete(t *testing.T) {
	c := &domain.Competition{Status: domain.StatusWaiting}
	require.False(t, finalize.Complete(c), "a waiting competition has no rounds to complete")

	c = &domain.Competition{
		Status:       domain.StatusStarting,
		Participants: []domain.Participant{{ParticipantID: "p1"}},
		Rounds:       []domain.Round{{Answers: []domain.Answer{{ParticipantID: "p1"}}}},
	}
	require.True(t, finalize.Complete(c))
}
