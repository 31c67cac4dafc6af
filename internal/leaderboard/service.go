package leaderboard

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/echallenge/internal/domain"
	"github.com/victornm/echallenge/internal/errors"
	"github.com/victornm/echallenge/internal/event"
)

const DefaultTTL = 24 * time.Hour

type Config struct {
	EventBus *event.Bus
	Redis    redis.UniversalClient
	Prefix   string
	TTL      time.Duration
}

// Leaderboard is the live standing of a competition, highest score first.
// Final positions are decided by finalization, not by this view.
type Leaderboard struct {
	CompetitionID string
	Entries       []Entry
}

type Entry struct {
	UserID string
	Score  int
}

type Service struct {
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewService(c Config) *Service {
	s := &Service{
		redis:  c.Redis,
		prefix: c.Prefix,
		ttl:    c.TTL,
	}
	if s.ttl <= 0 {
		s.ttl = DefaultTTL
	}

	if c.EventBus != nil {
		c.EventBus.Subscribe(domain.EventNameAnswerAccepted, "leaderboard", func(ctx context.Context, e event.Event) error {
			return s.UpdateLeaderboard(ctx, e.(domain.EventAnswerAccepted))
		})
	}

	return s
}

type GetLeaderboardRequest struct {
	CompetitionID string
}

// GetLeaderboard returns the running totals of every participant who answered at least once.
func (s *Service) GetLeaderboard(ctx context.Context, req GetLeaderboardRequest) (*Leaderboard, error) {
	res, err := s.redis.ZRevRangeWithScores(ctx, s.getLeaderboardKey(req.CompetitionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get leaderboard: %w", err)
	}

	if len(res) == 0 {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("leaderboard not found: competition=%s", req.CompetitionID))
	}

	entries := make([]Entry, 0, len(res))
	for _, z := range res {
		entries = append(entries, Entry{
			UserID: z.Member.(string),
			Score:  int(z.Score),
		})
	}

	return &Leaderboard{
		CompetitionID: req.CompetitionID,
		Entries:       entries,
	}, nil
}

// UpdateLeaderboard records the participant's running total. Totals only grow,
// so a late event never overwrites a newer one.
func (s *Service) UpdateLeaderboard(ctx context.Context, e domain.EventAnswerAccepted) error {
	key := s.getLeaderboardKey(e.CompetitionID)

	_, err := s.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAddArgs(ctx, key, redis.ZAddArgs{
			GT: true,
			Members: []redis.Z{{
				Score:  float64(e.Participant.Score),
				Member: e.Participant.UserID,
			}},
		})
		p.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("update leaderboard: %w", err)
	}
	return nil
}

func (s *Service) getLeaderboardKey(competition string) string {
	return fmt.Sprintf("%s:%s:leaderboard", s.prefix, competition)
}
