// Package memory is an in-process Competition Store. A single mutex plays the
// role of the database's row locks and unique indexes, so the services see the
// same conflict behaviour as with Postgres.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/victornm/echallenge/internal/domain"
	"github.com/victornm/echallenge/internal/store"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	mu sync.Mutex

	competitions map[string]*domain.Competition
	codes        map[string]string // code -> competition
	participants map[string]string // participant -> competition
	rounds       map[string]string // round -> competition

	ratings map[string]domain.Rating
	history map[string][]domain.RatingChange
	applied map[string]struct{} // user|competition
}

func NewStore() *Store {
	return &Store{
		competitions: make(map[string]*domain.Competition),
		codes:        make(map[string]string),
		participants: make(map[string]string),
		rounds:       make(map[string]string),
		ratings:      make(map[string]domain.Rating),
		history:      make(map[string][]domain.RatingChange),
		applied:      make(map[string]struct{}),
	}
}

func (s *Store) CreateCompetition(_ context.Context, c *domain.Competition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.codes[c.Code]; ok {
		return fmt.Errorf("code %s: %w", c.Code, store.ErrDuplicate)
	}
	if _, ok := s.competitions[c.CompetitionID]; ok {
		return fmt.Errorf("competition %s: %w", c.CompetitionID, store.ErrDuplicate)
	}

	cc := cloneCompetition(c)
	s.competitions[c.CompetitionID] = cc
	s.codes[c.Code] = c.CompetitionID
	for _, p := range cc.Participants {
		s.participants[p.ParticipantID] = c.CompetitionID
	}
	return nil
}

func (s *Store) GetCompetition(_ context.Context, competitionID string) (*domain.Competition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.competitions[competitionID]
	if !ok {
		return nil, fmt.Errorf("competition %s: %w", competitionID, store.ErrNotFound)
	}
	return cloneCompetition(c), nil
}

func (s *Store) GetCompetitionByCode(ctx context.Context, code string) (*domain.Competition, error) {
	s.mu.Lock()
	id, ok := s.codes[code]
	s.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("code %s: %w", code, store.ErrNotFound)
	}
	return s.GetCompetition(ctx, id)
}

func (s *Store) ListCompetitions(_ context.Context, f store.ListFilter) ([]domain.Competition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Competition
	for _, c := range s.competitions {
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if f.PublicOnly && c.IsPrivate {
			continue
		}
		if !f.ActiveAt.IsZero() && c.ExpiresAt != nil && !c.ExpiresAt.After(f.ActiveAt) {
			continue
		}
		cc := cloneCompetition(c)
		cc.Rounds = nil
		out = append(out, *cc)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreateTime.After(out[j].CreateTime)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) AddParticipant(_ context.Context, p *domain.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.competitions[p.CompetitionID]
	if !ok {
		return fmt.Errorf("competition %s: %w", p.CompetitionID, store.ErrNotFound)
	}
	if c.Status != domain.StatusWaiting {
		return fmt.Errorf("competition %s is %s: %w", c.CompetitionID, c.Status, store.ErrStatusChanged)
	}
	if _, ok := c.Participant(p.UserID); ok {
		return fmt.Errorf("participant %s: %w", p.UserID, store.ErrDuplicate)
	}
	if len(c.Participants) >= c.MaxParticipants {
		return fmt.Errorf("competition %s: %w", c.CompetitionID, store.ErrFull)
	}

	c.Participants = append(c.Participants, *p)
	s.participants[p.ParticipantID] = c.CompetitionID
	return nil
}

func (s *Store) SetReady(_ context.Context, competitionID, userID string, ready bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.waiting(competitionID)
	if err != nil {
		return err
	}
	p, ok := c.Participant(userID)
	if !ok {
		return fmt.Errorf("participant %s: %w", userID, store.ErrNotFound)
	}
	p.IsReady = ready
	return nil
}

func (s *Store) RemoveParticipant(_ context.Context, competitionID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.waiting(competitionID)
	if err != nil {
		return err
	}
	for i, p := range c.Participants {
		if p.UserID == userID {
			c.Participants = append(c.Participants[:i], c.Participants[i+1:]...)
			delete(s.participants, p.ParticipantID)
			return nil
		}
	}
	return fmt.Errorf("participant %s: %w", userID, store.ErrNotFound)
}

func (s *Store) CancelCompetition(_ context.Context, competitionID string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.waiting(competitionID)
	if err != nil {
		return err
	}
	c.Status = domain.StatusCancelled
	c.ExpiresAt = nil
	return nil
}

func (s *Store) StartCompetition(_ context.Context, competitionID string, rounds []domain.Round, startingAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.waiting(competitionID)
	if err != nil {
		return err
	}

	c.Status = domain.StatusStarting
	c.ExpiresAt = nil
	c.StartingAt = &startingAt
	c.Rounds = make([]domain.Round, 0, len(rounds))
	for _, r := range rounds {
		r.Answers = nil
		c.Rounds = append(c.Rounds, r)
		s.rounds[r.RoundID] = competitionID
	}
	return nil
}

func (s *Store) ActivateCompetition(_ context.Context, competitionID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.competitions[competitionID]
	if !ok {
		return false, fmt.Errorf("competition %s: %w", competitionID, store.ErrNotFound)
	}
	if c.Status != domain.StatusStarting {
		return false, nil
	}

	c.Status = domain.StatusInProgress
	if r, ok := c.Round(1); ok && r.StartedAt == nil {
		r.StartedAt = &at
	}
	return true, nil
}

func (s *Store) StartRound(_ context.Context, roundID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.round(roundID)
	if err != nil {
		return false, err
	}
	if r.StartedAt != nil {
		return false, nil
	}
	r.StartedAt = &at
	return true, nil
}

func (s *Store) RecordAnswer(_ context.Context, a *domain.Answer) (*domain.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.round(a.RoundID)
	if err != nil {
		return nil, err
	}
	if r.AnsweredBy(a.ParticipantID) {
		return nil, fmt.Errorf("answer %s/%s: %w", a.ParticipantID, a.RoundID, store.ErrDuplicate)
	}

	cid, ok := s.participants[a.ParticipantID]
	if !ok || cid != r.CompetitionID {
		return nil, fmt.Errorf("participant %s: %w", a.ParticipantID, store.ErrNotFound)
	}
	p := s.participant(a.ParticipantID)

	r.Answers = append(r.Answers, *a)
	p.Score += a.PointsEarned
	p.TimeSpentMs += a.TimeSpentMs

	out := *p
	return &out, nil
}

func (s *Store) SetPositions(_ context.Context, positions map[string]int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, pos := range positions {
		p := s.participant(id)
		if p == nil {
			return n, fmt.Errorf("participant %s: %w", id, store.ErrNotFound)
		}
		if p.Position != nil && *p.Position == pos {
			continue
		}
		pos := pos
		p.Position = &pos
		n++
	}
	return n, nil
}

func (s *Store) CompleteCompetition(_ context.Context, competitionID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.competitions[competitionID]
	if !ok {
		return false, fmt.Errorf("competition %s: %w", competitionID, store.ErrNotFound)
	}
	if c.Status != domain.StatusStarting && c.Status != domain.StatusInProgress {
		return false, nil
	}
	c.Status = domain.StatusCompleted
	c.CompletedAt = &at
	return true, nil
}

func (s *Store) GetRating(_ context.Context, userID string) (*domain.Rating, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.ratings[userID]
	if !ok {
		return nil, fmt.Errorf("rating %s: %w", userID, store.ErrNotFound)
	}
	return &r, nil
}

func (s *Store) ListRatingChanges(_ context.Context, userID string) ([]domain.RatingChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]domain.RatingChange(nil), s.history[userID]...), nil
}

func (s *Store) UpdateRatings(_ context.Context, competitionID string, userIDs []string, initial decimal.Decimal, update store.RatingUpdate, at time.Time) ([]domain.RatingChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := make(map[string]decimal.Decimal, len(userIDs))
	for _, u := range userIDs {
		if _, ok := s.applied[u+"|"+competitionID]; ok {
			return nil, fmt.Errorf("rating %s for competition %s: %w", u, competitionID, store.ErrDuplicate)
		}
		current[u] = initial
		if r, ok := s.ratings[u]; ok {
			current[u] = r.Value
		}
	}

	next := update(current)

	changes := make([]domain.RatingChange, 0, len(userIDs))
	for _, u := range userIDs {
		nv, ok := next[u]
		if !ok {
			continue
		}
		ch := domain.RatingChange{
			UserID:        u,
			CompetitionID: competitionID,
			OldValue:      current[u],
			NewValue:      nv,
			CreateTime:    at,
		}
		s.ratings[u] = domain.Rating{UserID: u, Value: nv, UpdateTime: at}
		s.history[u] = append(s.history[u], ch)
		s.applied[u+"|"+competitionID] = struct{}{}
		changes = append(changes, ch)
	}
	return changes, nil
}

func (s *Store) waiting(competitionID string) (*domain.Competition, error) {
	c, ok := s.competitions[competitionID]
	if !ok {
		return nil, fmt.Errorf("competition %s: %w", competitionID, store.ErrNotFound)
	}
	if c.Status != domain.StatusWaiting {
		return nil, fmt.Errorf("competition %s is %s: %w", competitionID, c.Status, store.ErrStatusChanged)
	}
	return c, nil
}

func (s *Store) round(roundID string) (*domain.Round, error) {
	cid, ok := s.rounds[roundID]
	if !ok {
		return nil, fmt.Errorf("round %s: %w", roundID, store.ErrNotFound)
	}
	c := s.competitions[cid]
	for i := range c.Rounds {
		if c.Rounds[i].RoundID == roundID {
			return &c.Rounds[i], nil
		}
	}
	return nil, fmt.Errorf("round %s: %w", roundID, store.ErrNotFound)
}

func (s *Store) participant(participantID string) *domain.Participant {
	cid, ok := s.participants[participantID]
	if !ok {
		return nil
	}
	c := s.competitions[cid]
	for i := range c.Participants {
		if c.Participants[i].ParticipantID == participantID {
			return &c.Participants[i]
		}
	}
	return nil
}

func cloneCompetition(c *domain.Competition) *domain.Competition {
	cc := *c
	cc.ExpiresAt = cloneTime(c.ExpiresAt)
	cc.StartingAt = cloneTime(c.StartingAt)
	cc.CompletedAt = cloneTime(c.CompletedAt)

	cc.Participants = make([]domain.Participant, len(c.Participants))
	for i, p := range c.Participants {
		if p.Position != nil {
			pos := *p.Position
			p.Position = &pos
		}
		cc.Participants[i] = p
	}

	cc.Rounds = make([]domain.Round, len(c.Rounds))
	for i, r := range c.Rounds {
		r.StartedAt = cloneTime(r.StartedAt)
		r.Answers = append([]domain.Answer(nil), r.Answers...)
		cc.Rounds[i] = r
	}
	return &cc
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	tt := *t
	return &tt
}
