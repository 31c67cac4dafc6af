// Package content is the engine's view of the external question store.
package content

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/victornm/echallenge/internal/domain"
)

var (
	ErrNotFound     = errors.New("content: not found")
	ErrInsufficient = errors.New("content: insufficient questions")
)

// Source provides pre-authored questions with a correctness marker per choice.
type Source interface {
	// SelectQuestions picks n distinct questions of the content at random.
	// Returns ErrInsufficient when fewer than n exist.
	SelectQuestions(ctx context.Context, contentID string, n int) ([]domain.Question, error)
	GetQuestion(ctx context.Context, questionID string) (domain.Question, error)
}

// StaticSource is a Source backed by an in-memory list (useful for tests/demos).
type StaticSource struct {
	mu        sync.RWMutex
	questions map[string]domain.Question
	byContent map[string][]string
	shuffle   func(n int, swap func(i, j int))
}

func NewStaticSource(questions ...domain.Question) *StaticSource {
	s := &StaticSource{
		questions: make(map[string]domain.Question),
		byContent: make(map[string][]string),
		shuffle:   rand.Shuffle,
	}
	s.Add(questions...)
	return s
}

// Add registers questions, replacing any with the same ID.
func (s *StaticSource) Add(questions ...domain.Question) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, q := range questions {
		if _, ok := s.questions[q.QuestionID]; !ok {
			s.byContent[q.ContentID] = append(s.byContent[q.ContentID], q.QuestionID)
		}
		s.questions[q.QuestionID] = q
	}
}

func (s *StaticSource) SelectQuestions(_ context.Context, contentID string, n int) ([]domain.Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := append([]string(nil), s.byContent[contentID]...)
	if len(ids) < n {
		return nil, fmt.Errorf("content %s has %d questions, need %d: %w", contentID, len(ids), n, ErrInsufficient)
	}

	sort.Strings(ids)
	s.shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })

	out := make([]domain.Question, 0, n)
	for _, id := range ids[:n] {
		out = append(out, s.questions[id])
	}
	return out, nil
}

func (s *StaticSource) GetQuestion(_ context.Context, questionID string) (domain.Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.questions[questionID]
	if !ok {
		return domain.Question{}, fmt.Errorf("question %s: %w", questionID, ErrNotFound)
	}
	return q, nil
}
