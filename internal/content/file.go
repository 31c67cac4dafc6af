package content

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/victornm/echallenge/internal/domain"
)

// ReadQuestions decodes a JSON array of questions and checks that every
// question has exactly one correct choice.
func ReadQuestions(r io.Reader) ([]domain.Question, error) {
	var qs []domain.Question
	if err := json.NewDecoder(r).Decode(&qs); err != nil {
		return nil, fmt.Errorf("content: decode questions: %w", err)
	}

	seen := make(map[string]bool, len(qs))
	for _, q := range qs {
		if q.QuestionID == "" || q.ContentID == "" {
			return nil, fmt.Errorf("content: question %q: id and content id are required", q.QuestionID)
		}
		if seen[q.QuestionID] {
			return nil, fmt.Errorf("content: question %q: duplicate id", q.QuestionID)
		}
		seen[q.QuestionID] = true

		correct := 0
		for _, c := range q.Choices {
			if c.Correct {
				correct++
			}
		}
		if correct != 1 {
			return nil, fmt.Errorf("content: question %q: want one correct choice, got %d", q.QuestionID, correct)
		}
	}

	return qs, nil
}

func ReadQuestionsFile(path string) ([]domain.Question, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("content: %w", err)
	}
	defer f.Close()

	return ReadQuestions(f)
}
