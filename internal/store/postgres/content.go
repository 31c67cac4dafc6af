package postgres

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/echallenge/internal/content"
	"github.com/victornm/echallenge/internal/domain"
)

var _ content.Source = (*ContentSource)(nil)

// ContentSource reads pre-authored questions from the questions and choices tables.
type ContentSource struct {
	db *pgxpool.Pool
}

func NewContentSource(db *pgxpool.Pool) *ContentSource {
	return &ContentSource{db: db}
}

func (s *ContentSource) SelectQuestions(ctx context.Context, contentID string, n int) ([]domain.Question, error) {
	const stmt = `
SELECT question_id, content_id, text
FROM questions
WHERE content_id = $1
ORDER BY random()
LIMIT $2;`

	rows, err := s.db.Query(ctx, stmt, contentID, n)
	if err != nil {
		return nil, fmt.Errorf("select questions: %w", err)
	}
	qs, err := pgx.CollectRows(rows, scanQuestion)
	if err != nil {
		return nil, fmt.Errorf("select questions: %w", err)
	}
	if len(qs) < n {
		return nil, fmt.Errorf("content %s has %d of %d questions: %w", contentID, len(qs), n, content.ErrInsufficient)
	}

	if err := s.loadChoices(ctx, qs); err != nil {
		return nil, err
	}
	return qs, nil
}

func (s *ContentSource) GetQuestion(ctx context.Context, questionID string) (domain.Question, error) {
	rows, err := s.db.Query(ctx, `SELECT question_id, content_id, text FROM questions WHERE question_id = $1;`, questionID)
	if err != nil {
		return domain.Question{}, fmt.Errorf("get question: %w", err)
	}
	q, err := pgx.CollectExactlyOneRow(rows, scanQuestion)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return domain.Question{}, fmt.Errorf("question %s: %w", questionID, content.ErrNotFound)
	}
	if err != nil {
		return domain.Question{}, fmt.Errorf("get question: %w", err)
	}

	qs := []domain.Question{q}
	if err := s.loadChoices(ctx, qs); err != nil {
		return domain.Question{}, err
	}
	return qs[0], nil
}

// SaveQuestions upserts questions with their choices.
func (s *ContentSource) SaveQuestions(ctx context.Context, qs ...domain.Question) (err error) {
	const (
		upsQuestionStmt = `
INSERT INTO questions (question_id, content_id, text) VALUES ($1, $2, $3)
ON CONFLICT (question_id) DO UPDATE SET content_id = EXCLUDED.content_id, text = EXCLUDED.text;`
		delChoicesStmt = `DELETE FROM choices WHERE question_id = $1;`
		insChoiceStmt  = `INSERT INTO choices (choice_id, question_id, text, correct, ord) VALUES ($1, $2, $3, $4, $5);`
	)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	for _, q := range qs {
		if _, err = tx.Exec(ctx, upsQuestionStmt, q.QuestionID, q.ContentID, q.Text); err != nil {
			return fmt.Errorf("upsert question %s: %w", q.QuestionID, err)
		}
		if _, err = tx.Exec(ctx, delChoicesStmt, q.QuestionID); err != nil {
			return fmt.Errorf("delete choices of %s: %w", q.QuestionID, err)
		}
		for i, c := range q.Choices {
			if _, err = tx.Exec(ctx, insChoiceStmt, c.ChoiceID, q.QuestionID, c.Text, c.Correct, i); err != nil {
				return fmt.Errorf("insert choice %s: %w", c.ChoiceID, err)
			}
		}
	}

	return tx.Commit(ctx)
}

func (s *ContentSource) loadChoices(ctx context.Context, qs []domain.Question) error {
	const stmt = `
SELECT question_id, choice_id, text, correct
FROM choices
WHERE question_id = ANY($1)
ORDER BY question_id, ord;`

	ids := make([]string, 0, len(qs))
	index := make(map[string]int, len(qs))
	for i, q := range qs {
		ids = append(ids, q.QuestionID)
		index[q.QuestionID] = i
	}

	rows, err := s.db.Query(ctx, stmt, ids)
	if err != nil {
		return fmt.Errorf("load choices: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			qid string
			c   domain.Choice
		)
		if err := rows.Scan(&qid, &c.ChoiceID, &c.Text, &c.Correct); err != nil {
			return fmt.Errorf("scan choice: %w", err)
		}
		i := index[qid]
		qs[i].Choices = append(qs[i].Choices, c)
	}
	return rows.Err()
}

func scanQuestion(r pgx.CollectableRow) (domain.Question, error) {
	var q domain.Question
	err := r.Scan(&q.QuestionID, &q.ContentID, &q.Text)
	return q, err
}
