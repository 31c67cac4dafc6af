// Package postgres is the authoritative Competition Store. Every race between
// concurrent requests is settled here: unique indexes reject duplicate
// answers, memberships and rating applications, status changes are
// conditional updates, and totals are incremented in place.
package postgres

import (
	"context"
	stderrors "errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/victornm/echallenge/internal/domain"
	"github.com/victornm/echallenge/internal/store"
)

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
	codeInvalidText         = "22P02"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// translate maps constraint violations to the store's sentinel errors.
func translate(err error, what string) error {
	var pgErr *pgconn.PgError
	switch {
	case err == nil:
		return nil
	case stderrors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	case stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation:
		return fmt.Errorf("%s: %w: %s", what, store.ErrDuplicate, pgErr.ConstraintName)
	case stderrors.As(err, &pgErr) && (pgErr.Code == codeForeignKeyViolation || pgErr.Code == codeInvalidText):
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	default:
		return fmt.Errorf("%s: %w", what, err)
	}
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// snapshot is used for reads that must see one consistent state of a
// competition graph, such as the answers and the totals they produced.
var snapshot = pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}

// inTx runs fn in a transaction, rolling back if fn or the commit fails.
func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return s.inTxOptions(ctx, pgx.TxOptions{}, fn)
}

func (s *Store) inTxOptions(ctx context.Context, opts pgx.TxOptions, fn func(tx pgx.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) CreateCompetition(ctx context.Context, c *domain.Competition) error {
	const (
		insCompetitionStmt = `
INSERT INTO competitions (competition_id, code, status, creator_id, content_id, round_count, round_time_limit,
                          max_participants, is_private, expires_at, create_time)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11);`
		insParticipantStmt = `
INSERT INTO participants (participant_id, competition_id, user_id, is_ready, join_time)
VALUES ($1, $2, $3, $4, $5);`
	)

	return s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, insCompetitionStmt,
			c.CompetitionID, c.Code, c.Status, c.CreatorID, c.ContentID, c.RoundCount, c.RoundTimeLimit,
			c.MaxParticipants, c.IsPrivate, c.ExpiresAt, c.CreateTime)
		if err != nil {
			return translate(err, "insert competition")
		}

		for _, p := range c.Participants {
			_, err = tx.Exec(ctx, insParticipantStmt, p.ParticipantID, c.CompetitionID, p.UserID, p.IsReady, p.JoinTime)
			if err != nil {
				return translate(err, "insert participant")
			}
		}
		return nil
	})
}

const selectCompetition = `
SELECT competition_id, code, status, creator_id, content_id, round_count, round_time_limit, max_participants,
       is_private, expires_at, starting_at, completed_at, create_time
FROM competitions`

func scanCompetition(r pgx.CollectableRow) (domain.Competition, error) {
	var c domain.Competition
	err := r.Scan(&c.CompetitionID, &c.Code, &c.Status, &c.CreatorID, &c.ContentID, &c.RoundCount, &c.RoundTimeLimit,
		&c.MaxParticipants, &c.IsPrivate, &c.ExpiresAt, &c.StartingAt, &c.CompletedAt, &c.CreateTime)
	return c, err
}

// GetCompetition reads the whole graph in one repeatable-read snapshot so the
// participant totals always agree with the answers returned alongside them.
func (s *Store) GetCompetition(ctx context.Context, competitionID string) (*domain.Competition, error) {
	var c domain.Competition
	err := s.inTxOptions(ctx, snapshot, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, selectCompetition+` WHERE competition_id = $1;`, competitionID)
		if err != nil {
			return translate(err, "get competition")
		}
		c, err = pgx.CollectExactlyOneRow(rows, scanCompetition)
		if err != nil {
			return translate(err, "competition "+competitionID)
		}

		ps, err := listParticipants(ctx, tx, []string{competitionID})
		if err != nil {
			return err
		}
		c.Participants = ps[competitionID]

		c.Rounds, err = listRounds(ctx, tx, competitionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) GetCompetitionByCode(ctx context.Context, code string) (*domain.Competition, error) {
	var id string
	err := s.db.QueryRow(ctx, `SELECT competition_id FROM competitions WHERE code = $1;`, code).Scan(&id)
	if err != nil {
		return nil, translate(err, "code "+code)
	}
	return s.GetCompetition(ctx, id)
}

func (s *Store) ListCompetitions(ctx context.Context, f store.ListFilter) ([]domain.Competition, error) {
	const stmt = selectCompetition + `
WHERE ($1 = '' OR status = $1)
  AND (NOT $2 OR NOT is_private)
  AND ($3::timestamptz IS NULL OR expires_at IS NULL OR expires_at > $3)
ORDER BY create_time DESC
LIMIT $4;`

	var (
		activeAt *time.Time
		limit    *int
	)
	if !f.ActiveAt.IsZero() {
		activeAt = &f.ActiveAt
	}
	if f.Limit > 0 {
		limit = &f.Limit
	}

	rows, err := s.db.Query(ctx, stmt, string(f.Status), f.PublicOnly, activeAt, limit)
	if err != nil {
		return nil, translate(err, "list competitions")
	}
	cs, err := pgx.CollectRows(rows, scanCompetition)
	if err != nil {
		return nil, translate(err, "list competitions")
	}
	if len(cs) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(cs))
	for _, c := range cs {
		ids = append(ids, c.CompetitionID)
	}
	ps, err := listParticipants(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	for i := range cs {
		cs[i].Participants = ps[cs[i].CompetitionID]
	}
	return cs, nil
}

func listParticipants(ctx context.Context, q querier, competitionIDs []string) (map[string][]domain.Participant, error) {
	const stmt = `
SELECT participant_id, competition_id, user_id, is_ready, score, time_spent_ms, position, join_time
FROM participants
WHERE competition_id = ANY($1)
ORDER BY join_time, user_id;`

	rows, err := q.Query(ctx, stmt, competitionIDs)
	if err != nil {
		return nil, translate(err, "list participants")
	}
	ps, err := pgx.CollectRows(rows, scanParticipant)
	if err != nil {
		return nil, translate(err, "list participants")
	}

	out := make(map[string][]domain.Participant, len(competitionIDs))
	for _, p := range ps {
		out[p.CompetitionID] = append(out[p.CompetitionID], p)
	}
	return out, nil
}

func scanParticipant(r pgx.CollectableRow) (domain.Participant, error) {
	var p domain.Participant
	err := r.Scan(&p.ParticipantID, &p.CompetitionID, &p.UserID, &p.IsReady, &p.Score, &p.TimeSpentMs, &p.Position, &p.JoinTime)
	return p, err
}

func listRounds(ctx context.Context, q querier, competitionID string) ([]domain.Round, error) {
	const (
		roundsStmt = `
SELECT round_id, competition_id, number, question_id, time_limit, started_at
FROM rounds
WHERE competition_id = $1
ORDER BY number;`
		answersStmt = `
SELECT a.answer_id, a.participant_id, a.round_id, a.choice_id, a.time_spent_ms, a.was_correct, a.points_earned, a.create_time
FROM answers a
JOIN rounds r ON r.round_id = a.round_id
WHERE r.competition_id = $1
ORDER BY a.create_time, a.answer_id;`
	)

	rows, err := q.Query(ctx, roundsStmt, competitionID)
	if err != nil {
		return nil, translate(err, "list rounds")
	}
	rounds, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Round, error) {
		var rd domain.Round
		err := r.Scan(&rd.RoundID, &rd.CompetitionID, &rd.Number, &rd.QuestionID, &rd.TimeLimit, &rd.StartedAt)
		return rd, err
	})
	if err != nil {
		return nil, translate(err, "list rounds")
	}
	if len(rounds) == 0 {
		return nil, nil
	}

	rows, err = q.Query(ctx, answersStmt, competitionID)
	if err != nil {
		return nil, translate(err, "list answers")
	}
	answers, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Answer, error) {
		var a domain.Answer
		err := r.Scan(&a.AnswerID, &a.ParticipantID, &a.RoundID, &a.ChoiceID, &a.TimeSpentMs, &a.WasCorrect, &a.PointsEarned, &a.CreateTime)
		return a, err
	})
	if err != nil {
		return nil, translate(err, "list answers")
	}

	index := make(map[string]int, len(rounds))
	for i, r := range rounds {
		index[r.RoundID] = i
	}
	for _, a := range answers {
		i := index[a.RoundID]
		rounds[i].Answers = append(rounds[i].Answers, a)
	}
	return rounds, nil
}

// lockWaiting locks the competition row for a membership change. Joins,
// leaves, readiness and start serialize on this lock.
func lockWaiting(ctx context.Context, tx pgx.Tx, competitionID string) (maxParticipants int, err error) {
	var status domain.Status
	err = tx.QueryRow(ctx, `SELECT status, max_participants FROM competitions WHERE competition_id = $1 FOR UPDATE;`, competitionID).
		Scan(&status, &maxParticipants)
	if err != nil {
		return 0, translate(err, "competition "+competitionID)
	}
	if status != domain.StatusWaiting {
		return 0, fmt.Errorf("competition %s is %s: %w", competitionID, status, store.ErrStatusChanged)
	}
	return maxParticipants, nil
}

func (s *Store) AddParticipant(ctx context.Context, p *domain.Participant) error {
	const insStmt = `
INSERT INTO participants (participant_id, competition_id, user_id, is_ready, join_time)
VALUES ($1, $2, $3, $4, $5);`

	return s.inTx(ctx, func(tx pgx.Tx) error {
		capacity, err := lockWaiting(ctx, tx, p.CompetitionID)
		if err != nil {
			return err
		}

		var (
			count  int
			joined bool
		)
		err = tx.QueryRow(ctx, `SELECT COUNT(*), COALESCE(BOOL_OR(user_id = $2), FALSE) FROM participants WHERE competition_id = $1;`,
			p.CompetitionID, p.UserID).Scan(&count, &joined)
		if err != nil {
			return translate(err, "count participants")
		}
		if joined {
			return fmt.Errorf("participant %s: %w", p.UserID, store.ErrDuplicate)
		}
		if count >= capacity {
			return fmt.Errorf("competition %s: %w", p.CompetitionID, store.ErrFull)
		}

		_, err = tx.Exec(ctx, insStmt, p.ParticipantID, p.CompetitionID, p.UserID, p.IsReady, p.JoinTime)
		return translate(err, "insert participant")
	})
}

func (s *Store) SetReady(ctx context.Context, competitionID, userID string, ready bool) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := lockWaiting(ctx, tx, competitionID); err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `UPDATE participants SET is_ready = $3 WHERE competition_id = $1 AND user_id = $2;`,
			competitionID, userID, ready)
		if err != nil {
			return translate(err, "set ready")
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("participant %s: %w", userID, store.ErrNotFound)
		}
		return nil
	})
}

func (s *Store) RemoveParticipant(ctx context.Context, competitionID, userID string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := lockWaiting(ctx, tx, competitionID); err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `DELETE FROM participants WHERE competition_id = $1 AND user_id = $2;`, competitionID, userID)
		if err != nil {
			return translate(err, "remove participant")
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("participant %s: %w", userID, store.ErrNotFound)
		}
		return nil
	})
}

func (s *Store) CancelCompetition(ctx context.Context, competitionID string, at time.Time) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := lockWaiting(ctx, tx, competitionID); err != nil {
			return err
		}

		_, err := tx.Exec(ctx, `UPDATE competitions SET status = $2, expires_at = NULL, completed_at = $3 WHERE competition_id = $1;`,
			competitionID, domain.StatusCancelled, at)
		return translate(err, "cancel competition")
	})
}

func (s *Store) StartCompetition(ctx context.Context, competitionID string, rounds []domain.Round, startingAt time.Time) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := lockWaiting(ctx, tx, competitionID); err != nil {
			return err
		}

		_, err := tx.Exec(ctx, `UPDATE competitions SET status = $2, expires_at = NULL, starting_at = $3 WHERE competition_id = $1;`,
			competitionID, domain.StatusStarting, startingAt)
		if err != nil {
			return translate(err, "start competition")
		}

		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"rounds"},
			[]string{"round_id", "competition_id", "number", "question_id", "time_limit"},
			pgx.CopyFromSlice(len(rounds), func(i int) ([]any, error) {
				r := rounds[i]
				return []any{r.RoundID, competitionID, r.Number, r.QuestionID, r.TimeLimit}, nil
			}),
		)
		return translate(err, "insert rounds")
	})
}

// exists distinguishes "condition not met" from "no such row" after a
// conditional update touched nothing.
func (s *Store) exists(ctx context.Context, stmt, id string) error {
	var ok bool
	if err := s.db.QueryRow(ctx, stmt, id).Scan(&ok); err != nil {
		return translate(err, id)
	}
	if !ok {
		return fmt.Errorf("%s: %w", id, store.ErrNotFound)
	}
	return nil
}

const (
	competitionExists = `SELECT EXISTS (SELECT 1 FROM competitions WHERE competition_id = $1);`
	roundExists       = `SELECT EXISTS (SELECT 1 FROM rounds WHERE round_id = $1);`
)

func (s *Store) ActivateCompetition(ctx context.Context, competitionID string, at time.Time) (bool, error) {
	var activated bool
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE competitions SET status = $2 WHERE competition_id = $1 AND status = $3;`,
			competitionID, domain.StatusInProgress, domain.StatusStarting)
		if err != nil {
			return translate(err, "activate competition")
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		_, err = tx.Exec(ctx, `UPDATE rounds SET started_at = $2 WHERE competition_id = $1 AND number = 1 AND started_at IS NULL;`,
			competitionID, at)
		if err != nil {
			return translate(err, "start first round")
		}
		activated = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if !activated {
		return false, s.exists(ctx, competitionExists, competitionID)
	}
	return true, nil
}

func (s *Store) StartRound(ctx context.Context, roundID string, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `UPDATE rounds SET started_at = $2 WHERE round_id = $1 AND started_at IS NULL;`, roundID, at)
	if err != nil {
		return false, translate(err, "start round")
	}
	if tag.RowsAffected() == 0 {
		return false, s.exists(ctx, roundExists, roundID)
	}
	return true, nil
}

// RecordAnswer inserts the answer and adds its points to the participant's
// totals in one transaction. The unique (participant_id, round_id) index
// rejects the loser of concurrent duplicate submissions.
func (s *Store) RecordAnswer(ctx context.Context, a *domain.Answer) (*domain.Participant, error) {
	const (
		insStmt = `
INSERT INTO answers (answer_id, participant_id, round_id, choice_id, time_spent_ms, was_correct, points_earned, create_time)
SELECT $1, p.participant_id, r.round_id, $4, $5, $6, $7, $8
FROM participants p
JOIN rounds r ON r.competition_id = p.competition_id
WHERE p.participant_id = $2 AND r.round_id = $3;`
		incStmt = `
UPDATE participants
SET score = score + $2, time_spent_ms = time_spent_ms + $3
WHERE participant_id = $1
RETURNING participant_id, competition_id, user_id, is_ready, score, time_spent_ms, position, join_time;`
	)

	var p domain.Participant
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, insStmt,
			a.AnswerID, a.ParticipantID, a.RoundID, a.ChoiceID, a.TimeSpentMs, a.WasCorrect, a.PointsEarned, a.CreateTime)
		if err != nil {
			return translate(err, fmt.Sprintf("answer %s/%s", a.ParticipantID, a.RoundID))
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("participant %s in round %s: %w", a.ParticipantID, a.RoundID, store.ErrNotFound)
		}

		rows, err := tx.Query(ctx, incStmt, a.ParticipantID, a.PointsEarned, a.TimeSpentMs)
		if err != nil {
			return translate(err, "increment totals")
		}
		p, err = pgx.CollectExactlyOneRow(rows, scanParticipant)
		return translate(err, "increment totals")
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// SetPositions writes only positions that differ from the stored ones.
func (s *Store) SetPositions(ctx context.Context, positions map[string]int) (int, error) {
	const stmt = `UPDATE participants SET position = $2 WHERE participant_id = $1 AND position IS DISTINCT FROM $2;`

	var written int
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		// Lock in a stable order so concurrent finalizations cannot deadlock.
		ids := make([]string, 0, len(positions))
		for id := range positions {
			ids = append(ids, id)
		}
		slices.Sort(ids)

		batch := &pgx.Batch{}
		for _, id := range ids {
			batch.Queue(stmt, id, positions[id])
		}

		br := tx.SendBatch(ctx, batch)
		for range ids {
			tag, err := br.Exec()
			if err != nil {
				_ = br.Close()
				return translate(err, "set position")
			}
			written += int(tag.RowsAffected())
		}
		return br.Close()
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

func (s *Store) CompleteCompetition(ctx context.Context, competitionID string, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE competitions
SET status = $2, completed_at = $3, expires_at = NULL
WHERE competition_id = $1 AND status IN ($4, $5);`,
		competitionID, domain.StatusCompleted, at, domain.StatusStarting, domain.StatusInProgress)
	if err != nil {
		return false, translate(err, "complete competition")
	}
	if tag.RowsAffected() == 0 {
		return false, s.exists(ctx, competitionExists, competitionID)
	}
	return true, nil
}

func (s *Store) GetRating(ctx context.Context, userID string) (*domain.Rating, error) {
	r := domain.Rating{UserID: userID}
	err := s.db.QueryRow(ctx, `SELECT value, update_time FROM ratings WHERE user_id = $1;`, userID).Scan(&r.Value, &r.UpdateTime)
	if err != nil {
		return nil, translate(err, "rating "+userID)
	}
	return &r, nil
}

func (s *Store) ListRatingChanges(ctx context.Context, userID string) ([]domain.RatingChange, error) {
	const stmt = `
SELECT user_id, competition_id, old_value, new_value, create_time
FROM rating_changes
WHERE user_id = $1
ORDER BY create_time, competition_id;`

	rows, err := s.db.Query(ctx, stmt, userID)
	if err != nil {
		return nil, translate(err, "list rating changes")
	}
	changes, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.RatingChange, error) {
		var ch domain.RatingChange
		err := r.Scan(&ch.UserID, &ch.CompetitionID, &ch.OldValue, &ch.NewValue, &ch.CreateTime)
		return ch, err
	})
	if err != nil {
		return nil, translate(err, "list rating changes")
	}
	return changes, nil
}

// UpdateRatings locks the users' rating rows, creating them at the initial
// value when missing, and applies update. The history primary key
// (user_id, competition_id) makes a repeated application fail with ErrDuplicate.
func (s *Store) UpdateRatings(ctx context.Context, competitionID string, userIDs []string, initial decimal.Decimal, update store.RatingUpdate, at time.Time) ([]domain.RatingChange, error) {
	const (
		ensureStmt  = `INSERT INTO ratings (user_id, value, update_time) VALUES ($1, $2, $3) ON CONFLICT (user_id) DO NOTHING;`
		lockStmt    = `SELECT value FROM ratings WHERE user_id = $1 FOR UPDATE;`
		historyStmt = `
INSERT INTO rating_changes (user_id, competition_id, old_value, new_value, create_time)
VALUES ($1, $2, $3, $4, $5);`
		updateStmt = `UPDATE ratings SET value = $2, update_time = $3 WHERE user_id = $1;`
	)

	ordered := slices.Clone(userIDs)
	slices.Sort(ordered)

	var changes []domain.RatingChange
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		current := make(map[string]decimal.Decimal, len(ordered))
		for _, u := range ordered {
			if _, err := tx.Exec(ctx, ensureStmt, u, initial, at); err != nil {
				return translate(err, "ensure rating")
			}
			var v decimal.Decimal
			if err := tx.QueryRow(ctx, lockStmt, u).Scan(&v); err != nil {
				return translate(err, "lock rating")
			}
			current[u] = v
		}

		next := update(current)

		changes = changes[:0]
		for _, u := range userIDs {
			nv, ok := next[u]
			if !ok {
				continue
			}
			if _, err := tx.Exec(ctx, historyStmt, u, competitionID, current[u], nv, at); err != nil {
				return translate(err, fmt.Sprintf("rating %s for competition %s", u, competitionID))
			}
			if _, err := tx.Exec(ctx, updateStmt, u, nv, at); err != nil {
				return translate(err, "update rating")
			}
			changes = append(changes, domain.RatingChange{
				UserID:        u,
				CompetitionID: competitionID,
				OldValue:      current[u],
				NewValue:      nv,
				CreateTime:    at,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}
