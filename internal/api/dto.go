package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/victornm/echallenge/internal/domain"
)

type (
	CreateCompetitionRequest struct {
		ContentID       string `json:"content_id" binding:"required"`
		RoundCount      int    `json:"round_count" binding:"required,min=1"`
		RoundTimeLimit  int    `json:"round_time_limit" binding:"required,min=1"`
		MaxParticipants int    `json:"max_participants" binding:"required,min=2"`
		IsPrivate       bool   `json:"is_private"`
	}

	JoinCompetitionRequest struct {
		Code string `json:"code" binding:"required"`
	}

	SetReadyRequest struct {
		Ready *bool `json:"ready" binding:"required"`
	}

	// SubmitAnswerRequest with an empty choice_id records a timed-out round.
	SubmitAnswerRequest struct {
		Round       int    `json:"round" binding:"required,min=1"`
		ChoiceID    string `json:"choice_id"`
		TimeSpentMs int64  `json:"time_spent_ms"`
	}

	SubmitAnswerResponse struct {
		Answer      Answer      `json:"answer"`
		Participant Participant `json:"participant"`
		Finalized   bool        `json:"finalized"`
	}

	ListCompetitionsResponse struct {
		Competitions []Competition `json:"competitions"`
	}

	Competition struct {
		CompetitionID   string        `json:"competition_id"`
		Code            string        `json:"code"`
		Status          string        `json:"status"`
		CreatorID       string        `json:"creator_id"`
		ContentID       string        `json:"content_id"`
		RoundCount      int           `json:"round_count"`
		RoundTimeLimit  int           `json:"round_time_limit"`
		MaxParticipants int           `json:"max_participants"`
		IsPrivate       bool          `json:"is_private"`
		ExpiresAt       *time.Time    `json:"expires_at,omitempty"`
		StartingAt      *time.Time    `json:"starting_at,omitempty"`
		CompletedAt     *time.Time    `json:"completed_at,omitempty"`
		CreateTime      time.Time     `json:"create_time"`
		Participants    []Participant `json:"participants"`
		Rounds          []Round       `json:"rounds"`
	}

	Participant struct {
		ParticipantID string    `json:"participant_id"`
		UserID        string    `json:"user_id"`
		IsReady       bool      `json:"is_ready"`
		Score         int       `json:"score"`
		TimeSpentMs   int64     `json:"time_spent_ms"`
		Position      *int      `json:"position,omitempty"`
		JoinTime      time.Time `json:"join_time"`
	}

	Round struct {
		RoundID    string     `json:"round_id"`
		Number     int        `json:"number"`
		QuestionID string     `json:"question_id"`
		TimeLimit  int        `json:"time_limit"`
		StartedAt  *time.Time `json:"started_at,omitempty"`
		Answers    []Answer   `json:"answers"`
	}

	Answer struct {
		AnswerID      string    `json:"answer_id"`
		ParticipantID string    `json:"participant_id"`
		RoundID       string    `json:"round_id"`
		ChoiceID      string    `json:"choice_id"`
		TimeSpentMs   int64     `json:"time_spent_ms"`
		WasCorrect    bool      `json:"was_correct"`
		PointsEarned  int       `json:"points_earned"`
		CreateTime    time.Time `json:"create_time"`
	}

	Leaderboard struct {
		CompetitionID string             `json:"competition_id"`
		Entries       []LeaderboardEntry `json:"entries"`
	}

	LeaderboardEntry struct {
		UserID string `json:"user_id"`
		Score  int    `json:"score"`
	}

	RatingResponse struct {
		UserID  string          `json:"user_id"`
		Rating  decimal.Decimal `json:"rating"`
		History []RatingChange  `json:"history"`
	}

	RatingChange struct {
		CompetitionID string          `json:"competition_id"`
		OldValue      decimal.Decimal `json:"old_value"`
		NewValue      decimal.Decimal `json:"new_value"`
		CreateTime    time.Time       `json:"create_time"`
	}
)

func fromCompetition(c *domain.Competition) Competition {
	out := Competition{
		CompetitionID:   c.CompetitionID,
		Code:            c.Code,
		Status:          string(c.Status),
		CreatorID:       c.CreatorID,
		ContentID:       c.ContentID,
		RoundCount:      c.RoundCount,
		RoundTimeLimit:  c.RoundTimeLimit,
		MaxParticipants: c.MaxParticipants,
		IsPrivate:       c.IsPrivate,
		ExpiresAt:       c.ExpiresAt,
		StartingAt:      c.StartingAt,
		CompletedAt:     c.CompletedAt,
		CreateTime:      c.CreateTime,
		Participants:    make([]Participant, 0, len(c.Participants)),
		Rounds:          make([]Round, 0, len(c.Rounds)),
	}

	for _, p := range c.Participants {
		out.Participants = append(out.Participants, fromParticipant(p))
	}

	for _, r := range c.Rounds {
		round := Round{
			RoundID:    r.RoundID,
			Number:     r.Number,
			QuestionID: r.QuestionID,
			TimeLimit:  r.TimeLimit,
			StartedAt:  r.StartedAt,
			Answers:    make([]Answer, 0, len(r.Answers)),
		}
		for _, a := range r.Answers {
			round.Answers = append(round.Answers, fromAnswer(a))
		}
		out.Rounds = append(out.Rounds, round)
	}

	return out
}

func fromParticipant(p domain.Participant) Participant {
	return Participant{
		ParticipantID: p.ParticipantID,
		UserID:        p.UserID,
		IsReady:       p.IsReady,
		Score:         p.Score,
		TimeSpentMs:   p.TimeSpentMs,
		Position:      p.Position,
		JoinTime:      p.JoinTime,
	}
}

func fromAnswer(a domain.Answer) Answer {
	return Answer{
		AnswerID:      a.AnswerID,
		ParticipantID: a.ParticipantID,
		RoundID:       a.RoundID,
		ChoiceID:      a.ChoiceID,
		TimeSpentMs:   a.TimeSpentMs,
		WasCorrect:    a.WasCorrect,
		PointsEarned:  a.PointsEarned,
		CreateTime:    a.CreateTime,
	}
}

func fromRatingChange(h domain.RatingChange) RatingChange {
	return RatingChange{
		CompetitionID: h.CompetitionID,
		OldValue:      h.OldValue,
		NewValue:      h.NewValue,
		CreateTime:    h.CreateTime,
	}
}

// Domain converts the wire form back into the domain graph.
func (c Competition) Domain() *domain.Competition {
	out := &domain.Competition{
		CompetitionID:   c.CompetitionID,
		Code:            c.Code,
		Status:          domain.Status(c.Status),
		CreatorID:       c.CreatorID,
		ContentID:       c.ContentID,
		RoundCount:      c.RoundCount,
		RoundTimeLimit:  c.RoundTimeLimit,
		MaxParticipants: c.MaxParticipants,
		IsPrivate:       c.IsPrivate,
		ExpiresAt:       c.ExpiresAt,
		StartingAt:      c.StartingAt,
		CompletedAt:     c.CompletedAt,
		CreateTime:      c.CreateTime,
	}

	for _, p := range c.Participants {
		out.Participants = append(out.Participants, domain.Participant{
			ParticipantID: p.ParticipantID,
			CompetitionID: c.CompetitionID,
			UserID:        p.UserID,
			IsReady:       p.IsReady,
			Score:         p.Score,
			TimeSpentMs:   p.TimeSpentMs,
			Position:      p.Position,
			JoinTime:      p.JoinTime,
		})
	}

	for _, r := range c.Rounds {
		round := domain.Round{
			RoundID:       r.RoundID,
			CompetitionID: c.CompetitionID,
			Number:        r.Number,
			QuestionID:    r.QuestionID,
			TimeLimit:     r.TimeLimit,
			StartedAt:     r.StartedAt,
		}
		for _, a := range r.Answers {
			round.Answers = append(round.Answers, domain.Answer{
				AnswerID:      a.AnswerID,
				ParticipantID: a.ParticipantID,
				RoundID:       a.RoundID,
				ChoiceID:      a.ChoiceID,
				TimeSpentMs:   a.TimeSpentMs,
				WasCorrect:    a.WasCorrect,
				PointsEarned:  a.PointsEarned,
				CreateTime:    a.CreateTime,
			})
		}
		out.Rounds = append(out.Rounds, round)
	}

	return out
}
