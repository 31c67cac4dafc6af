package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a competition.
type Status string

const (
	StatusWaiting    Status = "WAITING"
	StatusStarting   Status = "STARTING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
)

var transitions = map[Status][]Status{
	StatusWaiting:    {StatusStarting, StatusCancelled},
	StatusStarting:   {StatusInProgress, StatusCompleted},
	StatusInProgress: {StatusCompleted},
}

// CanTransition reports whether a competition may move from one status to another.
// Transitions are monotonic; terminal statuses have no successors.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Competition is a single challenge instance with its full entity graph.
type Competition struct {
	CompetitionID   string
	Code            string
	Status          Status
	CreatorID       string
	ContentID       string
	RoundCount      int
	RoundTimeLimit  int // seconds
	MaxParticipants int
	IsPrivate       bool

	// ExpiresAt bounds the join window and is only set while WAITING.
	ExpiresAt   *time.Time
	StartingAt  *time.Time
	CompletedAt *time.Time
	CreateTime  time.Time

	Participants []Participant
	Rounds       []Round
}

// Participant returns the participant row of the user, if any.
func (c *Competition) Participant(userID string) (*Participant, bool) {
	for i := range c.Participants {
		if c.Participants[i].UserID == userID {
			return &c.Participants[i], true
		}
	}
	return nil, false
}

// Round returns the round with the 1-based number, if any.
func (c *Competition) Round(number int) (*Round, bool) {
	for i := range c.Rounds {
		if c.Rounds[i].Number == number {
			return &c.Rounds[i], true
		}
	}
	return nil, false
}

// Participant is a user's membership in a competition.
type Participant struct {
	ParticipantID string
	CompetitionID string
	UserID        string
	IsReady       bool
	Score         int
	TimeSpentMs   int64
	Position      *int
	JoinTime      time.Time
}

// Round is one timed question of a competition.
type Round struct {
	RoundID       string
	CompetitionID string
	Number        int
	QuestionID    string
	TimeLimit     int // seconds
	StartedAt     *time.Time
	Answers       []Answer
}

// AnsweredBy reports whether the participant already has an answer in this round.
func (r *Round) AnsweredBy(participantID string) bool {
	for _, a := range r.Answers {
		if a.ParticipantID == participantID {
			return true
		}
	}
	return false
}

// Answer is an immutable submission of a participant for a round.
// An empty ChoiceID records a timed-out round.
type Answer struct {
	AnswerID      string
	ParticipantID string
	RoundID       string
	ChoiceID      string
	TimeSpentMs   int64
	WasCorrect    bool
	PointsEarned  int
	CreateTime    time.Time
}

// Question is a pre-authored content record with its answer choices.
type Question struct {
	QuestionID string   `json:"question_id"`
	ContentID  string   `json:"content_id"`
	Text       string   `json:"text"`
	Choices    []Choice `json:"choices"`
}

// Choice returns the choice with the given ID, if it belongs to the question.
func (q *Question) Choice(choiceID string) (*Choice, bool) {
	for i := range q.Choices {
		if q.Choices[i].ChoiceID == choiceID {
			return &q.Choices[i], true
		}
	}
	return nil, false
}

type Choice struct {
	ChoiceID string `json:"choice_id"`
	Text     string `json:"text"`
	Correct  bool   `json:"correct"`
}

// Rating is the current skill rating of a user.
type Rating struct {
	UserID     string
	Value      decimal.Decimal
	UpdateTime time.Time
}

// RatingChange is an append-only history entry of a rating transition.
type RatingChange struct {
	UserID        string
	CompetitionID string
	OldValue      decimal.Decimal
	NewValue      decimal.Decimal
	CreateTime    time.Time
}

// NewID returns a time-ordered unique identifier for a new row.
func NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return id.String(), nil
}
