package domain

const (
	EventNameAnswerAccepted       = "answer.accepted"
	EventNameCompetitionCompleted = "competition.completed"
)

// EventAnswerAccepted is published after an answer is durably recorded.
type EventAnswerAccepted struct {
	CompetitionID string
	Participant   Participant
	Answer        Answer
}

func (EventAnswerAccepted) Name() string { return EventNameAnswerAccepted }

// EventCompetitionCompleted is published exactly once per competition, by the
// finalization that performed the COMPLETED transition. Participants are ordered by position.
type EventCompetitionCompleted struct {
	Competition Competition
}

func (EventCompetitionCompleted) Name() string { return EventNameCompetitionCompleted }
