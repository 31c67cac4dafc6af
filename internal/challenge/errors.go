package challenge

import (
	stderrors "errors"
	"time"

	"github.com/victornm/echallenge/internal/domain"
	"github.com/victornm/echallenge/internal/errors"
	"github.com/victornm/echallenge/internal/store"
)

func unauthorized() error {
	return errors.New(errors.CodeUnauthorized, errors.WithMessagef("caller identity is required"))
}

func notFound(err error, format string, args ...any) error {
	if stderrors.Is(err, store.ErrNotFound) {
		return errors.New(errors.CodeNotFound, errors.WithMessagef(format, args...), errors.WithCause(err))
	}
	return err
}

func notParticipant(c *domain.Competition, user string) error {
	return errors.New(errors.CodeNotFound,
		errors.WithMessagef("user is not a participant: competition=%s user=%s", c.CompetitionID, user))
}

func invalidState(c *domain.Competition, op string) error {
	return errors.New(errors.CodeInvalidState,
		errors.WithMessagef("cannot %s competition in status %s: competition=%s", op, c.Status, c.CompetitionID))
}

func notJoinable(c *domain.Competition) error {
	return errors.New(errors.CodeInvalidState,
		errors.WithReason(errors.ReasonNotJoinable),
		errors.WithMessagef("competition is not accepting participants: competition=%s status=%s", c.CompetitionID, c.Status))
}

func expired(c *domain.Competition) error {
	return errors.New(errors.CodeExpired,
		errors.WithMessagef("competition join window closed at %s: competition=%s", c.ExpiresAt.Format(time.RFC3339), c.CompetitionID))
}

func full(c *domain.Competition) error {
	return errors.New(errors.CodeConflict,
		errors.WithReason(errors.ReasonFull),
		errors.WithMessagef("competition is full: competition=%s max=%d", c.CompetitionID, c.MaxParticipants))
}

func alreadyJoined(c *domain.Competition, user string) error {
	return errors.New(errors.CodeConflict,
		errors.WithReason(errors.ReasonAlreadyJoined),
		errors.WithMessagef("user already joined: competition=%s user=%s", c.CompetitionID, user))
}
