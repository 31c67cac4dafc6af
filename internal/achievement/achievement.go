// Package achievement hands finished competitions to the external achievement
// evaluator. Unlock logic and its idempotency live on the evaluator's side.
package achievement

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/echallenge/internal/domain"
	"github.com/victornm/echallenge/internal/event"
)

const TriggerCompetitionCompleted = "COMPETITION_COMPLETED"

type (
	Trigger struct {
		UserID      string      `json:"user_id"`
		TriggerType string      `json:"trigger_type"`
		Data        TriggerData `json:"trigger_data"`
	}

	TriggerData struct {
		CompetitionID string `json:"competition_id"`
		Position      int    `json:"position"`
		Score         int    `json:"score"`
	}

	Notification struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}
)

type Evaluator interface {
	Evaluate(ctx context.Context, t Trigger) error
}

// Publisher delivers triggers to the evaluator over a Redis channel.
type Publisher struct {
	redis  redis.UniversalClient
	prefix string
}

func NewPublisher(r redis.UniversalClient, prefix string) *Publisher {
	return &Publisher{redis: r, prefix: prefix}
}

func (p *Publisher) Evaluate(ctx context.Context, t Trigger) error {
	b, err := json.Marshal(Notification{
		Event: t.TriggerType,
		Data:  t,
	})
	if err != nil {
		return fmt.Errorf("achievement: marshal %s: %v", t.TriggerType, err)
	}

	return p.redis.Publish(ctx, p.Channel(), b).Err()
}

// Channel is where the evaluator listens for triggers.
func (p *Publisher) Channel() string {
	return fmt.Sprintf("%s:achievement:trigger", p.prefix)
}

// HandleCompetitionCompleted returns an event handler that triggers the
// evaluator for the top-ranked participant.
func HandleCompetitionCompleted(ev Evaluator) event.Handler {
	return func(ctx context.Context, e event.Event) error {
		c := e.(domain.EventCompetitionCompleted).Competition
		if len(c.Participants) == 0 {
			return nil
		}

		top := c.Participants[0]
		pos := 1
		if top.Position != nil {
			pos = *top.Position
		}

		t := Trigger{
			UserID:      top.UserID,
			TriggerType: TriggerCompetitionCompleted,
			Data: TriggerData{
				CompetitionID: c.CompetitionID,
				Position:      pos,
				Score:         top.Score,
			},
		}
		if err := ev.Evaluate(ctx, t); err != nil {
			return fmt.Errorf("evaluate achievements: user=%s: %w", top.UserID, err)
		}

		slog.DebugContext(ctx, "achievement: trigger sent", "competition", c.CompetitionID, "user", top.UserID)
		return nil
	}
}
