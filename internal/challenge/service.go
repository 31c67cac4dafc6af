package challenge

import (
	"context"
	"crypto/rand"
	stderrors "errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/victornm/echallenge/internal/clock"
	"github.com/victornm/echallenge/internal/content"
	"github.com/victornm/echallenge/internal/domain"
	"github.com/victornm/echallenge/internal/errors"
	"github.com/victornm/echallenge/internal/store"
	"github.com/victornm/echallenge/internal/telemetry"
)

const (
	DefaultCountdown    = 3 * time.Second
	DefaultJoinWindow   = 30 * time.Minute
	DefaultCodeAttempts = 10

	codeLength   = 6
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// Store is the part of the Competition Store owned by the lifecycle:
// competition status, membership and round start times.
type Store interface {
	CreateCompetition(ctx context.Context, c *domain.Competition) error
	GetCompetition(ctx context.Context, competitionID string) (*domain.Competition, error)
	GetCompetitionByCode(ctx context.Context, code string) (*domain.Competition, error)
	ListCompetitions(ctx context.Context, f store.ListFilter) ([]domain.Competition, error)
	AddParticipant(ctx context.Context, p *domain.Participant) error
	SetReady(ctx context.Context, competitionID, userID string, ready bool) error
	RemoveParticipant(ctx context.Context, competitionID, userID string) error
	CancelCompetition(ctx context.Context, competitionID string, at time.Time) error
	StartCompetition(ctx context.Context, competitionID string, rounds []domain.Round, startingAt time.Time) error
	ActivateCompetition(ctx context.Context, competitionID string, at time.Time) (bool, error)
	StartRound(ctx context.Context, roundID string, at time.Time) (bool, error)
}

type Config struct {
	Store   Store
	Content content.Source
	Clock   clock.Clock

	// Countdown is the delay between STARTING and IN_PROGRESS.
	Countdown time.Duration
	// JoinWindow is how long a new competition accepts joins.
	JoinWindow time.Duration
	// CodeAttempts bounds join code generation retries on collision.
	CodeAttempts int
	// NewCode generates join codes. Defaults to random 6 character codes.
	NewCode func() (string, error)
}

// Service is the Challenge Lifecycle Manager. It owns competition status and
// round start times; all race-freedom comes from the store's conditional writes.
type Service struct {
	store   Store
	content content.Source
	clock   clock.Clock

	countdown    time.Duration
	joinWindow   time.Duration
	codeAttempts int
	newCode      func() (string, error)
}

func NewService(c Config) *Service {
	s := &Service{
		store:        c.Store,
		content:      c.Content,
		clock:        c.Clock,
		countdown:    c.Countdown,
		joinWindow:   c.JoinWindow,
		codeAttempts: c.CodeAttempts,
		newCode:      c.NewCode,
	}

	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.countdown <= 0 {
		s.countdown = DefaultCountdown
	}
	if s.joinWindow <= 0 {
		s.joinWindow = DefaultJoinWindow
	}
	if s.codeAttempts <= 0 {
		s.codeAttempts = DefaultCodeAttempts
	}
	if s.newCode == nil {
		s.newCode = randomCode
	}

	return s
}

// CreateRequest represents a request to create a new competition.
type CreateRequest struct {
	Caller          string
	ContentID       string
	RoundCount      int
	RoundTimeLimit  int // seconds
	MaxParticipants int
	IsPrivate       bool
}

func (r CreateRequest) validate() error {
	switch {
	case r.ContentID == "":
		return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("content id is required"))
	case r.RoundCount < 1:
		return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("round count must be positive: %d", r.RoundCount))
	case r.RoundTimeLimit < 1:
		return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("round time limit must be positive: %d", r.RoundTimeLimit))
	case r.MaxParticipants < 2:
		return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("max participants must be at least 2: %d", r.MaxParticipants))
	}
	return nil
}

// Create creates a competition in WAITING with the creator as a ready participant.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*domain.Competition, error) {
	if req.Caller == "" {
		return nil, unauthorized()
	}
	if err := req.validate(); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	expires := now.Add(s.joinWindow)

	cid, err := domain.NewID()
	if err != nil {
		return nil, err
	}
	pid, err := domain.NewID()
	if err != nil {
		return nil, err
	}

	c := &domain.Competition{
		CompetitionID:   cid,
		Status:          domain.StatusWaiting,
		CreatorID:       req.Caller,
		ContentID:       req.ContentID,
		RoundCount:      req.RoundCount,
		RoundTimeLimit:  req.RoundTimeLimit,
		MaxParticipants: req.MaxParticipants,
		IsPrivate:       req.IsPrivate,
		ExpiresAt:       &expires,
		CreateTime:      now,
		Participants: []domain.Participant{{
			ParticipantID: pid,
			CompetitionID: cid,
			UserID:        req.Caller,
			IsReady:       true,
			JoinTime:      now,
		}},
	}

	for attempt := 1; attempt <= s.codeAttempts; attempt++ {
		code, err := s.newCode()
		if err != nil {
			return nil, fmt.Errorf("generate join code: %w", err)
		}
		c.Code = code

		err = s.store.CreateCompetition(ctx, c)
		if err == nil {
			telemetry.Transitions.WithLabelValues(string(domain.StatusWaiting)).Inc()
			slog.InfoContext(ctx, "challenge: competition created",
				"competition", c.CompetitionID,
				"code", c.Code,
				"creator", c.CreatorID,
			)
			return c, nil
		}
		if !stderrors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("create competition: %w", err)
		}

		slog.WarnContext(ctx, "challenge: join code collision", "attempt", attempt, "code", code)
	}

	return nil, errors.New(errors.CodeCodeGenerationExhausted,
		errors.WithMessagef("no free join code after %d attempts", s.codeAttempts))
}

type JoinRequest struct {
	Caller string
	Code   string
}

// Join adds the caller to a WAITING competition as a not-ready participant.
func (s *Service) Join(ctx context.Context, req JoinRequest) (*domain.Competition, error) {
	if req.Caller == "" {
		return nil, unauthorized()
	}

	code := strings.ToUpper(strings.TrimSpace(req.Code))
	c, err := s.store.GetCompetitionByCode(ctx, code)
	if err != nil {
		return nil, notFound(err, "competition not found: code=%s", code)
	}

	if c.Status != domain.StatusWaiting {
		return nil, notJoinable(c)
	}
	if s.expired(c) {
		return nil, expired(c)
	}
	if len(c.Participants) >= c.MaxParticipants {
		return nil, full(c)
	}
	if _, ok := c.Participant(req.Caller); ok {
		return nil, alreadyJoined(c, req.Caller)
	}

	pid, err := domain.NewID()
	if err != nil {
		return nil, err
	}

	err = s.store.AddParticipant(ctx, &domain.Participant{
		ParticipantID: pid,
		CompetitionID: c.CompetitionID,
		UserID:        req.Caller,
		JoinTime:      s.clock.Now(),
	})
	switch {
	case err == nil:
	case stderrors.Is(err, store.ErrStatusChanged):
		return nil, notJoinable(c)
	case stderrors.Is(err, store.ErrFull):
		return nil, full(c)
	case stderrors.Is(err, store.ErrDuplicate):
		return nil, alreadyJoined(c, req.Caller)
	default:
		return nil, fmt.Errorf("add participant: %w", err)
	}

	slog.InfoContext(ctx, "challenge: participant joined", "competition", c.CompetitionID, "user", req.Caller)

	return s.get(ctx, c.CompetitionID)
}

type SetReadyRequest struct {
	Caller        string
	CompetitionID string
	Ready         bool
}

func (s *Service) SetReady(ctx context.Context, req SetReadyRequest) (*domain.Competition, error) {
	if req.Caller == "" {
		return nil, unauthorized()
	}

	c, err := s.get(ctx, req.CompetitionID)
	if err != nil {
		return nil, err
	}
	if _, ok := c.Participant(req.Caller); !ok {
		return nil, notParticipant(c, req.Caller)
	}
	if c.Status != domain.StatusWaiting {
		return nil, invalidState(c, "set ready")
	}

	err = s.store.SetReady(ctx, c.CompetitionID, req.Caller, req.Ready)
	switch {
	case err == nil:
	case stderrors.Is(err, store.ErrStatusChanged):
		return nil, invalidState(c, "set ready")
	case stderrors.Is(err, store.ErrNotFound):
		return nil, notParticipant(c, req.Caller)
	default:
		return nil, fmt.Errorf("set ready: %w", err)
	}

	return s.get(ctx, c.CompetitionID)
}

type LeaveRequest struct {
	Caller        string
	CompetitionID string
}

// Leave removes the caller while the competition is WAITING. The creator
// leaving cancels the whole competition.
func (s *Service) Leave(ctx context.Context, req LeaveRequest) (*domain.Competition, error) {
	if req.Caller == "" {
		return nil, unauthorized()
	}

	c, err := s.get(ctx, req.CompetitionID)
	if err != nil {
		return nil, err
	}
	if _, ok := c.Participant(req.Caller); !ok {
		return nil, notParticipant(c, req.Caller)
	}
	if c.Status != domain.StatusWaiting {
		return nil, errors.New(errors.CodeInvalidState,
			errors.WithReason(errors.ReasonMembershipFrozen),
			errors.WithMessagef("cannot leave competition in status %s: competition=%s", c.Status, c.CompetitionID))
	}

	if req.Caller == c.CreatorID {
		err = s.store.CancelCompetition(ctx, c.CompetitionID, s.clock.Now())
	} else {
		err = s.store.RemoveParticipant(ctx, c.CompetitionID, req.Caller)
	}
	switch {
	case err == nil:
	case stderrors.Is(err, store.ErrStatusChanged):
		return nil, errors.New(errors.CodeInvalidState,
			errors.WithReason(errors.ReasonMembershipFrozen),
			errors.WithMessagef("competition is no longer waiting: competition=%s", c.CompetitionID))
	case stderrors.Is(err, store.ErrNotFound):
		return nil, notParticipant(c, req.Caller)
	default:
		return nil, fmt.Errorf("leave: %w", err)
	}

	if req.Caller == c.CreatorID {
		telemetry.Transitions.WithLabelValues(string(domain.StatusCancelled)).Inc()
		slog.InfoContext(ctx, "challenge: competition cancelled by creator", "competition", c.CompetitionID)
	} else {
		slog.InfoContext(ctx, "challenge: participant left", "competition", c.CompetitionID, "user", req.Caller)
	}

	return s.get(ctx, c.CompetitionID)
}

type StartRequest struct {
	Caller        string
	CompetitionID string
}

// Start selects the questions, creates the rounds and moves the competition to
// STARTING. IN_PROGRESS follows after the countdown, either through the
// advisory timer or through the wall-clock check in GetState.
func (s *Service) Start(ctx context.Context, req StartRequest) (*domain.Competition, error) {
	if req.Caller == "" {
		return nil, unauthorized()
	}

	c, err := s.get(ctx, req.CompetitionID)
	if err != nil {
		return nil, err
	}
	if req.Caller != c.CreatorID {
		return nil, errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("only the creator can start the competition: competition=%s", c.CompetitionID))
	}
	if c.Status != domain.StatusWaiting {
		return nil, invalidState(c, "start")
	}
	if s.expired(c) {
		return nil, expired(c)
	}
	if len(c.Participants) < 2 {
		return nil, errors.New(errors.CodePreconditionFailed,
			errors.WithReason(errors.ReasonNotEnoughParticipants),
			errors.WithMessagef("at least 2 participants are required, got %d", len(c.Participants)))
	}
	for _, p := range c.Participants {
		if !p.IsReady {
			return nil, errors.New(errors.CodePreconditionFailed,
				errors.WithReason(errors.ReasonParticipantsNotReady),
				errors.WithMessagef("participant is not ready: user=%s", p.UserID))
		}
	}

	questions, err := s.content.SelectQuestions(ctx, c.ContentID, c.RoundCount)
	if stderrors.Is(err, content.ErrInsufficient) {
		return nil, errors.New(errors.CodePreconditionFailed,
			errors.WithReason(errors.ReasonInsufficientContent),
			errors.WithMessagef("content %s has fewer than %d questions", c.ContentID, c.RoundCount),
			errors.WithCause(err))
	}
	if err != nil {
		return nil, fmt.Errorf("select questions: %w", err)
	}

	rounds := make([]domain.Round, 0, len(questions))
	for i, q := range questions {
		rid, err := domain.NewID()
		if err != nil {
			return nil, err
		}
		rounds = append(rounds, domain.Round{
			RoundID:       rid,
			CompetitionID: c.CompetitionID,
			Number:        i + 1,
			QuestionID:    q.QuestionID,
			TimeLimit:     c.RoundTimeLimit,
		})
	}

	now := s.clock.Now()
	err = s.store.StartCompetition(ctx, c.CompetitionID, rounds, now)
	if stderrors.Is(err, store.ErrStatusChanged) {
		return nil, invalidState(c, "start")
	}
	if err != nil {
		return nil, fmt.Errorf("start competition: %w", err)
	}

	telemetry.Transitions.WithLabelValues(string(domain.StatusStarting)).Inc()
	slog.InfoContext(ctx, "challenge: competition starting",
		"competition", c.CompetitionID,
		"rounds", len(rounds),
		"countdown", s.countdown,
	)

	// Advisory only: if this process dies, GetState activates on read.
	activateAt := now.Add(s.countdown)
	s.clock.AfterFunc(s.countdown, func() {
		ctx := context.WithoutCancel(ctx)
		if _, err := s.activate(ctx, c.CompetitionID, activateAt); err != nil {
			slog.ErrorContext(ctx, "challenge: scheduled activation failed",
				"competition", c.CompetitionID,
				"error", err,
			)
		}
	})

	return s.get(ctx, c.CompetitionID)
}

type GetStateRequest struct {
	CompetitionID string
}

// GetState returns the full competition graph. A STARTING competition whose
// countdown has elapsed is activated on the way out.
func (s *Service) GetState(ctx context.Context, req GetStateRequest) (*domain.Competition, error) {
	return s.get(ctx, req.CompetitionID)
}

type ListOpenRequest struct {
	Limit int
}

// ListOpen returns public competitions still accepting joins, newest first.
func (s *Service) ListOpen(ctx context.Context, req ListOpenRequest) ([]domain.Competition, error) {
	limit := req.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	cs, err := s.store.ListCompetitions(ctx, store.ListFilter{
		Status:     domain.StatusWaiting,
		PublicOnly: true,
		ActiveAt:   s.clock.Now(),
		Limit:      limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list competitions: %w", err)
	}
	return cs, nil
}

// AdvanceRound starts the round following the last round every participant
// has answered. It is safe to call redundantly.
func (s *Service) AdvanceRound(ctx context.Context, competitionID string) error {
	c, err := s.get(ctx, competitionID)
	if err != nil {
		return err
	}
	if c.Status != domain.StatusInProgress {
		return nil
	}

	for i := 0; i+1 < len(c.Rounds); i++ {
		r, next := &c.Rounds[i], &c.Rounds[i+1]
		if len(r.Answers) < len(c.Participants) {
			return nil
		}
		if next.StartedAt != nil {
			continue
		}

		started, err := s.store.StartRound(ctx, next.RoundID, s.clock.Now())
		if err != nil {
			return fmt.Errorf("start round %d: %w", next.Number, err)
		}
		if started {
			slog.InfoContext(ctx, "challenge: round started", "competition", competitionID, "round", next.Number)
		}
		return nil
	}
	return nil
}

func (s *Service) get(ctx context.Context, competitionID string) (*domain.Competition, error) {
	c, err := s.store.GetCompetition(ctx, competitionID)
	if err != nil {
		return nil, notFound(err, "competition not found: competition=%s", competitionID)
	}

	s.reconcile(ctx, c)
	return c, nil
}

// reconcile derives IN_PROGRESS from the wall clock. The timer scheduled by
// Start is an optimization; this check is the source of truth.
func (s *Service) reconcile(ctx context.Context, c *domain.Competition) {
	if c.Status != domain.StatusStarting || c.StartingAt == nil {
		return
	}

	at := c.StartingAt.Add(s.countdown)
	if s.clock.Now().Before(at) {
		return
	}

	if _, err := s.activate(ctx, c.CompetitionID, at); err != nil {
		slog.WarnContext(ctx, "challenge: activation on read failed",
			"competition", c.CompetitionID,
			"error", err,
		)
	}

	c.Status = domain.StatusInProgress
	if r, ok := c.Round(1); ok && r.StartedAt == nil {
		r.StartedAt = &at
	}
}

func (s *Service) activate(ctx context.Context, competitionID string, at time.Time) (bool, error) {
	ok, err := s.store.ActivateCompetition(ctx, competitionID, at)
	if err != nil {
		return false, fmt.Errorf("activate competition: %w", err)
	}
	if ok {
		telemetry.Transitions.WithLabelValues(string(domain.StatusInProgress)).Inc()
		slog.InfoContext(ctx, "challenge: competition in progress", "competition", competitionID)
	}
	return ok, nil
}

func (s *Service) expired(c *domain.Competition) bool {
	return c.ExpiresAt != nil && s.clock.Now().After(*c.ExpiresAt)
}

func randomCode() (string, error) {
	b := make([]byte, codeLength)
	size := big.NewInt(int64(len(codeAlphabet)))
	for i := range b {
		n, err := rand.Int(rand.Reader, size)
		if err != nil {
			return "", err
		}
		b[i] = codeAlphabet[n.Int64()]
	}
	return string(b), nil
}
