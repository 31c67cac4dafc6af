package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/victornm/echallenge/internal/challenge"
	"github.com/victornm/echallenge/internal/errors"
	"github.com/victornm/echallenge/internal/leaderboard"
	"github.com/victornm/echallenge/internal/ledger"
	"github.com/victornm/echallenge/internal/rating"
)

// HeaderUserID carries the caller identity established by the gateway.
const HeaderUserID = "X-User-ID"

type Config struct {
	Challenge *challenge.Service
	Ledger    *ledger.Service
	Rating    *rating.Service
	// Leaderboard is optional, the route is not served without it.
	Leaderboard *leaderboard.Service
	RateLimit   RateLimit
}

type API struct {
	cs *challenge.Service
	ls *ledger.Service
	rs *rating.Service
	bs *leaderboard.Service

	limiter *limiter
}

func New(c Config) *API {
	return &API{
		cs:      c.Challenge,
		ls:      c.Ledger,
		rs:      c.Rating,
		bs:      c.Leaderboard,
		limiter: newLimiter(c.RateLimit),
	}
}

// Register mounts the HTTP routes under /v1.
func (a *API) Register(e *gin.Engine) {
	v1 := e.Group("/v1", metrics(), a.limiter.middleware())

	v1.POST("/competitions", a.CreateCompetition)
	v1.GET("/competitions", a.ListOpenCompetitions)
	v1.POST("/competitions/join", a.JoinCompetition)
	v1.GET("/competitions/:id", a.GetCompetition)
	v1.POST("/competitions/:id/ready", a.SetReady)
	v1.POST("/competitions/:id/leave", a.LeaveCompetition)
	v1.POST("/competitions/:id/start", a.StartCompetition)
	v1.POST("/competitions/:id/answers", a.SubmitAnswer)
	if a.bs != nil {
		v1.GET("/competitions/:id/leaderboard", a.GetLeaderboard)
	}
	v1.GET("/ratings/:user", a.GetRating)
}

func (a *API) CreateCompetition(c *gin.Context) {
	var req CreateCompetitionRequest
	if !bind(c, &req) {
		return
	}

	comp, err := a.cs.Create(c.Request.Context(), challenge.CreateRequest{
		Caller:          caller(c),
		ContentID:       req.ContentID,
		RoundCount:      req.RoundCount,
		RoundTimeLimit:  req.RoundTimeLimit,
		MaxParticipants: req.MaxParticipants,
		IsPrivate:       req.IsPrivate,
	})
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusCreated, fromCompetition(comp))
}

func (a *API) ListOpenCompetitions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))

	cs, err := a.cs.ListOpen(c.Request.Context(), challenge.ListOpenRequest{Limit: limit})
	if err != nil {
		renderError(c, err)
		return
	}

	resp := ListCompetitionsResponse{Competitions: make([]Competition, 0, len(cs))}
	for i := range cs {
		resp.Competitions = append(resp.Competitions, fromCompetition(&cs[i]))
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) JoinCompetition(c *gin.Context) {
	var req JoinCompetitionRequest
	if !bind(c, &req) {
		return
	}

	comp, err := a.cs.Join(c.Request.Context(), challenge.JoinRequest{
		Caller: caller(c),
		Code:   req.Code,
	})
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, fromCompetition(comp))
}

func (a *API) GetCompetition(c *gin.Context) {
	comp, err := a.cs.GetState(c.Request.Context(), challenge.GetStateRequest{
		CompetitionID: c.Param("id"),
	})
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, fromCompetition(comp))
}

func (a *API) SetReady(c *gin.Context) {
	var req SetReadyRequest
	if !bind(c, &req) {
		return
	}

	comp, err := a.cs.SetReady(c.Request.Context(), challenge.SetReadyRequest{
		Caller:        caller(c),
		CompetitionID: c.Param("id"),
		Ready:         *req.Ready,
	})
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, fromCompetition(comp))
}

func (a *API) LeaveCompetition(c *gin.Context) {
	comp, err := a.cs.Leave(c.Request.Context(), challenge.LeaveRequest{
		Caller:        caller(c),
		CompetitionID: c.Param("id"),
	})
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, fromCompetition(comp))
}

func (a *API) StartCompetition(c *gin.Context) {
	comp, err := a.cs.Start(c.Request.Context(), challenge.StartRequest{
		Caller:        caller(c),
		CompetitionID: c.Param("id"),
	})
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, fromCompetition(comp))
}

func (a *API) SubmitAnswer(c *gin.Context) {
	var req SubmitAnswerRequest
	if !bind(c, &req) {
		return
	}

	resp, err := a.ls.Submit(c.Request.Context(), ledger.SubmitRequest{
		Caller:        caller(c),
		CompetitionID: c.Param("id"),
		RoundNumber:   req.Round,
		ChoiceID:      req.ChoiceID,
		TimeSpentMs:   req.TimeSpentMs,
	})
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, SubmitAnswerResponse{
		Answer:      fromAnswer(resp.Answer),
		Participant: fromParticipant(resp.Participant),
		Finalized:   resp.Finalized,
	})
}

func (a *API) GetLeaderboard(c *gin.Context) {
	l, err := a.bs.GetLeaderboard(c.Request.Context(), leaderboard.GetLeaderboardRequest{
		CompetitionID: c.Param("id"),
	})
	if err != nil {
		renderError(c, err)
		return
	}

	resp := Leaderboard{
		CompetitionID: l.CompetitionID,
		Entries:       make([]LeaderboardEntry, 0, len(l.Entries)),
	}
	for _, e := range l.Entries {
		resp.Entries = append(resp.Entries, LeaderboardEntry{UserID: e.UserID, Score: e.Score})
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) GetRating(c *gin.Context) {
	r, err := a.rs.GetRating(c.Request.Context(), rating.GetRatingRequest{UserID: c.Param("user")})
	if err != nil {
		renderError(c, err)
		return
	}

	resp := RatingResponse{
		UserID:  r.Rating.UserID,
		Rating:  r.Rating.Value,
		History: make([]RatingChange, 0, len(r.History)),
	}
	for _, h := range r.History {
		resp.History = append(resp.History, fromRatingChange(h))
	}
	c.JSON(http.StatusOK, resp)
}

func caller(c *gin.Context) string {
	return c.GetHeader(HeaderUserID)
}

func bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		renderError(c, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("invalid request body: %v", err),
			errors.WithCause(err),
		))
		return false
	}
	return true
}
