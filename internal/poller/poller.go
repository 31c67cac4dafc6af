// Package poller keeps a client's view of a competition fresh by polling the
// read surface with a cadence that follows the competition status, and backs
// off exponentially while reads fail.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/victornm/echallenge/internal/clock"
	"github.com/victornm/echallenge/internal/domain"
)

type Status string

const (
	StatusDisconnected Status = "DISCONNECTED"
	StatusPolling      Status = "POLLING"
	StatusConnected    Status = "CONNECTED"
	StatusReconnecting Status = "RECONNECTING"
	// StatusLost is terminal until Refresh succeeds or the poller is re-enabled.
	StatusLost Status = "LOST"
)

const (
	DefaultMaxAttempts        = 5
	DefaultStartingInterval   = 500 * time.Millisecond
	DefaultInProgressInterval = time.Second
	DefaultIdleInterval       = 2 * time.Second
	DefaultBaseBackoff        = time.Second
	DefaultMaxBackoff         = 30 * time.Second
)

type Fetcher interface {
	GetState(ctx context.Context, competitionID string) (*domain.Competition, error)
}

// State is a snapshot of the poller.
type State struct {
	Status      Status
	Competition *domain.Competition
	// Attempts counts consecutive failed reads of the loop.
	Attempts   int
	Err        error
	UpdateTime time.Time
}

type Config struct {
	Fetcher       Fetcher
	CompetitionID string
	Clock         clock.Clock
	// OnUpdate is called after every state change, never under the poller's lock.
	OnUpdate func(State)

	MaxAttempts        int
	StartingInterval   time.Duration
	InProgressInterval time.Duration
	IdleInterval       time.Duration
	BaseBackoff        time.Duration
	MaxBackoff         time.Duration
}

type Poller struct {
	c Config

	mu      sync.Mutex
	enabled bool
	// gen invalidates reads scheduled before the last Enable or Disable.
	gen    uint64
	timer  clock.Timer
	ctx    context.Context
	cancel context.CancelFunc
	state  State
}

func New(c Config) *Poller {
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.StartingInterval <= 0 {
		c.StartingInterval = DefaultStartingInterval
	}
	if c.InProgressInterval <= 0 {
		c.InProgressInterval = DefaultInProgressInterval
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = DefaultIdleInterval
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = DefaultBaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}

	return &Poller{
		c:     c,
		state: State{Status: StatusDisconnected},
	}
}

// Enable starts the loop with an immediate read. It never blocks on the read.
// Enabling a lost poller starts over with a fresh attempt counter.
func (p *Poller) Enable(ctx context.Context) {
	p.mu.Lock()
	if p.enabled && p.state.Status != StatusLost {
		p.mu.Unlock()
		return
	}

	p.stopLocked()
	p.enabled = true
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.state.Status = StatusPolling
	p.state.Attempts = 0
	p.state.Err = nil
	p.scheduleLocked(0)
	st := p.state
	p.mu.Unlock()

	p.notify(st)
}

// Disable stops the loop. A read in flight is discarded.
func (p *Poller) Disable() {
	p.mu.Lock()
	if !p.enabled {
		p.mu.Unlock()
		return
	}

	p.stopLocked()
	p.enabled = false
	p.state.Status = StatusDisconnected
	st := p.state
	p.mu.Unlock()

	p.notify(st)
}

// Refresh reads immediately, outside the loop. The loop keeps its timing,
// status and attempt counter; only a lost poller is resumed by a successful
// refresh.
func (p *Poller) Refresh(ctx context.Context) (State, error) {
	c, err := p.c.Fetcher.GetState(ctx, p.c.CompetitionID)

	p.mu.Lock()
	if err != nil {
		st := p.state
		p.mu.Unlock()
		return st, err
	}

	p.state.Competition = c
	p.state.UpdateTime = p.c.Clock.Now()
	if p.enabled {
		switch p.state.Status {
		case StatusLost:
			p.state.Attempts = 0
			p.state.Err = nil
			p.state.Status = StatusConnected
			p.scheduleLocked(p.interval(c))
		case StatusPolling:
			p.state.Status = StatusConnected
		}
	}
	st := p.state
	p.mu.Unlock()

	p.notify(st)
	return st, nil
}

func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Poller) read(gen uint64) {
	p.mu.Lock()
	if !p.enabled || gen != p.gen {
		p.mu.Unlock()
		return
	}
	ctx := p.ctx
	p.mu.Unlock()

	c, err := p.c.Fetcher.GetState(ctx, p.c.CompetitionID)

	p.mu.Lock()
	if !p.enabled || gen != p.gen {
		p.mu.Unlock()
		return
	}

	if err != nil {
		p.state.Attempts++
		p.state.Err = err

		if p.state.Attempts >= p.c.MaxAttempts {
			p.state.Status = StatusLost
			p.timer = nil
			slog.WarnContext(ctx, "poller: connection lost",
				"competition", p.c.CompetitionID,
				"attempts", p.state.Attempts,
				"error", err,
			)
		} else {
			p.state.Status = StatusReconnecting
			p.scheduleLocked(p.backoff(p.state.Attempts))
		}
	} else {
		p.state.Status = StatusConnected
		p.state.Competition = c
		p.state.Attempts = 0
		p.state.Err = nil
		p.state.UpdateTime = p.c.Clock.Now()
		p.scheduleLocked(p.interval(c))
	}

	st := p.state
	p.mu.Unlock()

	p.notify(st)
}

func (p *Poller) scheduleLocked(d time.Duration) {
	if p.timer != nil {
		p.timer.Stop()
	}
	gen := p.gen
	p.timer = p.c.Clock.AfterFunc(d, func() { p.read(gen) })
}

func (p *Poller) stopLocked() {
	p.gen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

func (p *Poller) interval(c *domain.Competition) time.Duration {
	switch c.Status {
	case domain.StatusStarting:
		return p.c.StartingInterval
	case domain.StatusInProgress:
		return p.c.InProgressInterval
	default:
		return p.c.IdleInterval
	}
}

// backoff returns min(base * 2^attempts, max).
func (p *Poller) backoff(attempts int) time.Duration {
	d := p.c.BaseBackoff
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= p.c.MaxBackoff {
			return p.c.MaxBackoff
		}
	}
	return d
}

func (p *Poller) notify(st State) {
	if p.c.OnUpdate != nil {
		p.c.OnUpdate(st)
	}
}
