package environment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/boristopalov/huddle/pkg/agent"
	"github.com/boristopalov/huddle/pkg/core"
	"github.com/boristopalov/huddle/pkg/messaging"
)

var (
	ErrAgentExists   = errors.New("agent already registered")
	ErrAgentNotFound = errors.New("agent not found")
	ErrRunning       = errors.New("environment is running")
)

type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
)

type State struct {
	Status    Status
	Agents    int
	Meetings  []core.MeetingID
	Timestamp time.Time
}

// Broker is the message broker shared by all agents of an environment
type Broker interface {
	messaging.Broker
	Reset()
}

// BaseEnvironment hosts a set of agents on one broker
type BaseEnvironment struct {
	broker       Broker
	clock        clockwork.Clock
	logger       zerolog.Logger
	closeTimeout time.Duration

	mu       sync.RWMutex
	agents   []agent.Agent
	meetings []core.MeetingID
	state    State
}

type Option func(*BaseEnvironment)

func WithClock(clock clockwork.Clock) Option {
	return func(e *BaseEnvironment) {
		e.clock = clock
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(e *BaseEnvironment) {
		e.logger = logger
	}
}

// WithCloseTimeout bounds how long agents may take to flush when the
// environment stops
func WithCloseTimeout(d time.Duration) Option {
	return func(e *BaseEnvironment) {
		e.closeTimeout = d
	}
}

func NewBaseEnvironment(broker Broker, opts ...Option) *BaseEnvironment {
	e := &BaseEnvironment{
		broker:       broker,
		clock:        clockwork.NewRealClock(),
		logger:       zerolog.Nop(),
		closeTimeout: 5 * time.Second,
		agents:       make([]agent.Agent, 0),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With().Str("component", "environment").Logger()
	e.state = State{
		Status:    StatusIdle,
		Timestamp: e.clock.Now(),
	}
	return e
}

func (e *BaseEnvironment) Broker() Broker {
	return e.broker
}

func (e *BaseEnvironment) GetState() State {
	e.mu.RLock()
	defer e.mu.RUnlock()

	state := e.state
	state.Agents = len(e.agents)
	state.Meetings = append([]core.MeetingID(nil), e.meetings...)
	return state
}

// Run runs every agent until ctx is done or one of them fails, then closes
// all agents so that buffered messages are flushed
func (e *BaseEnvironment) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.state.Status == StatusRunning {
		e.mu.Unlock()
		return ErrRunning
	}
	e.setStatusLocked(StatusRunning)
	agents := append([]agent.Agent(nil), e.agents...)
	e.mu.Unlock()

	e.logger.Info().Int("agents", len(agents)).Msg("environment running")

	g, gCtx := errgroup.WithContext(ctx)
	for _, a := range agents {
		g.Go(func() error {
			if err := a.Run(gCtx); err != nil {
				return fmt.Errorf("agent %s: %w", a.GetID(), err)
			}
			return nil
		})
	}
	err := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), e.closeTimeout)
	defer cancel()
	for _, a := range agents {
		if closeErr := a.Close(closeCtx); closeErr != nil {
			e.logger.Warn().Err(closeErr).Str("agent_id", string(a.GetID())).Msg("failed to close agent")
		}
	}

	e.mu.Lock()
	e.setStatusLocked(StatusStopped)
	e.mu.Unlock()

	e.logger.Info().Msg("environment stopped")
	return err
}

func (e *BaseEnvironment) AddAgent(a agent.Agent) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Status == StatusRunning {
		return ErrRunning
	}
	for _, existing := range e.agents {
		if existing.GetID() == a.GetID() {
			return fmt.Errorf("%w: %s", ErrAgentExists, a.GetID())
		}
	}
	e.agents = append(e.agents, a)
	return nil
}

// RemoveAgent closes the agent and forgets it
func (e *BaseEnvironment) RemoveAgent(ctx context.Context, id core.AgentID) error {
	e.mu.Lock()
	var removed agent.Agent
	for i, a := range e.agents {
		if a.GetID() == id {
			removed = a
			e.agents = append(e.agents[:i], e.agents[i+1:]...)
			break
		}
	}
	e.mu.Unlock()

	if removed == nil {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return removed.Close(ctx)
}

func (e *BaseEnvironment) GetAgents() []agent.Agent {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]agent.Agent(nil), e.agents...)
}

// StartMeeting makes host join meetingID and invites every other agent
func (e *BaseEnvironment) StartMeeting(ctx context.Context, host core.AgentID, meetingID core.MeetingID, topic string) error {
	e.mu.RLock()
	agents := append([]agent.Agent(nil), e.agents...)
	e.mu.RUnlock()

	var hostAgent agent.Agent
	for _, a := range agents {
		if a.GetID() == host {
			hostAgent = a
		}
	}
	if hostAgent == nil {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, host)
	}

	for _, a := range agents {
		if a.GetID() == host {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := hostAgent.Invite(a.GetID(), meetingID, topic); err != nil {
			return fmt.Errorf("inviting %s to %s: %w", a.GetID(), meetingID, err)
		}
	}

	e.mu.Lock()
	e.meetings = append(e.meetings, meetingID)
	e.mu.Unlock()

	e.logger.Info().
		Str("meeting_id", string(meetingID)).
		Str("host", string(host)).
		Int("invited", len(agents)-1).
		Msg("meeting started")
	return nil
}

// HumanSay broadcasts text from the human into a meeting
func (e *BaseEnvironment) HumanSay(meetingID core.MeetingID, text string) error {
	return e.broker.Publish(core.NewMessage(core.Message{
		SenderID:    core.HumanAgentID,
		SenderKlass: core.HumanKlass,
		Type:        core.MessageTypeMeetingBroadcast,
		Content:     text,
		MeetingID:   meetingID,
	}))
}

// HumanTell sends text from the human to a single agent
func (e *BaseEnvironment) HumanTell(to core.AgentID, text string) error {
	return e.broker.Publish(core.NewMessage(core.Message{
		SenderID:    core.HumanAgentID,
		SenderKlass: core.HumanKlass,
		RecipientID: to,
		Type:        core.MessageTypeDirect,
		Content:     text,
	}))
}

// Reset closes and forgets every agent
func (e *BaseEnvironment) Reset(ctx context.Context) error {
	e.mu.Lock()
	if e.state.Status == StatusRunning {
		e.mu.Unlock()
		return ErrRunning
	}
	agents := e.agents
	e.agents = make([]agent.Agent, 0)
	e.meetings = nil
	e.setStatusLocked(StatusIdle)
	e.mu.Unlock()

	var errs []error
	for _, a := range agents {
		if err := a.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("agent %s: %w", a.GetID(), err))
		}
	}
	e.broker.Reset()
	return errors.Join(errs...)
}

func (e *BaseEnvironment) setStatusLocked(status Status) {
	e.state.Status = status
	e.state.Timestamp = e.clock.Now()
}
