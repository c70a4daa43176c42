package experiment

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/boristopalov/huddle/pkg/agent"
	"github.com/boristopalov/huddle/pkg/config"
	"github.com/boristopalov/huddle/pkg/core"
	"github.com/boristopalov/huddle/pkg/environment"
	"github.com/boristopalov/huddle/pkg/messaging"
)

type Status struct {
	Running   bool
	StartTime time.Time
	EndTime   time.Time
}

// BaseExperiment puts the configured agents into one meeting and lets a
// human talk to them
type BaseExperiment struct {
	name      string
	cfg       *config.Config
	env       *environment.BaseEnvironment
	meetingID core.MeetingID
	host      core.AgentID
	linger    time.Duration
	clock     clockwork.Clock
	logger    zerolog.Logger

	mu     sync.RWMutex
	status Status
}

type Params struct {
	Name      string
	Client    agent.LLMClient
	Recorder  agent.BatchRecorder
	MeetingID core.MeetingID
	Linger    time.Duration
	Clock     clockwork.Clock
	Logger    zerolog.Logger
}

type Option func(*Params)

func WithName(name string) Option {
	return func(p *Params) {
		p.Name = name
	}
}

func WithClient(client agent.LLMClient) Option {
	return func(p *Params) {
		p.Client = client
	}
}

func WithRecorder(r agent.BatchRecorder) Option {
	return func(p *Params) {
		p.Recorder = r
	}
}

func WithMeetingID(id core.MeetingID) Option {
	return func(p *Params) {
		p.MeetingID = id
	}
}

// WithLinger keeps the agents running for d after the human input ends
func WithLinger(d time.Duration) Option {
	return func(p *Params) {
		p.Linger = d
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(p *Params) {
		p.Clock = clock
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(p *Params) {
		p.Logger = logger
	}
}

// NewExperiment creates cfg.Agents.Count agents named agent-1, agent-2, ...
// on a fresh broker. agent-1 hosts the meeting.
func NewExperiment(cfg *config.Config, opts ...Option) (*BaseExperiment, error) {
	params := &Params{
		Name:      "huddle",
		MeetingID: core.NewMeetingID(),
		Clock:     clockwork.NewRealClock(),
		Logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(params)
	}

	logger := params.Logger.With().Str("experiment", params.Name).Logger()
	broker := messaging.NewBroker(logger)
	env := environment.NewBaseEnvironment(broker,
		environment.WithClock(params.Clock),
		environment.WithLogger(logger),
	)

	for i := 1; i <= cfg.Agents.Count; i++ {
		a, err := agent.NewLLMAgent(agentOptions(cfg, params, broker, logger, i)...)
		if err != nil {
			return nil, fmt.Errorf("failed to create agent: %w", err)
		}
		if err := env.AddAgent(a); err != nil {
			return nil, fmt.Errorf("failed to add agent to environment: %w", err)
		}
		logger.Debug().Str("agent_id", string(a.GetID())).Msg("created agent")
	}

	return &BaseExperiment{
		name:      params.Name,
		cfg:       cfg,
		env:       env,
		meetingID: params.MeetingID,
		host:      agentID(1),
		linger:    params.Linger,
		clock:     params.Clock,
		logger:    logger,
	}, nil
}

func agentID(i int) core.AgentID {
	return core.AgentID(fmt.Sprintf("agent-%d", i))
}

func agentOptions(cfg *config.Config, params *Params, broker messaging.Broker, logger zerolog.Logger, i int) []agent.AgentOption {
	opts := []agent.AgentOption{
		agent.WithAgentId(agentID(i)),
		agent.WithKlass(cfg.Agents.Klass),
		agent.WithTask(cfg.Agents.Task),
		agent.WithModel(agent.ModelInfo{Id: cfg.Provider.Model, Config: make(map[string]any)}),
		agent.WithMessageBroker(broker),
		agent.WithInboundSize(cfg.Broker.BufferSize),
		agent.WithQueueSize(cfg.Agents.QueueSize),
		agent.WithMemorySize(cfg.Agents.MemorySize),
		agent.WithAutoJoin(true),
		agent.WithReplyTimeout(cfg.Agents.ReplyTimeout),
		agent.WithLogger(logger),
		agent.WithCollectorOptions(
			messaging.WithTimeout(cfg.Collector.Timeout),
			messaging.WithMaxBatchWait(cfg.Collector.MaxBatchWait),
			messaging.WithMaxBatchSize(cfg.Collector.MaxBatchSize),
			messaging.WithClock(params.Clock),
		),
	}
	if params.Client != nil {
		opts = append(opts, agent.WithClient(params.Client))
		if cfg.Agents.AutoReply {
			opts = append(opts, agent.WithAutoReply(cfg.Agents.MaxReplies))
		}
	}
	if params.Recorder != nil {
		opts = append(opts, agent.WithRecorder(params.Recorder))
	}
	return opts
}

func (e *BaseExperiment) Name() string {
	return e.name
}

func (e *BaseExperiment) MeetingID() core.MeetingID {
	return e.meetingID
}

func (e *BaseExperiment) Environment() *environment.BaseEnvironment {
	return e.env
}

func (e *BaseExperiment) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// Run starts the meeting and the agents. Every line read from human is said
// in the meeting; a line "@agent-2 hi" is sent to agent-2 only. Run returns
// when ctx is done, or after human reaches EOF and the linger period passed.
// A nil human runs until ctx is done.
func (e *BaseExperiment) Run(ctx context.Context, human io.Reader) error {
	e.mu.Lock()
	e.status.Running = true
	e.status.StartTime = e.clock.Now()
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.status.Running = false
		e.status.EndTime = e.clock.Now()
		e.mu.Unlock()
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := e.env.StartMeeting(runCtx, e.host, e.meetingID, e.cfg.Agents.Task); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- e.env.Run(runCtx)
	}()

	if human != nil {
		go func() {
			e.readHuman(runCtx, human)
			if e.linger > 0 {
				select {
				case <-e.clock.After(e.linger):
				case <-runCtx.Done():
				}
			}
			cancel()
		}()
	}

	return <-done
}

func (e *BaseExperiment) readHuman(ctx context.Context, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var err error
		if to, text, ok := parseMention(line); ok {
			err = e.env.HumanTell(to, text)
		} else {
			err = e.env.HumanSay(e.meetingID, line)
		}
		if err != nil {
			e.logger.Warn().Err(err).Msg("failed to deliver human message")
		}
	}
	if err := scanner.Err(); err != nil {
		e.logger.Error().Err(err).Msg("failed to read human input")
	}
}

// parseMention splits "@agent-2 hello" into its recipient and text
func parseMention(line string) (core.AgentID, string, bool) {
	if !strings.HasPrefix(line, "@") {
		return "", "", false
	}
	to, text, found := strings.Cut(line[1:], " ")
	text = strings.TrimSpace(text)
	if !found || to == "" || text == "" {
		return "", "", false
	}
	return core.AgentID(to), text, true
}
