package agent

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/boristopalov/huddle/pkg/core"
	"github.com/boristopalov/huddle/pkg/meeting"
	"github.com/boristopalov/huddle/pkg/memory"
	"github.com/boristopalov/huddle/pkg/messaging"
)

// Agent is anything the environment can host
type Agent interface {
	GetID() core.AgentID
	// Invite asks another agent to join a meeting hosted by this one
	Invite(to core.AgentID, meetingID core.MeetingID, topic string) error
	// Run processes inbound messages until ctx is done
	Run(ctx context.Context) error
	// Close flushes pending batches and detaches the agent from its broker
	Close(ctx context.Context) error
}

type ModelInfo struct {
	Id     string         // e.g. "gpt-4o-mini"
	Config map[string]any // model-specific configuration
}

type LLMClient interface {
	Complete(ctx context.Context, model string, prompt string) (string, error)
}

// BatchRecorder persists delivered batches
type BatchRecorder interface {
	Record(ctx context.Context, agentID core.AgentID, batch []core.Message) error
}

var (
	_ Agent           = (*LLMAgent)(nil)
	_ messaging.Agent = (*LLMAgent)(nil)
)

type LLMAgent struct {
	id            core.AgentID
	klass         string
	task          string
	model         ModelInfo
	client        LLMClient
	memory        *memory.Memory
	messageChan   chan core.Message
	messageBroker messaging.Broker
	collector     *messaging.Collector
	queue         *messaging.Queue
	inbox         *messaging.Inbox
	meetings      *meeting.Manager
	recorder      BatchRecorder
	logger        zerolog.Logger

	autoReply    bool
	maxReplies   int32
	replies      atomic.Int32
	replyTimeout time.Duration
}

type AgentParams struct {
	AgentID          core.AgentID
	Klass            string
	Task             string
	Model            ModelInfo
	Client           LLMClient
	MessageBroker    messaging.Broker
	CollectorOptions []messaging.CollectorOption
	InboundSize      int
	QueueSize        int
	MemorySize       int
	AutoJoin         bool
	AutoReply        bool
	MaxReplies       int
	ReplyTimeout     time.Duration
	Recorder         BatchRecorder
	Logger           zerolog.Logger
}

type AgentOption func(*AgentParams)

func WithAgentId(id core.AgentID) AgentOption {
	return func(p *AgentParams) {
		p.AgentID = id
	}
}

func WithKlass(klass string) AgentOption {
	return func(p *AgentParams) {
		p.Klass = klass
	}
}

func WithTask(task string) AgentOption {
	return func(p *AgentParams) {
		p.Task = task
	}
}

func WithModel(model ModelInfo) AgentOption {
	return func(p *AgentParams) {
		p.Model = model
	}
}

func WithClient(client LLMClient) AgentOption {
	return func(p *AgentParams) {
		p.Client = client
	}
}

func WithMessageBroker(b messaging.Broker) AgentOption {
	return func(p *AgentParams) {
		p.MessageBroker = b
	}
}

// WithCollectorOptions configures the agent's message collector
func WithCollectorOptions(opts ...messaging.CollectorOption) AgentOption {
	return func(p *AgentParams) {
		p.CollectorOptions = append(p.CollectorOptions, opts...)
	}
}

// WithInboundSize sets the buffer of the channel the broker delivers into
func WithInboundSize(n int) AgentOption {
	return func(p *AgentParams) {
		p.InboundSize = n
	}
}

func WithQueueSize(n int) AgentOption {
	return func(p *AgentParams) {
		p.QueueSize = n
	}
}

func WithMemorySize(n int) AgentOption {
	return func(p *AgentParams) {
		p.MemorySize = n
	}
}

// WithAutoJoin makes the agent join every meeting it is invited to
func WithAutoJoin(autoJoin bool) AgentOption {
	return func(p *AgentParams) {
		p.AutoJoin = autoJoin
	}
}

// WithAutoReply makes the agent answer delivered batches with its LLM client,
// at most maxReplies times
func WithAutoReply(maxReplies int) AgentOption {
	return func(p *AgentParams) {
		p.AutoReply = true
		p.MaxReplies = maxReplies
	}
}

func WithReplyTimeout(d time.Duration) AgentOption {
	return func(p *AgentParams) {
		p.ReplyTimeout = d
	}
}

func WithRecorder(r BatchRecorder) AgentOption {
	return func(p *AgentParams) {
		p.Recorder = r
	}
}

func WithLogger(logger zerolog.Logger) AgentOption {
	return func(p *AgentParams) {
		p.Logger = logger
	}
}

func defaultAgentParams() *AgentParams {
	return &AgentParams{
		AgentID: core.NewAgentID(),
		Klass:   "LLMAgent",
		Model: ModelInfo{
			Id:     "gpt-4o-mini",
			Config: make(map[string]any),
		},
		InboundSize:  100, // Buffer 100 messages
		QueueSize:    16,
		MemorySize:   100,
		ReplyTimeout: 30 * time.Second,
		Logger:       zerolog.Nop(),
	}
}

// NewLLMAgent creates a new LLM agent subscribed to its message broker
func NewLLMAgent(opts ...AgentOption) (*LLMAgent, error) {
	params := defaultAgentParams()

	for _, opt := range opts {
		opt(params)
	}

	if params.MessageBroker == nil {
		return nil, errors.New("agent needs a message broker")
	}

	logger := params.Logger.With().Str("agent_id", string(params.AgentID)).Logger()

	collectorOpts := append([]messaging.CollectorOption{messaging.WithLogger(logger)}, params.CollectorOptions...)
	collector := messaging.NewCollector(collectorOpts...)
	queue := messaging.NewQueue(params.QueueSize)
	meetings := meeting.NewManager(params.AgentID,
		meeting.WithAutoJoin(params.AutoJoin),
		meeting.WithLogger(logger),
	)

	agent := &LLMAgent{
		id:            params.AgentID,
		klass:         params.Klass,
		task:          params.Task,
		model:         params.Model,
		client:        params.Client,
		memory:        memory.NewMemory(params.MemorySize),
		messageChan:   make(chan core.Message, params.InboundSize),
		messageBroker: params.MessageBroker,
		collector:     collector,
		queue:         queue,
		inbox:         messaging.NewInbox(collector, queue, meetings, logger),
		meetings:      meetings,
		recorder:      params.Recorder,
		logger:        logger.With().Str("component", "agent").Logger(),
		autoReply:     params.AutoReply && params.Client != nil,
		maxReplies:    int32(params.MaxReplies),
		replyTimeout:  params.ReplyTimeout,
	}

	// Subscribe to messages
	if err := agent.messageBroker.Subscribe(agent.id, agent.messageChan); err != nil {
		return nil, fmt.Errorf("failed to subscribe agent %s: %w", agent.id, err)
	}

	return agent, nil
}

func (a *LLMAgent) GetID() core.AgentID {
	return a.id
}

func (a *LLMAgent) GetKlass() string {
	return a.klass
}

func (a *LLMAgent) GetModel() ModelInfo {
	return a.model
}

func (a *LLMAgent) GetMemory() *memory.Memory {
	return a.memory
}

func (a *LLMAgent) Meetings() *meeting.Manager {
	return a.meetings
}

func (a *LLMAgent) Collector() *messaging.Collector {
	return a.collector
}

// Send implements messaging.Sender
func (a *LLMAgent) Send(msg core.Message) error {
	msg.SenderID = a.id
	msg.SenderKlass = a.klass
	return a.messageBroker.Publish(core.NewMessage(msg))
}

// SendTo sends a direct message to another agent
func (a *LLMAgent) SendTo(to core.AgentID, klass string, content string) error {
	return a.Send(core.Message{
		RecipientID:    to,
		RecipientKlass: klass,
		Type:           core.MessageTypeDirect,
		Content:        content,
	})
}

// Broadcast speaks in a meeting the agent has joined
func (a *LLMAgent) Broadcast(meetingID core.MeetingID, content string) error {
	if !a.meetings.IsMember(meetingID) {
		return fmt.Errorf("%w: %s is not a member of %s", meeting.ErrUnknownMeeting, a.id, meetingID)
	}
	return a.Send(core.Message{
		Type:      core.MessageTypeMeetingBroadcast,
		Content:   content,
		MeetingID: meetingID,
	})
}

// Invite asks another agent to join a meeting. The inviting agent joins the
// meeting itself if it has not yet.
func (a *LLMAgent) Invite(to core.AgentID, meetingID core.MeetingID, topic string) error {
	a.meetings.Join(meetingID)
	return a.Send(core.Message{
		RecipientID: to,
		Type:        core.MessageTypeMeetingInvitation,
		Content:     topic,
		MeetingID:   meetingID,
	})
}

// Receive implements messaging.Receiver
func (a *LLMAgent) Receive() <-chan core.Message {
	return a.messageChan
}

// StartMessageHandler runs the agent in a background goroutine
func (a *LLMAgent) StartMessageHandler(ctx context.Context) {
	go func() {
		if err := a.Run(ctx); err != nil {
			a.logger.Error().Err(err).Msg("message handler stopped")
		}
	}()
}

// Run moves inbound messages into the inbox and handles delivered batches
// until ctx is done
func (a *LLMAgent) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.pump(gCtx)
	})
	g.Go(func() error {
		return a.process(gCtx)
	})
	return g.Wait()
}

// Close flushes what is still buffered, handles it and unsubscribes
func (a *LLMAgent) Close(ctx context.Context) error {
	if err := a.messageBroker.Unsubscribe(a.id); err != nil && !errors.Is(err, messaging.ErrNotSubscribed) {
		a.logger.Warn().Err(err).Msg("failed to unsubscribe")
	}
	// messages the broker delivered but Run did not pick up yet
	for empty := false; !empty; {
		select {
		case msg := <-a.messageChan:
			if err := a.inbox.AddMessageToBuffer(ctx, msg); err != nil {
				a.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("failed to buffer message")
			}
		default:
			empty = true
		}
	}

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for {
			batch, err := a.queue.Get(ctx)
			if err != nil {
				return
			}
			a.storeBatch(ctx, batch)
		}
	}()

	err := a.collector.Close(ctx)
	a.queue.Close()
	<-drained
	return err
}

func (a *LLMAgent) pump(ctx context.Context) error {
	for {
		select {
		case msg := <-a.messageChan:
			if err := a.inbox.AddMessageToBuffer(ctx, msg); err != nil {
				a.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("failed to buffer message")
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (a *LLMAgent) process(ctx context.Context) error {
	for {
		batch, err := a.queue.Get(ctx)
		if err != nil {
			if errors.Is(err, messaging.ErrQueueClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		a.handleBatch(ctx, batch)
	}
}

func (a *LLMAgent) handleBatch(ctx context.Context, batch []core.Message) {
	a.storeBatch(ctx, batch)

	if !a.autoReply || len(batch) == 0 {
		return
	}
	if a.replies.Add(1) > a.maxReplies {
		a.logger.Debug().Msg("reply budget exhausted")
		return
	}
	if err := a.reply(ctx, batch[len(batch)-1]); err != nil {
		a.logger.Warn().Err(err).Msg("failed to reply")
	}
}

func (a *LLMAgent) storeBatch(ctx context.Context, batch []core.Message) {
	a.memory.StoreBatch(batch)
	a.logger.Info().
		Int("size", len(batch)).
		Str("context", batch[0].RoutingKey().String()).
		Msg("batch delivered")

	if a.recorder != nil {
		// a delivered batch is recorded even while the agent shuts down
		if err := a.recorder.Record(context.WithoutCancel(ctx), a.id, batch); err != nil {
			a.logger.Error().Err(err).Msg("failed to record batch")
		}
	}
}

// reply answers the conversation in the context of last, the newest message
// of a delivered batch
func (a *LLMAgent) reply(ctx context.Context, last core.Message) error {
	ctx, cancel := context.WithTimeout(ctx, a.replyTimeout)
	defer cancel()

	prompt := fmt.Sprintf("Your name is %s.\n%s\n\nConversation so far:\n%s",
		a.id, a.task, a.memory.Transcript())

	response, err := a.client.Complete(ctx, a.model.Id, prompt)
	if err != nil {
		return fmt.Errorf("failed to generate response: %w", err)
	}

	if last.Type == core.MessageTypeMeetingBroadcast {
		return a.Broadcast(last.MeetingID, response)
	}
	return a.SendTo(last.SenderID, last.SenderKlass, response)
}
