package messaging

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/boristopalov/huddle/internal/metrics"
	"github.com/boristopalov/huddle/pkg/core"
)

// SimpleBroker implements the Broker interface
// subscribers is a map where keys are agent IDs and values are channels for receiving messages
type SimpleBroker struct {
	subscribers map[core.AgentID]chan<- core.Message
	logger      zerolog.Logger
	mu          sync.RWMutex
}

// NewBroker creates a new message broker
func NewBroker(logger zerolog.Logger) *SimpleBroker {
	return &SimpleBroker{
		subscribers: make(map[core.AgentID]chan<- core.Message),
		logger:      logger.With().Str("component", "broker").Logger(),
	}
}

// Publish routes a message. Direct messages and invitations go to their
// recipient, meeting broadcasts to every subscriber except the sender.
func (b *SimpleBroker) Publish(msg core.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	var recipients []core.AgentID
	if msg.Type == core.MessageTypeMeetingBroadcast {
		for id := range b.subscribers {
			if id != msg.SenderID { // Don't send to self
				recipients = append(recipients, id)
			}
		}
	} else {
		recipients = []core.AgentID{msg.RecipientID}
	}

	metrics.MessagesPublished.WithLabelValues(string(msg.Type)).Inc()

	var full []core.AgentID
	for _, recipientID := range recipients {
		ch, ok := b.subscribers[recipientID]
		if !ok {
			if msg.Type != core.MessageTypeMeetingBroadcast {
				return fmt.Errorf("%w: %s", ErrNotSubscribed, recipientID)
			}
			continue
		}

		// Non-blocking send
		select {
		case ch <- msg:
		default:
			metrics.BrokerDropped.Inc()
			full = append(full, recipientID)
		}
	}

	if len(full) > 0 {
		b.logger.Warn().
			Str("message_id", msg.ID).
			Interface("recipients", full).
			Msg("dropped message for full recipient channels")
		return fmt.Errorf("%w: %v", ErrChannelFull, full)
	}
	return nil
}

// Subscribe registers an agent to receive messages
func (b *SimpleBroker) Subscribe(agentID core.AgentID, ch chan<- core.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[agentID]; exists {
		return fmt.Errorf("agent %s is already subscribed", agentID)
	}

	b.subscribers[agentID] = ch
	b.logger.Debug().Str("agent_id", string(agentID)).Msg("agent subscribed")
	return nil
}

// Unsubscribe removes an agent's subscription
func (b *SimpleBroker) Unsubscribe(agentID core.AgentID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[agentID]; !exists {
		return fmt.Errorf("%w: %s", ErrNotSubscribed, agentID)
	}

	delete(b.subscribers, agentID)
	return nil
}

// Subscribers returns the ids of all subscribed agents
func (b *SimpleBroker) Subscribers() []core.AgentID {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]core.AgentID, 0, len(b.subscribers))
	for id := range b.subscribers {
		ids = append(ids, id)
	}
	return ids
}

func (b *SimpleBroker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = make(map[core.AgentID]chan<- core.Message)
}
