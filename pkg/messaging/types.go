package messaging

import (
	"context"
	"errors"

	"github.com/boristopalov/huddle/pkg/core"
)

var (
	ErrCollectorClosed = errors.New("collector is closed")
	ErrQueueClosed     = errors.New("queue is closed")
	ErrChannelFull     = errors.New("recipient channel is full")
	ErrNotSubscribed   = errors.New("agent is not subscribed")
)

// Sender can send messages
type Sender interface {
	Send(msg core.Message) error
}

// Receiver can receive messages
type Receiver interface {
	Receive() <-chan core.Message
}

// Agent combines sending and receiving capabilities
type Agent interface {
	Sender
	Receiver
}

// Broker handles message routing between agents
type Broker interface {
	// Publish sends a message to its recipient, or to every other subscriber for broadcasts
	Publish(msg core.Message) error
	// Subscribe registers an agent to receive messages
	Subscribe(agentID core.AgentID, ch chan<- core.Message) error
	// Unsubscribe removes an agent's subscription
	Unsubscribe(agentID core.AgentID) error
}

// DeliveryFunc receives every flushed batch, in order
type DeliveryFunc func(ctx context.Context, batch []core.Message) error

// MeetingBuffer is the buffering hook of a meeting manager. It reports true
// when it took ownership of the message.
type MeetingBuffer interface {
	AddMessageToBuffer(ctx context.Context, msg core.Message) (bool, error)
}

// MessageQueue receives delivered batches on behalf of an agent
type MessageQueue interface {
	Put(ctx context.Context, batch []core.Message) error
}
