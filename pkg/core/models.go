package core

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// AgentID identifies an agent participating in a conversation
type AgentID string

// MeetingID identifies a meeting (a broadcast group of agents)
type MeetingID string

// HumanAgentID is the sender id used for messages typed by a human
const HumanAgentID AgentID = "human"

// HumanKlass is the sender klass used for messages typed by a human
const HumanKlass = "HumanAgent"

// NewAgentID returns a fresh agent id
func NewAgentID() AgentID {
	return AgentID("agent-" + uuid.New().String())
}

// NewMeetingID returns a fresh meeting id
func NewMeetingID() MeetingID {
	return MeetingID("meeting-" + uuid.New().String())
}

// MessageType is the variant tag of a Message
type MessageType string

const (
	MessageTypeDirect            MessageType = "direct"
	MessageTypeMeetingBroadcast  MessageType = "meeting_broadcast"
	MessageTypeMeetingInvitation MessageType = "meeting_invitation"
)

// ErrInvalidMessage is returned when a message is missing routing fields
var ErrInvalidMessage = errors.New("invalid message")

var validate = validator.New()

// Message is a communication between agents. Messages are passed by value
// and must not be modified once handed to the messaging layer.
type Message struct {
	ID             string      // uuid v7, time ordered
	SenderID       AgentID     `validate:"required"`
	SenderKlass    string      // Sender's declared class name
	RecipientID    AgentID     `validate:"required_if=Type direct,required_if=Type meeting_invitation"`
	RecipientKlass string      // Empty for broadcasts
	Type           MessageType `validate:"oneof=direct meeting_broadcast meeting_invitation"`
	Content        string
	MeetingID      MeetingID `validate:"required_unless=Type direct,excluded_if=Type direct"`
	CreatedAt      time.Time
}

// NewMessage fills in ID and CreatedAt for a message built by a producer
func NewMessage(msg Message) Message {
	if msg.ID == "" {
		msg.ID = uuid.Must(uuid.NewV7()).String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	return msg
}

// Validate checks that the message carries the routing fields its type needs
func (m Message) Validate() error {
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}

// IsHuman reports whether the message was sent by a human
func (m Message) IsHuman() bool {
	return m.SenderID == HumanAgentID
}

// IsMeetingScoped reports whether the message belongs to a meeting
func (m Message) IsMeetingScoped() bool {
	return m.Type == MessageTypeMeetingBroadcast || m.Type == MessageTypeMeetingInvitation
}

// RoutingKey groups messages that are batched together
type RoutingKey struct {
	Recipient AgentID
	Meeting   MeetingID
}

func (k RoutingKey) String() string {
	if k.Meeting != "" {
		return "meeting:" + string(k.Meeting)
	}
	return "direct:" + string(k.Recipient)
}

// RoutingKey returns the batching context of the message. Meeting broadcasts
// share one context per meeting regardless of recipient.
func (m Message) RoutingKey() RoutingKey {
	if m.Type == MessageTypeMeetingBroadcast {
		return RoutingKey{Meeting: m.MeetingID}
	}
	if m.IsMeetingScoped() {
		return RoutingKey{Recipient: m.RecipientID, Meeting: m.MeetingID}
	}
	return RoutingKey{Recipient: m.RecipientID}
}

func (m Message) String() string {
	if m.MeetingID != "" {
		return fmt.Sprintf("[%s] %s (%s): %s", m.MeetingID, m.SenderID, m.SenderKlass, m.Content)
	}
	return fmt.Sprintf("%s (%s): %s", m.SenderID, m.SenderKlass, m.Content)
}
