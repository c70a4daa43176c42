// Package meeting tracks which meetings an agent takes part in and owns
// the meeting traffic the agent's collector should never see.
package meeting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/boristopalov/huddle/pkg/core"
)

var ErrUnknownMeeting = errors.New("unknown meeting")

// Invitation is a pending request to join a meeting
type Invitation struct {
	MeetingID  core.MeetingID
	From       core.AgentID
	Topic      string
	ReceivedAt time.Time
}

// Manager is the per-agent meeting state
type Manager struct {
	agentID  core.AgentID
	autoJoin bool
	logger   zerolog.Logger

	mu          sync.RWMutex
	joined      map[core.MeetingID]time.Time
	invitations map[core.MeetingID]Invitation
	discarded   int
}

type Option func(*Manager)

// WithAutoJoin makes the manager accept every invitation it receives
func WithAutoJoin(autoJoin bool) Option {
	return func(m *Manager) {
		m.autoJoin = autoJoin
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

func NewManager(agentID core.AgentID, opts ...Option) *Manager {
	m := &Manager{
		agentID:     agentID,
		logger:      zerolog.Nop(),
		joined:      make(map[core.MeetingID]time.Time),
		invitations: make(map[core.MeetingID]Invitation),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With().Str("component", "meeting").Str("agent_id", string(agentID)).Logger()
	return m
}

// AddMessageToBuffer reports true when the manager took ownership of msg.
// Invitations are always claimed. Broadcasts are claimed, and discarded, only
// for meetings the agent is not part of; broadcasts of joined meetings and
// direct messages are left to the collector.
func (m *Manager) AddMessageToBuffer(_ context.Context, msg core.Message) (bool, error) {
	switch msg.Type {
	case core.MessageTypeMeetingInvitation:
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.joined[msg.MeetingID]; ok {
			return true, nil
		}
		if m.autoJoin {
			m.joined[msg.MeetingID] = time.Now()
			m.logger.Info().Str("meeting_id", string(msg.MeetingID)).Str("from", string(msg.SenderID)).Msg("joined meeting on invitation")
			return true, nil
		}
		m.invitations[msg.MeetingID] = Invitation{
			MeetingID:  msg.MeetingID,
			From:       msg.SenderID,
			Topic:      msg.Content,
			ReceivedAt: time.Now(),
		}
		return true, nil

	case core.MessageTypeMeetingBroadcast:
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.joined[msg.MeetingID]; ok {
			return false, nil
		}
		m.discarded++
		m.logger.Debug().Str("meeting_id", string(msg.MeetingID)).Str("message_id", msg.ID).Msg("discarding broadcast for meeting not joined")
		return true, nil

	case core.MessageTypeDirect:
		return false, nil

	default:
		return false, fmt.Errorf("%w: type %q", core.ErrInvalidMessage, msg.Type)
	}
}

// Join adds the agent to a meeting, consuming a pending invitation if any
func (m *Manager) Join(meetingID core.MeetingID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.invitations, meetingID)
	if _, ok := m.joined[meetingID]; !ok {
		m.joined[meetingID] = time.Now()
	}
}

// Accept joins a meeting the agent was invited to
func (m *Manager) Accept(meetingID core.MeetingID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.invitations[meetingID]; !ok {
		return fmt.Errorf("%w: no invitation for %s", ErrUnknownMeeting, meetingID)
	}
	delete(m.invitations, meetingID)
	m.joined[meetingID] = time.Now()
	return nil
}

func (m *Manager) Leave(meetingID core.MeetingID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.joined[meetingID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMeeting, meetingID)
	}
	delete(m.joined, meetingID)
	return nil
}

func (m *Manager) IsMember(meetingID core.MeetingID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.joined[meetingID]
	return ok
}

// Joined returns the meetings the agent is in, sorted by id
func (m *Manager) Joined() []core.MeetingID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]core.MeetingID, 0, len(m.joined))
	for id := range m.joined {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Invitations returns pending invitations, oldest first
func (m *Manager) Invitations() []Invitation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Invitation, 0, len(m.invitations))
	for _, inv := range m.invitations {
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out
}

// Discarded returns how many broadcasts were dropped for meetings not joined
func (m *Manager) Discarded() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.discarded
}
