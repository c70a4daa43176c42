package memory

import (
	"strings"
	"sync"

	"github.com/boristopalov/huddle/pkg/core"
)

// Memory is an agent's short term memory of delivered messages. Once full,
// the oldest messages are forgotten first.
type Memory struct {
	messages []core.Message
	batches  int
	capacity int
	mu       sync.RWMutex
}

func NewMemory(capacity int) *Memory {
	return &Memory{
		messages: make([]core.Message, 0, capacity),
		capacity: capacity,
	}
}

// StoreBatch remembers a delivered batch, keeping its order
func (m *Memory) StoreBatch(batch []core.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.batches++
	m.messages = append(m.messages, batch...)

	// TODO: bound by token count instead of message count
	if over := len(m.messages) - m.capacity; over > 0 {
		m.messages = append(m.messages[:0:0], m.messages[over:]...)
	}
}

// GetAllMessages returns a copy of all messages in memory
func (m *Memory) GetAllMessages() []core.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	messages := make([]core.Message, len(m.messages))
	copy(messages, m.messages)
	return messages
}

// Batches returns how many batches were stored
func (m *Memory) Batches() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.batches
}

// Transcript renders the remembered messages one per line
func (m *Memory) Transcript() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sb strings.Builder
	for _, msg := range m.messages {
		sb.WriteString(msg.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}
