package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		msg     Message
		wantErr bool
	}{
		{
			name: "direct message",
			msg:  Message{SenderID: "1001", RecipientID: "1000", Type: MessageTypeDirect, Content: "hi"},
		},
		{
			name: "meeting broadcast without recipient",
			msg:  Message{SenderID: "1001", Type: MessageTypeMeetingBroadcast, MeetingID: "meeting-123"},
		},
		{
			name: "meeting invitation",
			msg:  Message{SenderID: "1001", RecipientID: "1000", Type: MessageTypeMeetingInvitation, MeetingID: "meeting-123"},
		},
		{
			name:    "missing sender",
			msg:     Message{RecipientID: "1000", Type: MessageTypeDirect},
			wantErr: true,
		},
		{
			name:    "direct without recipient",
			msg:     Message{SenderID: "1001", Type: MessageTypeDirect},
			wantErr: true,
		},
		{
			name:    "direct with meeting id",
			msg:     Message{SenderID: "1001", RecipientID: "1000", Type: MessageTypeDirect, MeetingID: "meeting-123"},
			wantErr: true,
		},
		{
			name:    "broadcast without meeting",
			msg:     Message{SenderID: "1001", Type: MessageTypeMeetingBroadcast},
			wantErr: true,
		},
		{
			name:    "invitation without recipient",
			msg:     Message{SenderID: "1001", Type: MessageTypeMeetingInvitation, MeetingID: "meeting-123"},
			wantErr: true,
		},
		{
			name:    "unknown type",
			msg:     Message{SenderID: "1001", RecipientID: "1000", Type: "shout"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.msg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidMessage))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestRoutingKey(t *testing.T) {
	t.Parallel()

	direct := Message{SenderID: "1001", RecipientID: "1000", Type: MessageTypeDirect}
	human := Message{SenderID: HumanAgentID, RecipientID: "1000", Type: MessageTypeDirect}
	assert.Equal(t, direct.RoutingKey(), human.RoutingKey())
	assert.Equal(t, "direct:1000", direct.RoutingKey().String())

	b1 := Message{SenderID: "1001", Type: MessageTypeMeetingBroadcast, MeetingID: "m1"}
	b2 := Message{SenderID: HumanAgentID, RecipientID: "1000", Type: MessageTypeMeetingBroadcast, MeetingID: "m1"}
	assert.Equal(t, b1.RoutingKey(), b2.RoutingKey())
	assert.NotEqual(t, direct.RoutingKey(), b1.RoutingKey())
	assert.Equal(t, "meeting:m1", b1.RoutingKey().String())

	assert.True(t, human.IsHuman())
	assert.False(t, direct.IsHuman())
}

func TestNewMessage(t *testing.T) {
	t.Parallel()

	msg := NewMessage(Message{SenderID: "1001", RecipientID: "1000", Type: MessageTypeDirect})
	assert.NotEmpty(t, msg.ID)
	assert.False(t, msg.CreatedAt.IsZero())

	again := NewMessage(msg)
	assert.Equal(t, msg.ID, again.ID)
	assert.Equal(t, msg.CreatedAt, again.CreatedAt)
}
