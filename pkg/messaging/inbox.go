package messaging

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/boristopalov/huddle/internal/metrics"
	"github.com/boristopalov/huddle/pkg/core"
)

// Inbox is the inbound path of an agent. Meeting related messages are offered
// to the meeting manager first; everything it does not claim is batched by
// the collector, whose batches end up on the agent's queue.
type Inbox struct {
	collector *Collector
	meetings  MeetingBuffer
	queue     MessageQueue
	logger    zerolog.Logger
}

// NewInbox wires collector deliveries into queue. meetings may be nil.
func NewInbox(collector *Collector, queue MessageQueue, meetings MeetingBuffer, logger zerolog.Logger) *Inbox {
	in := &Inbox{
		collector: collector,
		meetings:  meetings,
		queue:     queue,
		logger:    logger.With().Str("component", "inbox").Logger(),
	}
	collector.SetDeliveryCallback(in.deliver)
	return in
}

// AddMessageToBuffer hands msg to exactly one owner: the meeting manager when
// it claims the message, the collector otherwise.
func (in *Inbox) AddMessageToBuffer(ctx context.Context, msg core.Message) error {
	if in.meetings != nil {
		handled, err := in.meetings.AddMessageToBuffer(ctx, msg)
		if err != nil {
			return fmt.Errorf("meeting manager: %w", err)
		}
		if handled {
			metrics.MeetingClaimed.WithLabelValues(string(msg.Type)).Inc()
			in.logger.Debug().
				Str("message_id", msg.ID).
				Str("meeting_id", string(msg.MeetingID)).
				Msg("message handled by meeting manager")
			return nil
		}
	}
	return in.collector.AddMessage(msg)
}

func (in *Inbox) Collector() *Collector {
	return in.collector
}

func (in *Inbox) deliver(ctx context.Context, batch []core.Message) error {
	return in.queue.Put(ctx, batch)
}
