package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boristopalov/huddle/pkg/core"
)

// recorder collects delivered batches
type recorder struct {
	mu      sync.Mutex
	batches [][]core.Message
	ch      chan []core.Message
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan []core.Message, 32)}
}

func (r *recorder) deliver(_ context.Context, batch []core.Message) error {
	r.mu.Lock()
	r.batches = append(r.batches, batch)
	r.mu.Unlock()
	r.ch <- batch
	return nil
}

func (r *recorder) next(t *testing.T) []core.Message {
	t.Helper()
	select {
	case batch := <-r.ch:
		return batch
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for batch delivery")
		return nil
	}
}

func (r *recorder) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case batch := <-r.ch:
		t.Fatalf("unexpected delivery of %d messages: %v", len(batch), contents(batch))
	case <-time.After(wait):
	}
}

func contents(batch []core.Message) []string {
	out := make([]string, len(batch))
	for i, m := range batch {
		out[i] = m.Content
	}
	return out
}

func toAgent(content string) core.Message {
	return direct("1001", "1000", content)
}

func fromHuman(content string) core.Message {
	msg := direct(core.HumanAgentID, "1000", content)
	msg.SenderKlass = core.HumanKlass
	return msg
}

func newFakeCollector(t *testing.T, opts ...CollectorOption) (*Collector, *clockwork.FakeClock, *recorder) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	rec := newRecorder()
	opts = append([]CollectorOption{
		WithClock(clock),
		WithTimeout(500 * time.Millisecond),
		WithMaxBatchWait(5 * time.Second),
		WithDeliveryCallback(rec.deliver),
	}, opts...)
	c := NewCollector(opts...)
	t.Cleanup(func() {
		_ = c.Close(context.Background())
	})
	return c, clock, rec
}

func TestCollectorBurstCoalescing(t *testing.T) {
	c, clock, rec := newFakeCollector(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, c.AddMessage(toAgent(fmt.Sprintf("Message %d", i+1))))
		clock.Advance(100 * time.Millisecond)
	}
	rec.none(t, 50*time.Millisecond)
	assert.Equal(t, 5, c.Pending(core.RoutingKey{Recipient: "1000"}))

	clock.Advance(400 * time.Millisecond)

	batch := rec.next(t)
	assert.Equal(t, []string{"Message 1", "Message 2", "Message 3", "Message 4", "Message 5"}, contents(batch))
	assert.Equal(t, 0, c.Pending(core.RoutingKey{Recipient: "1000"}))
	rec.none(t, 50*time.Millisecond)
}

func TestCollectorSingleMessageDelay(t *testing.T) {
	c, clock, rec := newFakeCollector(t)

	require.NoError(t, c.AddMessage(toAgent("Single message")))

	clock.Advance(499 * time.Millisecond)
	rec.none(t, 50*time.Millisecond)

	clock.Advance(time.Millisecond)
	batch := rec.next(t)
	require.Len(t, batch, 1)
	assert.Equal(t, "Single message", batch[0].Content)
}

func TestCollectorHumanFlush(t *testing.T) {
	c, clock, rec := newFakeCollector(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, c.AddMessage(toAgent(fmt.Sprintf("Agent message %d", i+1))))
	}
	clock.Advance(100 * time.Millisecond)

	require.NoError(t, c.AddMessage(fromHuman("Human message")))

	batch := rec.next(t)
	require.Len(t, batch, 4)
	assert.Equal(t, "Human message", batch[3].Content)
	assert.Equal(t, 0, c.Pending(core.RoutingKey{Recipient: "1000"}))

	// the cancelled timers must not deliver anything else
	clock.Advance(10 * time.Second)
	rec.none(t, 50*time.Millisecond)
}

func TestCollectorHumanFirstMessage(t *testing.T) {
	c, clock, rec := newFakeCollector(t)

	require.NoError(t, c.AddMessage(fromHuman("hello")))
	batch := rec.next(t)
	assert.Equal(t, []string{"hello"}, contents(batch))

	clock.Advance(10 * time.Second)
	rec.none(t, 50*time.Millisecond)
}

func TestCollectorMeetingFlush(t *testing.T) {
	c, clock, rec := newFakeCollector(t)
	meeting := core.MeetingID("meeting-123")

	for i := 0; i < 2; i++ {
		require.NoError(t, c.AddMessage(broadcast("1001", meeting, fmt.Sprintf("Meeting broadcast %d", i+1))))
	}
	clock.Advance(100 * time.Millisecond)

	human := broadcast(core.HumanAgentID, meeting, "Human speaks in meeting")
	human.SenderKlass = core.HumanKlass
	require.NoError(t, c.AddMessage(human))

	batch := rec.next(t)
	assert.Equal(t, []string{"Meeting broadcast 1", "Meeting broadcast 2", "Human speaks in meeting"}, contents(batch))
}

func TestCollectorContextsAreIndependent(t *testing.T) {
	c, clock, rec := newFakeCollector(t)
	meeting := core.MeetingID("meeting-123")

	require.NoError(t, c.AddMessage(toAgent("direct 1")))
	require.NoError(t, c.AddMessage(broadcast("1001", meeting, "broadcast 1")))

	human := broadcast(core.HumanAgentID, meeting, "human in meeting")
	require.NoError(t, c.AddMessage(human))

	batch := rec.next(t)
	assert.Equal(t, []string{"broadcast 1", "human in meeting"}, contents(batch))
	assert.Equal(t, 1, c.Pending(core.RoutingKey{Recipient: "1000"}))

	clock.Advance(500 * time.Millisecond)
	batch = rec.next(t)
	assert.Equal(t, []string{"direct 1"}, contents(batch))
}

func TestCollectorMaxWaitPreventsStarvation(t *testing.T) {
	c, clock, rec := newFakeCollector(t,
		WithTimeout(100*time.Millisecond),
		WithMaxBatchWait(300*time.Millisecond),
	)

	// four messages 80ms apart keep resetting the rolling timer
	for i := 0; i < 4; i++ {
		require.NoError(t, c.AddMessage(toAgent(fmt.Sprintf("Message %d", i+1))))
		if i < 3 {
			clock.Advance(80 * time.Millisecond)
		}
	}
	rec.none(t, 50*time.Millisecond)

	// t=300ms: the absolute deadline of the first message expires
	clock.Advance(60 * time.Millisecond)
	first := rec.next(t)
	assert.Equal(t, []string{"Message 1", "Message 2", "Message 3", "Message 4"}, contents(first))

	for i := 4; i < 6; i++ {
		require.NoError(t, c.AddMessage(toAgent(fmt.Sprintf("Message %d", i+1))))
		clock.Advance(80 * time.Millisecond)
	}
	clock.Advance(20 * time.Millisecond)
	second := rec.next(t)
	assert.Equal(t, []string{"Message 5", "Message 6"}, contents(second))
	assert.Less(t, len(first), 6)
}

func TestCollectorMaxBatchSize(t *testing.T) {
	c, clock, rec := newFakeCollector(t, WithMaxBatchSize(3))

	for i := 0; i < 4; i++ {
		require.NoError(t, c.AddMessage(toAgent(fmt.Sprintf("m%d", i+1))))
	}

	batch := rec.next(t)
	assert.Equal(t, []string{"m1", "m2", "m3"}, contents(batch))

	clock.Advance(500 * time.Millisecond)
	batch = rec.next(t)
	assert.Equal(t, []string{"m4"}, contents(batch))
}

func TestCollectorDeliveryFailureClearsBatch(t *testing.T) {
	for name, fail := range map[string]DeliveryFunc{
		"error": func(context.Context, []core.Message) error { return errors.New("queue unavailable") },
		"panic": func(context.Context, []core.Message) error { panic("boom") },
	} {
		t.Run(name, func(t *testing.T) {
			c, clock, rec := newFakeCollector(t)
			calls := make(chan struct{}, 1)
			c.SetDeliveryCallback(func(ctx context.Context, batch []core.Message) error {
				calls <- struct{}{}
				return fail(ctx, batch)
			})

			require.NoError(t, c.AddMessage(toAgent("lost")))
			clock.Advance(500 * time.Millisecond)

			select {
			case <-calls:
			case <-time.After(2 * time.Second):
				t.Fatal("failing callback was not invoked")
			}
			assert.Equal(t, 0, c.Pending(core.RoutingKey{Recipient: "1000"}))

			// no retry, and the context accepts a fresh batch
			c.SetDeliveryCallback(rec.deliver)
			require.NoError(t, c.AddMessage(toAgent("next")))
			clock.Advance(500 * time.Millisecond)
			assert.Equal(t, []string{"next"}, contents(rec.next(t)))
		})
	}
}

func TestCollectorPreservesOrderAcrossBatches(t *testing.T) {
	c, clock, rec := newFakeCollector(t)

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	c.SetDeliveryCallback(func(ctx context.Context, batch []core.Message) error {
		once.Do(func() {
			close(started)
			<-release
		})
		return rec.deliver(ctx, batch)
	})

	require.NoError(t, c.AddMessage(toAgent("first batch")))
	clock.Advance(500 * time.Millisecond)
	<-started

	// flushed while the first batch is still being delivered
	require.NoError(t, c.AddMessage(fromHuman("second batch")))
	rec.none(t, 50*time.Millisecond)

	close(release)
	assert.Equal(t, []string{"first batch"}, contents(rec.next(t)))
	assert.Equal(t, []string{"second batch"}, contents(rec.next(t)))
}

func TestCollectorReplaceCallback(t *testing.T) {
	c, clock, rec := newFakeCollector(t)
	other := newRecorder()

	require.NoError(t, c.AddMessage(toAgent("to first")))
	clock.Advance(500 * time.Millisecond)
	assert.Equal(t, []string{"to first"}, contents(rec.next(t)))

	c.SetDeliveryCallback(other.deliver)
	require.NoError(t, c.AddMessage(toAgent("to second")))
	clock.Advance(500 * time.Millisecond)
	assert.Equal(t, []string{"to second"}, contents(other.next(t)))
	rec.none(t, 50*time.Millisecond)
}

func TestCollectorWithoutCallbackDropsBatch(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := NewCollector(WithClock(clock))

	require.NoError(t, c.AddMessage(toAgent("nobody listens")))
	clock.Advance(DefaultTimeout)

	require.NoError(t, c.Close(context.Background()))
	assert.Equal(t, 0, c.Pending(core.RoutingKey{Recipient: "1000"}))
}

func TestCollectorRejectsInvalidMessage(t *testing.T) {
	c, _, _ := newFakeCollector(t)

	err := c.AddMessage(core.Message{SenderID: "1001", Type: core.MessageTypeDirect, Content: "no recipient"})
	require.ErrorIs(t, err, core.ErrInvalidMessage)
}

func TestCollectorClose(t *testing.T) {
	c, _, rec := newFakeCollector(t)
	meeting := core.MeetingID("meeting-123")

	require.NoError(t, c.AddMessage(toAgent("direct")))
	require.NoError(t, c.AddMessage(broadcast("1001", meeting, "broadcast")))

	require.NoError(t, c.Close(context.Background()))

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		for _, m := range rec.next(t) {
			got[m.Content] = true
		}
	}
	assert.Equal(t, map[string]bool{"direct": true, "broadcast": true}, got)

	require.ErrorIs(t, c.AddMessage(toAgent("late")), ErrCollectorClosed)
	require.NoError(t, c.Close(context.Background()))
}

func TestCollectorCloseTimesOut(t *testing.T) {
	clock := clockwork.NewFakeClock()
	release := make(chan struct{})
	defer close(release)

	c := NewCollector(WithClock(clock), WithDeliveryCallback(func(context.Context, []core.Message) error {
		<-release
		return nil
	}))
	require.NoError(t, c.AddMessage(toAgent("stuck")))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, c.Close(ctx), context.DeadlineExceeded)
}

// The tests below run against the real clock with the timings of the agent
// defaults: a 500ms rolling window.

func TestCollectorRealClock(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}

	t.Run("burst batching", func(t *testing.T) {
		rec := newRecorder()
		c := NewCollector(WithDeliveryCallback(rec.deliver))
		defer c.Close(context.Background())

		messages := []string{"First", "Second", "Third", "Fourth", "Fifth"}
		for _, content := range messages {
			require.NoError(t, c.AddMessage(toAgent(content)))
		}

		time.Sleep(600 * time.Millisecond)
		rec.mu.Lock()
		defer rec.mu.Unlock()
		require.Len(t, rec.batches, 1)
		assert.Equal(t, messages, contents(rec.batches[0]))
	})

	t.Run("human message flush", func(t *testing.T) {
		rec := newRecorder()
		c := NewCollector(WithDeliveryCallback(rec.deliver))
		defer c.Close(context.Background())

		for i := 0; i < 3; i++ {
			require.NoError(t, c.AddMessage(toAgent(fmt.Sprintf("Agent message %d", i+1))))
		}
		time.Sleep(100 * time.Millisecond)
		require.NoError(t, c.AddMessage(fromHuman("Human message")))

		select {
		case batch := <-rec.ch:
			require.Len(t, batch, 4)
			assert.Equal(t, "Human message", batch[3].Content)
		case <-time.After(100 * time.Millisecond):
			t.Fatal("human message did not flush promptly")
		}
	})

	t.Run("single message waits for timeout", func(t *testing.T) {
		rec := newRecorder()
		c := NewCollector(WithDeliveryCallback(rec.deliver))
		defer c.Close(context.Background())

		require.NoError(t, c.AddMessage(toAgent("Single message")))
		rec.none(t, 200*time.Millisecond)

		select {
		case batch := <-rec.ch:
			assert.Equal(t, []string{"Single message"}, contents(batch))
		case <-time.After(400 * time.Millisecond):
			t.Fatal("single message was not delivered after the timeout")
		}
	})

	t.Run("max wait enforcement", func(t *testing.T) {
		rec := newRecorder()
		c := NewCollector(
			WithTimeout(100*time.Millisecond),
			WithMaxBatchWait(300*time.Millisecond),
			WithDeliveryCallback(rec.deliver),
		)
		defer c.Close(context.Background())

		for i := 0; i < 6; i++ {
			require.NoError(t, c.AddMessage(toAgent(fmt.Sprintf("Message %d", i+1))))
			time.Sleep(80 * time.Millisecond)
		}
		time.Sleep(100 * time.Millisecond)

		rec.mu.Lock()
		defer rec.mu.Unlock()
		require.NotEmpty(t, rec.batches)
		assert.Less(t, len(rec.batches[0]), 6)
	})
}
