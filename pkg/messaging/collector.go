package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/boristopalov/huddle/internal/metrics"
	"github.com/boristopalov/huddle/pkg/core"
)

const (
	DefaultTimeout      = 500 * time.Millisecond
	DefaultMaxBatchWait = 5 * time.Second
)

// FlushReason records why a batch left the collector
type FlushReason string

const (
	FlushTimeout FlushReason = "timeout"
	FlushMaxWait FlushReason = "max_wait"
	FlushHuman   FlushReason = "human"
	FlushSize    FlushReason = "size"
	FlushClose   FlushReason = "close"
)

// batch is the pending buffer of one routing context
type batch struct {
	key       core.RoutingKey
	messages  []core.Message
	startedAt time.Time

	rolling    clockwork.Timer
	rollingSeq uint64
	absolute   clockwork.Timer
}

// Collector coalesces bursts of messages per routing context into batches.
//
// Each new message re-arms a rolling inactivity timer for its context. The
// first message of a batch also arms an absolute timer that is never reset,
// so continuous traffic cannot postpone delivery past MaxBatchWait. A message
// from a human flushes its context right away.
//
// Deliveries for one context happen in flush order; a batch is handed to the
// callback only after the previous batch of that context was delivered.
type Collector struct {
	timeout time.Duration
	maxWait time.Duration
	maxSize int
	clock   clockwork.Clock
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	deliver  DeliveryFunc
	pending  map[core.RoutingKey]*batch
	inflight map[core.RoutingKey]chan struct{}
	closed   bool
	wg       sync.WaitGroup
}

type CollectorOption func(*Collector)

// WithTimeout sets the rolling inactivity window
func WithTimeout(d time.Duration) CollectorOption {
	return func(c *Collector) {
		c.timeout = d
	}
}

// WithMaxBatchWait sets the absolute ceiling measured from the first message of a batch
func WithMaxBatchWait(d time.Duration) CollectorOption {
	return func(c *Collector) {
		c.maxWait = d
	}
}

// WithMaxBatchSize flushes a batch as soon as it holds n messages. Zero disables the limit.
func WithMaxBatchSize(n int) CollectorOption {
	return func(c *Collector) {
		c.maxSize = n
	}
}

func WithClock(clock clockwork.Clock) CollectorOption {
	return func(c *Collector) {
		c.clock = clock
	}
}

func WithLogger(logger zerolog.Logger) CollectorOption {
	return func(c *Collector) {
		c.logger = logger
	}
}

func WithDeliveryCallback(fn DeliveryFunc) CollectorOption {
	return func(c *Collector) {
		c.deliver = fn
	}
}

// NewCollector creates a collector with a 500ms rolling window and a 5s ceiling
// unless overridden by options
func NewCollector(opts ...CollectorOption) *Collector {
	c := &Collector{
		timeout:  DefaultTimeout,
		maxWait:  DefaultMaxBatchWait,
		clock:    clockwork.NewRealClock(),
		logger:   zerolog.Nop(),
		pending:  make(map[core.RoutingKey]*batch),
		inflight: make(map[core.RoutingKey]chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "collector").Logger()
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// SetDeliveryCallback replaces the callback used for future flushes
func (c *Collector) SetDeliveryCallback(fn DeliveryFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deliver = fn
}

// AddMessage buffers msg in its routing context. It never waits for delivery.
func (c *Collector) AddMessage(msg core.Message) error {
	if err := msg.Validate(); err != nil {
		metrics.MessagesRejected.Inc()
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		metrics.MessagesRejected.Inc()
		return ErrCollectorClosed
	}

	key := msg.RoutingKey()
	b, ok := c.pending[key]
	if !ok {
		b = &batch{key: key, startedAt: c.clock.Now()}
		c.pending[key] = b
		if !msg.IsHuman() {
			b.absolute = c.clock.AfterFunc(c.maxWait, func() {
				c.fire(b, 0, FlushMaxWait)
			})
		}
	}
	b.messages = append(b.messages, msg)

	switch {
	case msg.IsHuman():
		c.flushLocked(b, FlushHuman)
	case c.maxSize > 0 && len(b.messages) >= c.maxSize:
		c.flushLocked(b, FlushSize)
	default:
		if b.rolling != nil {
			b.rolling.Stop()
		}
		b.rollingSeq++
		seq := b.rollingSeq
		b.rolling = c.clock.AfterFunc(c.timeout, func() {
			c.fire(b, seq, FlushTimeout)
		})
	}
	return nil
}

// Pending returns the number of buffered messages for key
func (c *Collector) Pending(key core.RoutingKey) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.pending[key]; ok {
		return len(b.messages)
	}
	return 0
}

// Close flushes every pending batch and waits for in-flight deliveries.
// Later calls to AddMessage fail with ErrCollectorClosed.
func (c *Collector) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, b := range c.pending {
		c.flushLocked(b, FlushClose)
	}
	c.mu.Unlock()

	defer c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for deliveries: %w", ctx.Err())
	}
}

// fire is run by the timers. A timer whose batch was already flushed, or a
// rolling timer that was superseded, does nothing.
func (c *Collector) fire(b *batch, seq uint64, reason FlushReason) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending[b.key] != b {
		return
	}
	if reason == FlushTimeout && seq != b.rollingSeq {
		return
	}
	c.flushLocked(b, reason)
}

// flushLocked detaches b from the pending map and hands it to a delivery
// goroutine. c.mu must be held.
func (c *Collector) flushLocked(b *batch, reason FlushReason) {
	delete(c.pending, b.key)
	if b.rolling != nil {
		b.rolling.Stop()
	}
	if b.absolute != nil {
		b.absolute.Stop()
	}

	prev := c.inflight[b.key]
	done := make(chan struct{})
	c.inflight[b.key] = done

	c.wg.Add(1)
	go c.dispatch(b, reason, c.deliver, prev, done)
}

func (c *Collector) dispatch(b *batch, reason FlushReason, deliver DeliveryFunc, prev, done chan struct{}) {
	defer c.wg.Done()
	defer func() {
		close(done)
		c.mu.Lock()
		if c.inflight[b.key] == done {
			delete(c.inflight, b.key)
		}
		c.mu.Unlock()
	}()

	if prev != nil {
		<-prev
	}

	age := c.clock.Since(b.startedAt)
	metrics.BatchesFlushed.WithLabelValues(string(reason)).Inc()
	metrics.BatchSize.Observe(float64(len(b.messages)))
	metrics.BatchAge.Observe(age.Seconds())

	c.logger.Debug().
		Str("context", b.key.String()).
		Str("reason", string(reason)).
		Int("size", len(b.messages)).
		Dur("age", age).
		Msg("flushing batch")

	if deliver == nil {
		c.logger.Warn().
			Str("context", b.key.String()).
			Int("size", len(b.messages)).
			Msg("no delivery callback registered, dropping batch")
		return
	}

	if err := c.safeDeliver(deliver, b.messages); err != nil {
		metrics.DeliveryFailures.Inc()
		c.logger.Error().
			Err(err).
			Str("context", b.key.String()).
			Str("reason", string(reason)).
			Int("size", len(b.messages)).
			Msg("batch delivery failed")
	}
}

func (c *Collector) safeDeliver(deliver DeliveryFunc, messages []core.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("delivery callback panicked: %v", r)
		}
	}()
	return deliver(c.ctx, messages)
}
