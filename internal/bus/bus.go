// Package bus is the in-process message plane connecting agents, the
// twin, the bridges, and the orchestrator. It provides topic pub/sub
// with per-topic FIFO per subscriber, correlated request/response, and
// capability-filtered broadcast.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/verdantlabs/canopy/internal/observability"
)

var (
	// ErrNoRecipient means a request named a target with no live inbox
	// subscription.
	ErrNoRecipient = errors.New("no subscriber for target inbox")
	// ErrClosed rejects operations after Close.
	ErrClosed = errors.New("bus is closed")
)

const (
	defaultQueueDepth     = 64
	defaultPublishTimeout = 5 * time.Second
)

// Subscription is one consumer's view of a topic. Receive from C; call
// Unsubscribe when done, after which C is closed.
type Subscription struct {
	id           string
	topic        string
	owner        string
	capabilities map[string]bool
	ch           chan Message
	bus          *Bus
}

// C is the delivery channel. It closes on Unsubscribe or bus Close.
func (s *Subscription) C() <-chan Message { return s.ch }

// Unsubscribe detaches the consumer and closes its channel.
func (s *Subscription) Unsubscribe() { s.bus.unsubscribe(s) }

// SubOption customizes a subscription.
type SubOption func(*Subscription)

// WithQueueDepth sets the per-subscriber buffer size.
func WithQueueDepth(n int) SubOption {
	return func(s *Subscription) {
		if n > 0 {
			s.ch = make(chan Message, n)
		}
	}
}

// WithOwner tags the subscription with the consuming agent id.
func WithOwner(id string) SubOption {
	return func(s *Subscription) { s.owner = id }
}

// WithCapabilities declares what the consumer can do, used to filter
// broadcasts.
func WithCapabilities(caps ...string) SubOption {
	return func(s *Subscription) {
		for _, c := range caps {
			s.capabilities[c] = true
		}
	}
}

// Bus fans messages out to subscribers. All methods are safe for
// concurrent use. Delivery to the subscribers of one topic happens in
// publish order.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]map[string]*Subscription
	pending map[string]chan Message
	closed  bool

	publishTimeout time.Duration
	logger         *slog.Logger
	metrics        *observability.MetricsManager
	traces         *observability.TraceManager
}

// Option customizes a Bus at construction time.
type Option func(*Bus)

// WithPublishTimeout bounds how long a publish blocks on one slow
// non-telemetry subscriber before dropping.
func WithPublishTimeout(d time.Duration) Option {
	return func(b *Bus) { b.publishTimeout = d }
}

// WithMetrics wires bus counters into the metrics pipeline.
func WithMetrics(mm *observability.MetricsManager) Option {
	return func(b *Bus) { b.metrics = mm }
}

// WithTracing wires publish and request spans.
func WithTracing(tm *observability.TraceManager) Option {
	return func(b *Bus) { b.traces = tm }
}

// New builds an empty bus.
func New(logger *slog.Logger, opts ...Option) *Bus {
	b := &Bus{
		subs:           make(map[string]map[string]*Subscription),
		pending:        make(map[string]chan Message),
		publishTimeout: defaultPublishTimeout,
		logger:         logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe attaches a consumer to a topic.
func (b *Bus) Subscribe(topic string, opts ...SubOption) (*Subscription, error) {
	sub := &Subscription{
		id:           uuid.NewString(),
		topic:        topic,
		capabilities: make(map[string]bool),
		ch:           make(chan Message, defaultQueueDepth),
		bus:          b,
	}
	for _, opt := range opts {
		opt(sub)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[string]*Subscription)
	}
	b.subs[topic][sub.id] = sub
	b.logger.Debug("subscribed", "topic", topic, "owner", sub.owner)
	return sub, nil
}

func (b *Bus) unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	topicSubs, ok := b.subs[s.topic]
	if !ok {
		return
	}
	if _, ok := topicSubs[s.id]; !ok {
		return
	}
	delete(topicSubs, s.id)
	if len(topicSubs) == 0 {
		delete(b.subs, s.topic)
	}
	close(s.ch)
}

// Publish delivers msg to every subscriber of its topic, in order.
// Topics under telemetry/ are lossy: a full subscriber queue sheds its
// oldest message. Other topics block up to the publish timeout, then
// drop with a warning.
func (b *Bus) Publish(ctx context.Context, msg Message) error {
	if b.traces != nil {
		var span trace.Span
		ctx, span = b.traces.StartPublishSpan(ctx, msg.Topic)
		b.traces.AddMessageAttributes(span, msg.ID, string(msg.Kind), string(msg.Priority))
		defer span.End()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*Subscription, 0, len(b.subs[msg.Topic]))
	for _, s := range b.subs[msg.Topic] {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	if b.metrics != nil {
		b.metrics.IncrementBusPublished(ctx, msg.Topic)
	}

	lossy := strings.HasPrefix(msg.Topic, TopicTelemetryPrefix)
	for _, s := range targets {
		b.deliver(ctx, s, msg, lossy)
	}
	return nil
}

func (b *Bus) deliver(ctx context.Context, s *Subscription, msg Message, lossy bool) {
	defer func() {
		// A concurrent Unsubscribe can close the channel mid-send.
		if recover() != nil {
			b.logger.Debug("delivery to closed subscription dropped", "topic", msg.Topic)
		}
	}()

	if lossy {
		for {
			select {
			case s.ch <- msg:
				return
			default:
			}
			select {
			case <-s.ch: // shed the oldest queued message
				if b.metrics != nil {
					b.metrics.IncrementBusDropped(ctx, msg.Topic)
				}
			default:
			}
		}
	}

	select {
	case s.ch <- msg:
	case <-time.After(b.publishTimeout):
		b.logger.Warn("subscriber too slow, message dropped",
			"topic", msg.Topic,
			"owner", s.owner,
			"message_id", msg.ID,
		)
		if b.metrics != nil {
			b.metrics.IncrementBusDropped(ctx, msg.Topic)
		}
	case <-ctx.Done():
	}
}

// Request sends a correlated request to the target agent's inbox and
// waits for the matching response or context expiry. A response that
// arrives after the caller has given up is discarded.
func (b *Bus) Request(ctx context.Context, from, target string, payload map[string]any) (Message, error) {
	start := time.Now()

	if b.traces != nil {
		var span trace.Span
		ctx, span = b.traces.StartRequestSpan(ctx, from, target)
		defer span.End()
	}

	msg := NewMessage(InboxTopic(target), KindRequest, from, payload)
	msg.To = target
	msg.CorrelationID = msg.ID

	respCh := make(chan Message, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Message{}, ErrClosed
	}
	if len(b.subs[msg.Topic]) == 0 {
		b.mu.Unlock()
		if b.metrics != nil {
			b.metrics.IncrementBusRequests(ctx, target, false)
		}
		return Message{}, fmt.Errorf("%w: %s", ErrNoRecipient, target)
	}
	b.pending[msg.CorrelationID] = respCh
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, msg.CorrelationID)
		b.mu.Unlock()
	}()

	if err := b.Publish(ctx, msg); err != nil {
		return Message{}, err
	}

	select {
	case resp := <-respCh:
		if b.metrics != nil {
			b.metrics.IncrementBusRequests(ctx, target, true)
			b.metrics.RecordBusRequestDuration(ctx, target, time.Since(start))
		}
		return resp, nil
	case <-ctx.Done():
		if b.metrics != nil {
			b.metrics.IncrementBusRequests(ctx, target, false)
		}
		return Message{}, fmt.Errorf("request to %s: %w", target, ctx.Err())
	}
}

// Respond routes a response back to the requester identified by the
// request's correlation id. Late responses, after the requester has
// timed out, are logged and dropped.
func (b *Bus) Respond(req Message, from string, payload map[string]any) {
	resp := NewMessage(req.Topic, KindResponse, from, payload)
	resp.To = req.From
	resp.CorrelationID = req.CorrelationID

	b.mu.RLock()
	ch, ok := b.pending[req.CorrelationID]
	b.mu.RUnlock()

	if !ok {
		b.logger.Debug("late response discarded",
			"correlation_id", req.CorrelationID,
			"from", from,
		)
		return
	}
	select {
	case ch <- resp:
	default:
		b.logger.Debug("duplicate response discarded", "correlation_id", req.CorrelationID)
	}
}

// Broadcast publishes to the broadcast topic, delivering only to
// subscribers that declared the required capability. An empty
// capability reaches everyone.
func (b *Bus) Broadcast(ctx context.Context, from, capability string, payload map[string]any) error {
	msg := NewMessage(TopicBroadcast, KindBroadcast, from, payload)

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*Subscription, 0, len(b.subs[TopicBroadcast]))
	for _, s := range b.subs[TopicBroadcast] {
		if capability == "" || s.capabilities[capability] {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	if b.metrics != nil {
		b.metrics.IncrementBusPublished(ctx, TopicBroadcast)
	}
	for _, s := range targets {
		b.deliver(ctx, s, msg, false)
	}
	return nil
}

// SubscriberCount reports live subscriptions on a topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Close shuts the bus down and closes every subscription channel.
// Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for topic, topicSubs := range b.subs {
		for _, s := range topicSubs {
			close(s.ch)
		}
		delete(b.subs, topic)
	}
	b.logger.Info("bus closed")
}
