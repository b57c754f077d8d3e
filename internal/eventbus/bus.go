package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/sagacore/internal/logging"
	"github.com/rendis/sagacore/pkg/schema"
)

// AllEvents subscribes to every event type.
const AllEvents = "*"

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("eventbus: closed")

// Handler consumes one event. Returned errors are logged, never propagated
// to the publisher or other subscribers.
type Handler func(ctx context.Context, event *schema.DomainEvent) error

// SubscribeOptions scopes a subscription.
type SubscribeOptions struct {
	// TenantID restricts delivery to one tenant. Empty receives all tenants.
	TenantID string
}

type subscription struct {
	id        uint64
	eventType string
	opts      SubscribeOptions
	handler   Handler
}

type laneKey struct {
	tenantID  string
	eventType string
}

// lane is the FIFO queue for one (tenant, type) stream. At most one
// goroutine drains a lane at a time.
type lane struct {
	queue []*schema.DomainEvent
}

// Bus is an in-process, asynchronous publish/subscribe dispatcher.
// Publish enqueues and returns; events of one (tenant, type) stream are
// delivered in publish order, different streams progress independently.
type Bus struct {
	logger *slog.Logger
	source string
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	subs    map[string]map[uint64]*subscription
	lanes   map[laneKey]*lane
	pending int
	idle    chan struct{}
	closed  bool

	seq atomic.Uint64
}

// Option configures a Bus.
type Option func(*Bus)

// WithSource sets the metadata source stamped on events that lack one.
func WithSource(source string) Option {
	return func(b *Bus) { b.source = source }
}

// New creates a Bus.
func New(logger *slog.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		logger: logger.With(slog.String("component", "eventbus")),
		source: "sagacore",
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]map[uint64]*subscription),
		lanes:  make(map[laneKey]*lane),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe registers h for eventType (or AllEvents). The returned func
// removes the subscription.
func (b *Bus) Subscribe(eventType string, opts SubscribeOptions, h Handler) func() {
	sub := &subscription{id: b.seq.Add(1), eventType: eventType, opts: opts, handler: h}

	b.mu.Lock()
	if b.subs[eventType] == nil {
		b.subs[eventType] = make(map[uint64]*subscription)
	}
	b.subs[eventType][sub.id] = sub
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs[eventType], sub.id)
		b.mu.Unlock()
	}
}

// Publish builds a DomainEvent and queues it for delivery. It does not wait
// for subscribers. The returned event is a copy of what subscribers receive.
func (b *Bus) Publish(ctx context.Context, eventType, tenantID string, payload map[string]any, meta schema.EventMetadata) (*schema.DomainEvent, error) {
	if meta.CorrelationID == "" {
		meta.CorrelationID = logging.CorrelationID(ctx)
	}
	ev, err := b.prepare(ctx, &schema.DomainEvent{
		Type:     eventType,
		TenantID: tenantID,
		Payload:  payload,
		Metadata: meta,
	})
	if err != nil {
		return nil, err
	}
	if err := b.enqueue(ev); err != nil {
		return nil, err
	}
	return ev.Clone(), nil
}

// PublishEvent queues a pre-built event, filling in missing id, version,
// source, correlation id and timestamp.
func (b *Bus) PublishEvent(ctx context.Context, ev *schema.DomainEvent) error {
	prepared, err := b.prepare(ctx, ev)
	if err != nil {
		return err
	}
	return b.enqueue(prepared)
}

func (b *Bus) prepare(ctx context.Context, ev *schema.DomainEvent) (*schema.DomainEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ev == nil || ev.Type == "" || ev.TenantID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "event type and tenant_id are required")
	}

	ev = ev.Clone()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Version == 0 {
		ev.Version = 1
	}
	if ev.Metadata.Source == "" {
		ev.Metadata.Source = b.source
	}
	if ev.Metadata.CorrelationID == "" {
		ev.Metadata.CorrelationID = ev.ID
	}
	if ev.Metadata.Timestamp.IsZero() {
		ev.Metadata.Timestamp = time.Now().UTC()
	}
	return ev, nil
}

func (b *Bus) enqueue(ev *schema.DomainEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	key := laneKey{tenantID: ev.TenantID, eventType: ev.Type}
	l, running := b.lanes[key]
	if !running {
		l = &lane{}
		b.lanes[key] = l
	}
	l.queue = append(l.queue, ev)
	b.pending++
	if !running {
		go b.runLane(key, l)
	}
	return nil
}

// runLane delivers queued events of one stream in order, then retires the
// lane once it is empty.
func (b *Bus) runLane(key laneKey, l *lane) {
	for {
		b.mu.Lock()
		if len(l.queue) == 0 {
			delete(b.lanes, key)
			b.mu.Unlock()
			return
		}
		ev := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		targets := b.matchingLocked(ev)
		b.mu.Unlock()

		for _, sub := range targets {
			b.deliver(sub, ev)
		}

		b.mu.Lock()
		b.pending--
		if b.pending == 0 && b.idle != nil {
			close(b.idle)
			b.idle = nil
		}
		b.mu.Unlock()
	}
}

// matchingLocked snapshots the subscriptions for ev in subscription order.
func (b *Bus) matchingLocked(ev *schema.DomainEvent) []*subscription {
	var out []*subscription
	for _, typ := range []string{ev.Type, AllEvents} {
		for _, sub := range b.subs[typ] {
			if sub.opts.TenantID != "" && sub.opts.TenantID != ev.TenantID {
				continue
			}
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (b *Bus) deliver(sub *subscription, ev *schema.DomainEvent) {
	ctx := logging.WithTenantID(b.ctx, ev.TenantID)
	ctx = logging.WithCorrelationID(ctx, ev.Metadata.CorrelationID)

	defer func() {
		if r := recover(); r != nil {
			b.logger.ErrorContext(ctx, "subscriber panicked",
				slog.String("event_type", ev.Type),
				slog.String("event_id", ev.ID),
				slog.Any("panic", r))
		}
	}()

	if err := sub.handler(ctx, ev.Clone()); err != nil {
		b.logger.WarnContext(ctx, "subscriber failed",
			slog.String("event_type", ev.Type),
			slog.String("event_id", ev.ID),
			slog.String("error", err.Error()))
	}
}

// Drain blocks until every queued event has been delivered or ctx ends.
func (b *Bus) Drain(ctx context.Context) error {
	for {
		b.mu.Lock()
		if b.pending == 0 {
			b.mu.Unlock()
			return nil
		}
		if b.idle == nil {
			b.idle = make(chan struct{})
		}
		idle := b.idle
		b.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return fmt.Errorf("eventbus drain: %w", ctx.Err())
		}
	}
}

// Close stops accepting events, waits for queued deliveries and then
// cancels the context handed to subscribers.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	err := b.Drain(ctx)
	b.cancel()
	return err
}
