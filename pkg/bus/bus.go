package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hearthd/hearthd/pkg/log"
	"github.com/hearthd/hearthd/pkg/metrics"
	"github.com/hearthd/hearthd/pkg/types"
)

// Well-known topics.
const (
	TopicTaskCreated      = "task.created"
	TopicTaskCompleted    = "task.completed"
	TopicTaskTimeout      = "task.timeout"
	TopicApprovalRequired = "approval.required"
	TopicApprovalResolved = "approval.resolved"
	TopicBudgetWarning    = "budget.warning"
	TopicInboxMessage     = "inbox.message"
	TopicSystemHealth     = "system.health"
	TopicSchedulerTick    = "scheduler.tick"
	TopicJobDisabled      = "scheduler.job.disabled"
	TopicConnectorHealth  = "connector.health"
	TopicEditApplied      = "edit.applied"
	TopicEditRolledBack   = "edit.rolled_back"
	TopicEditFailed       = "edit.failed"
	TopicIncidentOpened   = "incident.opened"
	TopicIncidentResolved = "incident.resolved"
	TopicCostActual       = "cost.actual"
	TopicPriceQuote       = "price.quote"
	TopicBackupRequested  = "backup.requested"
	TopicEditRequested    = "edit.requested"
	TopicDeadLetter       = "bus.deadletter"
)

// AllTopics returns every well-known topic. Used by subscribers that
// mirror the whole stream, like the websocket hub.
func AllTopics() []string {
	return []string{
		TopicTaskCreated,
		TopicTaskCompleted,
		TopicTaskTimeout,
		TopicApprovalRequired,
		TopicApprovalResolved,
		TopicBudgetWarning,
		TopicInboxMessage,
		TopicSystemHealth,
		TopicSchedulerTick,
		TopicJobDisabled,
		TopicConnectorHealth,
		TopicEditApplied,
		TopicEditRolledBack,
		TopicEditFailed,
		TopicIncidentOpened,
		TopicIncidentResolved,
		TopicCostActual,
		TopicPriceQuote,
		TopicBackupRequested,
		TopicEditRequested,
		TopicDeadLetter,
	}
}

// Weighted round-robin drain ratio: critical:high:normal:low.
var drainWeights = [4]int{1, 2, 4, 8} // indexed by types.Priority (low first)

const (
	// handlerRetries is how many times a failing handler is re-invoked
	// before the event is dead-lettered.
	handlerRetries = 3
	// retryBase is the initial backoff between handler retries.
	retryBase = 100 * time.Millisecond
	// publishBlockTimeout bounds how long Publish blocks on a full
	// high/critical queue before surfacing overflow.
	publishBlockTimeout = 5 * time.Second
)

// Handler consumes one event. Returning an error triggers retry with
// backoff, then dead-lettering. Handlers must be idempotent on event ID.
type Handler func(ctx context.Context, event *types.Event) error

// Sink persists published events. Satisfied by storage.Store.
type Sink interface {
	AppendEvent(event *types.Event) error
}

// Options tune a Bus and wire its escalation callbacks.
type Options struct {
	// QueueSize bounds each subscriber's per-priority queue.
	QueueSize int
	// OnDrop is invoked when an event is discarded (overflow of a
	// low/normal queue, or expired deadline). Used for audit.
	OnDrop func(event *types.Event, subscriber, reason string)
	// OnOverflow is invoked when a high/critical publish could not be
	// delivered within the block timeout. The supervisor raises a
	// bus_overflow incident from here.
	OnOverflow func(event *types.Event, subscriber string)
	// OnDeadLetter is invoked after handler retries are exhausted.
	OnDeadLetter func(event *types.Event, subscriber string, err error)
}

// Bus is the typed publish/subscribe fabric connecting Hearthd components.
// Delivery is at-least-once per subscriber with per-topic FIFO ordering.
type Bus struct {
	sink Sink
	opts Options

	mu     sync.RWMutex
	subs   map[string]*subscription
	closed bool
}

// subscription is one subscriber with its own dispatch goroutine and four
// bounded priority queues drained by weighted round-robin.
type subscription struct {
	name    string
	topics  map[string]bool
	handler Handler
	queues  [4]chan *types.Event
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	bus     *Bus

	mu sync.Mutex // serializes drop-oldest between concurrent publishers
}

// New creates a Bus persisting every published event to sink.
func New(sink Sink, opts Options) *Bus {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	return &Bus{
		sink: sink,
		opts: opts,
		subs: make(map[string]*subscription),
	}
}

// Subscribe registers handler for the given topics under a unique name.
// Events are dispatched to each subscriber on its own goroutine, one at a
// time, so a subscriber's handler never runs concurrently with itself.
func (b *Bus) Subscribe(name string, topics []string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("bus is closed")
	}
	if _, exists := b.subs[name]; exists {
		return fmt.Errorf("subscriber %q already registered", name)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		name:    name,
		topics:  make(map[string]bool, len(topics)),
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		bus:     b,
	}
	for _, t := range topics {
		sub.topics[t] = true
	}
	for i := range sub.queues {
		sub.queues[i] = make(chan *types.Event, b.opts.QueueSize)
	}

	b.subs[name] = sub
	go sub.dispatch()
	return nil
}

// Unsubscribe removes a subscriber and stops its dispatcher.
func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	sub, ok := b.subs[name]
	if ok {
		delete(b.subs, name)
	}
	b.mu.Unlock()

	if ok {
		sub.cancel()
		<-sub.done
	}
}

// Publish persists event and fans it out to every subscriber of its topic.
// Missing ID and Timestamp fields are filled in.
func (b *Bus) Publish(event *types.Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if b.sink != nil {
		if err := b.sink.AppendEvent(event); err != nil {
			return fmt.Errorf("failed to persist event %s: %w", event.Type, err)
		}
	}
	metrics.EventsPublished.WithLabelValues(event.Type, event.Priority.String()).Inc()

	// Snapshot the matching subscribers, then offer outside the lock:
	// offer can block on a full high/critical queue, and its overflow
	// callback publishes again.
	b.mu.RLock()
	targets := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.topics[event.Type] {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		sub.offer(event)
	}
	return nil
}

// offer enqueues event on the subscriber's queue for its priority,
// applying the overflow policy.
func (s *subscription) offer(event *types.Event) {
	q := s.queues[event.Priority]

	select {
	case q <- event:
		return
	default:
	}

	switch event.Priority {
	case types.PriorityLow, types.PriorityNormal:
		// Drop the oldest queued event to make room.
		s.mu.Lock()
		select {
		case dropped := <-q:
			metrics.EventsDropped.WithLabelValues(dropped.Type, "overflow").Inc()
			if s.bus.opts.OnDrop != nil {
				s.bus.opts.OnDrop(dropped, s.name, "queue overflow, dropped oldest")
			}
		default:
		}
		select {
		case q <- event:
		default:
			// Dispatcher raced us and the queue refilled; drop the new one.
			metrics.EventsDropped.WithLabelValues(event.Type, "overflow").Inc()
			if s.bus.opts.OnDrop != nil {
				s.bus.opts.OnDrop(event, s.name, "queue overflow")
			}
		}
		s.mu.Unlock()

	case types.PriorityHigh, types.PriorityCritical:
		// Block the publisher up to the timeout, then escalate.
		timer := time.NewTimer(publishBlockTimeout)
		defer timer.Stop()
		select {
		case q <- event:
		case <-timer.C:
			metrics.EventsDropped.WithLabelValues(event.Type, "bus_overflow").Inc()
			if s.bus.opts.OnOverflow != nil {
				s.bus.opts.OnOverflow(event, s.name)
			}
		case <-s.ctx.Done():
		}
	}
}

// dispatch drains the four priority queues by weighted round-robin so
// higher priorities drain first without starving lower ones.
func (s *subscription) dispatch() {
	defer close(s.done)

	for {
		delivered := false
		// Highest priority first, each up to its weight per round.
		for p := int(types.PriorityCritical); p >= int(types.PriorityLow); p-- {
			for i := 0; i < drainWeights[p]; i++ {
				select {
				case event := <-s.queues[p]:
					s.deliver(event)
					delivered = true
				case <-s.ctx.Done():
					return
				default:
					i = drainWeights[p] // queue empty, next priority
				}
			}
		}
		if delivered {
			continue
		}
		// All queues empty: block until anything arrives.
		select {
		case event := <-s.queues[types.PriorityCritical]:
			s.deliver(event)
		case event := <-s.queues[types.PriorityHigh]:
			s.deliver(event)
		case event := <-s.queues[types.PriorityNormal]:
			s.deliver(event)
		case event := <-s.queues[types.PriorityLow]:
			s.deliver(event)
		case <-s.ctx.Done():
			return
		}
	}
}

// deliver runs the handler with retries and exponential backoff, then
// dead-letters the event.
func (s *subscription) deliver(event *types.Event) {
	if !event.Deadline.IsZero() && time.Now().After(event.Deadline) {
		metrics.EventsDropped.WithLabelValues(event.Type, "expired").Inc()
		if s.bus.opts.OnDrop != nil {
			s.bus.opts.OnDrop(event, s.name, "deadline expired")
		}
		return
	}

	var err error
	for attempt := 0; attempt <= handlerRetries; attempt++ {
		if attempt > 0 {
			backoff := retryBase << (attempt - 1)
			select {
			case <-time.After(backoff):
			case <-s.ctx.Done():
				return
			}
		}
		start := time.Now()
		err = s.handler(s.ctx, event)
		metrics.HandlerDuration.WithLabelValues(s.name, event.Type).Observe(time.Since(start).Seconds())
		if err == nil {
			metrics.EventsDelivered.WithLabelValues(s.name, event.Type).Inc()
			return
		}
		log.WithComponent("bus").Warn().
			Err(err).
			Str("subscriber", s.name).
			Str("event_type", event.Type).
			Int("attempt", attempt+1).
			Msg("handler failed")
	}

	metrics.EventsDeadLettered.WithLabelValues(s.name, event.Type).Inc()
	if s.bus.opts.OnDeadLetter != nil {
		s.bus.opts.OnDeadLetter(event, s.name, err)
	}
}

// Drain waits until every subscriber queue is empty or the deadline
// passes. Used during shutdown.
func (b *Bus) Drain(deadline time.Duration) bool {
	timeout := time.After(deadline)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()

	for {
		if b.queuedTotal() == 0 {
			return true
		}
		select {
		case <-timeout:
			return false
		case <-tick.C:
		}
	}
}

func (b *Bus) queuedTotal() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	total := 0
	for _, sub := range b.subs {
		for i := range sub.queues {
			total += len(sub.queues[i])
		}
	}
	return total
}

// Close stops all subscribers.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[string]*subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
		<-sub.done
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
