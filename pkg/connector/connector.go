package connector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hearthd/hearthd/pkg/bus"
	"github.com/hearthd/hearthd/pkg/log"
	"github.com/hearthd/hearthd/pkg/types"
)

// Connector is the capability-neutral lifecycle every external adapter
// implements. Capability contracts (mail, price feed, chat) are separate
// interfaces asserted by the agents that use them.
type Connector interface {
	Name() string
	Health() types.ConnectorHealth
	Start(ctx context.Context) error
	Stop() error
}

// Publisher is the subset of the bus the registry needs.
type Publisher interface {
	Publish(event *types.Event) error
}

// healthCheckInterval is how often the registry polls connector health.
const healthCheckInterval = 15 * time.Second

// Registry owns connector lifecycle. Connectors start in registration
// order and stop in reverse. Health transitions are published as
// connector.health events; connectors never call into agents directly.
type Registry struct {
	pub Publisher

	mu         sync.RWMutex
	connectors []Connector
	byName     map[string]Connector
	lastHealth map[string]types.ConnectorHealth
	running    bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewRegistry creates an empty registry publishing health events to pub.
func NewRegistry(pub Publisher) *Registry {
	return &Registry{
		pub:        pub,
		byName:     make(map[string]Connector),
		lastHealth: make(map[string]types.ConnectorHealth),
	}
}

// Register adds a connector. Must be called before Start.
func (r *Registry) Register(c Connector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return fmt.Errorf("cannot register %q while registry is running", c.Name())
	}
	if _, exists := r.byName[c.Name()]; exists {
		return fmt.Errorf("connector %q already registered", c.Name())
	}
	r.connectors = append(r.connectors, c)
	r.byName[c.Name()] = c
	return nil
}

// Get returns a registered connector by name.
func (r *Registry) Get(name string) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byName[name]
	return c, ok
}

// Start brings every connector online in registration order. If one
// fails, the ones already started are stopped in reverse and the error
// is returned.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil
	}

	logger := log.WithComponent("connector")
	for i, c := range r.connectors {
		if err := c.Start(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				if stopErr := r.connectors[j].Stop(); stopErr != nil {
					logger.Error().Err(stopErr).Str("connector", r.connectors[j].Name()).Msg("failed to stop connector during unwind")
				}
			}
			return fmt.Errorf("failed to start connector %q: %w", c.Name(), err)
		}
		logger.Info().Str("connector", c.Name()).Msg("connector started")
	}

	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	go r.healthLoop()
	return nil
}

// Stop stops every connector in reverse registration order.
func (r *Registry) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	close(r.stopCh)
	connectors := make([]Connector, len(r.connectors))
	copy(connectors, r.connectors)
	r.mu.Unlock()

	<-r.doneCh

	logger := log.WithComponent("connector")
	var firstErr error
	for i := len(connectors) - 1; i >= 0; i-- {
		if err := connectors[i].Stop(); err != nil {
			logger.Error().Err(err).Str("connector", connectors[i].Name()).Msg("failed to stop connector")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		logger.Info().Str("connector", connectors[i].Name()).Msg("connector stopped")
	}
	return firstErr
}

// HealthSnapshot returns the current health of every connector.
func (r *Registry) HealthSnapshot() map[string]types.ConnectorHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := make(map[string]types.ConnectorHealth, len(r.connectors))
	for _, c := range r.connectors {
		snapshot[c.Name()] = c.Health()
	}
	return snapshot
}

// CheckHealth polls every connector once and publishes an event for each
// health transition.
func (r *Registry) CheckHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.connectors {
		current := c.Health()
		previous, seen := r.lastHealth[c.Name()]
		r.lastHealth[c.Name()] = current
		if seen && previous == current {
			continue
		}

		severity := types.SeverityInfo
		priority := types.PriorityNormal
		if current == types.ConnectorUnhealthy {
			severity = types.SeverityWarning
			priority = types.PriorityHigh
		}
		if err := r.pub.Publish(&types.Event{
			Type:     bus.TopicConnectorHealth,
			Severity: severity,
			Priority: priority,
			Source:   "connector:" + c.Name(),
			Payload: map[string]any{
				"connector": c.Name(),
				"health":    string(current),
				"previous":  string(previous),
			},
		}); err != nil {
			log.WithComponent("connector").Error().Err(err).Str("connector", c.Name()).Msg("failed to publish health event")
		}
	}
}

func (r *Registry) healthLoop() {
	defer close(r.doneCh)

	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	r.CheckHealth()
	for {
		select {
		case <-ticker.C:
			r.CheckHealth()
		case <-r.stopCh:
			return
		}
	}
}

// limiter serializes capability calls on a connector and enforces a
// minimum interval between them, respecting upstream rate limits.
type limiter struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
}

func newLimiter(interval time.Duration) *limiter {
	return &limiter{interval: interval}
}

// wait blocks until the next call slot or ctx is done. The limiter's
// mutex is held for the duration of the call via the returned release.
func (l *limiter) wait(ctx context.Context) (release func(), err error) {
	l.mu.Lock()
	if l.interval > 0 {
		if wait := l.interval - time.Since(l.last); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				l.mu.Unlock()
				return nil, ctx.Err()
			}
		}
	}
	l.last = time.Now()
	return l.mu.Unlock, nil
}
