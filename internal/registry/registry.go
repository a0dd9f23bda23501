// Package registry holds the known model backends and their live health
// state. Health is carried by a per-backend circuit breaker, so readers
// always observe a consistent state without the request path taking a
// registry-wide lock.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/zerocost-ai/model-router/internal/backend"
	"github.com/zerocost-ai/model-router/internal/types"
)

// BreakerSettings configures the per-backend circuit breaker.
type BreakerSettings struct {
	// FailureThreshold is the number of consecutive failures (dispatch or
	// probe) that opens the breaker.
	FailureThreshold uint32 `yaml:"failure_threshold"`

	// CoolDown is how long an open breaker waits before permitting the
	// single half-open trial.
	CoolDown time.Duration `yaml:"cool_down"`
}

// Backend is a registered model endpoint plus its breaker.
type Backend struct {
	ID             string
	Class          types.BackendClass
	CostPerRequest float64
	Client         backend.Client

	breaker *gobreaker.CircuitBreaker
}

// NewBackend wires a backend descriptor to a fresh breaker. MaxRequests is
// pinned to 1 so half-open permits exactly one trial before the breaker
// decides between closed and open again.
func NewBackend(id string, class types.BackendClass, costPerRequest float64, client backend.Client, settings BreakerSettings, logger *logrus.Logger) *Backend {
	threshold := settings.FailureThreshold
	if threshold == 0 {
		threshold = 3
	}
	coolDown := settings.CoolDown
	if coolDown == 0 {
		coolDown = 30 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        id,
		MaxRequests: 1,
		Timeout:     coolDown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"backend": name,
				"from":    stateName(from),
				"to":      stateName(to),
			}).Warn("Backend health state changed")
		},
	})

	return &Backend{
		ID:             id,
		Class:          class,
		CostPerRequest: costPerRequest,
		Client:         client,
		breaker:        cb,
	}
}

// Do runs fn through the breaker so its outcome counts toward the backend's
// health. When the breaker is open it returns gobreaker.ErrOpenState without
// invoking fn.
func (b *Backend) Do(fn func() (string, error)) (string, error) {
	out, err := b.breaker.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

// Health returns the backend's current breaker state.
func (b *Backend) Health() types.HealthState {
	return stateName(b.breaker.State())
}

func stateName(s gobreaker.State) types.HealthState {
	switch s {
	case gobreaker.StateOpen:
		return types.HealthOpen
	case gobreaker.StateHalfOpen:
		return types.HealthHalfOpen
	default:
		return types.HealthClosed
	}
}

// Registry maps backend ids to backends. Registration happens at process
// start; lookups happen concurrently on the request path.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]*Backend
	order    []string // registration order, kept stable for dispatch
}

func New() *Registry {
	return &Registry{backends: make(map[string]*Backend)}
}

// Register adds a backend. Duplicate ids are a configuration bug.
func (r *Registry) Register(b *Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.backends[b.ID]; exists {
		return fmt.Errorf("backend %s already registered", b.ID)
	}

	r.backends[b.ID] = b
	r.order = append(r.order, b.ID)
	return nil
}

// Get returns a backend by id.
func (r *Registry) Get(id string) (*Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[id]
	return b, ok
}

// All returns every backend in registration order.
func (r *Registry) All() []*Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Backend, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.backends[id])
	}
	return out
}

// ByClass returns the backends of a class in registration order, regardless
// of health.
func (r *Registry) ByClass(class types.BackendClass) []*Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Backend
	for _, id := range r.order {
		if b := r.backends[id]; b.Class == class {
			out = append(out, b)
		}
	}
	return out
}

// HealthSnapshot reports every backend's current state, for the health
// endpoint and for audit records.
func (r *Registry) HealthSnapshot() map[string]types.HealthState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]types.HealthState, len(r.backends))
	for id, b := range r.backends {
		out[id] = b.Health()
	}
	return out
}
