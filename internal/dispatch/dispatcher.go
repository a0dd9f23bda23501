// Package dispatch executes a routed request against the preferred backends,
// falling back along the preference list when attempts fail. Per-attempt
// failures are absorbed here; only exhaustion of the whole list escapes.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/zerocost-ai/model-router/internal/registry"
	"github.com/zerocost-ai/model-router/internal/types"
)

// ErrAllBackendsUnavailable is the terminal dispatch error: every candidate
// in the preference list was open, rejected the call, or timed out.
var ErrAllBackendsUnavailable = errors.New("all backends unavailable")

// Attempt records one try against one backend.
type Attempt struct {
	BackendID string             `json:"backend_id"`
	Class     types.BackendClass `json:"class"`
	Error     string             `json:"error,omitempty"`
}

// Decision captures which backend served the request and how it was reached,
// for auditing and for the margin calculation downstream.
type Decision struct {
	BackendID string             `json:"backend_id"`
	Class     types.BackendClass `json:"class"`
	Attempts  []Attempt          `json:"attempts"`
	Rationale string             `json:"rationale"`
}

// Config holds the dispatch limits.
type Config struct {
	// Timeout bounds each individual backend call.
	Timeout time.Duration `yaml:"timeout"`

	// MaxAttempts caps the total number of backend calls for one request
	// across all fallback steps. Zero means no cap beyond the list itself.
	MaxAttempts int `yaml:"max_attempts"`
}

// Dispatcher walks preference lists against the registry.
type Dispatcher struct {
	registry *registry.Registry
	config   Config
	logger   *logrus.Logger
}

func New(reg *registry.Registry, config Config, logger *logrus.Logger) *Dispatcher {
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}

	return &Dispatcher{
		registry: reg,
		config:   config,
		logger:   logger,
	}
}

// Dispatch tries each class in order, and within a class each backend in
// registration order. Open backends are recorded in the attempt sequence as
// skipped but never called; call failures count against the failed backend's
// breaker and advance to the next candidate. MaxAttempts caps real calls,
// not skips.
func (d *Dispatcher) Dispatch(ctx context.Context, req *types.GenerationRequest, prefs []types.BackendClass) (*Decision, string, error) {
	decision := &Decision{}
	calls := 0

	for _, class := range prefs {
		for _, b := range d.registry.ByClass(class) {
			if b.Health() == types.HealthOpen {
				decision.Attempts = append(decision.Attempts, Attempt{
					BackendID: b.ID,
					Class:     class,
					Error:     "circuit open, skipped",
				})
				d.logger.WithFields(logrus.Fields{
					"request_id": req.ID,
					"backend":    b.ID,
				}).Debug("Skipping open backend")
				continue
			}

			if d.config.MaxAttempts > 0 && calls >= d.config.MaxAttempts {
				return decision, "", fmt.Errorf("%w: attempt budget exhausted after %d calls", ErrAllBackendsUnavailable, calls)
			}
			if ctx.Err() != nil {
				return decision, "", fmt.Errorf("request cancelled during dispatch: %w", ctx.Err())
			}

			calls++
			text, err := d.attempt(ctx, req, b)
			attempt := Attempt{BackendID: b.ID, Class: class}
			if err != nil {
				attempt.Error = err.Error()
				decision.Attempts = append(decision.Attempts, attempt)

				d.logger.WithError(err).WithFields(logrus.Fields{
					"request_id": req.ID,
					"backend":    b.ID,
					"attempt":    len(decision.Attempts),
				}).Warn("Dispatch attempt failed")
				continue
			}

			decision.Attempts = append(decision.Attempts, attempt)
			decision.BackendID = b.ID
			decision.Class = class
			decision.Rationale = rationale(decision, prefs)
			return decision, text, nil
		}
	}

	return decision, "", fmt.Errorf("%w after %d attempts", ErrAllBackendsUnavailable, len(decision.Attempts))
}

// attempt runs one bounded backend call through the backend's breaker, so a
// timeout or rejection here is one failure event toward opening it.
func (d *Dispatcher) attempt(ctx context.Context, req *types.GenerationRequest, b *registry.Backend) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	return b.Do(func() (string, error) {
		return b.Client.Generate(callCtx, req.Prompt)
	})
}

// Classify maps a per-attempt error to the surfaced error kind. Breaker
// rejections count as the backend being unavailable rather than broken.
func Classify(err error) types.ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return types.ErrKindBackendTimeout
	case errors.Is(err, ErrAllBackendsUnavailable),
		errors.Is(err, gobreaker.ErrOpenState),
		errors.Is(err, gobreaker.ErrTooManyRequests):
		return types.ErrKindAllBackendsUnavailable
	default:
		return types.ErrKindBackendRejected
	}
}

func rationale(d *Decision, prefs []types.BackendClass) string {
	if len(d.Attempts) == 1 && len(prefs) > 0 && d.Class == prefs[0] {
		return fmt.Sprintf("first preference %s served on first attempt", d.Class)
	}
	return fmt.Sprintf("fallback to %s/%s after %d failed attempts", d.Class, d.BackendID, len(d.Attempts)-1)
}
