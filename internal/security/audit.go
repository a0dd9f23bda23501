package security

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// AuditEventType classifies entries in the routing audit trail.
type AuditEventType string

const (
	RequestRouted          AuditEventType = "request_routed"
	FallbackUsed           AuditEventType = "fallback_used"
	AllBackendsUnavailable AuditEventType = "all_backends_unavailable"
	InvalidTierRejected    AuditEventType = "invalid_tier_rejected"
	RateLimitExceeded      AuditEventType = "rate_limit_exceeded"
	AuthenticationFailure  AuditEventType = "authentication_failure"
	APIKeyUsage            AuditEventType = "api_key_usage"
)

// AuditEvent is one entry in the trail. Cost and margin ride along on
// routing events so the accounting story is reconstructible from the log.
type AuditEvent struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	EventType AuditEventType         `json:"event_type"`
	RequestID string                 `json:"request_id,omitempty"`
	Tier      string                 `json:"tier,omitempty"`
	Backend   string                 `json:"backend,omitempty"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Severity  string                 `json:"severity"`
}

// AuditConfig holds audit logging configuration.
type AuditConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BufferSize    int           `yaml:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// AuditLogger buffers events and writes them asynchronously, so auditing
// never adds latency to the request path. A full buffer drops the event with
// a warning rather than blocking.
type AuditLogger struct {
	config *AuditConfig
	logger *logrus.Logger

	buffer   chan *AuditEvent
	stopChan chan struct{}
	wg       sync.WaitGroup

	mu         sync.RWMutex
	eventCount int64
	stopped    bool
}

// NewAuditLogger creates an audit logger and, when enabled, starts its
// flush loop.
func NewAuditLogger(config *AuditConfig, logger *logrus.Logger) *AuditLogger {
	if config.BufferSize == 0 {
		config.BufferSize = 1000
	}
	if config.FlushInterval == 0 {
		config.FlushInterval = 10 * time.Second
	}

	a := &AuditLogger{
		config:   config,
		logger:   logger,
		buffer:   make(chan *AuditEvent, config.BufferSize),
		stopChan: make(chan struct{}),
	}

	if config.Enabled {
		a.wg.Add(1)
		go a.flushLoop()
	}

	return a
}

// LogEvent appends an event to the trail.
func (a *AuditLogger) LogEvent(ctx context.Context, eventType AuditEventType, message string, details map[string]interface{}) {
	a.mu.RLock()
	enabled := a.config.Enabled && !a.stopped
	a.mu.RUnlock()
	if !enabled {
		return
	}

	event := &AuditEvent{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Message:   message,
		Details:   sanitizeDetails(details),
		Severity:  severityFor(eventType),
	}

	if requestID, ok := ctx.Value(ContextKeyRequestID).(string); ok {
		event.RequestID = requestID
	}
	if details != nil {
		if tier, ok := details["tier"].(string); ok {
			event.Tier = tier
		}
		if backend, ok := details["backend"].(string); ok {
			event.Backend = backend
		}
	}

	select {
	case a.buffer <- event:
		a.mu.Lock()
		a.eventCount++
		a.mu.Unlock()
	default:
		a.logger.Warn("Audit buffer full, dropping event")
	}
}

// LogRouting records the outcome of one routed request.
func (a *AuditLogger) LogRouting(ctx context.Context, requestID, tier, backendID string, attempts int, cost, margin float64) {
	eventType := RequestRouted
	message := fmt.Sprintf("request served by %s on attempt %d", backendID, attempts)
	if attempts > 1 {
		eventType = FallbackUsed
		message = fmt.Sprintf("request fell back to %s after %d failed attempts", backendID, attempts-1)
	}

	a.LogEvent(ctx, eventType, message, map[string]interface{}{
		"request_id": requestID,
		"tier":       tier,
		"backend":    backendID,
		"attempts":   attempts,
		"cost":       cost,
		"margin":     margin,
	})
}

// LogRoutingFailure records a request that exhausted its preference list or
// was rejected before dispatch.
func (a *AuditLogger) LogRoutingFailure(ctx context.Context, eventType AuditEventType, requestID, tier, reason string) {
	a.LogEvent(ctx, eventType, reason, map[string]interface{}{
		"request_id": requestID,
		"tier":       tier,
	})
}

// EventCount returns the number of events accepted into the buffer.
func (a *AuditLogger) EventCount() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.eventCount
}

// Stop flushes outstanding events and halts the flush loop.
func (a *AuditLogger) Stop() {
	a.mu.Lock()
	if !a.config.Enabled || a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	a.mu.Unlock()

	close(a.stopChan)
	a.wg.Wait()

	close(a.buffer)
	for event := range a.buffer {
		a.writeEvent(event)
	}
}

func (a *AuditLogger) flushLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.config.FlushInterval)
	defer ticker.Stop()

	pending := make([]*AuditEvent, 0, 100)

	flush := func() {
		for _, event := range pending {
			a.writeEvent(event)
		}
		pending = pending[:0]
	}

	for {
		select {
		case event := <-a.buffer:
			pending = append(pending, event)
			if len(pending) >= 100 {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-a.stopChan:
			flush()
			return
		}
	}
}

func (a *AuditLogger) writeEvent(event *AuditEvent) {
	fields := logrus.Fields{
		"audit_event": true,
		"event_id":    event.ID,
		"event_type":  event.EventType,
		"request_id":  event.RequestID,
		"tier":        event.Tier,
		"backend":     event.Backend,
		"severity":    event.Severity,
	}
	for key, value := range event.Details {
		fields["detail_"+key] = value
	}

	entry := a.logger.WithFields(fields)
	switch event.Severity {
	case "high":
		entry.Warn(event.Message)
	case "medium":
		entry.Info(event.Message)
	default:
		entry.Debug(event.Message)
	}
}

func severityFor(eventType AuditEventType) string {
	switch eventType {
	case AllBackendsUnavailable, AuthenticationFailure:
		return "high"
	case InvalidTierRejected, RateLimitExceeded, FallbackUsed:
		return "medium"
	default:
		return "low"
	}
}

func sanitizeDetails(details map[string]interface{}) map[string]interface{} {
	if details == nil {
		return nil
	}

	sanitized := make(map[string]interface{}, len(details))
	for key, value := range details {
		if isSensitiveField(key) {
			sanitized[key] = "***REDACTED***"
		} else {
			sanitized[key] = value
		}
	}
	return sanitized
}

func isSensitiveField(field string) bool {
	lower := strings.ToLower(field)
	for _, sensitive := range []string{"password", "token", "secret", "key", "authorization", "credential"} {
		if strings.Contains(lower, sensitive) {
			return true
		}
	}
	return false
}
