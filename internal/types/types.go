package types

import (
	"fmt"
	"time"
)

// Tier identifies the customer tier a request is billed against.
type Tier string

const (
	TierBasic      Tier = "basic"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

// ParseTier validates a tier string. Unknown tiers are rejected rather than
// defaulted: silently downgrading a billing tier is worse than failing the
// request.
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierBasic, TierPremium, TierEnterprise:
		return Tier(s), nil
	}
	return "", fmt.Errorf("unknown customer tier %q", s)
}

// Tiers lists all valid tiers in ascending order of required quality.
func Tiers() []Tier {
	return []Tier{TierBasic, TierPremium, TierEnterprise}
}

// BackendClass is the coarse capability class of a model backend.
type BackendClass string

const (
	ClassLightweight BackendClass = "lightweight"
	ClassHeavyweight BackendClass = "heavyweight"
)

// HealthState mirrors the circuit-breaker state of a backend.
type HealthState string

const (
	HealthClosed   HealthState = "closed"
	HealthOpen     HealthState = "open"
	HealthHalfOpen HealthState = "half-open"
)

// GenerationRequest is one inbound generation ask.
type GenerationRequest struct {
	ID             string    `json:"id"`
	Prompt         string    `json:"prompt"`
	Tier           Tier      `json:"customer_tier"`
	ComplexityHint string    `json:"complexity_hint,omitempty"` // optional "simple" or "complex"
	ArrivedAt      time.Time `json:"arrived_at"`
}

// ComplexityScore is the classifier output: a value in [0,1] plus the
// per-feature contributions that produced it.
type ComplexityScore struct {
	Value    float64            `json:"value"`
	Features map[string]float64 `json:"features"`
}

// GenerationResult is the structured outcome returned to the gateway's caller.
type GenerationResult struct {
	Status    string    `json:"status"` // "success" or "error"
	Text      string    `json:"text,omitempty"`
	ModelUsed string    `json:"model_used,omitempty"`
	LatencyMS int64     `json:"latency_ms"`
	Cost      float64   `json:"cost"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// ErrorKind is the machine-readable failure category surfaced to callers.
type ErrorKind string

const (
	ErrKindInvalidTier            ErrorKind = "InvalidTier"
	ErrKindBackendTimeout         ErrorKind = "BackendTimeout"
	ErrKindBackendRejected        ErrorKind = "BackendRejected"
	ErrKindAllBackendsUnavailable ErrorKind = "AllBackendsUnavailable"
	ErrKindInternal               ErrorKind = "Internal"
)

// UsageRecord is the accounting artifact written once per completed request,
// whether the request succeeded or exhausted its fallback list.
type UsageRecord struct {
	RequestID  string        `json:"request_id"`
	BackendID  string        `json:"backend_id"`
	Tier       Tier          `json:"tier"`
	Latency    time.Duration `json:"latency"`
	Cost       float64       `json:"cost"`
	Margin     float64       `json:"margin"`
	Success    bool          `json:"success"`
	RecordedAt time.Time     `json:"recorded_at"`
}
