// Package metering records per-request accounting outcomes and maintains
// process-wide aggregates. Aggregates are updated with atomic operations so
// concurrent requests never serialize on a meter lock; the record buffer is
// best-effort and must never block the response path.
package metering

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/zerocost-ai/model-router/internal/dispatch"
	"github.com/zerocost-ai/model-router/internal/types"
)

// recordBufferCap bounds the in-memory record buffer awaiting flush to an
// external sink. Overflow drops the oldest record.
const recordBufferCap = 4096

// Config holds the per-tier pricing table.
type Config struct {
	// PricePerRequest maps tier name to the price charged per request.
	PricePerRequest map[types.Tier]float64 `yaml:"price_per_request"`
}

// Aggregates is a point-in-time snapshot of the running counters.
type Aggregates struct {
	TotalRequests int64                `json:"total_requests"`
	Successes     int64                `json:"successes"`
	Failures      int64                `json:"failures"`
	TotalCost     float64              `json:"total_cost"`
	TotalRevenue  float64              `json:"total_revenue"`
	TotalMargin   float64              `json:"total_margin"`
	PerTier       map[types.Tier]int64 `json:"per_tier"`
	PerBackend    map[string]int64     `json:"per_backend"`

	// PerClass reports how load actually split between lightweight and
	// heavyweight serving. Reported, never enforced.
	PerClass map[types.BackendClass]int64 `json:"per_class"`
}

// Meter owns usage records and aggregates for the process lifetime.
type Meter struct {
	config Config
	logger *logrus.Logger

	totalRequests atomic.Int64
	successes     atomic.Int64
	failures      atomic.Int64
	totalCost     atomicFloat
	totalRevenue  atomicFloat
	totalMargin   atomicFloat

	tierCounts  sync.Map // types.Tier -> *atomic.Int64
	backendHits sync.Map // string -> *atomic.Int64
	classHits   sync.Map // types.BackendClass -> *atomic.Int64

	// resolveCost maps a backend id to its declared cost per request.
	// Installed once at wiring time, typically backed by the registry.
	resolveCost func(backendID string) float64

	recordsMu sync.Mutex
	records   []types.UsageRecord

	promRequests *prometheus.CounterVec
	promLatency  *prometheus.HistogramVec
	promCost     prometheus.Counter
	promRevenue  prometheus.Counter
}

// New creates a meter and registers its collectors. Pass nil to skip
// Prometheus exposition (tests).
func New(config Config, reg prometheus.Registerer, logger *logrus.Logger) *Meter {
	m := &Meter{
		config: config,
		logger: logger,
		promRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "model_router",
			Name:      "requests_total",
			Help:      "Completed requests by tier, backend and outcome.",
		}, []string{"tier", "backend", "outcome"}),
		promLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "model_router",
			Name:      "request_duration_seconds",
			Help:      "End-to-end request latency by backend class outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"backend"}),
		promCost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "model_router",
			Name:      "serving_cost_total",
			Help:      "Accumulated backend serving cost.",
		}),
		promRevenue: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "model_router",
			Name:      "revenue_total",
			Help:      "Accumulated per-tier revenue.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.promRequests, m.promLatency, m.promCost, m.promRevenue)
	}

	return m
}

// PriceFor returns the configured per-request price for a tier.
func (m *Meter) PriceFor(tier types.Tier) float64 {
	return m.config.PricePerRequest[tier]
}

// Record writes the accounting artifact for one completed request. Cost is
// the serving backend's declared cost per request (zero when the request
// never reached a backend); margin is tier price minus cost. Record never
// fails: buffer pressure is logged and absorbed, not surfaced.
func (m *Meter) Record(req *types.GenerationRequest, decision *dispatch.Decision, latency time.Duration, success bool) types.UsageRecord {
	var backendID string
	var cost float64

	if success && decision != nil && decision.BackendID != "" {
		backendID = decision.BackendID
		cost = m.costFor(decision)
	}

	price := 0.0
	if success {
		price = m.PriceFor(req.Tier)
	}

	rec := types.UsageRecord{
		RequestID:  req.ID,
		BackendID:  backendID,
		Tier:       req.Tier,
		Latency:    latency,
		Cost:       cost,
		Margin:     price - cost,
		Success:    success,
		RecordedAt: time.Now().UTC(),
	}

	m.totalRequests.Add(1)
	if success {
		m.successes.Add(1)
	} else {
		m.failures.Add(1)
	}
	m.totalCost.Add(cost)
	m.totalRevenue.Add(price)
	m.totalMargin.Add(rec.Margin)
	m.bump(&m.tierCounts, req.Tier)
	if backendID != "" {
		m.bump(&m.backendHits, backendID)
		m.bump(&m.classHits, decision.Class)
	}

	outcome := "error"
	if success {
		outcome = "success"
	}
	m.promRequests.WithLabelValues(string(req.Tier), orUnknown(backendID), outcome).Inc()
	m.promLatency.WithLabelValues(orUnknown(backendID)).Observe(latency.Seconds())
	m.promCost.Add(cost)
	m.promRevenue.Add(price)

	m.buffer(rec)
	return rec
}

// costFor resolves the serving backend's declared cost through the decision.
// The decision carries only the id; the cost lives in the registry entry.
func (m *Meter) costFor(decision *dispatch.Decision) float64 {
	if m.resolveCost == nil {
		return 0
	}
	return m.resolveCost(decision.BackendID)
}

// SetCostResolver injects the backend-id to cost lookup.
func (m *Meter) SetCostResolver(fn func(backendID string) float64) {
	m.resolveCost = fn
}

// Snapshot returns a consistent-enough view of the aggregates. Counters are
// read individually; totals are monotonically increasing so a snapshot taken
// under load may be off by in-flight increments, never negative.
func (m *Meter) Snapshot() Aggregates {
	agg := Aggregates{
		TotalRequests: m.totalRequests.Load(),
		Successes:     m.successes.Load(),
		Failures:      m.failures.Load(),
		TotalCost:     m.totalCost.Load(),
		TotalRevenue:  m.totalRevenue.Load(),
		TotalMargin:   m.totalMargin.Load(),
		PerTier:       make(map[types.Tier]int64),
		PerBackend:    make(map[string]int64),
		PerClass:      make(map[types.BackendClass]int64),
	}

	m.tierCounts.Range(func(k, v interface{}) bool {
		agg.PerTier[k.(types.Tier)] = v.(*atomic.Int64).Load()
		return true
	})
	m.backendHits.Range(func(k, v interface{}) bool {
		agg.PerBackend[k.(string)] = v.(*atomic.Int64).Load()
		return true
	})
	m.classHits.Range(func(k, v interface{}) bool {
		agg.PerClass[k.(types.BackendClass)] = v.(*atomic.Int64).Load()
		return true
	})

	return agg
}

// DrainRecords hands the buffered records to an external sink and clears the
// buffer. Flushing is the sink's problem; the meter only owns the records
// until this call.
func (m *Meter) DrainRecords() []types.UsageRecord {
	m.recordsMu.Lock()
	defer m.recordsMu.Unlock()

	out := m.records
	m.records = nil
	return out
}

func (m *Meter) buffer(rec types.UsageRecord) {
	m.recordsMu.Lock()
	defer m.recordsMu.Unlock()

	if len(m.records) >= recordBufferCap {
		// Accounting is best-effort relative to response delivery: drop the
		// oldest record and keep serving.
		m.records = m.records[1:]
		m.logger.WithField("request_id", rec.RequestID).Warn("Usage record buffer full, dropping oldest record")
	}
	m.records = append(m.records, rec)
}

func (m *Meter) bump(mp *sync.Map, key interface{}) {
	v, _ := mp.LoadOrStore(key, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}

func orUnknown(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

// atomicFloat is a float64 accumulator built on CAS over the bit pattern,
// the same trick prometheus counters use.
type atomicFloat struct {
	bits atomic.Uint64
}

func (f *atomicFloat) Add(delta float64) {
	for {
		old := f.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if f.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

func (f *atomicFloat) Load() float64 {
	return math.Float64frombits(f.bits.Load())
}
