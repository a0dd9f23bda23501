package metering

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerocost-ai/model-router/internal/dispatch"
	"github.com/zerocost-ai/model-router/internal/types"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestMeter() *Meter {
	m := New(Config{
		PricePerRequest: map[types.Tier]float64{
			types.TierBasic:      0.002,
			types.TierPremium:    0.03,
			types.TierEnterprise: 0.10,
		},
	}, nil, testLogger())
	m.SetCostResolver(func(backendID string) float64 {
		if backendID == "hw" {
			return 0.02
		}
		return 0.0004
	})
	return m
}

func request(tier types.Tier) *types.GenerationRequest {
	return &types.GenerationRequest{ID: "req-1", Prompt: "hello", Tier: tier, ArrivedAt: time.Now()}
}

func TestRecord_SuccessMargin(t *testing.T) {
	m := newTestMeter()

	decision := &dispatch.Decision{BackendID: "hw", Class: types.ClassHeavyweight}
	rec := m.Record(request(types.TierPremium), decision, 120*time.Millisecond, true)

	assert.Equal(t, "hw", rec.BackendID)
	assert.True(t, rec.Success)
	assert.InDelta(t, 0.02, rec.Cost, 1e-9)
	assert.InDelta(t, 0.03-0.02, rec.Margin, 1e-9)
}

func TestRecord_FailureHasNoCost(t *testing.T) {
	m := newTestMeter()

	rec := m.Record(request(types.TierBasic), &dispatch.Decision{}, 50*time.Millisecond, false)

	assert.False(t, rec.Success)
	assert.Empty(t, rec.BackendID)
	assert.Zero(t, rec.Cost)
	assert.Zero(t, rec.Margin, "a failed request neither earns nor spends")
}

func TestRecord_OneRecordPerRequest(t *testing.T) {
	m := newTestMeter()

	m.Record(request(types.TierBasic), &dispatch.Decision{BackendID: "lw"}, time.Millisecond, true)
	m.Record(request(types.TierPremium), &dispatch.Decision{}, time.Millisecond, false)

	records := m.DrainRecords()
	require.Len(t, records, 2)
	assert.Empty(t, m.DrainRecords(), "drain must clear the buffer")
}

func TestSnapshot_Aggregates(t *testing.T) {
	m := newTestMeter()

	m.Record(request(types.TierBasic), &dispatch.Decision{BackendID: "lw", Class: types.ClassLightweight}, time.Millisecond, true)
	m.Record(request(types.TierBasic), &dispatch.Decision{BackendID: "lw", Class: types.ClassLightweight}, time.Millisecond, true)
	m.Record(request(types.TierEnterprise), &dispatch.Decision{BackendID: "hw", Class: types.ClassHeavyweight}, time.Millisecond, true)
	m.Record(request(types.TierPremium), &dispatch.Decision{}, time.Millisecond, false)

	agg := m.Snapshot()
	assert.Equal(t, int64(4), agg.TotalRequests)
	assert.Equal(t, int64(3), agg.Successes)
	assert.Equal(t, int64(1), agg.Failures)
	assert.Equal(t, int64(2), agg.PerTier[types.TierBasic])
	assert.Equal(t, int64(2), agg.PerBackend["lw"])
	assert.Equal(t, int64(1), agg.PerBackend["hw"])
	assert.Equal(t, int64(2), agg.PerClass[types.ClassLightweight])
	assert.Equal(t, int64(1), agg.PerClass[types.ClassHeavyweight])
	assert.InDelta(t, 2*0.0004+0.02, agg.TotalCost, 1e-9)
	assert.InDelta(t, 2*0.002+0.10, agg.TotalRevenue, 1e-9)
}

func TestRecord_ConcurrentCountsExact(t *testing.T) {
	m := newTestMeter()

	const goroutines = 16
	const perGoroutine = 200

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				m.Record(request(types.TierBasic), &dispatch.Decision{BackendID: "lw"}, time.Millisecond, true)
			}
		}()
	}
	wg.Wait()

	agg := m.Snapshot()
	assert.Equal(t, int64(goroutines*perGoroutine), agg.TotalRequests)
	assert.Equal(t, int64(goroutines*perGoroutine), agg.PerTier[types.TierBasic])
	assert.InDelta(t, float64(goroutines*perGoroutine)*0.0004, agg.TotalCost, 1e-6)
}

func TestBuffer_DropsOldestOnOverflow(t *testing.T) {
	m := newTestMeter()

	for i := 0; i < recordBufferCap+10; i++ {
		m.Record(request(types.TierBasic), &dispatch.Decision{BackendID: "lw"}, time.Millisecond, true)
	}

	records := m.DrainRecords()
	assert.Len(t, records, recordBufferCap)
}
