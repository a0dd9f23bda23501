package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerocost-ai/model-router/internal/classify"
	"github.com/zerocost-ai/model-router/internal/dispatch"
	"github.com/zerocost-ai/model-router/internal/metering"
	"github.com/zerocost-ai/model-router/internal/policy"
	"github.com/zerocost-ai/model-router/internal/registry"
	"github.com/zerocost-ai/model-router/internal/types"
)

type fakeClient struct {
	name  string
	text  string
	err   error
	calls int
}

func (f *fakeClient) Name() string { return f.name }

func (f *fakeClient) Generate(_ context.Context, _ string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.text, nil
}

func (f *fakeClient) Ping(_ context.Context) error { return f.err }

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// harness wires a gateway over fake backends with the default policy table.
type harness struct {
	gateway *Gateway
	meter   *metering.Meter
	lw      *fakeClient
	hw      *fakeClient
	lwB     *registry.Backend
	hwB     *registry.Backend
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := testLogger()

	lw := &fakeClient{name: "lw", text: "light answer"}
	hw := &fakeClient{name: "hw", text: "heavy answer"}

	settings := registry.BreakerSettings{FailureThreshold: 3, CoolDown: time.Minute}
	reg := registry.New()
	lwB := registry.NewBackend("lw", types.ClassLightweight, 0.0004, lw, settings, logger)
	hwB := registry.NewBackend("hw", types.ClassHeavyweight, 0.02, hw, settings, logger)
	require.NoError(t, reg.Register(lwB))
	require.NoError(t, reg.Register(hwB))

	resolver, err := policy.NewResolver(policy.DefaultPolicies())
	require.NoError(t, err)

	meter := metering.New(metering.Config{
		PricePerRequest: map[types.Tier]float64{
			types.TierBasic:      0.002,
			types.TierPremium:    0.03,
			types.TierEnterprise: 0.10,
		},
	}, nil, logger)

	dispatcher := dispatch.New(reg, dispatch.Config{Timeout: time.Second}, logger)
	gw := New(classify.New(), resolver, reg, dispatcher, meter, nil, logger)

	return &harness{gateway: gw, meter: meter, lw: lw, hw: hw, lwB: lwB, hwB: hwB}
}

func TestHandle_BasicShortPromptServedByLightweight(t *testing.T) {
	h := newHarness(t)

	result := h.gateway.Handle(context.Background(), Input{
		Prompt:       "hello, what is the weather like?",
		CustomerTier: "basic",
	})

	assert.Equal(t, "success", result.Status)
	assert.Equal(t, "light answer", result.Text)
	assert.Equal(t, "lw", result.ModelUsed)
	assert.Equal(t, 0, h.hw.calls, "heavyweight must not be touched for a simple basic request")

	records := h.meter.DrainRecords()
	require.Len(t, records, 1)
	assert.True(t, records[0].Success)
	assert.InDelta(t, 0.002-0.0004, records[0].Margin, 1e-9)
}

func TestHandle_EnterpriseFallsBackWhenHeavyweightFails(t *testing.T) {
	h := newHarness(t)
	h.hw.err = errors.New("upstream 500")

	result := h.gateway.Handle(context.Background(), Input{
		Prompt:       "hello",
		CustomerTier: "enterprise",
	})

	assert.Equal(t, "success", result.Status)
	assert.Equal(t, "lw", result.ModelUsed, "lightweight serves after heavyweight failure")
	assert.Equal(t, 1, h.hw.calls)
	assert.Equal(t, 1, h.lw.calls)

	records := h.meter.DrainRecords()
	require.Len(t, records, 1)
	assert.True(t, records[0].Success)
	// Margin uses the backend that actually served.
	assert.InDelta(t, 0.10-0.0004, records[0].Margin, 1e-9)
}

func TestHandle_EnterpriseFallsBackWhenHeavyweightOpen(t *testing.T) {
	h := newHarness(t)

	// Trip the heavyweight breaker before the request arrives.
	for i := 0; i < 3; i++ {
		h.hwB.Do(func() (string, error) { return "", errors.New("down") })
	}
	require.Equal(t, types.HealthOpen, h.hwB.Health())

	result := h.gateway.Handle(context.Background(), Input{
		Prompt:       "hello",
		CustomerTier: "enterprise",
	})

	assert.Equal(t, "success", result.Status)
	assert.Equal(t, "lw", result.ModelUsed)
	assert.Equal(t, 0, h.hw.calls, "open heavyweight must be skipped, not called")
	assert.Equal(t, 1, h.lw.calls)
}

func TestHandle_AllBackendsUnavailable(t *testing.T) {
	h := newHarness(t)
	h.lw.err = errors.New("down")
	h.hw.err = errors.New("down")

	result := h.gateway.Handle(context.Background(), Input{
		Prompt:       "hello",
		CustomerTier: "premium",
	})

	assert.Equal(t, "error", result.Status)
	assert.Equal(t, types.ErrKindAllBackendsUnavailable, result.ErrorKind)
	assert.Empty(t, result.Text)

	records := h.meter.DrainRecords()
	require.Len(t, records, 1, "exhausted fallback still writes one usage record")
	assert.False(t, records[0].Success)
	assert.Zero(t, records[0].Cost)
}

func TestHandle_InvalidTierRejectedBeforeDispatch(t *testing.T) {
	h := newHarness(t)

	result := h.gateway.Handle(context.Background(), Input{
		Prompt:       "hello",
		CustomerTier: "gold",
	})

	assert.Equal(t, "error", result.Status)
	assert.Equal(t, types.ErrKindInvalidTier, result.ErrorKind)
	assert.Contains(t, result.Message, "gold")

	assert.Equal(t, 0, h.lw.calls, "invalid tier must not reach any backend")
	assert.Equal(t, 0, h.hw.calls)
	assert.Empty(t, h.meter.DrainRecords(), "invalid tier produces no usage record")
}

func TestHandle_ComplexPremiumPrefersHeavyweight(t *testing.T) {
	h := newHarness(t)

	result := h.gateway.Handle(context.Background(), Input{
		Prompt:       "Design and implement a detailed production architecture for an enterprise data pipeline. Analyze streaming frameworks, provide the schema in json, and include python code for the integration layer with technical optimization notes.",
		CustomerTier: "premium",
	})

	assert.Equal(t, "success", result.Status)
	assert.Equal(t, "hw", result.ModelUsed)
	assert.Equal(t, 0, h.lw.calls)
}

func TestHandle_ComplexityHintForcesHeavyweight(t *testing.T) {
	h := newHarness(t)

	result := h.gateway.Handle(context.Background(), Input{
		Prompt:         "hi",
		CustomerTier:   "premium",
		ComplexityHint: "complex",
	})

	assert.Equal(t, "success", result.Status)
	assert.Equal(t, "hw", result.ModelUsed, "complex hint must push a premium request to heavyweight")
}

func TestHandle_LatencyReported(t *testing.T) {
	h := newHarness(t)

	result := h.gateway.Handle(context.Background(), Input{
		Prompt:       "hello",
		CustomerTier: "basic",
	})

	assert.GreaterOrEqual(t, result.LatencyMS, int64(0))
}
