package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerocost-ai/model-router/internal/registry"
	"github.com/zerocost-ai/model-router/internal/types"
)

// fakeClient scripts per-call outcomes for one backend.
type fakeClient struct {
	name  string
	text  string
	err   error
	calls int
	delay time.Duration
}

func (f *fakeClient) Name() string { return f.name }

func (f *fakeClient) Generate(ctx context.Context, _ string) (string, error) {
	f.calls++
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
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

func testSettings() registry.BreakerSettings {
	return registry.BreakerSettings{FailureThreshold: 3, CoolDown: time.Minute}
}

func addBackend(t *testing.T, reg *registry.Registry, id string, class types.BackendClass, client *fakeClient) *registry.Backend {
	t.Helper()
	b := registry.NewBackend(id, class, 0.01, client, testSettings(), testLogger())
	require.NoError(t, reg.Register(b))
	return b
}

func testRequest() *types.GenerationRequest {
	return &types.GenerationRequest{ID: "req-1", Prompt: "hello", Tier: types.TierBasic, ArrivedAt: time.Now()}
}

func TestDispatch_FirstPreferenceServes(t *testing.T) {
	reg := registry.New()
	lw := &fakeClient{name: "lw", text: "light answer"}
	hw := &fakeClient{name: "hw", text: "heavy answer"}
	addBackend(t, reg, "lw", types.ClassLightweight, lw)
	addBackend(t, reg, "hw", types.ClassHeavyweight, hw)

	d := New(reg, Config{Timeout: time.Second}, testLogger())

	decision, text, err := d.Dispatch(context.Background(), testRequest(), []types.BackendClass{types.ClassLightweight, types.ClassHeavyweight})
	require.NoError(t, err)
	assert.Equal(t, "light answer", text)
	assert.Equal(t, "lw", decision.BackendID)
	assert.Len(t, decision.Attempts, 1)
	assert.Equal(t, 0, hw.calls, "second preference must not be touched")
}

func TestDispatch_FallsBackOnFailure(t *testing.T) {
	reg := registry.New()
	lw := &fakeClient{name: "lw", err: errors.New("overloaded")}
	hw := &fakeClient{name: "hw", text: "heavy answer"}
	addBackend(t, reg, "lw", types.ClassLightweight, lw)
	addBackend(t, reg, "hw", types.ClassHeavyweight, hw)

	d := New(reg, Config{Timeout: time.Second}, testLogger())

	decision, text, err := d.Dispatch(context.Background(), testRequest(), []types.BackendClass{types.ClassLightweight, types.ClassHeavyweight})
	require.NoError(t, err)
	assert.Equal(t, "heavy answer", text)
	assert.Equal(t, "hw", decision.BackendID)
	require.Len(t, decision.Attempts, 2)
	assert.Equal(t, "lw", decision.Attempts[0].BackendID)
	assert.NotEmpty(t, decision.Attempts[0].Error)
}

func TestDispatch_SkipsOpenBackends(t *testing.T) {
	reg := registry.New()
	lw := &fakeClient{name: "lw", text: "should not serve"}
	hw := &fakeClient{name: "hw", text: "heavy answer"}
	lwBackend := addBackend(t, reg, "lw", types.ClassLightweight, lw)
	addBackend(t, reg, "hw", types.ClassHeavyweight, hw)

	// Open the lightweight breaker directly.
	for i := 0; i < 3; i++ {
		lwBackend.Do(func() (string, error) { return "", errors.New("down") })
	}
	require.Equal(t, types.HealthOpen, lwBackend.Health())

	d := New(reg, Config{Timeout: time.Second}, testLogger())

	decision, text, err := d.Dispatch(context.Background(), testRequest(), []types.BackendClass{types.ClassLightweight, types.ClassHeavyweight})
	require.NoError(t, err)
	assert.Equal(t, "heavy answer", text)
	assert.Equal(t, 0, lw.calls, "open backend must not be called")
	require.Len(t, decision.Attempts, 2, "skips stay visible in the attempt sequence")
	assert.Equal(t, "lw", decision.Attempts[0].BackendID)
	assert.Contains(t, decision.Attempts[0].Error, "circuit open")
	assert.Equal(t, "hw", decision.Attempts[1].BackendID)
}

func TestDispatch_AllUnavailable(t *testing.T) {
	reg := registry.New()
	lw := &fakeClient{name: "lw", err: errors.New("down")}
	hw := &fakeClient{name: "hw", err: errors.New("also down")}
	addBackend(t, reg, "lw", types.ClassLightweight, lw)
	addBackend(t, reg, "hw", types.ClassHeavyweight, hw)

	d := New(reg, Config{Timeout: time.Second}, testLogger())

	decision, _, err := d.Dispatch(context.Background(), testRequest(), []types.BackendClass{types.ClassLightweight, types.ClassHeavyweight})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllBackendsUnavailable)
	assert.Len(t, decision.Attempts, 2)
	assert.Empty(t, decision.BackendID)
}

func TestDispatch_EmptyRegistry(t *testing.T) {
	d := New(registry.New(), Config{Timeout: time.Second}, testLogger())

	decision, _, err := d.Dispatch(context.Background(), testRequest(), []types.BackendClass{types.ClassLightweight})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllBackendsUnavailable)
	assert.Empty(t, decision.Attempts)
}

func TestDispatch_TimeoutCountsAsFailure(t *testing.T) {
	reg := registry.New()
	slow := &fakeClient{name: "slow", text: "too late", delay: 200 * time.Millisecond}
	fast := &fakeClient{name: "fast", text: "in time"}
	addBackend(t, reg, "slow", types.ClassLightweight, slow)
	addBackend(t, reg, "fast", types.ClassHeavyweight, fast)

	d := New(reg, Config{Timeout: 30 * time.Millisecond}, testLogger())

	decision, text, err := d.Dispatch(context.Background(), testRequest(), []types.BackendClass{types.ClassLightweight, types.ClassHeavyweight})
	require.NoError(t, err)
	assert.Equal(t, "in time", text)
	assert.Equal(t, "fast", decision.BackendID)
	require.Len(t, decision.Attempts, 2)
	assert.Contains(t, decision.Attempts[0].Error, "deadline")
}

func TestDispatch_MaxAttemptsCap(t *testing.T) {
	reg := registry.New()
	for _, id := range []string{"a", "b", "c"} {
		addBackend(t, reg, id, types.ClassLightweight, &fakeClient{name: id, err: errors.New("down")})
	}

	d := New(reg, Config{Timeout: time.Second, MaxAttempts: 2}, testLogger())

	decision, _, err := d.Dispatch(context.Background(), testRequest(), []types.BackendClass{types.ClassLightweight})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllBackendsUnavailable)
	assert.Len(t, decision.Attempts, 2)
}

func TestDispatch_CancelledContext(t *testing.T) {
	reg := registry.New()
	addBackend(t, reg, "lw", types.ClassLightweight, &fakeClient{name: "lw", text: "ok"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := New(reg, Config{Timeout: time.Second}, testLogger())
	_, _, err := d.Dispatch(ctx, testRequest(), []types.BackendClass{types.ClassLightweight})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want types.ErrorKind
	}{
		{"nil", nil, ""},
		{"deadline", context.DeadlineExceeded, types.ErrKindBackendTimeout},
		{"wrapped deadline", errors.Join(errors.New("call failed"), context.DeadlineExceeded), types.ErrKindBackendTimeout},
		{"exhausted", ErrAllBackendsUnavailable, types.ErrKindAllBackendsUnavailable},
		{"open breaker", gobreaker.ErrOpenState, types.ErrKindAllBackendsUnavailable},
		{"half-open surplus", gobreaker.ErrTooManyRequests, types.ErrKindAllBackendsUnavailable},
		{"other", errors.New("502 bad gateway"), types.ErrKindBackendRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}
