// Package health runs periodic liveness probes against every registered
// backend. Probes go through the same per-backend breaker as dispatch, so a
// dead backend opens its breaker without any request paying the timeout, and
// a recovered backend closes it again within one probe interval.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zerocost-ai/model-router/internal/registry"
)

// Config holds the probe schedule.
type Config struct {
	Interval     time.Duration `yaml:"interval"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

// Monitor probes backends on its own schedule, decoupled from the request
// path. It is the only component that calls Ping.
type Monitor struct {
	registry *registry.Registry
	config   Config
	logger   *logrus.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMonitor(reg *registry.Registry, config Config, logger *logrus.Logger) *Monitor {
	if config.Interval == 0 {
		config.Interval = 15 * time.Second
	}
	if config.ProbeTimeout == 0 {
		config.ProbeTimeout = 3 * time.Second
	}

	return &Monitor{
		registry: reg,
		config:   config,
		logger:   logger,
	}
}

// Start launches the probe loop. An initial sweep runs immediately so the
// registry reflects reality before the first tick.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		m.probeAll(ctx)

		ticker := time.NewTicker(m.config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.probeAll(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()

	m.logger.WithFields(logrus.Fields{
		"interval":      m.config.Interval,
		"probe_timeout": m.config.ProbeTimeout,
	}).Info("Health monitor started")
}

// Stop halts probing and waits for the in-flight sweep to finish.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// probeAll probes every backend once. Probes run sequentially: the fleet is
// small and a serial sweep keeps probe load on the backends negligible.
func (m *Monitor) probeAll(ctx context.Context) {
	for _, b := range m.registry.All() {
		if ctx.Err() != nil {
			return
		}
		m.probe(ctx, b)
	}
}

func (m *Monitor) probe(ctx context.Context, b *registry.Backend) {
	probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()

	start := time.Now()
	_, err := b.Do(func() (string, error) {
		return "", b.Client.Ping(probeCtx)
	})

	entry := m.logger.WithFields(logrus.Fields{
		"backend":     b.ID,
		"state":       b.Health(),
		"duration_ms": time.Since(start).Milliseconds(),
	})

	if err != nil {
		// An open breaker rejects the probe outright; that is the breaker
		// doing its job, not new information about the backend.
		entry.WithError(err).Debug("Backend probe failed")
		return
	}

	entry.Debug("Backend probe passed")
}
