// Package health tracks the gateway's liveness state and runs optional
// upstream probes.
//
// The state is read on every /health request and written only by lifecycle
// hooks and the probe loop, so reads are a single atomic load and writes
// serialize on a mutex.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"api-gateway/internal/config"
	"api-gateway/internal/metrics"
)

// State is the gateway's liveness state.
type State string

const (
	StateStarting State = "starting"
	StateHealthy  State = "healthy"
	StateDegraded State = "degraded"
	StateStopping State = "stopping"
)

var allStates = []State{StateStarting, StateHealthy, StateDegraded, StateStopping}

// Serving reports whether the state counts as healthy for callers.
func (s State) Serving() bool {
	return s == StateStarting || s == StateHealthy
}

// Status is a consistent snapshot of the state and why it was entered.
type Status struct {
	State State
	// Reason explains degraded and stopping states; empty otherwise.
	Reason string
	Since  time.Time
}

// Prober checks a single upstream health target.
type Prober interface {
	Probe(ctx context.Context, target string) (int, error)
}

// Monitor owns the HealthState.
type Monitor struct {
	status atomic.Pointer[Status]
	mu     sync.Mutex

	prober    Prober
	targets   []string
	interval  time.Duration
	timeout   time.Duration
	threshold int

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewMonitor creates a Monitor in the starting state. The prober may be nil
// when no health targets are configured; metrics are optional.
func NewMonitor(cfg *config.Config, prober Prober, logger *slog.Logger, m *metrics.Metrics) *Monitor {
	mon := &Monitor{
		prober:    prober,
		targets:   slices.Clone(cfg.Health.Targets),
		interval:  time.Duration(cfg.Health.ProbeIntervalSeconds) * time.Second,
		timeout:   time.Duration(cfg.Health.ProbeTimeoutSeconds) * time.Second,
		threshold: cfg.Health.FailureThreshold,
		logger:    logger.With("component", "health"),
		metrics:   m,
	}
	mon.status.Store(&Status{State: StateStarting, Since: time.Now()})
	mon.export(StateStarting)
	return mon
}

// State returns the current state without locking.
func (m *Monitor) State() State {
	return m.status.Load().State
}

// Reason returns why the current state was entered, if recorded.
func (m *Monitor) Reason() string {
	return m.status.Load().Reason
}

// Status returns the current snapshot.
func (m *Monitor) Status() Status {
	return *m.status.Load()
}

// MarkReady moves starting or degraded to healthy.
func (m *Monitor) MarkReady() bool {
	return m.transition(StateHealthy, "", StateStarting, StateDegraded)
}

// MarkDegraded moves healthy to degraded.
func (m *Monitor) MarkDegraded(reason string) bool {
	return m.transition(StateDegraded, reason, StateHealthy)
}

// MarkStopping moves any state to stopping. Stopping is final.
func (m *Monitor) MarkStopping() bool {
	return m.transition(StateStopping, "shutting down", StateStarting, StateHealthy, StateDegraded)
}

func (m *Monitor) transition(to State, reason string, from ...State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.status.Load()
	if !slices.Contains(from, cur.State) {
		return false
	}

	m.status.Store(&Status{State: to, Reason: reason, Since: time.Now()})
	m.export(to)

	m.logger.Info("health state changed",
		"from", string(cur.State),
		"to", string(to),
		"reason", reason,
	)
	return true
}

func (m *Monitor) export(active State) {
	if m.metrics == nil {
		return
	}
	for _, s := range allStates {
		v := 0.0
		if s == active {
			v = 1
		}
		m.metrics.HealthState.WithLabelValues(string(s)).Set(v)
	}
}

// Run probes the configured targets until ctx is done. It returns immediately
// when no targets are configured.
func (m *Monitor) Run(ctx context.Context) {
	if len(m.targets) == 0 || m.prober == nil {
		return
	}

	m.logger.Info("upstream probes started",
		"targets", len(m.targets),
		"interval", m.interval,
	)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	failures := 0
	for {
		if err := m.probeAll(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			m.logger.Warn("upstream probe round failed",
				"err", err,
				"consecutive", failures,
			)
			if failures >= m.threshold {
				m.MarkDegraded(fmt.Sprintf("upstream probes failing: %v", err))
			}
		} else {
			failures = 0
			// Recovery only; starting -> healthy belongs to the listener.
			m.transition(StateHealthy, "", StateDegraded)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// probeAll probes every target concurrently; any failing target fails the round.
func (m *Monitor) probeAll(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(8)

	for _, target := range m.targets {
		g.Go(func() error {
			return m.probe(ctx, target)
		})
	}
	return g.Wait()
}

func (m *Monitor) probe(ctx context.Context, target string) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	code, err := m.prober.Probe(ctx, target)
	if err == nil && code >= 500 {
		err = fmt.Errorf("probe %s: status %d", target, code)
	}

	result := "success"
	if err != nil {
		result = "failure"
		m.logger.Debug("probe failed", "target", target, "err", err)
	}
	if m.metrics != nil {
		m.metrics.ProbeResults.WithLabelValues(result).Inc()
	}
	return err
}
