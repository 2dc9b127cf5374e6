package health

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"api-gateway/internal/config"
	"api-gateway/internal/metrics"
)

func newTestMonitor(cfg *config.Config, p Prober, m *metrics.Metrics) *Monitor {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewMonitor(cfg, p, logger, m)
}

func TestMonitor_Transitions(t *testing.T) {
	mon := newTestMonitor(config.Default(), nil, nil)

	steps := []struct {
		name    string
		action  func() bool
		applied bool
		want    State
	}{
		{"starting cannot degrade", func() bool { return mon.MarkDegraded("x") }, false, StateStarting},
		{"ready after bind", mon.MarkReady, true, StateHealthy},
		{"ready twice is a no-op", mon.MarkReady, false, StateHealthy},
		{"degrade", func() bool { return mon.MarkDegraded("probe failed") }, true, StateDegraded},
		{"degraded twice is a no-op", func() bool { return mon.MarkDegraded("again") }, false, StateDegraded},
		{"recover", mon.MarkReady, true, StateHealthy},
		{"stop", mon.MarkStopping, true, StateStopping},
		{"stopping is final for ready", mon.MarkReady, false, StateStopping},
		{"stopping is final for degrade", func() bool { return mon.MarkDegraded("x") }, false, StateStopping},
		{"stopping twice is a no-op", mon.MarkStopping, false, StateStopping},
	}

	for _, s := range steps {
		if got := s.action(); got != s.applied {
			t.Errorf("%s: applied = %v, want %v", s.name, got, s.applied)
		}
		if got := mon.State(); got != s.want {
			t.Errorf("%s: State() = %q, want %q", s.name, got, s.want)
		}
	}
}

func TestMonitor_Reason(t *testing.T) {
	mon := newTestMonitor(config.Default(), nil, nil)
	mon.MarkReady()
	if r := mon.Reason(); r != "" {
		t.Errorf("healthy Reason() = %q, want empty", r)
	}

	mon.MarkDegraded("db probe failing")
	if r := mon.Reason(); r != "db probe failing" {
		t.Errorf("Reason() = %q", r)
	}
	if st := mon.Status(); st.State != StateDegraded || st.Since.IsZero() {
		t.Errorf("Status() = %+v", st)
	}

	mon.MarkReady()
	if r := mon.Reason(); r != "" {
		t.Errorf("recovered Reason() = %q, want empty", r)
	}
}

func TestState_Serving(t *testing.T) {
	tests := []struct {
		state State
		want  bool
	}{
		{StateStarting, true},
		{StateHealthy, true},
		{StateDegraded, false},
		{StateStopping, false},
	}
	for _, tt := range tests {
		if got := tt.state.Serving(); got != tt.want {
			t.Errorf("%s.Serving() = %v, want %v", tt.state, got, tt.want)
		}
	}
}

func TestMonitor_ExportsGauge(t *testing.T) {
	m := metrics.New()
	mon := newTestMonitor(config.Default(), nil, m)

	if got := testutil.ToFloat64(m.HealthState.WithLabelValues("starting")); got != 1 {
		t.Errorf("starting gauge = %v, want 1", got)
	}
	mon.MarkReady()
	if got := testutil.ToFloat64(m.HealthState.WithLabelValues("starting")); got != 0 {
		t.Errorf("starting gauge = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.HealthState.WithLabelValues("healthy")); got != 1 {
		t.Errorf("healthy gauge = %v, want 1", got)
	}
}

func TestMonitor_ConcurrentReads(t *testing.T) {
	mon := newTestMonitor(config.Default(), nil, nil)
	mon.MarkReady()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 1000 {
				switch mon.State() {
				case StateStarting, StateHealthy, StateDegraded, StateStopping:
				default:
					t.Error("observed an invalid state")
					return
				}
			}
		}()
	}
	for range 100 {
		mon.MarkDegraded("flap")
		mon.MarkReady()
	}
	wg.Wait()
}

// switchProber fails while failing is set.
type switchProber struct {
	failing atomic.Bool
	calls   atomic.Int32
}

func (p *switchProber) Probe(_ context.Context, _ string) (int, error) {
	p.calls.Add(1)
	if p.failing.Load() {
		return 0, errors.New("connection refused")
	}
	return http.StatusOK, nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestMonitor_RunDegradesAndRecovers(t *testing.T) {
	cfg := config.Default()
	cfg.Health.Targets = []string{"http://a.internal/health", "http://b.internal/health"}
	cfg.Health.FailureThreshold = 2

	p := &switchProber{}
	p.failing.Store(true)

	m := metrics.New()
	mon := newTestMonitor(cfg, p, m)
	mon.interval = 5 * time.Millisecond
	mon.MarkReady()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		mon.Run(ctx)
		close(done)
	}()

	waitFor(t, "degraded", func() bool { return mon.State() == StateDegraded })
	if mon.Reason() == "" {
		t.Error("degraded without a reason")
	}

	p.failing.Store(false)
	waitFor(t, "recovery", func() bool { return mon.State() == StateHealthy })

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if got := testutil.ToFloat64(m.ProbeResults.WithLabelValues("failure")); got < 4 {
		t.Errorf("probe failures = %v, want at least 4", got)
	}
}

func TestMonitor_RunStaysStartingUntilReady(t *testing.T) {
	cfg := config.Default()
	cfg.Health.Targets = []string{"http://a.internal/health"}

	p := &switchProber{}
	mon := newTestMonitor(cfg, p, nil)
	mon.interval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mon.Run(ctx)

	waitFor(t, "probes", func() bool { return p.calls.Load() >= 3 })
	if got := mon.State(); got != StateStarting {
		t.Errorf("State() = %q, want starting until the listener is ready", got)
	}
}

func TestMonitor_ProbeTreats5xxAsFailure(t *testing.T) {
	cfg := config.Default()
	cfg.Health.Targets = []string{"http://a.internal/health"}

	tests := []struct {
		code    int
		wantErr bool
	}{
		{http.StatusOK, false},
		{http.StatusFound, false},
		{http.StatusNotFound, false},
		{http.StatusInternalServerError, true},
		{http.StatusServiceUnavailable, true},
	}
	for _, tt := range tests {
		mon := newTestMonitor(cfg, proberFunc(func(context.Context, string) (int, error) {
			return tt.code, nil
		}), nil)
		err := mon.probe(context.Background(), cfg.Health.Targets[0])
		if (err != nil) != tt.wantErr {
			t.Errorf("status %d: err = %v, wantErr %v", tt.code, err, tt.wantErr)
		}
	}
}

type proberFunc func(context.Context, string) (int, error)

func (f proberFunc) Probe(ctx context.Context, target string) (int, error) { return f(ctx, target) }

func TestMonitor_RunWithoutTargets(t *testing.T) {
	mon := newTestMonitor(config.Default(), nil, nil)

	done := make(chan struct{})
	go func() {
		mon.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run without targets should return immediately")
	}
}
