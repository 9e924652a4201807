package scenario

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oakmere/pgharness/internal/cluster"
	"github.com/oakmere/pgharness/internal/config"
	"github.com/oakmere/pgharness/internal/loadgen"
	"github.com/oakmere/pgharness/internal/metrics"
	"github.com/oakmere/pgharness/internal/phase"
	"github.com/oakmere/pgharness/internal/probe"
)

// fakeController simulates a cluster that fails over successfully.
type fakeController struct {
	startErr    error
	healthErr   error
	triggerErr  error
	awaitErr    error
	splitBrain  bool
	stopped     atomic.Bool
	primaryDown atomic.Bool
}

func (f *fakeController) Start(context.Context) error { return f.startErr }

func (f *fakeController) WaitHealthy(context.Context, time.Duration, time.Duration, time.Duration) error {
	return f.healthErr
}

func (f *fakeController) TriggerFailover(context.Context) (*cluster.Node, error) {
	if f.triggerErr != nil {
		return nil, f.triggerErr
	}
	f.primaryDown.Store(true)
	return &cluster.Node{Name: "patroni1", Role: cluster.RolePrimary}, nil
}

func (f *fakeController) AwaitNewPrimary(context.Context, string, time.Duration, time.Duration) (*cluster.Node, error) {
	if f.awaitErr != nil {
		return nil, f.awaitErr
	}
	// A real election takes a while; keep the During window open long
	// enough for workers to observe it.
	time.Sleep(30 * time.Millisecond)
	f.primaryDown.Store(false)
	return &cluster.Node{Name: "patroni2", Role: cluster.RolePrimary}, nil
}

func (f *fakeController) Topology() cluster.Topology {
	if f.splitBrain {
		return cluster.Topology{Primaries: 2, Replicas: 1}
	}
	return cluster.Topology{Primaries: 1, Replicas: 1, Unknown: 1}
}

func (f *fakeController) Stop(context.Context) error {
	f.stopped.Store(true)
	return nil
}

// steadyProber always succeeds, the behavior of a gateway that absorbs the
// failover invisibly.
type steadyProber struct{}

func (steadyProber) Probe(context.Context, probe.Endpoint) probe.Outcome {
	return probe.Outcome{Success: true, Latency: time.Millisecond}
}

// downProber models a gateway that never recovers.
type downProber struct{}

func (downProber) Probe(context.Context, probe.Endpoint) probe.Outcome {
	return probe.Outcome{Success: false, Kind: probe.KindRefused, Err: errors.New("connection refused")}
}

type fakeMetrics struct {
	snap metrics.Snapshot
	err  error
}

func (f fakeMetrics) Fetch(context.Context, string) (metrics.Snapshot, error) {
	return f.snap, f.err
}

func fastConfig() config.ScenarioConfig {
	return config.ScenarioConfig{
		Concurrency:        5,
		ProbeTimeout:       time.Second,
		MinHealthWait:      0,
		MaxHealthWait:      time.Second,
		HealthPollInterval: 10 * time.Millisecond,
		FailoverDelay:      60 * time.Millisecond,
		RecoveryWindow:     60 * time.Millisecond,
		ObserveWindow:      60 * time.Millisecond,
		SuccessThreshold:   70,
		ZeroFailurePhases:  []string{"before", "after"},
		PhasePolicy:        "signal",
	}
}

func fastLoad() loadgen.Config {
	return loadgen.Config{
		Concurrency:   5,
		InterProbeGap: 5 * time.Millisecond,
		JitterFrac:    0.25,
		GraceTimeout:  time.Second,
	}
}

func TestRunner_PassingScenario(t *testing.T) {
	ctrl := &fakeController{}
	runner := NewRunner(fastConfig(), ctrl, steadyProber{}, probe.Endpoint{}, 3,
		WithLoadProfile(fastLoad()))

	report, err := runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, VerdictPassed, report.Verdict)
	assert.Empty(t, report.Violations)
	assert.Equal(t, "patroni1", report.OldPrimary)
	assert.Equal(t, "patroni2", report.NewPrimary)
	assert.NotEmpty(t, report.RunID)
	assert.True(t, ctrl.stopped.Load(), "teardown must always run")

	// The balancer absorbed the outage: flawless before and after, and
	// still serving during.
	assert.Zero(t, report.Phases[phase.Before].Failure)
	assert.Zero(t, report.Phases[phase.After].Failure)
	assert.Greater(t, report.Phases[phase.During].Success, uint64(0))
	for p, pr := range report.Phases {
		assert.Equal(t, pr.Success+pr.Failure, pr.Probes, "phase %s", p)
	}
}

func TestRunner_SplitBrainTopologyFailsRun(t *testing.T) {
	ctrl := &fakeController{splitBrain: true}
	runner := NewRunner(fastConfig(), ctrl, steadyProber{}, probe.Endpoint{}, 3,
		WithLoadProfile(fastLoad()))

	report, err := runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, VerdictFailed, report.Verdict)
	found := false
	for _, v := range report.Violations {
		if strings.HasPrefix(v, "cluster topology after recovery:") {
			found = true
		}
	}
	assert.True(t, found, "expected a topology violation, got %v", report.Violations)
}

func TestRunner_DeadGatewayReportsReconnectFailure(t *testing.T) {
	ctrl := &fakeController{}
	runner := NewRunner(fastConfig(), ctrl, downProber{}, probe.Endpoint{}, 3,
		WithLoadProfile(fastLoad()))

	report, err := runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, VerdictFailed, report.Verdict)
	found := false
	for _, v := range report.Violations {
		if strings.HasPrefix(v, "gateway not accepting connections after recovery:") {
			found = true
		}
	}
	assert.True(t, found, "expected a reconnect violation, got %v", report.Violations)
}

func TestRunner_SnapshotAndRegistry(t *testing.T) {
	ctrl := &fakeController{}
	reg := prometheus.NewRegistry()
	runner := NewRunner(fastConfig(), ctrl, steadyProber{}, probe.Endpoint{}, 3,
		WithLoadProfile(fastLoad()),
		WithProbeRegistry(reg))

	assert.Empty(t, runner.Snapshot(), "no load before the run starts")

	_, err := runner.Run(context.Background())
	require.NoError(t, err)

	snap := runner.Snapshot()
	var total uint64
	for _, st := range snap {
		total += st.Total()
	}
	assert.Greater(t, total, uint64(0))

	families, err := reg.Gather()
	require.NoError(t, err)
	var found bool
	for _, mf := range families {
		if mf.GetName() == "pgharness_probes_total" {
			found = true
		}
	}
	assert.True(t, found, "probe counters published to the registry")
}

func TestRunner_TimeWindowPolicy(t *testing.T) {
	cfg := fastConfig()
	cfg.PhasePolicy = "time"
	ctrl := &fakeController{}
	runner := NewRunner(cfg, ctrl, steadyProber{}, probe.Endpoint{}, 3,
		WithLoadProfile(fastLoad()))

	report, err := runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, VerdictPassed, report.Verdict)
	assert.Greater(t, report.Phases[phase.During].Success, uint64(0))
}

// flakyProber fails whenever the controller has the primary down,
// simulating a gateway that exposes the outage to clients.
type flakyProber struct {
	ctrl *fakeController
}

func (f flakyProber) Probe(context.Context, probe.Endpoint) probe.Outcome {
	if f.ctrl.primaryDown.Load() {
		return probe.Outcome{Kind: probe.KindRefused}
	}
	return probe.Outcome{Success: true, Latency: time.Millisecond}
}

func TestRunner_OutageVisibleInAfterPhaseFailsRun(t *testing.T) {
	ctrl := &fakeController{
		// Recovery never completes, so probes fail all the way into After.
		awaitErr: errors.New("election stuck"),
	}
	runner := NewRunner(fastConfig(), ctrl, flakyProber{ctrl}, probe.Endpoint{}, 3,
		WithLoadProfile(fastLoad()))

	report, err := runner.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, VerdictFailed, report.Verdict)
	assert.Contains(t, report.Violations,
		"no new primary within recovery window 60ms")
	assert.Greater(t, report.Phases[phase.After].Failure, uint64(0))

	found := false
	for _, v := range report.Violations {
		if strings.HasPrefix(v, "expected 0 failures after failover, got ") {
			found = true
		}
	}
	assert.True(t, found, "zero-failure violation must name the phase and count, got %v", report.Violations)
}

func TestRunner_SkipsWhenNoPrimary(t *testing.T) {
	ctrl := &fakeController{triggerErr: cluster.ErrNoPrimary}
	runner := NewRunner(fastConfig(), ctrl, steadyProber{}, probe.Endpoint{}, 3,
		WithLoadProfile(fastLoad()))

	report, err := runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, VerdictSkipped, report.Verdict)
	assert.True(t, ctrl.stopped.Load())
}

func TestRunner_FatalLifecycleErrors(t *testing.T) {
	t.Run("provisioning failure aborts before load", func(t *testing.T) {
		ctrl := &fakeController{startErr: cluster.ErrProvision}
		runner := NewRunner(fastConfig(), ctrl, steadyProber{}, probe.Endpoint{}, 3,
			WithLoadProfile(fastLoad()))

		_, err := runner.Run(context.Background())
		assert.ErrorIs(t, err, cluster.ErrProvision)
		assert.True(t, ctrl.stopped.Load(), "teardown runs even on fatal errors")
	})

	t.Run("health timeout aborts before load", func(t *testing.T) {
		ctrl := &fakeController{healthErr: cluster.ErrHealthTimeout}
		runner := NewRunner(fastConfig(), ctrl, steadyProber{}, probe.Endpoint{}, 3,
			WithLoadProfile(fastLoad()))

		_, err := runner.Run(context.Background())
		assert.ErrorIs(t, err, cluster.ErrHealthTimeout)
	})
}

func TestRunner_MetricsInvariants(t *testing.T) {
	t.Run("consistent server counts pass", func(t *testing.T) {
		src := fakeMetrics{snap: metrics.Snapshot{Values: map[string]float64{
			metrics.MetricServersTotal:     3,
			metrics.MetricServersHealthy:   2,
			metrics.MetricServersUnhealthy: 1,
		}}}
		runner := NewRunner(fastConfig(), &fakeController{}, steadyProber{}, probe.Endpoint{}, 3,
			WithMetricsSource(src, "http://localhost:9090/metrics"),
			WithLoadProfile(fastLoad()))

		report, err := runner.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, VerdictPassed, report.Verdict)
	})

	t.Run("unreachable metrics endpoint is a violation", func(t *testing.T) {
		src := fakeMetrics{err: metrics.ErrUnreachable}
		runner := NewRunner(fastConfig(), &fakeController{}, steadyProber{}, probe.Endpoint{}, 3,
			WithMetricsSource(src, "http://localhost:9090/metrics"),
			WithLoadProfile(fastLoad()))

		report, err := runner.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, VerdictFailed, report.Verdict)
		assert.NotEmpty(t, report.Violations)
	})

	t.Run("inconsistent server counts fail", func(t *testing.T) {
		src := fakeMetrics{snap: metrics.Snapshot{Values: map[string]float64{
			metrics.MetricServersTotal:     3,
			metrics.MetricServersHealthy:   3,
			metrics.MetricServersUnhealthy: 1,
		}}}
		runner := NewRunner(fastConfig(), &fakeController{}, steadyProber{}, probe.Endpoint{}, 3,
			WithMetricsSource(src, "http://localhost:9090/metrics"),
			WithLoadProfile(fastLoad()))

		report, err := runner.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, VerdictFailed, report.Verdict)
	})
}

func TestVerdict_String(t *testing.T) {
	assert.Equal(t, "passed", VerdictPassed.String())
	assert.Equal(t, "failed", VerdictFailed.String())
	assert.Equal(t, "skipped", VerdictSkipped.String())
}
