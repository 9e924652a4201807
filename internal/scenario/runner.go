// Package scenario orchestrates a full resilience run: cluster bring-up,
// baseline load, forced failover, recovery observation and invariant
// evaluation.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/oakmere/pgharness/internal/cluster"
	"github.com/oakmere/pgharness/internal/config"
	"github.com/oakmere/pgharness/internal/loadgen"
	"github.com/oakmere/pgharness/internal/metrics"
	"github.com/oakmere/pgharness/internal/phase"
	"github.com/oakmere/pgharness/internal/probe"
	"github.com/oakmere/pgharness/internal/retry"
)

// reconnectAttempts bounds the fresh-connection check after recovery.
const reconnectAttempts = 3

// Controller is the slice of the cluster controller the runner drives.
type Controller interface {
	Start(ctx context.Context) error
	WaitHealthy(ctx context.Context, minWait, maxWait, pollInterval time.Duration) error
	TriggerFailover(ctx context.Context) (*cluster.Node, error)
	AwaitNewPrimary(ctx context.Context, old string, deadline, pollInterval time.Duration) (*cluster.Node, error)
	Topology() cluster.Topology
	Stop(ctx context.Context) error
}

// MetricsSource scrapes the gateway's exposition endpoint.
type MetricsSource interface {
	Fetch(ctx context.Context, url string) (metrics.Snapshot, error)
}

// Verdict is the overall result of a scenario run.
type Verdict int

const (
	VerdictPassed Verdict = iota
	VerdictFailed
	// VerdictSkipped marks runs aborted because no primary was
	// discoverable at trigger time: the cluster was already degraded for
	// reasons unrelated to the harness.
	VerdictSkipped
)

func (v Verdict) String() string {
	switch v {
	case VerdictPassed:
		return "passed"
	case VerdictFailed:
		return "failed"
	default:
		return "skipped"
	}
}

// PhaseReport is one phase's outcome counts plus latency statistics.
type PhaseReport struct {
	Probes      uint64
	Success     uint64
	Failure     uint64
	SuccessRate float64
	Latency     metrics.LatencyStats
}

// Report is the user-visible result of a run: per-phase numbers and the
// specific invariants that failed, never a raw fault.
type Report struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Verdict    Verdict
	OldPrimary string
	NewPrimary string
	Phases     map[phase.Phase]PhaseReport
	Violations []string
}

// Runner wires the controller, load generator and metrics collector into
// one scenario execution.
type Runner struct {
	cfg        config.ScenarioConfig
	controller Controller
	prober     loadgen.Prober
	endpoint   probe.Endpoint
	collector  MetricsSource
	metricsURL string
	nodeCount  int
	load       loadgen.Config
	registry   prometheus.Registerer
	logger     *zap.Logger

	gen atomic.Pointer[loadgen.Generator]
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunnerLogger attaches a logger.
func WithRunnerLogger(logger *zap.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

// WithLoadProfile overrides the generator pacing; concurrency still comes
// from the scenario config.
func WithLoadProfile(load loadgen.Config) RunnerOption {
	return func(r *Runner) { r.load = load }
}

// WithProbeRegistry publishes the load generator's probe counters to the
// given registry so an admin endpoint can expose them mid-run.
func WithProbeRegistry(reg prometheus.Registerer) RunnerOption {
	return func(r *Runner) { r.registry = reg }
}

// WithMetricsSource enables gateway metrics assertions against the given
// collector and URL.
func WithMetricsSource(src MetricsSource, url string) RunnerOption {
	return func(r *Runner) {
		r.collector = src
		r.metricsURL = url
	}
}

// NewRunner builds a runner. nodeCount is the configured cluster size used
// for the servers_total invariant.
func NewRunner(cfg config.ScenarioConfig, controller Controller, prober loadgen.Prober, endpoint probe.Endpoint, nodeCount int, opts ...RunnerOption) *Runner {
	r := &Runner{
		cfg:        cfg,
		controller: controller,
		prober:     prober,
		endpoint:   endpoint,
		nodeCount:  nodeCount,
		load:       loadgen.DefaultConfig(),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Snapshot returns the live per-phase load counts, or an empty map when no
// load is running yet. This is the feed for the admin status endpoint.
func (r *Runner) Snapshot() map[phase.Phase]loadgen.Snapshot {
	gen := r.gen.Load()
	if gen == nil {
		return map[phase.Phase]loadgen.Snapshot{}
	}
	return gen.Snapshot()
}

// Run executes the scenario. Lifecycle failures before load starts are
// returned as errors; invariant violations land in the report instead.
// Teardown always runs, whatever happened before it.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	report := &Report{
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
	}
	log := r.logger.With(zap.String("run_id", report.RunID))

	defer func() {
		if err := r.controller.Stop(context.WithoutCancel(ctx)); err != nil {
			log.Warn("cluster teardown reported an error", zap.Error(err))
		}
		report.FinishedAt = time.Now()
	}()

	if err := r.controller.Start(ctx); err != nil {
		return nil, err
	}
	if err := r.controller.WaitHealthy(ctx, r.cfg.MinHealthWait, r.cfg.MaxHealthWait, r.cfg.HealthPollInterval); err != nil {
		return nil, err
	}

	signal, clock := r.buildClock()
	loadCfg := r.load
	loadCfg.Concurrency = r.cfg.Concurrency
	genOpts := []loadgen.GeneratorOption{loadgen.WithGeneratorLogger(log)}
	if r.registry != nil {
		genOpts = append(genOpts, loadgen.WithRegisterer(r.registry))
	}
	gen := loadgen.NewGenerator(loadCfg, r.prober, r.endpoint, clock, genOpts...)
	r.gen.Store(gen)

	gen.Start(ctx)
	defer gen.Stop()

	// Baseline window: the gateway must serve flawlessly before anything
	// is disturbed.
	log.Info("baseline load running", zap.Duration("window", r.cfg.FailoverDelay))
	if err := sleepCtx(ctx, r.cfg.FailoverDelay); err != nil {
		return nil, err
	}

	old, err := r.controller.TriggerFailover(ctx)
	if errors.Is(err, cluster.ErrNoPrimary) {
		log.Warn("no discoverable primary, skipping scenario")
		report.Verdict = VerdictSkipped
		report.Violations = append(report.Violations, "no discoverable primary at failover time")
		return report, nil
	}
	if err != nil {
		return nil, err
	}
	report.OldPrimary = old.Name
	if signal != nil {
		signal.Advance()
	}

	// Recovery window: leader election happens underneath the load.
	newPrimary, err := r.controller.AwaitNewPrimary(ctx, old.Name, r.cfg.RecoveryWindow, r.cfg.HealthPollInterval)
	if err != nil {
		report.Violations = append(report.Violations,
			fmt.Sprintf("no new primary within recovery window %s", r.cfg.RecoveryWindow))
	} else {
		report.NewPrimary = newPrimary.Name
		// Roles are fresh from the discovery polls; the recovered cluster
		// must have settled on a single primary.
		if top := r.controller.Topology(); top.Primaries != 1 {
			report.Violations = append(report.Violations,
				fmt.Sprintf("cluster topology after recovery: %d primaries, %d replicas, %d unknown",
					top.Primaries, top.Replicas, top.Unknown))
		}
		if err := r.reconnectCheck(ctx); err != nil {
			report.Violations = append(report.Violations,
				fmt.Sprintf("gateway not accepting connections after recovery: %v", err))
		}
	}
	if signal != nil {
		signal.Advance()
	}

	log.Info("post-failover observation", zap.Duration("window", r.cfg.ObserveWindow))
	if err := sleepCtx(ctx, r.cfg.ObserveWindow); err != nil {
		return nil, err
	}

	gen.Stop()
	r.evaluate(ctx, report, gen.Snapshot())

	log.Info("scenario finished",
		zap.String("verdict", report.Verdict.String()),
		zap.Strings("violations", report.Violations))
	return report, nil
}

// reconnectCheck verifies a fresh connection succeeds through the gateway
// once a new primary is in place, independent of the rolling load.
func (r *Runner) reconnectCheck(ctx context.Context) error {
	poller := retry.NewPoller(
		retry.WithInterval(r.cfg.HealthPollInterval),
		retry.WithLogger(r.logger),
	)
	return poller.Attempts(ctx, reconnectAttempts, func(ctx context.Context) error {
		out := r.prober.Probe(ctx, r.endpoint)
		if out.Success {
			return nil
		}
		if out.Err != nil {
			return out.Err
		}
		return errors.New(out.Kind.String())
	})
}

// buildClock returns the signal clock when the policy is signal-driven
// (nil otherwise) and the clock the workers should read.
func (r *Runner) buildClock() (*phase.SignalClock, phase.Clock) {
	if r.cfg.PhasePolicy == "time" {
		return nil, phase.NewTimeClock(time.Now(), r.cfg.FailoverDelay, r.cfg.RecoveryWindow)
	}
	signal := phase.NewSignalClock()
	return signal, signal
}

// evaluate folds the load snapshots and the metrics invariants into the
// report and settles the verdict.
func (r *Runner) evaluate(ctx context.Context, report *Report, snap map[phase.Phase]loadgen.Snapshot) {
	report.Phases = make(map[phase.Phase]PhaseReport, len(snap))
	var success, total uint64
	for p, s := range snap {
		report.Phases[p] = PhaseReport{
			Probes:      s.Total(),
			Success:     s.Success,
			Failure:     s.Failure,
			SuccessRate: s.SuccessRate(),
			Latency:     metrics.ComputeStats(s.Latencies),
		}
		success += s.Success
		total += s.Total()
	}

	for _, name := range r.cfg.ZeroFailurePhases {
		p, ok := phaseByName(name)
		if !ok {
			continue
		}
		if failures := snap[p].Failure; failures > 0 {
			report.Violations = append(report.Violations,
				fmt.Sprintf("expected 0 failures %s failover, got %d", p, failures))
		}
	}

	if snap[phase.During].Success == 0 {
		report.Violations = append(report.Violations,
			"expected at least one success during failover, got 0")
	}

	if total > 0 && r.cfg.SuccessThreshold > 0 {
		rate := float64(success) / float64(total) * 100
		if rate < r.cfg.SuccessThreshold {
			report.Violations = append(report.Violations,
				fmt.Sprintf("overall success rate %.1f%% below threshold %.1f%%", rate, r.cfg.SuccessThreshold))
		}
	}

	if r.collector != nil {
		msnap, err := r.collector.Fetch(ctx, r.metricsURL)
		if err != nil {
			report.Violations = append(report.Violations,
				fmt.Sprintf("metrics endpoint unreachable: %v", err))
		} else {
			if err := metrics.CheckServerCounts(msnap, r.nodeCount); err != nil {
				report.Violations = append(report.Violations, err.Error())
			}
			if active, ok := msnap.Get(metrics.MetricConnectionsActive); ok {
				r.logger.Info("gateway connection load at evaluation",
					zap.Float64("connections_active", active))
			}
		}
	}

	if len(report.Violations) > 0 {
		report.Verdict = VerdictFailed
	} else {
		report.Verdict = VerdictPassed
	}
}

func phaseByName(name string) (phase.Phase, bool) {
	switch name {
	case "before":
		return phase.Before, true
	case "during":
		return phase.During, true
	case "after":
		return phase.After, true
	default:
		return phase.Before, false
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
