package loadgen

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/oakmere/pgharness/internal/phase"
	"github.com/oakmere/pgharness/internal/probe"
)

// Prober performs one probe attempt. *probe.Executor satisfies this;
// tests substitute fakes.
type Prober interface {
	Probe(ctx context.Context, endpoint probe.Endpoint) probe.Outcome
}

// Config sizes the worker pool and its pacing.
type Config struct {
	Concurrency   int
	InterProbeGap time.Duration // base delay between a worker's probes
	JitterFrac    float64       // fraction of the gap randomized per probe
	MaxRate       rate.Limit    // global probe rate cap, 0 = unlimited
	GraceTimeout  time.Duration // how long Stop waits for workers to drain
}

// DefaultConfig matches the scenario defaults: five workers probing every
// 100ms with a quarter of the gap jittered.
func DefaultConfig() Config {
	return Config{
		Concurrency:   5,
		InterProbeGap: 100 * time.Millisecond,
		JitterFrac:    0.25,
		GraceTimeout:  10 * time.Second,
	}
}

// Generator owns a fixed pool of workers that repeatedly probe the gateway,
// tagging every outcome with the clock's current phase.
type Generator struct {
	cfg      Config
	prober   Prober
	endpoint probe.Endpoint
	clock    phase.Clock
	stats    *Set
	limiter  *rate.Limiter

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	active  map[int]struct{} // worker IDs still in flight

	probesTotal *prometheus.CounterVec
	logger      *zap.Logger
}

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

// WithGeneratorLogger attaches a logger.
func WithGeneratorLogger(logger *zap.Logger) GeneratorOption {
	return func(g *Generator) { g.logger = logger }
}

// WithRegisterer publishes live probe counters
// (pgharness_probes_total{phase,outcome}) to the given registry.
func WithRegisterer(reg prometheus.Registerer) GeneratorOption {
	return func(g *Generator) {
		reg.MustRegister(g.probesTotal)
	}
}

// NewGenerator builds a generator; workers start on Start.
func NewGenerator(cfg Config, prober Prober, endpoint probe.Endpoint, clock phase.Clock, opts ...GeneratorOption) *Generator {
	g := &Generator{
		cfg:      cfg,
		prober:   prober,
		endpoint: endpoint,
		clock:    clock,
		stats:    NewSet(),
		stopCh:   make(chan struct{}),
		active:   make(map[int]struct{}),
		logger:   zap.NewNop(),
		probesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pgharness_probes_total",
			Help: "Probe attempts by phase and outcome kind.",
		}, []string{"phase", "outcome"}),
	}
	if cfg.MaxRate > 0 {
		g.limiter = rate.NewLimiter(cfg.MaxRate, cfg.Concurrency)
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Start launches the worker pool. Workers run until Stop.
func (g *Generator) Start(ctx context.Context) {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return
	}
	g.running = true
	for id := 0; id < g.cfg.Concurrency; id++ {
		g.active[id] = struct{}{}
	}
	g.mu.Unlock()

	g.logger.Info("load generator starting",
		zap.Int("workers", g.cfg.Concurrency),
		zap.Duration("gap", g.cfg.InterProbeGap))

	for id := 0; id < g.cfg.Concurrency; id++ {
		g.wg.Add(1)
		go g.worker(ctx, id)
	}
}

func (g *Generator) worker(ctx context.Context, id int) {
	defer g.wg.Done()
	defer func() {
		g.mu.Lock()
		delete(g.active, id)
		g.mu.Unlock()
	}()

	// Per-worker RNG avoids lock contention on the global source.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)))

	for {
		select {
		case <-g.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return
			}
		}

		// The phase is read once per attempt; the outcome belongs to the
		// phase in effect at observation time, even if the clock moves
		// while the probe is in flight.
		current := g.clock.Current()
		outcome := g.prober.Probe(ctx, g.endpoint)
		g.record(current, outcome)

		select {
		case <-time.After(g.pause(rng)):
		case <-g.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// pause returns the inter-probe delay with jitter, desynchronizing workers
// so they do not thundering-herd the gateway in lockstep.
func (g *Generator) pause(rng *rand.Rand) time.Duration {
	gap := g.cfg.InterProbeGap
	if gap <= 0 || g.cfg.JitterFrac <= 0 {
		return gap
	}
	span := int64(float64(gap) * g.cfg.JitterFrac)
	if span <= 0 {
		return gap
	}
	// Uniform over [gap - span/2, gap + span/2).
	return gap - time.Duration(span/2) + time.Duration(rng.Int63n(span))
}

func (g *Generator) record(p phase.Phase, o probe.Outcome) {
	g.stats.Record(p, o)
	outcome := "success"
	if !o.Success {
		outcome = o.Kind.String()
	}
	g.probesTotal.WithLabelValues(p.String(), outcome).Inc()
}

// Stop signals workers to exit after their in-flight probe and blocks until
// they drain or the grace timeout fires. Workers that outlive the grace
// period are abandoned with a warning naming them.
func (g *Generator) Stop() {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return
	}
	g.running = false
	g.mu.Unlock()

	close(g.stopCh)

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.logger.Info("load generator drained")
	case <-time.After(g.cfg.GraceTimeout):
		g.mu.Lock()
		stuck := make([]int, 0, len(g.active))
		for id := range g.active {
			stuck = append(stuck, id)
		}
		g.mu.Unlock()
		g.logger.Warn("abandoning workers after grace timeout",
			zap.Ints("worker_ids", stuck),
			zap.Duration("grace", g.cfg.GraceTimeout))
	}
}

// Snapshot returns a consistent copy of all per-phase stats.
func (g *Generator) Snapshot() map[phase.Phase]Snapshot {
	return g.stats.Snapshot()
}

// Stats exposes the underlying accumulator set, mainly for the admin
// status endpoint.
func (g *Generator) Stats() *Set {
	return g.stats
}
