// Package metrics reads the gateway's plaintext exposition endpoint and
// computes distributional statistics over recorded probe latencies.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/oakmere/pgharness/internal/retry"
)

// ErrUnreachable marks a metrics endpoint that could not be fetched.
// Unlike a single bad line, this is surfaced: metrics assertions depend on
// having a snapshot at all.
var ErrUnreachable = errors.New("metrics: endpoint unreachable")

// Recognized gateway metric names.
const (
	MetricConnectionsActive = "pg_gateway_connections_active"
	MetricServersTotal      = "pg_gateway_servers_total"
	MetricServersHealthy    = "pg_gateway_servers_healthy"
	MetricServersUnhealthy  = "pg_gateway_servers_unhealthy"
)

// Snapshot is one parsed scrape of the exposition endpoint.
type Snapshot struct {
	CapturedAt time.Time
	Values     map[string]float64
}

// Get returns a value and whether it was present in the scrape.
func (s Snapshot) Get(name string) (float64, bool) {
	v, ok := s.Values[name]
	return v, ok
}

// Delta returns per-name differences against an earlier snapshot. Names
// absent from prev count from zero.
func (s Snapshot) Delta(prev Snapshot) map[string]float64 {
	out := make(map[string]float64, len(s.Values))
	for name, v := range s.Values {
		out[name] = v - prev.Values[name]
	}
	return out
}

// Collector scrapes and parses the gateway metrics endpoint.
type Collector struct {
	client *http.Client
	logger *zap.Logger
}

// NewCollector creates a collector with the given scrape timeout.
func NewCollector(timeout time.Duration, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Fetch GETs the endpoint and parses the body. Transport failures and
// non-200 statuses wrap ErrUnreachable.
func (c *Collector) Fetch(ctx context.Context, url string) (Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Snapshot{}, fmt.Errorf("%w: status %d from %s", ErrUnreachable, resp.StatusCode, url)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: read body: %v", ErrUnreachable, err)
	}

	return Snapshot{
		CapturedAt: time.Now(),
		Values:     Parse(string(body)),
	}, nil
}

// Parse reads exposition-format text line by line: blank lines and
// #-comments are skipped, remaining lines split on whitespace into
// name/value. Malformed lines are dropped, not fatal; a repeated name takes
// its last value, per exposition convention.
func Parse(text string) map[string]float64 {
	values := make(map[string]float64)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		values[fields[0]] = v
	}
	return values
}

// CheckServerCounts verifies the backend-count invariant: healthy plus
// unhealthy equals total, and total matches the configured node count.
func CheckServerCounts(s Snapshot, wantTotal int) error {
	total, ok := s.Get(MetricServersTotal)
	if !ok {
		return fmt.Errorf("metrics: %s missing from snapshot", MetricServersTotal)
	}
	healthy, ok := s.Get(MetricServersHealthy)
	if !ok {
		return fmt.Errorf("metrics: %s missing from snapshot", MetricServersHealthy)
	}
	unhealthy, ok := s.Get(MetricServersUnhealthy)
	if !ok {
		return fmt.Errorf("metrics: %s missing from snapshot", MetricServersUnhealthy)
	}

	if healthy+unhealthy != total {
		return fmt.Errorf("metrics: healthy %g + unhealthy %g != total %g", healthy, unhealthy, total)
	}
	if total != float64(wantTotal) {
		return fmt.Errorf("metrics: servers_total %g, want %d", total, wantTotal)
	}
	return nil
}

// WaitForValue polls the endpoint until pred holds for the named metric or
// the deadline passes. Scrape failures and missing names count as "not
// yet"; only deadline exhaustion fails.
func (c *Collector) WaitForValue(ctx context.Context, url, name string, pred func(float64) bool, deadline, interval time.Duration) error {
	poller := retry.NewPoller(
		retry.WithInterval(interval),
		retry.WithLogger(c.logger),
	)
	return poller.WaitFor(ctx, deadline, func(ctx context.Context) bool {
		snap, err := c.Fetch(ctx, url)
		if err != nil {
			c.logger.Debug("metrics scrape failed during wait", zap.Error(err))
			return false
		}
		v, ok := snap.Get(name)
		return ok && pred(v)
	})
}

// LatencyStats summarizes a latency sample set.
type LatencyStats struct {
	Mean   time.Duration
	Median time.Duration
	StdDev time.Duration
	P99    time.Duration
}

// ComputeStats returns mean, median, population standard deviation (zero
// for n<=1) and nearest-rank p99 (index ceil(0.99*n)-1 over the ascending
// sort) for the samples.
func ComputeStats(samples []time.Duration) LatencyStats {
	if len(samples) == 0 {
		return LatencyStats{}
	}

	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	n := len(sorted)
	var sum float64
	for _, s := range sorted {
		sum += float64(s)
	}
	mean := sum / float64(n)

	var median float64
	if n%2 == 1 {
		median = float64(sorted[n/2])
	} else {
		median = (float64(sorted[n/2-1]) + float64(sorted[n/2])) / 2
	}

	var variance float64
	if n > 1 {
		for _, s := range sorted {
			d := float64(s) - mean
			variance += d * d
		}
		variance /= float64(n)
	}

	rank := int(math.Ceil(0.99*float64(n))) - 1
	if rank < 0 {
		rank = 0
	}

	return LatencyStats{
		Mean:   time.Duration(mean),
		Median: time.Duration(median),
		StdDev: time.Duration(math.Sqrt(variance)),
		P99:    sorted[rank],
	}
}
