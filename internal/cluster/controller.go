package cluster

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/oakmere/pgharness/internal/retry"
)

// Lifecycle errors. Provisioning and health-wait failures are fatal to a
// scenario; a missing primary is a valid transient state that only becomes
// an error when a failover is requested against it.
var (
	ErrProvision     = errors.New("cluster: provisioning failed")
	ErrHealthTimeout = errors.New("cluster: not healthy within max wait")
	ErrNoPrimary     = errors.New("cluster: no discoverable primary")
)

// Phase of the controller's lifecycle state machine.
type ControllerState int

const (
	StateUninitialized ControllerState = iota
	StateStarting
	StateWaitingHealthy
	StateHealthy
	StateFailoverTriggered
	StateRecovering
	StateStopping
	StateStopped
)

func (s ControllerState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateStarting:
		return "starting"
	case StateWaitingHealthy:
		return "waiting_healthy"
	case StateHealthy:
		return "healthy"
	case StateFailoverTriggered:
		return "failover_triggered"
	case StateRecovering:
		return "recovering"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// Runtime is the cluster control surface: start and stop a named stack,
// force-stop an individual node, fetch a container's logs. Production uses
// ComposeRuntime; tests inject fakes.
type Runtime interface {
	StackUp(ctx context.Context) error
	StackDown(ctx context.Context) error
	StopNode(ctx context.Context, name string) error
	Logs(ctx context.Context, name string) (string, error)
}

// CheckFunc reports whether a node currently accepts writes. Connection
// failures mean "unreachable", which discovery treats as non-primary rather
// than an error.
type CheckFunc func(ctx context.Context, node Node) (bool, error)

// Controller drives the cluster through a scenario: bring-up, health
// convergence, primary discovery, failover injection and teardown.
type Controller struct {
	state   *State
	runtime Runtime
	check   CheckFunc

	gatewayName string // container whose logs are captured on Stop
	reportDir   string

	mu    sync.Mutex
	phase ControllerState

	logger *zap.Logger
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) ControllerOption {
	return func(c *Controller) { c.logger = logger }
}

// WithGatewayLogCapture captures the named container's logs into dir during
// Stop, before teardown.
func WithGatewayLogCapture(container, dir string) ControllerOption {
	return func(c *Controller) {
		c.gatewayName = container
		c.reportDir = dir
	}
}

// NewController creates a controller over the given cluster state, runtime
// and writability check.
func NewController(state *State, runtime Runtime, check CheckFunc, opts ...ControllerOption) *Controller {
	c := &Controller{
		state:   state,
		runtime: runtime,
		check:   check,
		phase:   StateUninitialized,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Topology classifies the nodes by their last derived roles.
func (c *Controller) Topology() Topology {
	return c.state.Topology()
}

// Phase returns the controller's current lifecycle state.
func (c *Controller) Phase() ControllerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Controller) setPhase(p ControllerState) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
}

// Start provisions and brings up the stack. A controller that is already
// healthy treats Start as a no-op. Failure wraps ErrProvision and the
// scenario must not proceed past it.
func (c *Controller) Start(ctx context.Context) error {
	if c.Phase() == StateHealthy {
		c.logger.Debug("start skipped, cluster already healthy")
		return nil
	}

	c.setPhase(StateStarting)
	c.logger.Info("starting cluster stack",
		zap.Int("nodes", c.state.Len()))

	if err := c.runtime.StackUp(ctx); err != nil {
		c.setPhase(StateStopped)
		return fmt.Errorf("%w: %v", ErrProvision, err)
	}

	c.setPhase(StateWaitingHealthy)
	return nil
}

// WaitHealthy blocks for the mandatory minimum settle time, then polls until
// exactly one reachable node reports writable or maxWait elapses. The
// cluster is known to be unstable right after start, so no poll happens
// before minWait.
func (c *Controller) WaitHealthy(ctx context.Context, minWait, maxWait, pollInterval time.Duration) error {
	c.logger.Info("waiting for cluster health",
		zap.Duration("min_wait", minWait),
		zap.Duration("max_wait", maxWait))

	select {
	case <-time.After(minWait):
	case <-ctx.Done():
		return ctx.Err()
	}

	poller := retry.NewPoller(
		retry.WithInterval(pollInterval),
		retry.WithLogger(c.logger),
	)
	err := poller.WaitFor(ctx, maxWait-minWait, func(ctx context.Context) bool {
		return c.writableCount(ctx) == 1
	})
	if err != nil {
		if errors.Is(err, retry.ErrDeadline) {
			return fmt.Errorf("%w (max %s)", ErrHealthTimeout, maxWait)
		}
		return err
	}

	c.setPhase(StateHealthy)
	c.logger.Info("cluster healthy")
	return nil
}

// writableCount probes every node, updating derived roles along the way.
// Per-node failures are silent: an unreachable node is simply not primary.
func (c *Controller) writableCount(ctx context.Context) int {
	count := 0
	for _, node := range c.state.Nodes() {
		writable, err := c.check(ctx, node)
		switch {
		case err != nil:
			c.state.SetRole(node.Name, RoleUnknown)
		case writable:
			c.state.SetRole(node.Name, RolePrimary)
			count++
		default:
			c.state.SetRole(node.Name, RoleReplica)
		}
	}
	return count
}

// DiscoverPrimary walks the configured nodes in order and returns the first
// one that reports writable, caching it. A nil result with nil error means
// no primary right now, which is a valid transient state rather than a fault.
func (c *Controller) DiscoverPrimary(ctx context.Context) (*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var primary *Node
	for _, node := range c.state.Nodes() {
		writable, err := c.check(ctx, node)
		switch {
		case err != nil:
			c.state.SetRole(node.Name, RoleUnknown)
		case writable:
			c.state.SetRole(node.Name, RolePrimary)
			if primary == nil {
				n := node
				n.Role = RolePrimary
				primary = &n
			}
		default:
			c.state.SetRole(node.Name, RoleReplica)
		}
	}

	if primary == nil {
		c.state.InvalidatePrimary()
		return nil, nil
	}
	c.state.SetPrimary(*primary)
	return primary, nil
}

// TriggerFailover resolves the current primary and force-stops its
// container, simulating a crash rather than a graceful shutdown. It does
// not wait for a new primary to emerge; callers poll DiscoverPrimary for
// that. Returns ErrNoPrimary when no node is writable.
func (c *Controller) TriggerFailover(ctx context.Context) (*Node, error) {
	primary, err := c.DiscoverPrimary(ctx)
	if err != nil {
		return nil, err
	}
	if primary == nil {
		return nil, ErrNoPrimary
	}

	c.logger.Info("forcing failover",
		zap.String("primary", primary.Name))

	if err := c.runtime.StopNode(ctx, primary.Name); err != nil {
		return nil, fmt.Errorf("stop primary %s: %w", primary.Name, err)
	}

	c.state.InvalidatePrimary()
	c.setPhase(StateFailoverTriggered)
	return primary, nil
}

// AwaitNewPrimary polls discovery until a writable node different from the
// old primary appears or the deadline passes.
func (c *Controller) AwaitNewPrimary(ctx context.Context, old string, deadline, pollInterval time.Duration) (*Node, error) {
	c.setPhase(StateRecovering)

	var found *Node
	poller := retry.NewPoller(
		retry.WithInterval(pollInterval),
		retry.WithLogger(c.logger),
	)
	err := poller.WaitFor(ctx, deadline, func(ctx context.Context) bool {
		primary, err := c.DiscoverPrimary(ctx)
		if err != nil || primary == nil || primary.Name == old {
			return false
		}
		found = primary
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("new primary after %s: %w", old, err)
	}

	c.setPhase(StateHealthy)
	c.logger.Info("new primary elected",
		zap.String("old", old),
		zap.String("new", found.Name))
	return found, nil
}

// Stop captures the gateway's logs best-effort, then tears the stack down.
// Log-capture failures are recorded as warnings and never block teardown;
// the stack must not leak into subsequent runs.
func (c *Controller) Stop(ctx context.Context) error {
	c.setPhase(StateStopping)

	if c.gatewayName != "" {
		c.captureGatewayLogs(ctx)
	}

	err := c.runtime.StackDown(ctx)
	c.setPhase(StateStopped)
	if err != nil {
		return fmt.Errorf("stack teardown: %w", err)
	}
	return nil
}

func (c *Controller) captureGatewayLogs(ctx context.Context) {
	logs, err := c.runtime.Logs(ctx, c.gatewayName)
	if err != nil {
		c.logger.Warn("gateway log capture failed",
			zap.String("container", c.gatewayName),
			zap.Error(err))
		return
	}

	if err := os.MkdirAll(c.reportDir, 0o750); err != nil {
		c.logger.Warn("report dir creation failed", zap.Error(err))
		return
	}
	path := filepath.Join(c.reportDir, "gateway.log")
	if err := os.WriteFile(path, []byte(logs), 0o640); err != nil {
		c.logger.Warn("gateway log write failed",
			zap.String("path", path),
			zap.Error(err))
		return
	}
	c.logger.Info("gateway logs saved", zap.String("path", path))
}
