// Package probe performs single connect-operate-disconnect cycles against
// the gateway under test. One probe is the unit of availability measurement:
// every call terminates in an Outcome, never a panic or a stray error, so
// the caller's counters stay exactly consistent with attempt count.
package probe

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// Kind classifies a failed probe by its underlying cause.
type Kind int

const (
	KindNone Kind = iota // successful probe
	KindTimeout
	KindRefused
	KindProtocol
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTimeout:
		return "timeout"
	case KindRefused:
		return "refused"
	case KindProtocol:
		return "protocol"
	default:
		return "other"
	}
}

// Outcome is the immutable result of one probe attempt. Latency is only
// meaningful when Success is true.
type Outcome struct {
	Success bool
	Latency time.Duration
	Kind    Kind
	Err     error
}

// Endpoint describes the connection target, normally the gateway's listen
// address rather than any cluster node.
type Endpoint struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

// DSN renders lib/pq connection parameters. The connect_timeout unit is
// whole seconds, so sub-second timeouts round up to one.
func (e Endpoint) DSN(timeout time.Duration) string {
	secs := int(timeout / time.Second)
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable connect_timeout=%d",
		e.Host, e.Port, e.User, e.Password, e.Database, secs)
}

// Executor runs probes with a fixed per-attempt timeout.
type Executor struct {
	timeout time.Duration
	churn   bool
	logger  *zap.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithChurn makes probes connect and disconnect without running the check
// query, exercising the gateway's accept path under rapid churn.
func WithChurn(enabled bool) Option {
	return func(e *Executor) { e.churn = enabled }
}

// WithLogger adds debug logging to probe attempts.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// NewExecutor creates an executor with the given per-probe timeout.
func NewExecutor(timeout time.Duration, opts ...Option) *Executor {
	e := &Executor{
		timeout: timeout,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Probe opens a fresh connection to endpoint, runs one trivial read, and
// closes. The returned outcome's phase attribution is the caller's job.
func (e *Executor) Probe(ctx context.Context, endpoint Endpoint) Outcome {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()

	db, err := sql.Open("postgres", endpoint.DSN(e.timeout))
	if err != nil {
		// DSN assembly failure, not a network condition.
		return failure(err)
	}
	defer func() { _ = db.Close() }()
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		return failure(err)
	}

	if !e.churn {
		var one int
		if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
			return failure(err)
		}
		if one != 1 {
			return Outcome{Kind: KindProtocol, Err: fmt.Errorf("probe query returned %d", one)}
		}
	}

	return Outcome{Success: true, Latency: time.Since(start)}
}

func failure(err error) Outcome {
	return Outcome{Kind: Classify(err), Err: err}
}

// Classify maps an error from the connect/query path onto a probe kind.
// Timeouts and refused connections are the interesting cases during a
// failover; everything the wire protocol reports after connecting counts
// as a protocol error.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return KindRefused
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return KindProtocol
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return KindProtocol
	}
	return KindOther
}
