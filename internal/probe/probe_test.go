package probe

import (
	"context"
	"errors"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpoint_DSN(t *testing.T) {
	ep := Endpoint{Host: "localhost", Port: 6432, User: "postgres", Password: "postgres", Database: "postgres"}

	dsn := ep.DSN(5 * time.Second)
	assert.Equal(t,
		"host=localhost port=6432 user=postgres password=postgres dbname=postgres sslmode=disable connect_timeout=5",
		dsn)

	// Sub-second timeouts round up rather than disabling the timeout.
	assert.Contains(t, ep.DSN(200*time.Millisecond), "connect_timeout=1")
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindNone},
		{"context deadline", context.DeadlineExceeded, KindTimeout},
		{"net timeout", &net.OpError{Op: "dial", Err: timeoutErr{}}, KindTimeout},
		{"connection refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, KindRefused},
		{"postgres protocol error", &pq.Error{Code: "57P01", Message: "terminating connection"}, KindProtocol},
		{"connection reset", &net.OpError{Op: "read", Err: syscall.ECONNRESET}, KindProtocol},
		{"anything else", errors.New("unexpected EOF"), KindOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "none", KindNone.String())
	assert.Equal(t, "timeout", KindTimeout.String())
	assert.Equal(t, "refused", KindRefused.String())
	assert.Equal(t, "protocol", KindProtocol.String())
	assert.Equal(t, "other", KindOther.String())
}

func TestExecutor_Probe_RefusedEndpoint(t *testing.T) {
	// Reserve a port, then close the listener so nothing is accepting.
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := lis.Addr().(*net.TCPAddr).Port
	require.NoError(t, lis.Close())

	exec := NewExecutor(2 * time.Second)
	outcome := exec.Probe(context.Background(), Endpoint{
		Host: "127.0.0.1", Port: port,
		User: "postgres", Password: "postgres", Database: "postgres",
	})

	assert.False(t, outcome.Success)
	assert.Equal(t, KindRefused, outcome.Kind)
	assert.Error(t, outcome.Err)
	assert.Zero(t, outcome.Latency)
}

func TestExecutor_Probe_ChurnStillClassifies(t *testing.T) {
	// Churn mode skips the query but still dials, so endpoint failures
	// classify the same way.
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := lis.Addr().(*net.TCPAddr).Port
	require.NoError(t, lis.Close())

	exec := NewExecutor(2*time.Second, WithChurn(true))
	outcome := exec.Probe(context.Background(), Endpoint{
		Host: "127.0.0.1", Port: port,
		User: "postgres", Password: "postgres", Database: "postgres",
	})

	assert.False(t, outcome.Success)
	assert.Equal(t, KindRefused, outcome.Kind)
}

func TestExecutor_Probe_UnresponsiveEndpoint(t *testing.T) {
	// A listener that accepts but never speaks the protocol forces the
	// probe to run into its own deadline.
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = lis.Close() }()
	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				return
			}
			defer func() { _ = conn.Close() }()
		}
	}()

	exec := NewExecutor(500 * time.Millisecond)
	outcome := exec.Probe(context.Background(), Endpoint{
		Host: "127.0.0.1", Port: lis.Addr().(*net.TCPAddr).Port,
		User: "postgres", Password: "postgres", Database: "postgres",
	})

	assert.False(t, outcome.Success)
	assert.Equal(t, KindTimeout, outcome.Kind)
}
