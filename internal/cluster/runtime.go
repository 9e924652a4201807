package cluster

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"os/exec"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"
)

// ComposeRuntime drives a docker compose stack through the docker CLI, the
// same control surface the cluster ships with. Only four primitives are
// used: stack up/down, per-container stop/start, and log retrieval.
type ComposeRuntime struct {
	composeFile string
	workDir     string
	logger      *zap.Logger
}

// NewComposeRuntime creates a runtime for the given compose file.
func NewComposeRuntime(composeFile, workDir string, logger *zap.Logger) *ComposeRuntime {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ComposeRuntime{
		composeFile: composeFile,
		workDir:     workDir,
		logger:      logger,
	}
}

func (r *ComposeRuntime) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Dir = r.workDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug("docker", zap.Strings("args", args))
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("docker %v: %w: %s", args, err, stderr.String())
	}
	return stdout.String(), nil
}

// StackUp brings all configured services up, building images as needed.
func (r *ComposeRuntime) StackUp(ctx context.Context) error {
	_, err := r.run(ctx, "compose", "-f", r.composeFile, "up", "-d", "--build")
	return err
}

// StackDown tears down containers, networks and volumes so no state leaks
// into the next run.
func (r *ComposeRuntime) StackDown(ctx context.Context) error {
	_, err := r.run(ctx, "compose", "-f", r.composeFile, "down", "-v")
	return err
}

// StopNode force-stops a single container. This is a hard stop, the moral
// equivalent of a crash, which is exactly what failover injection wants.
func (r *ComposeRuntime) StopNode(ctx context.Context, name string) error {
	_, err := r.run(ctx, "stop", name)
	return err
}

// Logs returns the container's combined log output.
func (r *ComposeRuntime) Logs(ctx context.Context, name string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return r.run(ctx, "logs", name)
}

// Credentials are the database credentials shared by all cluster nodes.
type Credentials struct {
	User     string
	Password string
	Database string
}

// PostgresCheck builds a CheckFunc that asks a node directly whether it is
// in recovery. A node that answers false to pg_is_in_recovery() is the
// writable primary.
func PostgresCheck(creds Credentials, connectTimeout time.Duration) CheckFunc {
	secs := int(connectTimeout / time.Second)
	if secs < 1 {
		secs = 1
	}
	return func(ctx context.Context, node Node) (bool, error) {
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable connect_timeout=%d",
			node.Host, node.DataPort, creds.User, creds.Password, creds.Database, secs)

		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return false, err
		}
		defer func() { _ = db.Close() }()
		db.SetMaxOpenConns(1)

		ctx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()

		var inRecovery bool
		if err := db.QueryRowContext(ctx, "SELECT pg_is_in_recovery()").Scan(&inRecovery); err != nil {
			return false, err
		}
		return !inRecovery, nil
	}
}
