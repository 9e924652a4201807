// cmd/pgharness/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/oakmere/pgharness/internal/admin"
	"github.com/oakmere/pgharness/internal/cluster"
	"github.com/oakmere/pgharness/internal/config"
	"github.com/oakmere/pgharness/internal/metrics"
	"github.com/oakmere/pgharness/internal/phase"
	"github.com/oakmere/pgharness/internal/probe"
	"github.com/oakmere/pgharness/internal/scenario"
)

func main() {
	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(os.Getenv("PGHARNESS_CONFIG"))
	if err != nil {
		logger.Fatal("config load failed", zap.Error(err))
	}

	nodes := make([]cluster.Node, 0, len(cfg.Cluster.Nodes))
	for _, n := range cfg.Cluster.Nodes {
		nodes = append(nodes, cluster.Node{
			Name:        n.Name,
			Host:        n.Host,
			DataPort:    n.DataPort,
			ControlPort: n.ControlPort,
		})
	}
	state := cluster.NewState(nodes)

	runtime := cluster.NewComposeRuntime(cfg.Cluster.ComposeFile, cfg.Cluster.WorkDir, logger)
	check := cluster.PostgresCheck(cluster.Credentials{
		User:     cfg.Cluster.User,
		Password: cfg.Cluster.Password,
		Database: cfg.Cluster.Database,
	}, cfg.Scenario.ProbeTimeout)

	controller := cluster.NewController(state, runtime, check,
		cluster.WithLogger(logger),
		cluster.WithGatewayLogCapture(cfg.Cluster.GatewayName, cfg.Cluster.ReportDir))

	endpoint := probe.Endpoint{
		Host:     cfg.Gateway.Host,
		Port:     cfg.Gateway.Port,
		User:     cfg.Cluster.User,
		Password: cfg.Cluster.Password,
		Database: cfg.Cluster.Database,
	}
	prober := probe.NewExecutor(cfg.Scenario.ProbeTimeout,
		probe.WithLogger(logger),
		probe.WithChurn(cfg.Scenario.Churn))
	collector := metrics.NewCollector(cfg.Scenario.ProbeTimeout, logger)

	registry := prometheus.NewRegistry()
	runner := scenario.NewRunner(cfg.Scenario, controller, prober, endpoint, len(nodes),
		scenario.WithRunnerLogger(logger),
		scenario.WithMetricsSource(collector, cfg.Gateway.MetricsURL),
		scenario.WithProbeRegistry(registry))

	if cfg.Admin.Enabled {
		adminSrv := admin.NewServer(cfg.Admin.Port, runner, registry, logger)
		adminSrv.Start()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = adminSrv.Shutdown(ctx)
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	report, err := runner.Run(ctx)
	if err != nil {
		logger.Fatal("scenario aborted", zap.Error(err))
	}

	logReport(logger, report)

	if report.Verdict == scenario.VerdictFailed {
		os.Exit(1)
	}
}

func logReport(logger *zap.Logger, report *scenario.Report) {
	logger.Info("scenario finished",
		zap.String("run_id", report.RunID),
		zap.String("verdict", report.Verdict.String()),
		zap.String("old_primary", report.OldPrimary),
		zap.String("new_primary", report.NewPrimary),
		zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)))

	for _, p := range []phase.Phase{phase.Before, phase.During, phase.After} {
		pr, ok := report.Phases[p]
		if !ok {
			continue
		}
		logger.Info("phase summary",
			zap.String("phase", p.String()),
			zap.Uint64("probes", pr.Probes),
			zap.Uint64("success", pr.Success),
			zap.Uint64("failure", pr.Failure),
			zap.Float64("success_rate", pr.SuccessRate),
			zap.Duration("latency_p99", pr.Latency.P99))
	}

	for _, v := range report.Violations {
		logger.Warn("invariant violated", zap.String("violation", v))
	}
}
