package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jcserv/homelab/pkg/actuator"
	"github.com/jcserv/homelab/pkg/config"
	"github.com/jcserv/homelab/pkg/epochstore"
	"github.com/jcserv/homelab/pkg/lock"
	"github.com/jcserv/homelab/pkg/observability"
	"github.com/jcserv/homelab/pkg/orchestrator"
	"github.com/jcserv/homelab/pkg/outage"
	"github.com/jcserv/homelab/pkg/sensor"
	"github.com/jcserv/homelab/pkg/version"
)

var errLockLost = errors.New("singleton lock lost")

func commandRunWithWriters(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := configFlag(fs)
	dryRun := fs.Bool("dry-run", false, "log every node action instead of performing it")
	skipShutdown := fs.Bool("skip-shutdown", false, "cordon and drain but never power nodes off")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		reportConfigError(stderr, err)
		return exitConfigError
	}
	if *dryRun {
		cfg.DryRun = true
	}
	if *skipShutdown {
		cfg.SkipShutdown = true
	}

	logger, err := observability.NewLogger(cfg.LogFormat, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "failed to create logger: %v\n", err)
		return exitConfigError
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runDaemon(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(stderr, "power monitor stopped: %v\n", err)
		return exitUnavailable
	}
	return exitOK
}

func runDaemon(ctx context.Context, cfg *config.Config, logger observability.Logger) error {
	var collector observability.MetricsCollector
	if cfg.Metrics.Enabled {
		prom := observability.NewPrometheusCollector()
		collector = prom
		shutdown, err := serveMetrics(cfg.Metrics.Listen, prom.Handler())
		if err != nil {
			return err
		}
		defer shutdown()
	}
	reporter := orchestrator.NewStructuredReporter(logger, collector)

	roster := outage.RosterFromConfig(cfg)
	announceModes(ctx, cfg, roster, reporter)

	act, err := buildActuator(ctx, cfg, reporter)
	if err != nil {
		return err
	}
	source, err := sensor.NewFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("build sensor: %w", err)
	}

	engine, err := orchestrator.NewPhaseEngine(outage.ThresholdsFromConfig(cfg), act,
		orchestrator.WithEngineReporter(reporter),
		orchestrator.WithActionTimeout(cfg.ActionTimeout()))
	if err != nil {
		return err
	}
	recovery, err := orchestrator.NewRecoveryCoordinator(act, cfg.BootGrace(),
		orchestrator.WithRecoveryReporter(reporter),
		orchestrator.WithRecoveryActionTimeout(cfg.ActionTimeout()))
	if err != nil {
		return err
	}

	var store epochstore.Store = epochstore.Noop{}
	runCtx := ctx
	if cfg.EtcdEnabled() {
		client, err := dialEtcd(cfg)
		if err != nil {
			return err
		}
		defer client.Close()

		etcdStore, err := epochstore.NewEtcd(epochstore.EtcdOptions{Client: client, Namespace: cfg.Etcd.Namespace, Key: cfg.Etcd.StateKey})
		if err != nil {
			return err
		}
		store = etcdStore

		manager, err := lock.NewEtcdManager(lock.EtcdManagerOptions{
			Client:    client,
			LockKey:   cfg.Etcd.LockKey,
			Namespace: cfg.Etcd.Namespace,
			TTL:       cfg.LockTTL(),
		})
		if err != nil {
			return err
		}
		lease, err := lock.AcquireBlocking(ctx, manager, cfg.PollInterval(), func(attempt int) {
			reporter.RecordEvent(ctx, observability.Event{
				Level:   observability.LevelWarn,
				Event:   "lock_wait",
				Message: "another power monitor holds the lock, waiting",
				Fields:  map[string]interface{}{"attempt": attempt, "key": cfg.Etcd.LockKey},
			})
		})
		if err != nil {
			return fmt.Errorf("acquire singleton lock: %w", err)
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = lease.Release(releaseCtx)
		}()

		var cancel context.CancelCauseFunc
		runCtx, cancel = context.WithCancelCause(ctx)
		defer cancel(nil)
		go func() {
			select {
			case <-lease.Done():
				reporter.RecordEvent(ctx, observability.Event{
					Level:   observability.LevelError,
					Event:   "lock_lost",
					Message: "singleton lock lost, stopping",
				})
				cancel(errLockLost)
			case <-runCtx.Done():
			}
		}()
	}

	monitor, err := orchestrator.NewMonitor(source, engine, recovery, roster, cfg.PollInterval(),
		orchestrator.WithReporter(reporter),
		orchestrator.WithStore(store))
	if err != nil {
		return err
	}

	err = monitor.Run(runCtx)
	if cause := context.Cause(runCtx); errors.Is(cause, errLockLost) {
		return cause
	}
	return err
}

func buildActuator(ctx context.Context, cfg *config.Config, reporter orchestrator.Reporter) (outage.NodeActuator, error) {
	cluster, err := buildCluster(cfg)
	if cfg.DryRun {
		var inner outage.NodeActuator
		if err != nil {
			reporter.RecordEvent(ctx, observability.Event{
				Level:   observability.LevelWarn,
				Event:   "cluster_unavailable",
				Message: "dry run without cluster access: every node reads as ready and schedulable",
				Fields:  map[string]interface{}{"error": err.Error()},
			})
		} else {
			inner = cluster
		}
		return actuator.DryRun(inner, reporter.RecordEvent), nil
	}
	if err != nil {
		return nil, err
	}

	var act outage.NodeActuator = cluster
	if cfg.SkipShutdown {
		act = actuator.SkipShutdown(act, reporter.RecordEvent)
	}
	return act, nil
}

func buildCluster(cfg *config.Config) (*actuator.Cluster, error) {
	client, err := actuator.NewKubeClient(cfg.Kubernetes.Kubeconfig)
	if err != nil {
		return nil, err
	}
	kube, err := actuator.NewKube(client, cfg.APITimeout())
	if err != nil {
		return nil, err
	}
	drainer, err := actuator.NewKubectlDrainer(nil, cfg.Kubernetes.Kubectl, cfg.Kubernetes.DrainArgs, cfg.DrainTimeout())
	if err != nil {
		return nil, err
	}

	var shutdown actuator.RemoteShutdown
	if !cfg.DryRun && !cfg.SkipShutdown {
		ssh, err := actuator.NewSSHShutdown(actuator.SSHOptions{
			User:       cfg.SSH.User,
			KeyPath:    cfg.SSH.KeyPath,
			Port:       cfg.SSH.Port,
			Command:    cfg.SSH.Command,
			Timeout:    cfg.SSHTimeout(),
			KnownHosts: cfg.SSH.KnownHosts,
		})
		if err != nil {
			return nil, fmt.Errorf("configure ssh shutdown: %w", err)
		}
		shutdown = ssh
	}
	return actuator.NewCluster(kube, drainer, shutdown)
}

func announceModes(ctx context.Context, cfg *config.Config, roster outage.Roster, reporter orchestrator.Reporter) {
	banner := func(mode, message string) {
		reporter.RecordEvent(ctx, observability.Event{
			Level:   observability.LevelWarn,
			Event:   "mode_banner",
			Message: message,
			Fields:  map[string]interface{}{"mode": mode, "version": version.Version},
		})
	}
	if cfg.DryRun {
		banner("dry_run", "DRY RUN: node actions are logged, not performed")
	}
	if cfg.SkipShutdown {
		banner("skip_shutdown", "SKIP SHUTDOWN: nodes are cordoned and drained but never powered off")
	}
	switch cfg.TestMode {
	case config.TestModeSimulateOutage:
		banner("simulate_outage", "TEST MODE: every sensor reading is treated as a power outage")
	case config.TestModeFull:
		banner("full", "TEST MODE: full test mode enabled")
	}

	for _, name := range roster.Excluded() {
		reporter.RecordEvent(ctx, observability.Event{
			Level:   observability.LevelWarn,
			Node:    name,
			Event:   "node_excluded",
			Message: "node is listed in a tier but is the critical node, it will never be touched",
		})
	}
}

func serveMetrics(addr string, handler http.Handler) (func(), error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return nil, fmt.Errorf("serve metrics on %s: %w", addr, err)
	case <-time.After(100 * time.Millisecond):
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
