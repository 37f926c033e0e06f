package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/jcserv/homelab/pkg/actuator"
	"github.com/jcserv/homelab/pkg/config"
	"github.com/jcserv/homelab/pkg/epochstore"
	"github.com/jcserv/homelab/pkg/lock"
	"github.com/jcserv/homelab/pkg/outage"
)

func commandStatusWithWriters(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := configFlag(fs)
	timeout := fs.Duration("timeout", 10*time.Second, "etcd request timeout")
	showNodes := fs.Bool("nodes", false, "also list cluster nodes with readiness and schedulability")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		reportConfigError(stderr, err)
		return exitConfigError
	}
	if *showNodes {
		if err := printNodes(stdout, cfg); err != nil {
			fmt.Fprintf(stderr, "failed to list nodes: %v\n", err)
			return exitUnavailable
		}
	}
	if !cfg.EtcdEnabled() {
		fmt.Fprintln(stdout, "outage persistence disabled: no etcd endpoints configured")
		return exitOK
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client, err := dialEtcd(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "failed to connect to etcd: %v\n", err)
		return exitUnavailable
	}
	defer client.Close()

	store, err := epochstore.NewEtcd(epochstore.EtcdOptions{Client: client, Namespace: cfg.Etcd.Namespace, Key: cfg.Etcd.StateKey})
	if err != nil {
		fmt.Fprintf(stderr, "failed to open epoch store: %v\n", err)
		return exitConfigError
	}
	snapshot, ok, err := store.Load(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "failed to read outage state: %v\n", err)
		return exitUnavailable
	}

	fmt.Fprintf(stdout, "state key: %s\n", store.Key())
	if !ok {
		fmt.Fprintln(stdout, "no outage in progress")
	} else {
		elapsed := time.Since(snapshot.StartedAt).Truncate(time.Second)
		fmt.Fprintf(stdout, "outage in progress since %s (%s)\n", snapshot.StartedAt.UTC().Format(time.RFC3339), elapsed)
		names := make([]string, 0, len(snapshot.Stages))
		for name := range snapshot.Stages {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(stdout, "  %-16s %s\n", name, snapshot.Stages[name])
		}
	}

	manager, err := lock.NewEtcdManager(lock.EtcdManagerOptions{
		Client:    client,
		LockKey:   cfg.Etcd.LockKey,
		Namespace: cfg.Etcd.Namespace,
		TTL:       cfg.LockTTL(),
	})
	if err != nil {
		fmt.Fprintf(stderr, "failed to open lock: %v\n", err)
		return exitConfigError
	}
	holder, held, err := manager.Current(ctx)
	switch {
	case err != nil:
		fmt.Fprintf(stderr, "failed to read lock holder: %v\n", err)
		return exitUnavailable
	case held:
		fmt.Fprintf(stdout, "lock held by %s (pid %d) since %s\n", holder.Holder, holder.PID, holder.AcquiredAt)
	default:
		fmt.Fprintln(stdout, "lock is free: no power monitor is running")
	}
	return exitOK
}

func printNodes(w io.Writer, cfg *config.Config) error {
	client, err := actuator.NewKubeClient(cfg.Kubernetes.Kubeconfig)
	if err != nil {
		return err
	}
	kube, err := actuator.NewKube(client, cfg.APITimeout())
	if err != nil {
		return err
	}
	nodes, err := kube.List(context.Background())
	if err != nil {
		return err
	}
	writeNodes(w, outage.RosterFromConfig(cfg), nodes)
	return nil
}

func writeNodes(w io.Writer, roster outage.Roster, nodes []actuator.NodeStatus) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
	fmt.Fprintln(w, "nodes:")
	for _, n := range nodes {
		role := "unmanaged"
		if n.Name == roster.Critical() {
			role = outage.RoleCritical.String()
		} else if r, ok := roster.Role(n.Name); ok {
			role = r.String()
		}
		ready := "NotReady"
		if n.Ready {
			ready = "Ready"
		}
		if n.Unschedulable {
			ready += ",SchedulingDisabled"
		}
		fmt.Fprintf(w, "  %-16s %-10s %s\n", n.Name, role, ready)
	}
}
