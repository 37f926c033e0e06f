package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jcserv/homelab/pkg/actuator"
	"github.com/jcserv/homelab/pkg/orchestrator"
	"github.com/jcserv/homelab/pkg/outage"
)

func commandSimulateWithWriters(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("simulate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := configFlag(fs)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		reportConfigError(stderr, err)
		return exitConfigError
	}

	roster := outage.RosterFromConfig(cfg)
	thresholds := outage.ThresholdsFromConfig(cfg)

	fmt.Fprintln(stdout, "roster:")
	fmt.Fprintf(stdout, "  critical:  %s (never touched)\n", orNone(roster.Critical()))
	fmt.Fprintf(stdout, "  priority:  %s\n", orNone(strings.Join(roster.Names(outage.RolePriority), ", ")))
	fmt.Fprintf(stdout, "  secondary: %s\n", orNone(strings.Join(roster.Names(outage.RoleSecondary), ", ")))
	for _, name := range roster.Excluded() {
		fmt.Fprintf(stdout, "  warning: %s is the critical node and was removed from its tier\n", name)
	}
	fmt.Fprintf(stdout, "modes: dry_run=%v skip_shutdown=%v test_mode=%s\n", cfg.DryRun, cfg.SkipShutdown, cfg.TestMode)

	attempts, err := projectTimeline(thresholds, roster, cfg.PollInterval())
	if err != nil {
		fmt.Fprintf(stderr, "failed to project timeline: %v\n", err)
		return exitConfigError
	}

	fmt.Fprintf(stdout, "projected outage timeline (poll every %s):\n", cfg.PollInterval())
	if len(attempts) == 0 {
		fmt.Fprintln(stdout, "  no node actions")
	}
	for _, a := range attempts {
		fmt.Fprintf(stdout, "  +%-8s %-10s %s (%s)\n", a.at, a.Action, a.Node, a.Role)
	}
	fmt.Fprintf(stdout, "on power restore: wait %s, then uncordon every ready node that is still cordoned\n", cfg.BootGrace())
	fmt.Fprintln(stdout, "no node actions performed in simulation mode")
	return exitOK
}

type projectedAttempt struct {
	orchestrator.Attempt
	at time.Duration
}

// projectTimeline drives the phase engine against a dry-run actuator at every poll until the
// last threshold has passed.
func projectTimeline(thresholds outage.Thresholds, roster outage.Roster, poll time.Duration) ([]projectedAttempt, error) {
	engine, err := orchestrator.NewPhaseEngine(thresholds, actuator.DryRun(nil, nil))
	if err != nil {
		return nil, err
	}
	if poll <= 0 {
		poll = time.Second
	}

	epoch := outage.NewEpoch(time.Time{}, roster)
	horizon := thresholds.Horizon()
	var out []projectedAttempt
	for elapsed := time.Duration(0); ; elapsed += poll {
		result := engine.Advance(context.Background(), elapsed, epoch)
		for _, a := range result.Attempts {
			out = append(out, projectedAttempt{Attempt: a, at: elapsed})
		}
		if elapsed >= horizon {
			break
		}
	}
	return out, nil
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
