package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jcserv/homelab/pkg/config"
	"github.com/jcserv/homelab/pkg/version"
)

const (
	exitOK          = 0
	exitUsage       = 64
	exitConfigError = 65
	exitUnavailable = 69
)

func main() {
	exitCode := run(os.Args[1:], os.Stdout, os.Stderr)
	os.Exit(exitCode)
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return exitUsage
	}

	switch args[0] {
	case "run":
		return commandRunWithWriters(args[1:], stdout, stderr)
	case "validate-config":
		return commandValidateWithWriters(args[1:], stdout, stderr)
	case "simulate":
		return commandSimulateWithWriters(args[1:], stdout, stderr)
	case "status":
		return commandStatusWithWriters(args[1:], stdout, stderr)
	case "version":
		fmt.Fprintln(stdout, version.Current().String())
		return exitOK
	case "-h", "--help", "help":
		usage(stdout)
		return exitOK
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", args[0])
		usage(stderr)
		return exitUsage
	}
}

func usage(w io.Writer) {
	fmt.Fprintf(w, `Usage: power-monitor <command> [options]
Commands:
  run                Watch the power sensor and degrade the cluster during outages
  validate-config    Validate the configuration file
  simulate           Print the roster and the projected outage timeline
  status             Show the persisted outage state and lock holder
  version            Print build version

A config path of "" reads the configuration from environment variables only.
`)
}

// configFlag registers the shared -config flag.
func configFlag(fs *flag.FlagSet) *string {
	return fs.String("config", config.DefaultConfigPath, `path to configuration file ("" for environment only)`)
}

func loadConfig(path string) (*config.Config, error) {
	if strings.TrimSpace(path) == "" {
		return config.FromEnv()
	}
	return config.Load(path)
}

func commandValidateWithWriters(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("validate-config", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := configFlag(fs)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	if _, err := loadConfig(*configPath); err != nil {
		reportConfigError(stderr, err)
		return exitConfigError
	}

	fmt.Fprintf(stdout, "configuration at %s is valid\n", displayPath(*configPath))
	return exitOK
}

func reportConfigError(w io.Writer, err error) {
	var validation *config.ValidationError
	if errors.As(err, &validation) {
		fmt.Fprintln(w, "configuration invalid:")
		for _, problem := range validation.Problems {
			fmt.Fprintf(w, "  - %s\n", problem)
		}
		return
	}
	fmt.Fprintf(w, "failed to load configuration: %v\n", err)
}

func displayPath(path string) string {
	if strings.TrimSpace(path) == "" {
		return "(environment)"
	}
	return path
}
