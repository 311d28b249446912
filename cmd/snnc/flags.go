package main

import (
	"time"

	"github.com/urfave/cli/v3"
)

// settings holds the flag values shared by the commands.
type settings struct {
	configFile  string
	logLevel    string
	backend     string
	precision   string
	packing     string
	weights     string
	stage       string
	policy      string
	validate    bool
	debug       bool
	waitTimeout time.Duration
	workers     int64
}

func loggingFlags(s *settings) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "config file (default $XDG_CONFIG_HOME/shadernn/config.yaml)",
			Destination: &s.configFile,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "warn",
			Destination: &s.logLevel,
		},
	}
}

// generationFlags select how programs are generated.
func generationFlags(s *settings) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "precision",
			Usage:       "arithmetic precision (full, half)",
			Value:       "full",
			Destination: &s.precision,
		},
		&cli.StringFlag{
			Name:        "packing",
			Usage:       "planes written per draw pass (single, double, quad)",
			Value:       "single",
			Destination: &s.packing,
		},
		&cli.StringFlag{
			Name:        "weights",
			Usage:       "weight binding (constants, uniform, storage, texture)",
			Value:       "constants",
			Destination: &s.weights,
		},
		&cli.StringFlag{
			Name:        "stage",
			Usage:       "pass kind (compute, draw)",
			Value:       "compute",
			Destination: &s.stage,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "bind the invocation counter to every pass",
			Destination: &s.debug,
		},
	}
}

// executionFlags select and configure the backend.
func executionFlags(s *settings) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "execution backend (auto, gpu, software)",
			Value:       "auto",
			Destination: &s.backend,
		},
		&cli.StringFlag{
			Name:        "error-policy",
			Usage:       "on link errors (abort, degrade)",
			Value:       "abort",
			Destination: &s.policy,
		},
		&cli.BoolFlag{
			Name:        "validate",
			Usage:       "validate every program with naga before running",
			Destination: &s.validate,
		},
		&cli.DurationFlag{
			Name:        "wait-timeout",
			Usage:       "fence wait timeout (0 waits forever)",
			Destination: &s.waitTimeout,
		},
		&cli.Int64Flag{
			Name:        "workers",
			Usage:       "run independent layers on N goroutines in the software backend (0 and 1 keep compiled order, -1 uses all CPUs)",
			Destination: &s.workers,
		},
	}
}

func allFlags(s *settings, extra ...cli.Flag) []cli.Flag {
	flags := loggingFlags(s)
	flags = append(flags, generationFlags(s)...)
	flags = append(flags, executionFlags(s)...)
	return append(flags, extra...)
}
